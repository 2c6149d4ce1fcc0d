// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package traverse_test

import (
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/buildaccel/shortcut/traverse"
)

func TestTraverse(t *testing.T) {
	list := make([]int, 5)
	err := traverse.Each(5).Do(func(i int) error {
		list[i] += i
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i := range list {
		if got, want := list[i], i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if err := traverse.Each(0).Do(func(int) error { t.Fatal("op invoked"); return nil }); err != nil {
		t.Fatal(err)
	}
}

func TestError(t *testing.T) {
	boom := errors.New("boom")
	var invoked int64
	err := traverse.Parallel(100).Do(func(i int) error {
		atomic.AddInt64(&invoked, 1)
		if i == 0 {
			return boom
		}
		return nil
	})
	if got, want := err, boom; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if atomic.LoadInt64(&invoked) > 100 {
		t.Error("ops invoked after return")
	}
}

func TestPanic(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic")
		}
		if !strings.Contains(r.(string), "hello") {
			t.Errorf("panic message %q does not include the original panic", r)
		}
	}()
	traverse.Each(5).Do(func(i int) error {
		panic("hello")
	})
}

func TestLimit(t *testing.T) {
	var running, peak int64
	err := traverse.Each(64).Limit(2).Do(func(i int) error {
		n := atomic.AddInt64(&running, 1)
		for {
			old := atomic.LoadInt64(&peak)
			if n <= old || atomic.CompareAndSwapInt64(&peak, old, n) {
				break
			}
		}
		atomic.AddInt64(&running, -1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt64(&peak) > 2 {
		t.Errorf("observed %d concurrent ops, limit 2", peak)
	}
}
