// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package must_test

import (
	"fmt"
	"testing"

	"github.com/buildaccel/shortcut/must"
)

func capture(f func()) (msgs []string) {
	old := must.Func
	must.Func = func(v ...interface{}) { msgs = append(msgs, fmt.Sprint(v...)) }
	defer func() { must.Func = old }()
	f()
	return msgs
}

func TestTrue(t *testing.T) {
	msgs := capture(func() {
		must.True(true, "never reported")
		must.True(false)
		must.True(false, "fd table corrupt: ", 42)
	})
	if got, want := len(msgs), 2; got != want {
		t.Fatalf("got %d messages, want %d", got, want)
	}
	if got, want := msgs[0], "must: assertion failed"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if got, want := msgs[1], "fd table corrupt: 42"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestTruef(t *testing.T) {
	msgs := capture(func() {
		must.Truef(true, "never %s", "reported")
		must.Truef(false, "pid %d missing", 7)
	})
	if got, want := fmt.Sprint(msgs), "[pid 7 missing]"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
