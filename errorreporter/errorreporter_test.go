// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package errorreporter_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buildaccel/shortcut/errorreporter"
	"github.com/buildaccel/shortcut/errors"
)

func TestFirstErrorWins(t *testing.T) {
	var e errorreporter.T
	require.NoError(t, e.Err())
	e.Set(nil)
	require.NoError(t, e.Err())
	first := errors.New("first")
	e.Set(first)
	e.Set(errors.New("second"))
	require.Equal(t, first, e.Err())
}

func TestConcurrentSet(t *testing.T) {
	var e errorreporter.T
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Set(errors.New("worker failed"))
		}()
	}
	wg.Wait()
	require.Error(t, e.Err())
}
