// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package errorreporter accumulates the first error observed across
// goroutines. The supervisor's background goroutines — the SIGCHLD
// forwarder and the blob-store workers — report failures here, and
// the reactor reads the result after the loop stops; traverse uses
// it the same way for its parallel workers.
package errorreporter

import (
	"sync"
	"sync/atomic"
	"unsafe"
)

// T remembers the first non-nil error passed to Set. Thread safe;
// the zero value is ready to use.
type T struct {
	mu  sync.Mutex
	err unsafe.Pointer // stores *error
}

// Err returns the first non-nil error passed to Set. Calling Err is
// cheap (~1ns), so workers may poll it in their inner loops.
func (e *T) Err() error {
	p := atomic.LoadPointer(&e.err) // Acquire load
	if p == nil {
		return nil
	}
	return *(*error)(p)
}

// Set records an error. Only the first non-nil error is remembered;
// subsequent calls are ignored.
func (e *T) Set(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	if e.err == nil {
		atomic.StorePointer(&e.err, unsafe.Pointer(&err)) // Release store
	}
	e.mu.Unlock()
}
