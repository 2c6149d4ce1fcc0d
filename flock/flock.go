// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package flock guards an on-disk cache directory with a POSIX
// advisory lock, so two supervisor processes never share one cache
// base directory concurrently. blobcache takes the lock once at open
// time and holds it for the run.
package flock

import (
	"context"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/buildaccel/shortcut/log"
)

// T locks one path. The zero value is not usable; construct with New.
type T struct {
	path string
	fd   int
	mu   sync.Mutex
}

// New returns a lock on the given path. The file is created on first
// Lock if missing.
func New(path string) *T {
	return &T{path: path}
}

// Lock acquires the lock, blocking until the holder releases it or
// ctx is done. Iff Lock returns nil the caller must call Unlock
// later.
//
// A blocked flock(2) cannot be interrupted directly, so the acquire
// runs on a helper goroutine; on cancellation a release is queued
// behind it, undoing the acquire whenever it lands.
func (f *T) Lock(ctx context.Context) (err error) {
	ops := make(chan func() error, 2)
	done := make(chan error, 2)
	go func() {
		var opErr error
		for op := range ops {
			if opErr == nil {
				opErr = op()
			}
			done <- opErr
		}
	}()
	ops <- f.acquire
	select {
	case <-ctx.Done():
		ops <- f.release
		err = ctx.Err()
	case err = <-done:
	}
	close(ops)
	return err
}

// Unlock releases the lock.
func (f *T) Unlock() error {
	return f.release()
}

func (f *T) acquire() error {
	f.mu.Lock() // serialize holders within this process

	fd, err := unix.Open(f.path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0644)
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.fd = fd
	err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	for err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		log.Printf("flock: waiting for %s", f.path)
		err = unix.Flock(fd, unix.LOCK_EX)
	}
	if err != nil {
		unix.Close(fd)
		f.mu.Unlock()
	}
	return err
}

func (f *T) release() error {
	err := unix.Flock(f.fd, unix.LOCK_UN)
	if cerr := unix.Close(f.fd); cerr != nil {
		log.Error.Printf("flock: close %s: %v", f.path, cerr)
	}
	f.mu.Unlock()
	return err
}
