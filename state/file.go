// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package state stores small JSON documents — the supervisor's
// configuration and similar sidecar state — in atomically replaced
// files with advisory locking, so an external tool can rewrite the
// config while a supervisor holds it open.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/buildaccel/shortcut/errors"
)

// ErrNoState is returned when attempting to read a nonexistent state.
var ErrNoState = errors.New("no state exists")

// File is one stored document. It is safe for concurrent use within
// a process, and the flock-based Lock coordinates across processes.
type File struct {
	mu     sync.Mutex
	prefix string
	lockfd int
}

// Open returns the document stored at the given prefix. The
// following files back it:
//	- {prefix}.json: the current state
//	- {prefix}.lock: the POSIX lock file
//	- {prefix}.bak: the previous state
func Open(prefix string) (*File, error) {
	f := &File{prefix: prefix}
	os.MkdirAll(filepath.Dir(prefix), 0777) // best-effort
	var err error
	f.lockfd, err = syscall.Open(prefix+".lock", syscall.O_CREAT|syscall.O_RDWR, 0777)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Marshal opens the document at prefix, stores v into it, and closes
// it.
func Marshal(prefix string, v interface{}) (err error) {
	file, err := Open(prefix)
	if err != nil {
		return err
	}
	defer errors.CleanUp(file.Close, &err)
	return file.Marshal(v)
}

// Unmarshal opens the document at prefix, decodes it into v, and
// closes it. This is how the supervisor entry point loads the
// FB_CONFIG file.
func Unmarshal(prefix string, v interface{}) (err error) {
	file, err := Open(prefix)
	if err != nil {
		return err
	}
	defer errors.CleanUp(file.Close, &err)
	return file.Unmarshal(v)
}

// Lock locks the document, both inside the process and outside. Lock
// relies on POSIX flock, which may not be available on all
// filesystems, notably NFS and SMB.
func (f *File) Lock() error {
	f.mu.Lock()
	if err := syscall.Flock(f.lockfd, syscall.LOCK_EX); err != nil {
		f.mu.Unlock()
		return err
	}
	return nil
}

// Unlock unlocks the document.
func (f *File) Unlock() error {
	if err := syscall.Flock(f.lockfd, syscall.LOCK_UN); err != nil {
		return err
	}
	f.mu.Unlock()
	return nil
}

// Marshal atomically stores the JSON-encoded representation of v as
// the current state, keeping the previous state as the .bak file. It
// is only stored when Marshal returns a nil error.
func (f *File) Marshal(v interface{}) error {
	w, err := os.CreateTemp(filepath.Dir(f.prefix), filepath.Base(f.prefix)+".write")
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.Close()
		os.Remove(w.Name())
		return err
	}
	if err := w.Close(); err != nil {
		os.Remove(w.Name())
		return err
	}
	os.Remove(f.prefix + ".bak")
	os.Link(f.prefix+".json", f.prefix+".bak")
	return os.Rename(w.Name(), f.prefix+".json")
}

// Unmarshal decodes the current state into v. Unmarshal returns
// ErrNoState if no state is stored.
func (f *File) Unmarshal(v interface{}) (err error) {
	w, err := os.Open(f.prefix + ".json")
	if os.IsNotExist(err) {
		return ErrNoState
	} else if err != nil {
		return err
	}
	defer errors.CleanUp(w.Close, &err)
	return json.NewDecoder(w).Decode(v)
}

// Close releases resources associated with this document handle.
func (f *File) Close() error {
	return syscall.Close(f.lockfd)
}
