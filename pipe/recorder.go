// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pipe

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/buildaccel/shortcut/blobcache"
	"github.com/buildaccel/shortcut/errors"
	"github.com/buildaccel/shortcut/hash"
	"github.com/buildaccel/shortcut/log"
)

// Recorder captures the subset of a Pipe's traffic written
// transitively from under one ExecedProcess, into an append-only
// backing file created inside the BlobCache base dir so the final
// store is a same-filesystem rename.
type Recorder struct {
	blobs  *blobcache.Cache
	file   *os.File
	path   string
	length int64
	active bool
	stored bool
}

// NewRecorder creates an active recorder backed by a fresh temp file
// in the blob cache's base dir.
func NewRecorder(blobs *blobcache.Cache) (*Recorder, error) {
	f, err := blobs.TempFile()
	if err != nil {
		return nil, errors.E(errors.Unavailable, "pipe: recorder temp file", err)
	}
	return &Recorder{blobs: blobs, file: f, path: f.Name(), active: true}, nil
}

// Len returns the number of bytes captured so far.
func (r *Recorder) Len() int64 { return r.length }

// Active reports whether the recorder is still capturing.
func (r *Recorder) Active() bool { return r.active }

// writeBytes appends data from the user-space copy path.
func (r *Recorder) writeBytes(data []byte) {
	if !r.active {
		return
	}
	n, err := r.file.WriteAt(data, r.length)
	if err != nil {
		log.Error.Printf("pipe: recorder write: %v", err)
		r.Deactivate()
		return
	}
	r.length += int64(n)
}

// spliceFrom consumes up to n bytes from pipeFd straight into the
// backing file, returning the number moved or -1 on error. Used as
// the first recorder's kernel-side path.
func (r *Recorder) spliceFrom(pipeFd int, n int) int {
	if !r.active {
		return -1
	}
	off := r.length
	moved := 0
	for moved < n {
		m, err := unix.Splice(pipeFd, nil, int(r.file.Fd()), &off, n-moved, unix.SPLICE_F_NONBLOCK)
		if err == unix.EAGAIN {
			break
		}
		if err != nil || m == 0 {
			if err != nil {
				log.Error.Printf("pipe: recorder splice: %v", err)
				r.Deactivate()
				return -1
			}
			break
		}
		moved += int(m)
	}
	r.length = off
	return moved
}

// copyFrom duplicates n bytes from another recorder's backing file at
// the given offset, the fan-out path for second and later recorders.
func (r *Recorder) copyFrom(first *Recorder, off, n int64) {
	if !r.active {
		return
	}
	srcOff := off
	dstOff := r.length
	for n > 0 {
		m, err := unix.CopyFileRange(int(first.file.Fd()), &srcOff, int(r.file.Fd()), &dstOff, int(n), 0)
		if err != nil || m == 0 {
			if err != nil {
				log.Error.Printf("pipe: recorder copy_file_range: %v", err)
				r.Deactivate()
			}
			return
		}
		n -= int64(m)
	}
	r.length = dstOff
}

// Deactivate stops capturing and discards the backing file unless it
// was already stored.
func (r *Recorder) Deactivate() {
	if !r.active {
		return
	}
	r.active = false
	if !r.stored {
		r.file.Close()
		os.Remove(r.path)
	}
}

// Store finalizes the recorder: a non-empty capture moves into the
// BlobCache under its content hash; an empty one is dropped with no
// blob and no hash.
func (r *Recorder) Store() (hash.Hash, bool, error) {
	if r.stored {
		return hash.Hash{}, false, errors.E(errors.Precondition, "pipe: recorder already stored")
	}
	r.stored = true
	r.active = false
	defer r.file.Close()
	if r.length == 0 {
		os.Remove(r.path)
		return hash.Hash{}, false, nil
	}
	h, err := r.blobs.MoveStoreFile(r.path, r.file, r.length)
	if err != nil {
		os.Remove(r.path)
		return hash.Hash{}, false, err
	}
	return h, true, nil
}
