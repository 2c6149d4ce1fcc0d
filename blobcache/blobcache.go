// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package blobcache implements the on-disk, content-addressed store
// of opaque byte blobs: file bodies and pipe recordings, keyed by
// their 128-bit content hash. Writes follow a create-temp-then-
// atomic-rename discipline; transient mkstemp/rename failures are
// retried with the retry package. A single flock.T guards the base
// directory against two supervisor processes sharing one cache
// concurrently: content-addressed entries themselves need no
// cross-process locking, but the sharding directories' setup does.
package blobcache

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/buildaccel/shortcut/errors"
	"github.com/buildaccel/shortcut/flock"
	"github.com/buildaccel/shortcut/hash"
	"github.com/buildaccel/shortcut/log"
	"github.com/buildaccel/shortcut/retry"
	"github.com/buildaccel/shortcut/syncpool"
)

// Cache is an on-disk, content-addressed blob store sharded as
// /X/XY/<base64-hash> under BaseDir.
type Cache struct {
	baseDir string
	lock    *flock.T

	policy retry.Policy

	pool   *syncpool.WorkerPool
	mirror *S3Mirror
}

// Option configures a Cache at Open time.
type Option func(*Cache)

// WithAsyncStore attaches a bounded worker pool used by
// StoreFileAsync to offload large copies from the reactor thread.
func WithAsyncStore(pool *syncpool.WorkerPool) Option {
	return func(c *Cache) { c.pool = pool }
}

// WithS3Mirror attaches an optional remote mirror used to push/pull
// blobs to a shared team cache.
func WithS3Mirror(m *S3Mirror) Option {
	return func(c *Cache) { c.mirror = m }
}

// Open acquires the base directory's single-writer lock and returns a
// ready Cache. The base directory is created if missing.
func Open(ctx context.Context, baseDir string, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, errors.E(errors.Unavailable, "blobcache: mkdir base dir", err)
	}
	lock := flock.New(filepath.Join(baseDir, ".lock"))
	if err := lock.Lock(ctx); err != nil {
		return nil, errors.E(errors.Unavailable, "blobcache: lock base dir", err)
	}
	c := &Cache{baseDir: baseDir, lock: lock, policy: retry.MaxRetries(retry.Jitter(retry.Backoff(10*time.Millisecond, 200*time.Millisecond, 1.5), 0.5), 5)}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close releases the base directory lock.
func (c *Cache) Close() error {
	return c.lock.Unlock()
}

// pathFor returns the sharded on-disk path for h: /X/XY/<b64hash>.
func (c *Cache) pathFor(h hash.Hash) string {
	b64 := h.Base64()
	return filepath.Join(c.baseDir, b64[0:1], b64[0:2], b64)
}

// Has reports whether a blob for h is already present.
func (c *Cache) Has(h hash.Hash) bool {
	_, err := os.Stat(c.pathFor(h))
	return err == nil
}

// StoreFile copies path's contents into a freshly mkstemp'd temp file
// inside the base dir, hashes the copy (not the original, so a
// concurrent writer of the original source cannot corrupt the cache),
// and renames it into place under its hash. If fd is
// non-nil it is used in place of opening path again; if stat is
// non-nil it is used in place of an additional stat(2).
func (c *Cache) StoreFile(path string, fd *os.File, stat os.FileInfo) (hash.Hash, error) {
	src := fd
	if src == nil {
		f, err := os.Open(path)
		if err != nil {
			return hash.Hash{}, errors.E(errors.NotExist, "blobcache: open source", err)
		}
		defer f.Close()
		src = f
	}
	if stat == nil {
		st, err := src.Stat()
		if err != nil {
			return hash.Hash{}, errors.E(errors.Unavailable, "blobcache: stat source", err)
		}
		stat = st
	}

	tmp, err := c.mkstempRetry()
	if err != nil {
		return hash.Hash{}, err
	}
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmp.Name())
		}
		tmp.Close()
	}()

	if err := copyInto(tmp, src, stat.Size()); err != nil {
		return hash.Hash{}, errors.E(errors.Unavailable, "blobcache: copy", err)
	}
	h, err := hash.FromFile(tmp, nil)
	if err != nil {
		return hash.Hash{}, errors.E(errors.Unavailable, "blobcache: hash copy", err)
	}
	if err := c.renameIntoPlace(tmp.Name(), h); err != nil {
		return hash.Hash{}, err
	}
	ok = true
	if c.mirror != nil {
		c.mirror.PushAsync(h, c.pathFor(h))
	}
	return h, nil
}

// MoveStoreFile adopts a file the caller has already created fresh
// inside (or next to) the base dir — as PipeRecorder does for its
// backing files — hashing it in place and renaming it under its hash.
func (c *Cache) MoveStoreFile(path string, fd *os.File, length int64) (hash.Hash, error) {
	h, err := hash.FromFile(fd, nil)
	if err != nil {
		return hash.Hash{}, errors.E(errors.Unavailable, "blobcache: hash moved file", err)
	}
	if err := c.renameIntoPlace(path, h); err != nil {
		return hash.Hash{}, err
	}
	return h, nil
}

// RetrieveFile reopens the cached blob for h and copies it into a
// newly created file at dst, preferring copy-on-write.
func (c *Cache) RetrieveFile(h hash.Hash, dst string) (retErr error) {
	src, err := os.Open(c.pathFor(h))
	if err != nil {
		if c.mirror != nil {
			if perr := c.mirror.Pull(h, c.pathFor(h)); perr == nil {
				src, err = os.Open(c.pathFor(h))
			}
		}
		if err != nil {
			return errors.E(errors.NotExist, "blobcache: blob missing", err)
		}
	}
	defer src.Close()
	stat, err := src.Stat()
	if err != nil {
		return errors.E(errors.Unavailable, "blobcache: stat blob", err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return errors.E(errors.Unavailable, "blobcache: mkdir dst parent", err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, stat.Mode().Perm())
	if err != nil {
		return errors.E(errors.Unavailable, "blobcache: create dst", err)
	}
	defer errors.CleanUp(out.Close, &retErr)
	if err := cloneOrCopy(out, src, stat.Size()); err != nil {
		return errors.E(errors.Unavailable, "blobcache: retrieve copy", err)
	}
	return nil
}

// TempFile returns a fresh temp file inside the base dir for callers
// that stream content before adopting it with MoveStoreFile; the
// PipeRecorder writes its captures here so the final store is a
// same-filesystem rename.
func (c *Cache) TempFile() (*os.File, error) {
	return c.mkstempRetry()
}

func (c *Cache) mkstempRetry() (*os.File, error) {
	var (
		f   *os.File
		err error
	)
	for attempt := 0; ; attempt++ {
		f, err = ioutil.TempFile(c.baseDir, "blob.tmp.")
		if err == nil {
			return f, nil
		}
		if rerr := retry.Wait(context.Background(), c.policy, attempt); rerr != nil {
			return nil, errors.E(errors.Unavailable, "blobcache: mkstemp", err)
		}
		log.Error.Printf("blobcache: mkstemp attempt %d failed: %v, retrying", attempt, err)
	}
}

func (c *Cache) renameIntoPlace(tmpPath string, h hash.Hash) error {
	dst := c.pathFor(h)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		os.Remove(tmpPath)
		return errors.E(errors.Unavailable, "blobcache: mkdir shard dir", err)
	}
	for attempt := 0; ; attempt++ {
		err := os.Rename(tmpPath, dst)
		if err == nil {
			return nil
		}
		if rerr := retry.Wait(context.Background(), c.policy, attempt); rerr != nil {
			os.Remove(tmpPath)
			return errors.E(errors.Unavailable, "blobcache: rename into place", err)
		}
		log.Error.Printf("blobcache: rename attempt %d failed: %v, retrying", attempt, err)
	}
}

// copyInto copies exactly size bytes from src (at offset 0) into dst,
// preferring FICLONE, then copy_file_range, then a plain read/write
// loop from offset 0; the source is never mmapped.
func copyInto(dst, src *os.File, size int64) error {
	if size == 0 {
		return nil
	}
	if err := ficlone(dst, src); err == nil {
		return nil
	}
	remaining := size
	for remaining > 0 {
		n, err := unix.CopyFileRange(int(src.Fd()), nil, int(dst.Fd()), nil, int(remaining), 0)
		if err != nil {
			return copyLoop(dst, src)
		}
		if n == 0 {
			break
		}
		remaining -= int64(n)
	}
	return nil
}

func cloneOrCopy(dst, src *os.File, size int64) error {
	return copyInto(dst, src, size)
}

func ficlone(dst, src *os.File) error {
	return unix.IoctlFileClone(int(dst.Fd()), int(src.Fd()))
}

func copyLoop(dst, src *os.File) error {
	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := io.Copy(dst, src)
	return err
}

// StoreHandle is a future for an async StoreFile call.
type StoreHandle struct {
	done chan struct{}
	hash hash.Hash
	err  error
}

// Wait blocks until the store completes and returns its result. It is
// only ever called from the reactor thread when finalizing the
// owning process's subtree, never mid-loop.
func (h *StoreHandle) Wait() (hash.Hash, error) {
	<-h.done
	return h.hash, h.err
}

type storeTask struct {
	c      *Cache
	path   string
	fd     *os.File
	stat   os.FileInfo
	handle *StoreHandle
}

func (t *storeTask) Do(grp *syncpool.TaskGroup) error {
	h, err := t.c.StoreFile(t.path, t.fd, t.stat)
	t.handle.hash, t.handle.err = h, err
	close(t.handle.done)
	return err
}

// StoreFileAsync enqueues a store job on the Cache's worker pool
// (configured via WithAsyncStore) and returns immediately with a
// handle. If no pool was configured, it runs synchronously: async
// offload is an optimization, not semantically required.
func (c *Cache) StoreFileAsync(path string, fd *os.File, stat os.FileInfo) *StoreHandle {
	handle := &StoreHandle{done: make(chan struct{})}
	if c.pool == nil {
		h, err := c.StoreFile(path, fd, stat)
		handle.hash, handle.err = h, err
		close(handle.done)
		return handle
	}
	grp := c.pool.NewTaskGroup("blobcache-store", nil)
	grp.Enqueue(&storeTask{c: c, path: path, fd: fd, stat: stat, handle: handle}, true)
	go grp.Wait()
	return handle
}
