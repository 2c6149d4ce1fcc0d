// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package hashcache implements the in-memory, process-lifetime
// path → (type, size, mtime, inode, hash, stored?) cache. The
// structure mirrors ttlcache's map+mutex shape but not its
// time-based expiry: entries are invalidated by stat comparison,
// never by a TTL.
package hashcache

import (
	"os"
	"sync"
	"syscall"

	"github.com/buildaccel/shortcut/fname"
	"github.com/buildaccel/shortcut/hash"
)

// Entry is one path's cached filesystem identity.
type Entry struct {
	Type    Type
	Size    int64
	MtimeS  int64
	MtimeNs int64
	Inode   uint64
	Hash    hash.Hash
	HasHash bool
	Stored  bool
}

// Type mirrors fileusage.Type without importing it, so hashcache has
// no dependency on the process-tree side of the supervisor; cacher
// bridges between the two.
type Type int

const (
	DontKnow Type = iota
	NotExist
	IsReg
	IsDir
)

// Storer stores a file's contents into the BlobCache and reports the
// resulting hash; hashcache depends on this interface, not on the
// concrete blobcache package, so the two can be tested independently.
type Storer interface {
	StoreFile(path string, fd *os.File, stat os.FileInfo) (hash.Hash, error)
}

// Cache is the in-memory HashCache. One Cache is constructed per
// supervisor run and lives exactly as long as the process.
type Cache struct {
	in *fname.Interner

	mu      sync.Mutex
	entries map[*fname.Name]*Entry
}

// New constructs an empty Cache backed by the given path interner.
func New(in *fname.Interner) *Cache {
	return &Cache{in: in, entries: make(map[*fname.Name]*Entry)}
}

// Invalidate drops any cached entry for n, forcing the next lookup to
// re-stat. Called by callers that know a path changed out from under
// the cache (e.g. a process closes a file it held open for writing).
func (c *Cache) Invalidate(n *fname.Name) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, n)
}

// Lookup returns the validated cache entry for n, statting and
// hashing as needed.
//
//   - If n is currently open for writing, returns (nil, DontKnow):
//     shortcutting against a file mid-write would be unsound.
//   - If n is a system location and already typed, the cached entry
//     is returned without re-stat (system locations are assumed
//     immutable).
//   - Otherwise stat(2) is performed (unless skipStatInfoUpdate and an
//     entry already exists) and compared against the cached metadata;
//     a mismatch invalidates the hash and updates the metadata.
//   - If wantStore and the entry has not yet been copied into the
//     BlobCache, store asks storer to do so and records the resulting
//     hash; otherwise, if a hash is wanted but not yet known, it is
//     computed directly.
func (c *Cache) Lookup(n *fname.Name, statFn func() (os.FileInfo, error), wantStore bool, skipStatInfoUpdate bool, storer Storer) (*Entry, Type, error) {
	if n.IsOpenForWriting() {
		return nil, DontKnow, nil
	}

	c.mu.Lock()
	existing, ok := c.entries[n]
	c.mu.Unlock()

	if ok && n.IsSystemLocation() && existing.Type != DontKnow {
		return existing, existing.Type, nil
	}
	if ok && skipStatInfoUpdate {
		return existing, existing.Type, nil
	}

	st, err := statFn()
	if err != nil {
		if os.IsNotExist(err) {
			c.mu.Lock()
			delete(c.entries, n)
			c.mu.Unlock()
			return nil, NotExist, nil
		}
		return nil, DontKnow, err
	}

	entry := c.statInfoFor(st)
	if entry.Type == DontKnow {
		// Non-regular, non-directory target (device, socket, symlink to
		// something unsuitable): record NotExist and drop from the map;
		// negative caching is not allowed outside
		// system locations.
		c.mu.Lock()
		delete(c.entries, n)
		c.mu.Unlock()
		return nil, NotExist, nil
	}

	if ok && sameStat(existing, entry) {
		entry.Hash = existing.Hash
		entry.HasHash = existing.HasHash
		entry.Stored = existing.Stored
	}

	if wantStore && !entry.Stored && entry.Type == IsReg {
		if f, ferr := os.Open(n.Path()); ferr == nil {
			h, serr := storer.StoreFile(n.Path(), f, st)
			f.Close()
			if serr == nil {
				entry.Hash, entry.HasHash, entry.Stored = h, true, true
			}
		}
	} else if !entry.HasHash {
		h, herr := hashOf(n.Path(), entry.Type, st)
		if herr == nil {
			entry.Hash, entry.HasHash = h, true
		}
	}

	c.mu.Lock()
	c.entries[n] = entry
	c.mu.Unlock()
	return entry, entry.Type, nil
}

func hashOf(path string, t Type, st os.FileInfo) (hash.Hash, error) {
	if t == IsDir {
		return hash.FromDir(path)
	}
	return hash.FromPath(path, st)
}

func (c *Cache) statInfoFor(st os.FileInfo) *Entry {
	e := &Entry{}
	switch {
	case st.Mode().IsRegular():
		e.Type = IsReg
		e.Size = st.Size()
	case st.IsDir():
		e.Type = IsDir
	default:
		e.Type = DontKnow
	}
	if sysStat, ok := st.Sys().(*syscall.Stat_t); ok {
		e.MtimeS = sysStat.Mtim.Sec
		e.MtimeNs = sysStat.Mtim.Nsec
		e.Inode = sysStat.Ino
	}
	return e
}

func sameStat(a, b *Entry) bool {
	return a.Size == b.Size && a.MtimeS == b.MtimeS && a.MtimeNs == b.MtimeNs && a.Inode == b.Inode
}

// MatchesType reports whether a cached type is one of the wanted
// types: NotExist matches when wantNotExist is set, IsReg when
// wantIsReg is set, IsDir when wantIsDir is set, and any other cached
// type matches nothing. It works on hashcache's own Type, without
// reference to fileusage's Type enum.
func MatchesType(cacheType Type, wantNotExist, wantIsReg, wantIsDir bool) bool {
	switch cacheType {
	case NotExist:
		return wantNotExist
	case IsReg:
		return wantIsReg
	case IsDir:
		return wantIsDir
	default:
		return false
	}
}
