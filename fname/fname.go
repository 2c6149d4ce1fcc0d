// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package fname interns canonical absolute paths into a process-wide
// singleton set. Every *Name returned by Get for the same canonical
// path string is the same pointer, so callers may compare by
// identity.
//
// fname also keeps the open-for-write refcount and generation counter
// a path carries: a HashCache lookup on a path currently open for
// writing must see DontKnow, since shortcutting against a file
// mid-write would be unsound.
package fname

import (
	"path"
	"strings"
	"sync"

	"github.com/buildaccel/shortcut/config"
	"github.com/buildaccel/shortcut/hash"
)

// Name is an interned, canonical absolute path. Two Names are the
// same path iff they are the same pointer.
type Name struct {
	path string

	hash64  uint64
	hash128 hash.Hash

	isIgnoreLocation bool
	isSystemLocation bool

	mu             sync.Mutex
	writers        int
	generation     uint64
	lastWasWriting bool
}

// Path returns the canonical absolute path string.
func (n *Name) Path() string { return n.path }

// String implements fmt.Stringer.
func (n *Name) String() string { return n.path }

// Hash64 returns a precomputed 64-bit hash of the path string, useful
// as a cheap map/set key distinct from the path's content hash.
func (n *Name) Hash64() uint64 { return n.hash64 }

// Hash128 returns a precomputed 128-bit hash of the path string.
func (n *Name) Hash128() hash.Hash { return n.hash128 }

// IsIgnoreLocation reports whether this path falls under a configured
// ignore location: paths here are never tracked as
// file usage.
func (n *Name) IsIgnoreLocation() bool { return n.isIgnoreLocation }

// IsSystemLocation reports whether this path falls under a configured
// system location: HashCache treats entries here as immutable once
// typed.
func (n *Name) IsSystemLocation() bool { return n.isSystemLocation }

// OpenForWriting increments the path's open-for-write refcount,
// bumping the generation counter on the 0→1 transition.
func (n *Name) OpenForWriting() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.writers++
	if n.writers == 1 {
		n.generation++
	}
}

// CloseForWriting decrements the refcount, bumping the generation
// counter again on the 1→0 transition.
func (n *Name) CloseForWriting() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.writers == 0 {
		return
	}
	n.writers--
	if n.writers == 0 {
		n.generation++
	}
}

// IsOpenForWriting reports whether the refcount is currently above
// zero.
func (n *Name) IsOpenForWriting() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.writers > 0
}

// WriteGeneration returns the current generation counter. Nothing
// in this repository currently consumes this value for cache
// invalidation; it is reserved for future invalidation logic and
// exercised only by TestOpenForWritingGeneration.
func (n *Name) WriteGeneration() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.generation
}

// Interner is the process-wide singleton set of interned Names. A
// supervisor constructs exactly one Interner at startup.
type Interner struct {
	matcher *config.Matcher

	mu    sync.RWMutex
	names map[string]*Name
}

// NewInterner creates an Interner that classifies new Names against
// matcher's ignore/system location lists.
func NewInterner(matcher *config.Matcher) *Interner {
	return &Interner{matcher: matcher, names: make(map[string]*Name)}
}

// Get returns the unique interned Name for p, creating it on first
// use. p must already be canonical: absolute, with no "." or ".."
// components and no trailing or duplicated slashes (the interceptor,
// out of scope here, is responsible for canonicalizing before calling
// into the supervisor).
func (in *Interner) Get(p string) *Name {
	in.mu.RLock()
	if n, ok := in.names[p]; ok {
		in.mu.RUnlock()
		return n
	}
	in.mu.RUnlock()

	in.mu.Lock()
	defer in.mu.Unlock()
	if n, ok := in.names[p]; ok {
		return n
	}
	n := &Name{
		path:    p,
		hash64:  hash.StringUint64(p),
		hash128: hash.FromString(p),
	}
	if in.matcher != nil {
		n.isIgnoreLocation = in.matcher.IsIgnoreLocation(p)
		n.isSystemLocation = in.matcher.IsSystemLocation(p)
	}
	in.names[p] = n
	return n
}

// Lookup returns the already-interned Name for p, if any, without
// creating one.
func (in *Interner) Lookup(p string) (*Name, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	n, ok := in.names[p]
	return n, ok
}

// Len returns the number of interned Names, mostly useful for tests
// and reporting.
func (in *Interner) Len() int {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return len(in.names)
}

// ParentDir returns the interned parent directory of n, or nil if n
// is the root "/".
func (in *Interner) ParentDir(n *Name) *Name {
	if n.path == "/" {
		return nil
	}
	dir := path.Dir(n.path)
	return in.Get(dir)
}

// IsCanonical reports whether p looks like a canonical absolute path:
// starts with "/", has no "." or ".." components, and no trailing or
// duplicated slashes (other than the root itself). This is a
// defensive check used by tests and by callers translating raw
// interceptor paths; the interceptor is expected to have already
// canonicalized its paths.
func IsCanonical(p string) bool {
	if p == "/" {
		return true
	}
	if !strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") {
		return false
	}
	for _, part := range strings.Split(p[1:], "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
