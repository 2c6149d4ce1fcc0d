// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package ttlcache implements a small set of expiring tokens. pipe
// uses it for the "a future writer end is expected shortly"
// placeholders: a token parked here keeps a pipe alive briefly while
// a process about to exec inherits the writer, and simply ages out
// otherwise.
//
// There is no active garbage collection; expired tokens are deleted
// lazily on Contains.
package ttlcache

import (
	"sync"
	"time"
)

// Cache is a TTL-bounded token set. All tokens share one TTL, fixed
// at construction; a token's clock restarts each time it is Set.
type Cache struct {
	mu     sync.Mutex
	ttl    time.Duration
	tokens map[int]time.Time
}

// New returns an empty set whose tokens expire ttl after their last
// Set.
func New(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, tokens: make(map[int]time.Time)}
}

// Set adds token to the set, restarting its expiry clock.
func (c *Cache) Set(token int) {
	c.mu.Lock()
	c.tokens[token] = time.Now().Add(c.ttl)
	c.mu.Unlock()
}

// Contains reports whether token is present and unexpired, deleting
// it if its TTL has passed.
func (c *Cache) Contains(token int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	deadline, ok := c.tokens[token]
	if !ok {
		return false
	}
	if !deadline.After(time.Now()) {
		delete(c.tokens, token)
		return false
	}
	return true
}

// Len returns the number of tokens currently stored, counting ones
// that have expired but not yet been swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tokens)
}
