// Copyright 2022 GRAIL, Inc.  All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package bitset implements the compact occupancy bitmap backing the
// per-process fd table: one bit per descriptor slot, in machine
// words. A process tracks hundreds of descriptors at most, so the
// bitmap stays a handful of words; Next lets the fd-table iterate
// occupied slots without scanning empty ones.
package bitset

import (
	"math/bits"
)

// BitsPerWord is the number of bits in a bitmap word.
const BitsPerWord = 64

// Bits is a growable bitmap. The zero value is an empty bitmap ready
// for use.
type Bits []uintptr

// New returns a bitmap with capacity for at least n bits, all clear.
func New(n int) Bits {
	return make(Bits, (n+BitsPerWord-1)/BitsPerWord)
}

// Set sets bit i, growing the bitmap as needed.
func (b *Bits) Set(i int) {
	word := uint(i) / BitsPerWord
	for word >= uint(len(*b)) {
		*b = append(*b, 0)
	}
	(*b)[word] |= 1 << (uint(i) % BitsPerWord)
}

// Clear clears bit i. Clearing a bit beyond the bitmap is a no-op.
func (b Bits) Clear(i int) {
	word := uint(i) / BitsPerWord
	if word >= uint(len(b)) {
		return
	}
	b[word] &^= 1 << (uint(i) % BitsPerWord)
}

// Test reports whether bit i is set.
func (b Bits) Test(i int) bool {
	word := uint(i) / BitsPerWord
	if word >= uint(len(b)) {
		return false
	}
	return b[word]&(1<<(uint(i)%BitsPerWord)) != 0
}

// Count returns the number of set bits.
func (b Bits) Count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(uint64(w))
	}
	return n
}

// Next returns the position of the first set bit at or after i, or -1
// when no such bit exists.
func (b Bits) Next(i int) int {
	if i < 0 {
		i = 0
	}
	word := uint(i) / BitsPerWord
	if word >= uint(len(b)) {
		return -1
	}
	// Mask off the bits below i in the first word.
	w := b[word] &^ ((1 << (uint(i) % BitsPerWord)) - 1)
	for {
		if w != 0 {
			return int(word)*BitsPerWord + bits.TrailingZeros64(uint64(w))
		}
		word++
		if word >= uint(len(b)) {
			return -1
		}
		w = b[word]
	}
}
