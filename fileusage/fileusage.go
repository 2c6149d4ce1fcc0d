// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package fileusage implements the "what do we know about this path"
// state algebra: FileType, FileInfo, FileUsage and FileUsageUpdate.
// FileUsage is interned so that merge results can be compared by
// pointer identity, exactly as fname.Name is.
package fileusage

import (
	"sync"

	"github.com/buildaccel/shortcut/hash"
)

// Type is one of the six file-type lattice values, ordered from least
// to most specific.
type Type int

const (
	DontKnow Type = iota
	NotExist
	NotExistOrIsRegEmpty
	NotExistOrIsReg
	IsReg
	IsDir
)

func (t Type) String() string {
	switch t {
	case DontKnow:
		return "DontKnow"
	case NotExist:
		return "NotExist"
	case NotExistOrIsRegEmpty:
		return "NotExistOrIsRegEmpty"
	case NotExistOrIsReg:
		return "NotExistOrIsReg"
	case IsReg:
		return "IsReg"
	case IsDir:
		return "IsDir"
	default:
		return "Type(?)"
	}
}

// Info is (type, optional size, optional hash). The invariant that an
// IsReg hash needs a known size is enforced by NewReg, not by the zero
// value: callers should build an Info through NewReg/NewDir/etc.
// rather than composing the struct literal by hand.
type Info struct {
	Type Type
	Size *int64
	Hash *hash.Hash
}

// NewUnknown returns an Info carrying no information.
func NewUnknown() Info { return Info{Type: DontKnow} }

// NewNotExist returns an Info recording that the path does not exist.
func NewNotExist() Info { return Info{Type: NotExist} }

// NewReg returns an Info for a regular file, optionally with a known
// size and/or hash. size==nil leaves the size unknown; a non-nil hash
// requires size to also be known.
func NewReg(size *int64, h *hash.Hash) Info {
	if h != nil && size == nil {
		panic("fileusage: IsReg Info with hash but no size")
	}
	return Info{Type: IsReg, Size: size, Hash: h}
}

// NewDir returns an Info for a directory, optionally with a known
// listing hash.
func NewDir(h *hash.Hash) Info {
	return Info{Type: IsDir, Hash: h}
}

// Matches reports whether i is consistent with query, per the
// lattice: a more specific type matches a less
// specific query (e.g. IsReg matches a NotExistOrIsReg query) but not
// vice-versa, and DontKnow matches nothing except another DontKnow
// query.
func (i Info) Matches(query Type) bool {
	switch query {
	case DontKnow:
		return true
	case NotExist:
		return i.Type == NotExist
	case NotExistOrIsRegEmpty:
		if i.Type == NotExist {
			return true
		}
		if i.Type == IsReg && i.Size != nil && *i.Size == 0 {
			return true
		}
		return i.Type == NotExistOrIsRegEmpty
	case NotExistOrIsReg:
		return i.Type == NotExist || i.Type == IsReg || i.Type == NotExistOrIsReg || i.Type == NotExistOrIsRegEmpty
	case IsReg:
		return i.Type == IsReg
	case IsDir:
		return i.Type == IsDir
	default:
		return false
	}
}

// Usage is the canonical, interned, immutable record of what one
// process observed about one path: its initial state,
// whether it was written, and whether an unexpected errno was
// observed opening it. Usage values are compared by pointer identity
// after interning via (*Interner).Intern.
type Usage struct {
	Initial    Info
	Written    bool
	UnknownErr int
}

// key is the value Usages are interned by. Hash/size/type are value
// types, so key is directly comparable.
type key struct {
	typ        Type
	hasSize    bool
	size       int64
	hasHash    bool
	h          hash.Hash
	written    bool
	unknownErr int
}

func keyOf(u Usage) key {
	k := key{typ: u.Initial.Type, written: u.Written, unknownErr: u.UnknownErr}
	if u.Initial.Size != nil {
		k.hasSize = true
		k.size = *u.Initial.Size
	}
	if u.Initial.Hash != nil {
		k.hasHash = true
		k.h = *u.Initial.Hash
	}
	return k
}

// Interner interns Usage values by content so that merge(a, b) can be
// tested for "did this change anything" via pointer comparison.
type Interner struct {
	mu   sync.Mutex
	byID map[key]*Usage
}

// NewInterner returns a fresh Usage interner.
func NewInterner() *Interner { return &Interner{byID: make(map[key]*Usage)} }

// Intern returns the canonical *Usage equal to u, creating it on
// first use.
func (in *Interner) Intern(u Usage) *Usage {
	k := keyOf(u)
	in.mu.Lock()
	defer in.mu.Unlock()
	if existing, ok := in.byID[k]; ok {
		return existing
	}
	canonical := u
	in.byID[k] = &canonical
	return &canonical
}

// Merge computes the merged Usage of older and newer:
//
//   - if older.Initial.Type == DontKnow, adopt newer's initial state;
//   - Written := older.Written || newer.Written;
//   - UnknownErr: a nonzero value, once observed, is sticky.
//
// Merge returns the interned canonical Usage, which may be the same
// pointer as older or newer when nothing changed — callers use that
// pointer equality to decide whether to keep propagating upward.
func (in *Interner) Merge(older, newer *Usage) *Usage {
	if older == nil {
		return newer
	}
	if newer == nil {
		return older
	}
	merged := Usage{
		Initial:    older.Initial,
		Written:    older.Written || newer.Written,
		UnknownErr: older.UnknownErr,
	}
	if older.Initial.Type == DontKnow {
		merged.Initial = newer.Initial
	}
	if merged.UnknownErr == 0 {
		merged.UnknownErr = newer.UnknownErr
	}
	result := in.Intern(merged)
	if *result == *older {
		return older
	}
	if *result == *newer {
		return newer
	}
	return result
}
