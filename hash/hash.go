// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package hash computes the 128-bit content hashes the rest of the
// supervisor uses as its universal identity: file contents, directory
// listings, and arbitrary byte buffers.
//
// The algorithm is XXH3-128, via github.com/zeebo/xxh3. The
// structural shape (fixed-size byte array, String()/hex and base64
// rendering, Parse) follows digest.Digest from grailbio/base,
// specialized to the one hash this supervisor ever needs.
package hash

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/zeebo/xxh3"

	"github.com/buildaccel/shortcut/errors"
)

// Size is the number of bytes in a Hash.
const Size = 16

// Hash is a 128-bit XXH3 digest, stored as an endian-independent
// 16-byte array.
type Hash [Size]byte

// Zero is the zero-value Hash, distinguishable from any real hash of
// a non-empty or empty buffer because FromBytes(nil) is never all
// zero bytes in practice; callers that need an explicit "no hash yet"
// sentinel should use a separate bool, not rely on IsZero.
var Zero Hash

// IsZero reports whether h is the zero Hash.
func (h Hash) IsZero() bool { return h == Zero }

// String renders h as a 32-character lowercase hex string, for debug
// output.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// base64Alphabet is a URL-safe, filesystem-safe alphabet so hash
// strings can be used directly as path components in BlobCache/
// ObjCache's sharded directory layout.
const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

var b64 = base64.NewEncoding(base64Alphabet).WithPadding(base64.NoPadding)

// Base64 renders h as a 22-character custom-alphabet base64 string,
// used as cache keys.
func (h Hash) Base64() string { return b64.EncodeToString(h[:]) }

// ParseBase64 parses a 22-character base64 string produced by
// Base64 back into a Hash.
func ParseBase64(s string) (Hash, error) {
	b, err := b64.DecodeString(s)
	if err != nil {
		return Hash{}, errors.E(errors.Invalid, "hash: invalid base64 hash", err)
	}
	var h Hash
	if len(b) != Size {
		return Hash{}, errors.E(errors.Invalid, fmt.Sprintf("hash: want %d bytes, got %d", Size, len(b)))
	}
	copy(h[:], b)
	return h, nil
}

// ParseHex parses a 32-character hex string produced by String back
// into a Hash.
func ParseHex(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, errors.E(errors.Invalid, "hash: invalid hex hash", err)
	}
	var h Hash
	if len(b) != Size {
		return Hash{}, errors.E(errors.Invalid, fmt.Sprintf("hash: want %d bytes, got %d", Size, len(b)))
	}
	copy(h[:], b)
	return h, nil
}

// MarshalText renders h as hex, so Hash fields embed readably in the
// JSON cache records and `_debug.json` dumps.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText parses the hex form produced by MarshalText.
func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHex(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// Less defines an arbitrary but stable total order over Hash values
// (bytewise comparison).
func (h Hash) Less(o Hash) bool { return bytes.Compare(h[:], o[:]) < 0 }

func fromU128(u xxh3.Uint128) Hash {
	var h Hash
	binary.LittleEndian.PutUint64(h[0:8], u.Lo)
	binary.LittleEndian.PutUint64(h[8:16], u.Hi)
	return h
}

// FromBytes hashes an arbitrary byte buffer.
func FromBytes(b []byte) Hash { return fromU128(xxh3.Hash128(b)) }

// FromString hashes a string without an intermediate []byte copy.
func FromString(s string) Hash { return fromU128(xxh3.HashString128(s)) }

// StringUint64 returns a cheap 64-bit hash of s, used by fname for a
// secondary map key distinct from the path's 128-bit content hash.
func StringUint64(s string) uint64 { return xxh3.HashString(s) }

// Writer accumulates bytes and produces a Hash on demand; it
// implements io.Writer so it composes with io.Copy and io.TeeReader.
type Writer struct{ h xxh3.Hasher }

// NewWriter returns a fresh streaming hasher.
func NewWriter() *Writer { return &Writer{} }

func (w *Writer) Write(p []byte) (int, error) { return w.h.Write(p) }

// Sum returns the Hash of everything written so far; it does not
// reset the Writer's state.
func (w *Writer) Sum() Hash { return fromU128(w.h.Sum128()) }

// ErrUnsuitable is returned by FromPath/FromFile for targets whose
// type does not support content hashing (device, socket, or a
// symlink followed to a non-regular target).
var ErrUnsuitable = errors.New("hash: path is not a regular file or directory")

// FromFile hashes an already-open regular file's full contents. If
// stat is non-nil it is used in place of an fstat call (the "may take
// a precomputed stat. Non-empty files are
// mmapped; the caller's seek offset is irrelevant since FromFile uses
// pread/mmap, never Read from the current offset.
func FromFile(f *os.File, stat os.FileInfo) (Hash, error) {
	if stat == nil {
		var err error
		stat, err = f.Stat()
		if err != nil {
			return Hash{}, errors.E(errors.NotExist, "hash: stat", err)
		}
	}
	if !stat.Mode().IsRegular() {
		return Hash{}, ErrUnsuitable
	}
	size := stat.Size()
	if size == 0 {
		return FromBytes(nil), nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		// Fall back to a plain read for filesystems that refuse mmap
		// (e.g. some overlay/network mounts); this is a transient I/O
		// condition, not an unsuitable-type error.
		return fromReaderAt(f, size)
	}
	defer unix.Munmap(data)
	return FromBytes(data), nil
}

func fromReaderAt(f *os.File, size int64) (Hash, error) {
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return Hash{}, errors.E(errors.Unavailable, "hash: read", err)
	}
	return FromBytes(buf), nil
}

// FromPath opens and hashes the regular file at path. If stat is
// non-nil it is used in place of an os.Lstat call.
func FromPath(path string, stat os.FileInfo) (Hash, error) {
	if stat == nil {
		var err error
		stat, err = os.Lstat(path)
		if err != nil {
			return Hash{}, errors.E(errors.NotExist, "hash: lstat", err)
		}
	}
	if !stat.Mode().IsRegular() {
		return Hash{}, ErrUnsuitable
	}
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, errors.E(errors.NotExist, "hash: open", err)
	}
	defer f.Close()
	return FromFile(f, stat)
}

// FromDirListing hashes a directory's listing: the set of entry names
// excluding "." and "..", sorted lexicographically, concatenated with
// a trailing NUL after each. Entry types and metadata
// are deliberately excluded, so e.g. renaming a file to a different
// type with the same name does not change the directory's hash (a
// deliberate: content changes to a
// directory's member files are separately tracked via those files'
// own FileUsage entries).
func FromDirListing(names []string) Hash {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	var buf bytes.Buffer
	for _, n := range sorted {
		if n == "." || n == ".." {
			continue
		}
		buf.WriteString(n)
		buf.WriteByte(0)
	}
	return FromBytes(buf.Bytes())
}

// FromDir reads and hashes the directory at path.
func FromDir(path string) (Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		return Hash{}, errors.E(errors.NotExist, "hash: opendir", err)
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	if err != nil {
		return Hash{}, errors.E(errors.Unavailable, "hash: readdir", err)
	}
	return FromDirListing(names), nil
}
