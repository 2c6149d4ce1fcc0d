// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package objcache implements the on-disk multimap fingerprint → set
// of (inputs, outputs) records. Each fingerprint may
// accumulate multiple entries, one per previously-observed distinct
// input state, distinguished by a monotonically generated subkey.
//
// The primary record is stored with a temp-file-then-fsync-rename
// discipline; its optional `_debug.json` companion dump is written to
// a temp file and renamed without an fsync. Record bytes are optionally zstd-compressed
// (klauspost/compress/zstd) before the rename.
package objcache

import (
	"encoding/base64"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/buildaccel/shortcut/errors"
	"github.com/buildaccel/shortcut/hash"
)

// Subkey is a 128-bit identifier distinguishing entries that share a
// fingerprint.
type Subkey = hash.Hash

// Cache is the on-disk ObjCache.
type Cache struct {
	baseDir    string
	debugJSON  bool
	compress   bool
	deterministic bool // debug mode: derive subkeys from content, not wall clock

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Option configures a Cache at Open time.
type Option func(*Cache)

// WithDebugJSON enables the human-readable `_debug.json` companion
// dumps.
func WithDebugJSON(enabled bool) Option { return func(c *Cache) { c.debugJSON = enabled } }

// WithCompression enables zstd compression of stored record bytes.
func WithCompression(enabled bool) Option { return func(c *Cache) { c.compress = enabled } }

// WithDeterministicSubkeys derives subkeys from the record's content
// hash instead of wall-clock nanoseconds, for reproducible test
// fixtures.
func WithDeterministicSubkeys(enabled bool) Option {
	return func(c *Cache) { c.deterministic = enabled }
}

// Open returns a ready Cache rooted at baseDir, creating it if
// missing.
func Open(baseDir string, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, errors.E(errors.Unavailable, "objcache: mkdir base dir", err)
	}
	c := &Cache{baseDir: baseDir}
	for _, opt := range opts {
		opt(c)
	}
	if c.compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, errors.E(errors.Unavailable, "objcache: zstd encoder", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, errors.E(errors.Unavailable, "objcache: zstd decoder", err)
		}
		c.encoder, c.decoder = enc, dec
	}
	return c, nil
}

// Close releases the zstd codecs, if compression was enabled.
func (c *Cache) Close() error {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
	return nil
}

func (c *Cache) dirFor(fingerprint hash.Hash) string {
	b64 := fingerprint.Base64()
	return filepath.Join(c.baseDir, b64[0:1], b64[0:2], b64)
}

// Store writes one new entry under fingerprint, minting a fresh
// subkey, and returns it.
func (c *Cache) Store(fingerprint hash.Hash, record []byte) (Subkey, error) {
	dir := c.dirFor(fingerprint)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Subkey{}, errors.E(errors.Unavailable, "objcache: mkdir fingerprint dir", err)
	}
	subkey := c.mintSubkey(record)

	payload := record
	if c.compress {
		payload = c.encoder.EncodeAll(record, nil)
	}

	tmp, err := ioutil.TempFile(dir, "entry.tmp.")
	if err != nil {
		return Subkey{}, errors.E(errors.Unavailable, "objcache: mkstemp", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return Subkey{}, errors.E(errors.Unavailable, "objcache: write entry", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return Subkey{}, errors.E(errors.Unavailable, "objcache: fsync entry", err)
	}
	if err := tmp.Close(); err != nil {
		return Subkey{}, errors.E(errors.Unavailable, "objcache: close entry", err)
	}
	dst := filepath.Join(dir, subkey.Base64())
	if err := os.Rename(tmpPath, dst); err != nil {
		return Subkey{}, errors.E(errors.Unavailable, "objcache: rename entry", err)
	}
	ok = true

	if c.debugJSON {
		c.writeDebugJSON(dst+"_debug.json", fingerprint, subkey, record)
	}
	return subkey, nil
}

func (c *Cache) mintSubkey(record []byte) Subkey {
	if c.deterministic {
		return hash.FromBytes(record)
	}
	var buf [8]byte
	now := uint64(time.Now().UnixNano())
	for i := 0; i < 8; i++ {
		buf[i] = byte(now >> (8 * i))
	}
	return hash.FromBytes(buf[:])
}

type debugDump struct {
	Fingerprint string `json:"fingerprint"`
	Subkey      string `json:"subkey"`
	Record      string `json:"record_base64"`
}

func (c *Cache) writeDebugJSON(path string, fingerprint, subkey hash.Hash, record []byte) {
	dump := debugDump{
		Fingerprint: fingerprint.String(),
		Subkey:      subkey.String(),
		Record:      base64.StdEncoding.EncodeToString(record),
	}
	b, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return
	}
	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, b, 0644); err != nil {
		return
	}
	os.Rename(tmp, path)
}

// Retrieve returns the raw (decompressed) bytes of the entry stored
// under (fingerprint, subkey).
func (c *Cache) Retrieve(fingerprint hash.Hash, subkey Subkey) ([]byte, error) {
	path := filepath.Join(c.dirFor(fingerprint), subkey.Base64())
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.E(errors.NotExist, "objcache: retrieve", err)
	}
	if c.compress {
		out, err := c.decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, errors.E(errors.Integrity, "objcache: decompress entry", err)
		}
		return out, nil
	}
	return raw, nil
}

// ListSubkeys enumerates the subkeys stored under fingerprint, most
// recently created first.
func (c *Cache) ListSubkeys(fingerprint hash.Hash) ([]Subkey, error) {
	dir := c.dirFor(fingerprint)
	entries, err := ioutil.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.E(errors.Unavailable, "objcache: list subkeys", err)
	}
	type withTime struct {
		sub Subkey
		t   time.Time
	}
	var subkeys []withTime
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) != 22 { // base64-encoded 16 bytes, no padding
			continue // skip _debug.json companions and temp leftovers
		}
		sub, err := hash.ParseBase64(name)
		if err != nil {
			continue
		}
		subkeys = append(subkeys, withTime{sub: sub, t: e.ModTime()})
	}
	sort.Slice(subkeys, func(i, j int) bool { return subkeys[i].t.After(subkeys[j].t) })
	out := make([]Subkey, len(subkeys))
	for i, s := range subkeys {
		out[i] = s.sub
	}
	return out, nil
}
