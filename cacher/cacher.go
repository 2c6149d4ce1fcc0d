// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package cacher implements the fingerprint/shortcut engine: building each
// execution's 128-bit fingerprint, storing
// input-output records into the ObjCache, scanning candidate entries
// against the live filesystem, and applying a matching entry's
// outputs instead of running the process.
package cacher

import (
	"os"
	"strings"
	"syscall"

	"github.com/buildaccel/shortcut/blobcache"
	"github.com/buildaccel/shortcut/config"
	"github.com/buildaccel/shortcut/errors"
	"github.com/buildaccel/shortcut/fileusage"
	"github.com/buildaccel/shortcut/fname"
	"github.com/buildaccel/shortcut/hash"
	"github.com/buildaccel/shortcut/hashcache"
	"github.com/buildaccel/shortcut/log"
	"github.com/buildaccel/shortcut/objcache"
	"github.com/buildaccel/shortcut/process"
)

// PipeRecording is one finished recorder's result, handed in by the
// supervisor at store time.
type PipeRecording struct {
	Fd   int
	Hash hash.Hash
}

// PipeReplay writes a cached pipe blob's bytes to the live stream for
// fd; the supervisor wires this to the corresponding Pipe's fd0 side.
type PipeReplay func(fd int, h hash.Hash) error

// Cacher is the per-run fingerprint/shortcut engine.
type Cacher struct {
	In        *fname.Interner
	Usages    *fileusage.Interner
	HashCache *hashcache.Cache
	Blobs     *blobcache.Cache
	Objs      *objcache.Cache
	Matcher   *config.Matcher

	// NoStore and NoFetch disable populating and probing the cache.
	NoStore bool
	NoFetch bool

	fingerprints map[*process.Execed]hash.Hash
}

// New wires a Cacher over the two on-disk caches.
func New(in *fname.Interner, usages *fileusage.Interner, hc *hashcache.Cache, blobs *blobcache.Cache, objs *objcache.Cache, m *config.Matcher) *Cacher {
	return &Cacher{
		In:           in,
		Usages:       usages,
		HashCache:    hc,
		Blobs:        blobs,
		Objs:         objs,
		Matcher:      m,
		fingerprints: make(map[*process.Execed]hash.Hash),
	}
}

// Resolve implements process.UsageResolver: it finishes a deferred
// FileUsageUpdate by consulting the filesystem and the hash engine,
// invoked only for processes that are still shortcut-eligible.
func (c *Cacher) Resolve(name *fname.Name, u fileusage.Update) (fileusage.Info, error) {
	entry, typ, err := c.HashCache.Lookup(name, func() (os.FileInfo, error) {
		return os.Lstat(name.Path())
	}, false, false, nil)
	if err != nil {
		return fileusage.NewUnknown(), err
	}
	switch typ {
	case hashcache.NotExist:
		return fileusage.NewNotExist(), nil
	case hashcache.DontKnow:
		return fileusage.NewUnknown(), nil
	}

	if u.Deferred == fileusage.DeferredWriteCreateNoTrunc && entry.Type == hashcache.IsReg && entry.Size == 0 {
		// O_CREAT without O_TRUNC on a currently-empty file: the
		// process cannot distinguish "did not exist" from "existed
		// empty".
		return fileusage.Info{Type: fileusage.NotExistOrIsRegEmpty}, nil
	}

	switch entry.Type {
	case hashcache.IsReg:
		size := entry.Size
		if entry.HasHash {
			h := entry.Hash
			return fileusage.NewReg(&size, &h), nil
		}
		return fileusage.NewReg(&size, nil), nil
	case hashcache.IsDir:
		if entry.HasHash {
			h := entry.Hash
			return fileusage.NewDir(&h), nil
		}
		return fileusage.NewDir(nil), nil
	}
	return fileusage.NewUnknown(), nil
}

func writeString(w *hash.Writer, s string) {
	var lenBuf [4]byte
	n := len(s)
	lenBuf[0] = byte(n)
	lenBuf[1] = byte(n >> 8)
	lenBuf[2] = byte(n >> 16)
	lenBuf[3] = byte(n >> 24)
	w.Write(lenBuf[:])
	w.Write([]byte(s))
}

func writeHash(w *hash.Writer, h hash.Hash) { w.Write(h[:]) }

// Fingerprint computes and caches p's fingerprint: a canonical
// serialization of (executable path + hash, library paths + hashes in
// interceptor order, argv, filtered sorted env, cwd), hashed to 128
// bits. It fails — and the caller disables
// shortcutting — when any required file hash cannot be obtained.
func (c *Cacher) Fingerprint(p *process.Execed) (hash.Hash, error) {
	if fp, ok := c.fingerprints[p]; ok {
		return fp, nil
	}
	w := hash.NewWriter()

	exeHash, err := c.contentHash(p.Executable)
	if err != nil {
		return hash.Hash{}, errors.E(errors.Unavailable, "cacher: hash executable "+p.Executable.Path(), err)
	}
	writeString(w, p.Executable.Path())
	writeHash(w, exeHash)

	for _, lib := range p.Libs {
		libHash, err := c.contentHash(lib)
		if err != nil {
			return hash.Hash{}, errors.E(errors.Unavailable, "cacher: hash library "+lib.Path(), err)
		}
		writeString(w, lib.Path())
		writeHash(w, libHash)
	}

	args := p.Args
	if rewritten, ok := c.Matcher.Rewrite(args); ok {
		args = rewritten
	}
	for _, a := range args {
		writeString(w, a)
	}

	for _, e := range p.Env {
		name := e
		if i := strings.IndexByte(e, '='); i >= 0 {
			name = e[:i]
		}
		if name == "FB_SOCKET" || c.Matcher.SkipEnv(name) {
			continue
		}
		writeString(w, e)
	}

	if p.InitialWD != nil {
		writeString(w, p.InitialWD.Path())
	}

	fp := w.Sum()
	c.fingerprints[p] = fp
	return fp, nil
}

func (c *Cacher) contentHash(name *fname.Name) (hash.Hash, error) {
	entry, typ, err := c.HashCache.Lookup(name, func() (os.FileInfo, error) {
		return os.Lstat(name.Path())
	}, false, false, nil)
	if err != nil {
		return hash.Hash{}, err
	}
	if typ == hashcache.NotExist || typ == hashcache.DontKnow || !entry.HasHash {
		return hash.Hash{}, errors.E(errors.NotExist, "cacher: no content hash for "+name.Path())
	}
	return entry.Hash, nil
}

// Storable reports whether p's execution is worth persisting: it must
// have stayed shortcut-eligible, must not match skip_cache or
// dont_shortcut, and must have cost at least min_cpu_time of CPU.
func (c *Cacher) Storable(p *process.Execed) bool {
	if c.NoStore || !p.CanShortcut || p.WasShortcut {
		return false
	}
	exe := p.Executable.Path()
	if c.Matcher.SkipCache(exe) || c.Matcher.DontShortcut(exe) {
		return false
	}
	minUsec := c.Matcher.MinCPUTime().Microseconds()
	if minUsec > 0 && p.C().AggrUsec < minUsec {
		return false
	}
	return true
}

// Store persists p's input-output record under its fingerprint,
// minting a new subkey. recordings are the
// finished pipe captures for p's subtree.
func (c *Cacher) Store(p *process.Execed, recordings []PipeRecording) error {
	if !c.Storable(p) {
		return nil
	}
	fp, err := c.Fingerprint(p)
	if err != nil {
		return err
	}

	rec := &Record{}
	for name, usage := range p.FileUsages {
		if usage.UnknownErr != 0 {
			// An unexplained errno poisons the record; the process
			// should already be non-shortcuttable, but a racing
			// bubble-up may have left the map populated.
			return errors.E(errors.Precondition, "cacher: usage with unknown errno for "+name.Path())
		}
		c.addInput(rec, name, usage)
	}
	// Regular-file outputs copy through the blob cache's worker pool;
	// the handles are only collected at the end so the copies overlap.
	var pendings []pendingFileOut
	for name, usage := range p.FileUsages {
		if !usage.Written {
			continue
		}
		pending, err := c.addOutput(rec, name, usage)
		if err != nil {
			log.Debug.Printf("cacher: skip store of %s: %v", p.Executable.Path(), err)
			return err
		}
		if pending != nil {
			pendings = append(pendings, *pending)
		}
	}
	for _, pf := range pendings {
		h, err := pf.handle.Wait()
		if err != nil {
			return err
		}
		pf.out.Hash = h
		rec.Outputs.PathIsregWithHash = append(rec.Outputs.PathIsregWithHash, pf.out)
	}
	rec.Outputs.ExitStatus = p.C().ExitStatus
	for _, pr := range recordings {
		rec.Outputs.PipeTraffic = append(rec.Outputs.PipeTraffic, PipeOut{Fd: pr.Fd, Hash: pr.Hash})
	}

	b, err := rec.Marshal()
	if err != nil {
		return err
	}
	subkey, err := c.Objs.Store(fp, b)
	if err != nil {
		return err
	}
	log.Debug.Printf("cacher: stored %s fp=%s subkey=%s", p.Executable.Path(), fp.Base64(), subkey.Base64())
	return nil
}

// addInput files one usage into the right input vector by its initial
// state.
func (c *Cacher) addInput(rec *Record, name *fname.Name, usage *fileusage.Usage) {
	path := name.Path()
	init := usage.Initial
	switch init.Type {
	case fileusage.IsReg:
		if init.Hash != nil {
			rec.Inputs.PathIsregWithHash = append(rec.Inputs.PathIsregWithHash, PathHash{Path: path, Hash: *init.Hash})
		} else {
			rec.Inputs.PathIsreg = append(rec.Inputs.PathIsreg, path)
		}
	case fileusage.IsDir:
		if init.Hash != nil {
			rec.Inputs.PathIsdirWithHash = append(rec.Inputs.PathIsdirWithHash, PathHash{Path: path, Hash: *init.Hash})
		} else {
			rec.Inputs.PathIsdir = append(rec.Inputs.PathIsdir, path)
		}
	case fileusage.NotExistOrIsReg:
		rec.Inputs.PathNotexistOrIsreg = append(rec.Inputs.PathNotexistOrIsreg, path)
	case fileusage.NotExistOrIsRegEmpty:
		rec.Inputs.PathNotexistOrIsregEmpty = append(rec.Inputs.PathNotexistOrIsregEmpty, path)
	case fileusage.NotExist:
		rec.Inputs.PathNotexist = append(rec.Inputs.PathNotexist, path)
	}
	// DontKnow carries no constraint and is omitted.
}

// pendingFileOut is a regular-file output whose blob copy is still in
// flight on the worker pool.
type pendingFileOut struct {
	out    FileOut
	handle *blobcache.StoreHandle
}

// addOutput records the path's current filesystem state as an output: a
// regular file is blob-stored (asynchronously, the
// returned pending carries the handle), a directory records mode
// only, an absent path whose initial state wasn't NotExist is a
// deletion.
func (c *Cacher) addOutput(rec *Record, name *fname.Name, usage *fileusage.Usage) (*pendingFileOut, error) {
	path := name.Path()
	st, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if usage.Initial.Type != fileusage.NotExist {
				rec.Outputs.PathNotexist = append(rec.Outputs.PathNotexist, path)
			}
			return nil, nil
		}
		return nil, errors.E(errors.Unavailable, "cacher: stat output "+path, err)
	}
	switch {
	case st.Mode().IsRegular():
		return &pendingFileOut{
			out:    FileOut{Path: path, Mode: uint32(st.Mode().Perm())},
			handle: c.Blobs.StoreFileAsync(path, nil, st),
		}, nil
	case st.IsDir():
		rec.Outputs.PathIsdir = append(rec.Outputs.PathIsdir, DirOut{Path: path, Mode: uint32(st.Mode().Perm())})
		return nil, nil
	default:
		return nil, errors.E(errors.NotSupported, "cacher: output is neither file nor directory: "+path)
	}
}

// Shortcut attempts to replay p from cache. It returns true when a unique
// matching entry was found
// and applied; ambiguity (two matches) refuses the shortcut rather
// than risk corrupting the build.
func (c *Cacher) Shortcut(p *process.Execed, replay PipeReplay) (bool, error) {
	if c.NoFetch || !p.CanShortcut {
		return false, nil
	}
	exe := p.Executable.Path()
	if c.Matcher.SkipCache(exe) || c.Matcher.DontShortcut(exe) {
		return false, nil
	}
	fp, err := c.Fingerprint(p)
	if err != nil {
		return false, err
	}
	rec, err := c.findShortcut(fp)
	if err != nil || rec == nil {
		return false, err
	}
	if err := c.applyShortcut(p, rec, replay); err != nil {
		return false, err
	}
	return true, nil
}

// findShortcut scans this fingerprint's entries newest-first and
// returns the single one matching the filesystem, nil when none
// match, or an Ambiguous error when two do.
func (c *Cacher) findShortcut(fp hash.Hash) (*Record, error) {
	subkeys, err := c.Objs.ListSubkeys(fp)
	if err != nil {
		return nil, err
	}
	var candidate *Record
	for _, sub := range subkeys {
		b, err := c.Objs.Retrieve(fp, sub)
		if err != nil {
			log.Error.Printf("cacher: retrieve %s/%s: %v", fp.Base64(), sub.Base64(), err)
			continue
		}
		rec, err := UnmarshalRecord(b)
		if err != nil {
			log.Error.Printf("cacher: corrupt entry %s/%s: %v", fp.Base64(), sub.Base64(), err)
			continue
		}
		if !c.piMatchesFS(&rec.Inputs) {
			continue
		}
		if candidate != nil {
			return nil, errors.E(errors.Ambiguous, "cacher: two entries match fingerprint "+fp.Base64())
		}
		candidate = rec
	}
	return candidate, nil
}

// piMatchesFS checks every input category against the live
// filesystem, returning false on the first mismatch. Type and size
// checks come before any hash computation.
func (c *Cacher) piMatchesFS(in *Inputs) bool {
	for _, path := range in.PathNotexist {
		if st := statType(path); st != fsAbsent {
			return false
		}
	}
	for _, path := range in.PathNotexistOrIsreg {
		if st := statType(path); st != fsAbsent && st != fsReg {
			return false
		}
	}
	for _, path := range in.PathNotexistOrIsregEmpty {
		st, size := statTypeSize(path)
		if st == fsAbsent {
			continue
		}
		if st != fsReg || size != 0 {
			return false
		}
	}
	for _, path := range in.PathIsreg {
		if statType(path) != fsReg {
			return false
		}
	}
	for _, path := range in.PathIsdir {
		if statType(path) != fsDir {
			return false
		}
	}
	for _, ph := range in.PathIsregWithHash {
		if statType(ph.Path) != fsReg {
			return false
		}
	}
	for _, ph := range in.PathIsdirWithHash {
		if statType(ph.Path) != fsDir {
			return false
		}
	}
	// All types matched; only now compute hashes.
	for _, ph := range in.PathIsregWithHash {
		if !c.hashMatches(ph.Path, ph.Hash) {
			return false
		}
	}
	for _, ph := range in.PathIsdirWithHash {
		if !c.hashMatches(ph.Path, ph.Hash) {
			return false
		}
	}
	return true
}

func (c *Cacher) hashMatches(path string, want hash.Hash) bool {
	name := c.In.Get(path)
	entry, typ, err := c.HashCache.Lookup(name, func() (os.FileInfo, error) {
		return os.Lstat(path)
	}, false, false, nil)
	if err != nil || typ == hashcache.NotExist || typ == hashcache.DontKnow || !entry.HasHash {
		return false
	}
	return entry.Hash == want
}

type fsType int

const (
	fsAbsent fsType = iota
	fsReg
	fsDir
	fsOther
)

func statType(path string) fsType {
	st, _ := statTypeStat(path)
	return st
}

func statTypeSize(path string) (fsType, int64) {
	st, info := statTypeStat(path)
	if info == nil {
		return st, 0
	}
	return st, info.Size()
}

func statTypeStat(path string) (fsType, os.FileInfo) {
	info, err := os.Lstat(path)
	if err != nil {
		return fsAbsent, nil
	}
	switch {
	case info.Mode().IsRegular():
		return fsReg, info
	case info.IsDir():
		return fsDir, info
	default:
		return fsOther, info
	}
}

// applyShortcut re-creates the entry's outputs:
// directories first, then files, then deletions, then pipe traffic;
// each input and output propagates up the parent exec chain so
// ancestors' fingerprints reflect the replayed effects.
func (c *Cacher) applyShortcut(p *process.Execed, rec *Record, replay PipeReplay) error {
	for _, d := range rec.Outputs.PathIsdir {
		if err := os.MkdirAll(d.Path, os.FileMode(d.Mode)); err != nil {
			return errors.E(errors.Unavailable, "cacher: mkdir output "+d.Path, err)
		}
		if err := os.Chmod(d.Path, os.FileMode(d.Mode)); err != nil {
			return errors.E(errors.Unavailable, "cacher: chmod output dir "+d.Path, err)
		}
	}
	for _, f := range rec.Outputs.PathIsregWithHash {
		if err := c.Blobs.RetrieveFile(f.Hash, f.Path); err != nil {
			return err
		}
		if err := os.Chmod(f.Path, os.FileMode(f.Mode)); err != nil {
			return errors.E(errors.Unavailable, "cacher: chmod output "+f.Path, err)
		}
	}
	for _, path := range rec.Outputs.PathNotexist {
		if err := syscall.Unlink(path); err != nil {
			if err == syscall.EISDIR {
				if rerr := syscall.Rmdir(path); rerr != nil && rerr != syscall.ENOENT {
					return errors.E(errors.Unavailable, "cacher: rmdir output "+path, rerr)
				}
			} else if err != syscall.ENOENT {
				return errors.E(errors.Unavailable, "cacher: unlink output "+path, err)
			}
		}
	}
	if replay != nil {
		for _, pt := range rec.Outputs.PipeTraffic {
			if err := replay(pt.Fd, pt.Hash); err != nil {
				return err
			}
		}
	}

	c.propagateReplayedUsage(p, rec)
	p.WasShortcut = true
	pc := p.C()
	pc.ExitStatus = rec.Outputs.ExitStatus
	pc.Exited = true
	return nil
}

// propagateReplayedUsage bubbles the entry's inputs and outputs into
// the ancestors' usage maps.
func (c *Cacher) propagateReplayedUsage(p *process.Execed, rec *Record) {
	parent := p.ParentExecPoint()
	if parent == nil {
		return
	}
	prop := func(path string, info fileusage.Info, written bool) {
		u := c.Usages.Intern(fileusage.Usage{Initial: info, Written: written})
		parent.PropagateFileUsage(c.In.Get(path), u)
	}
	for _, ph := range rec.Inputs.PathIsregWithHash {
		// The input vector carries no size, and an IsReg info may only
		// carry a hash together with a size, so ancestors get the type
		// alone; their own fingerprints re-hash if they need to.
		prop(ph.Path, fileusage.Info{Type: fileusage.IsReg}, false)
	}
	for _, path := range rec.Inputs.PathIsreg {
		prop(path, fileusage.Info{Type: fileusage.IsReg}, false)
	}
	for _, ph := range rec.Inputs.PathIsdirWithHash {
		h := ph.Hash
		prop(ph.Path, fileusage.NewDir(&h), false)
	}
	for _, path := range rec.Inputs.PathIsdir {
		prop(path, fileusage.NewDir(nil), false)
	}
	for _, path := range rec.Inputs.PathNotexistOrIsreg {
		prop(path, fileusage.Info{Type: fileusage.NotExistOrIsReg}, false)
	}
	for _, path := range rec.Inputs.PathNotexistOrIsregEmpty {
		prop(path, fileusage.Info{Type: fileusage.NotExistOrIsRegEmpty}, false)
	}
	for _, path := range rec.Inputs.PathNotexist {
		prop(path, fileusage.NewNotExist(), false)
	}
	for _, f := range rec.Outputs.PathIsregWithHash {
		prop(f.Path, fileusage.NewUnknown(), true)
	}
	for _, d := range rec.Outputs.PathIsdir {
		prop(d.Path, fileusage.NewUnknown(), true)
	}
	for _, path := range rec.Outputs.PathNotexist {
		prop(path, fileusage.NewUnknown(), true)
	}
}
