// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package process

import (
	gopath "path"

	"github.com/buildaccel/shortcut/fileusage"
	"github.com/buildaccel/shortcut/fname"
)

// AtFDCWD is the kernel's AT_FDCWD sentinel dirfd value.
const AtFDCWD = -100

const (
	eio     = 5
	enoent  = 2
	eisdir  = 21
	enotdir = 20
)

// ResolvePath resolves name against dirfd within p: absolute paths
// are cleaned, relative paths join the working directory (AT_FDCWD)
// or the directory the dirfd descriptor was opened on.
// Returns nil when the path cannot be resolved (unknown dirfd).
func ResolvePath(in *fname.Interner, p Proc, dirfd int, name string) *fname.Name {
	if gopath.IsAbs(name) {
		return in.Get(gopath.Clean(name))
	}
	var base *fname.Name
	if dirfd == AtFDCWD {
		base = p.C().WD
	} else if ffd := p.C().GetFD(dirfd); ffd != nil && ffd.OFD.Name != nil {
		base = ffd.OFD.Name
	}
	if base == nil {
		return nil
	}
	return in.Get(gopath.Clean(gopath.Join(base.Path(), name)))
}

// HandleOpen processes one open(2) event.
func HandleOpen(in *fname.Interner, p Proc, dirfd int, name string, flags int, mode uint32, fd int, errno int) {
	ep := p.ExecPoint()
	resolved := ResolvePath(in, p, dirfd, name)
	if resolved == nil {
		ep.BubbleUp("open: unresolvable dirfd", p)
		return
	}

	const (
		oWronly = 0x1
		oRdwr   = 0x2
		oCreat  = 0x40
		oExcl   = 0x80
		oTrunc  = 0x200
		oCloexec = 0x80000
	)
	params := fileusage.OpenParams{
		WriteIntent: flags&(oWronly|oRdwr) != 0,
		Truncate:    flags&oTrunc != 0,
		Create:      flags&oCreat != 0,
		Excl:        flags&oExcl != 0,
		Errno:       errno,
	}
	update := fileusage.FromOpenParams(params)

	if fileusage.IsUnexpectedErrno(errno) {
		ep.BubbleUp("open: unexpected errno", p)
	}
	ep.RegisterFileUsage(resolved, update)

	if errno == 0 && fd >= 0 {
		if params.WriteIntent {
			resolved.OpenForWriting()
		}
		ffd := &FileFD{
			OFD:         &FileOFD{Origin: OriginFileOpen, Name: resolved, Flags: flags, refs: 1},
			Fd:          fd,
			CloseOnExec: flags&oCloexec != 0,
			Open:        true,
			Owner:       p,
		}
		p.C().AddFD(ffd)
	}
}

// HandleClose processes one close(2) event: the slot
// moves into the closed-fds list so pipe-side views stay alive; an
// EIO close or a successful close of an unknown fd disables
// shortcutting.
func HandleClose(p Proc, fd int, errno int) {
	c := p.C()
	ep := p.ExecPoint()
	if errno == eio {
		ep.BubbleUp("close: EIO", p)
	}
	existing := c.GetFD(fd)
	if existing == nil {
		if errno == 0 {
			// Interception missed an earlier open of this fd.
			ep.BubbleUp("close: unknown fd", p)
		}
		return
	}
	if errno == 0 {
		c.closeFD(fd)
	}
}

// HandleDup3 processes dup2(2)/dup3(2).
func HandleDup3(p Proc, oldfd, newfd, flags, errno int) {
	if errno != 0 {
		return
	}
	c := p.C()
	ep := p.ExecPoint()
	old := c.GetFD(oldfd)
	if old == nil {
		ep.BubbleUp("dup3: unknown oldfd", p)
		return
	}
	if existing := c.GetFD(newfd); existing != nil {
		c.closeFD(newfd)
	}
	const oCloexec = 0x80000
	c.AddFD(old.Dup(newfd, flags&oCloexec != 0, p))
}

// HandleDup processes dup(2): a dup3 without flags.
func HandleDup(p Proc, oldfd, newfd, errno int) {
	HandleDup3(p, oldfd, newfd, 0, errno)
}

// SetWD records a successful chdir: the new directory joins the
// ancestor exec point's visited-directories set, which participates
// in fingerprinting since it reveals the directory must exist.
func SetWD(in *fname.Interner, p Proc, dir string) {
	c := p.C()
	var name *fname.Name
	if gopath.IsAbs(dir) {
		name = in.Get(gopath.Clean(dir))
	} else if c.WD != nil {
		name = in.Get(gopath.Clean(gopath.Join(c.WD.Path(), dir)))
	} else {
		return
	}
	c.WD = name
	ep := p.ExecPoint()
	ep.VisitedWDs[name] = true
	ep.RegisterFileUsage(name, fileusage.Update{Info: fileusage.Info{Type: fileusage.IsDir}})
}

// HandleFailWD records a failed chdir into the failed-directories
// set; the target not being usable is itself fingerprint-relevant.
func HandleFailWD(in *fname.Interner, p Proc, dir string) {
	c := p.C()
	var name *fname.Name
	if gopath.IsAbs(dir) {
		name = in.Get(gopath.Clean(dir))
	} else if c.WD != nil {
		name = in.Get(gopath.Clean(gopath.Join(c.WD.Path(), dir)))
	} else {
		return
	}
	ep := p.ExecPoint()
	ep.FailedWDs[name] = true
	ep.RegisterFileUsage(name, fileusage.Update{Info: fileusage.NewNotExist()})
}

// HandleUnlink processes unlink(2): on success the path is recorded
// as a regular file that existed (type only, no content hash) and the
// removal as a write; on ENOENT it is recorded as absent.
func HandleUnlink(in *fname.Interner, p Proc, dirfd int, name string, errno int) {
	ep := p.ExecPoint()
	resolved := ResolvePath(in, p, dirfd, name)
	if resolved == nil {
		ep.BubbleUp("unlink: unresolvable dirfd", p)
		return
	}
	switch errno {
	case 0:
		ep.RegisterFileUsage(resolved, fileusage.Update{Info: fileusage.Info{Type: fileusage.IsReg}, Written: true})
	case enoent:
		ep.RegisterFileUsage(resolved, fileusage.Update{Info: fileusage.NewNotExist()})
	default:
		ep.BubbleUp("unlink: unexpected errno", p)
	}
}

// HandleMkdir processes mkdir(2).
func HandleMkdir(in *fname.Interner, p Proc, name string, errno int) {
	ep := p.ExecPoint()
	resolved := ResolvePath(in, p, AtFDCWD, name)
	if resolved == nil {
		ep.BubbleUp("mkdir: unresolvable path", p)
		return
	}
	switch errno {
	case 0:
		ep.RegisterFileUsage(resolved, fileusage.Update{Info: fileusage.NewNotExist(), Written: true})
	default:
		// EEXIST and friends still reveal the prior state, but the
		// exact prior type is unknowable post hoc; record the errno.
		ep.RegisterFileUsage(resolved, fileusage.Update{UnknownErr: errno})
	}
}

// HandleRmdir processes rmdir(2).
func HandleRmdir(in *fname.Interner, p Proc, name string, errno int) {
	ep := p.ExecPoint()
	resolved := ResolvePath(in, p, AtFDCWD, name)
	if resolved == nil {
		ep.BubbleUp("rmdir: unresolvable path", p)
		return
	}
	switch errno {
	case 0:
		ep.RegisterFileUsage(resolved, fileusage.Update{Info: fileusage.Info{Type: fileusage.IsDir}, Written: true})
	case enoent:
		ep.RegisterFileUsage(resolved, fileusage.Update{Info: fileusage.NewNotExist()})
	default:
		ep.BubbleUp("rmdir: unexpected errno", p)
	}
}

// HandleRename processes rename(2): the old path is read and deleted,
// the new path is overwritten.
func HandleRename(in *fname.Interner, p Proc, oldDirfd int, oldName string, newDirfd int, newName string, errno int) {
	ep := p.ExecPoint()
	if errno != 0 {
		ep.BubbleUp("rename: failed", p)
		return
	}
	oldR := ResolvePath(in, p, oldDirfd, oldName)
	newR := ResolvePath(in, p, newDirfd, newName)
	if oldR == nil || newR == nil {
		ep.BubbleUp("rename: unresolvable dirfd", p)
		return
	}
	ep.RegisterFileUsage(oldR, fileusage.Update{Deferred: fileusage.DeferredOpen, Written: true})
	ep.RegisterFileUsage(newR, fileusage.Update{Written: true})
}

// HandleChmod processes chmod(2): a metadata write on the target.
func HandleChmod(in *fname.Interner, p Proc, name string, errno int) {
	ep := p.ExecPoint()
	resolved := ResolvePath(in, p, AtFDCWD, name)
	if resolved == nil {
		ep.BubbleUp("chmod: unresolvable path", p)
		return
	}
	if errno != 0 {
		ep.BubbleUp("chmod: failed", p)
		return
	}
	ep.RegisterFileUsage(resolved, fileusage.Update{Deferred: fileusage.DeferredOpen, Written: true})
}

// HandleStat reflects a stat(2) observation into the usage map.
func HandleStat(in *fname.Interner, p Proc, dirfd int, name string, errno int, isDir, isReg bool, size int64) {
	ep := p.ExecPoint()
	resolved := ResolvePath(in, p, dirfd, name)
	if resolved == nil {
		return
	}
	switch {
	case errno == enoent:
		ep.RegisterFileUsage(resolved, fileusage.Update{Info: fileusage.NewNotExist()})
	case errno != 0:
		ep.RegisterFileUsage(resolved, fileusage.Update{UnknownErr: errno})
	case isDir:
		ep.RegisterFileUsage(resolved, fileusage.Update{Info: fileusage.Info{Type: fileusage.IsDir}})
	case isReg:
		sz := size
		ep.RegisterFileUsage(resolved, fileusage.Update{Info: fileusage.NewReg(&sz, nil)})
	}
}

// HandleAccess reflects an access(2) observation; only the
// existence/nonexistence bit is trusted.
func HandleAccess(in *fname.Interner, p Proc, name string, errno int) {
	ep := p.ExecPoint()
	resolved := ResolvePath(in, p, AtFDCWD, name)
	if resolved == nil {
		return
	}
	if errno == enoent {
		ep.RegisterFileUsage(resolved, fileusage.Update{Info: fileusage.NewNotExist()})
	}
	// A successful access proves existence but not type; left to a
	// later open/stat to refine.
}
