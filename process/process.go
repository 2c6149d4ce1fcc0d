// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package process implements the per-process state of the supervised
// tree: the shared process header, the Forked/Execed variants, the fd
// table, working-directory tracking, the file-usage map with upward
// propagation, and the directional disable-shortcutting rules.
//
// The abstract Process with two concrete
// variants is a tagged sum: both Forked and Execed embed Common, and
// ExecPoint is a non-virtual walk up the parent pointer.
package process

import (
	"github.com/buildaccel/shortcut/bitset"
	"github.com/buildaccel/shortcut/fileusage"
	"github.com/buildaccel/shortcut/fname"
	"github.com/buildaccel/shortcut/must"
)

// State is a process's monotonic lifecycle position.
type State int

const (
	Running State = iota
	Terminated
	Finalized
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Terminated:
		return "Terminated"
	case Finalized:
		return "Finalized"
	default:
		return "State(?)"
	}
}

// FDOrigin tags how a FileFD came to exist.
type FDOrigin int

const (
	OriginFileOpen FDOrigin = iota
	OriginInternal
	OriginPipe
	OriginDup
	OriginRoot
)

// PipeEnd is the supervisor-side pipe object a writable FileFD may
// reference. It is an interface here so that process and pipe can
// reference each other through FileFDs without an import cycle.
type PipeEnd interface {
	// AddFD1Ref registers ffd as one holder of a writable handle.
	AddFD1Ref(ffd *FileFD)
	// DropFD1Ref removes ffd; the pipe may decide to finish when its
	// last holder is gone.
	DropFD1Ref(ffd *FileFD)
}

// FileOFD is the shared open file description behind one or more
// FileFDs (dup/fork copy a reference to the same FileOFD, mirroring
// the kernel's own sharing of flags and offset).
type FileOFD struct {
	Origin FDOrigin
	Name   *fname.Name // nil for pipes and internal fds
	Pipe   PipeEnd     // nil unless Origin == OriginPipe
	Flags  int

	// refs counts the FileFDs sharing this description, so the
	// open-for-write refcount on Name drops only when the last
	// sharing descriptor closes.
	refs int
}

// FileFD is one descriptor slot's state within one process.
type FileFD struct {
	OFD          *FileOFD
	Fd           int
	CloseOnExec  bool
	CloseOnPopen bool
	Open         bool
	Owner        Proc
}

// Dup returns a new FileFD sharing ownership of f's underlying
// FileOFD, installed at fd with its own flag bits.
func (f *FileFD) Dup(fd int, cloexec bool, owner Proc) *FileFD {
	nf := &FileFD{OFD: f.OFD, Fd: fd, CloseOnExec: cloexec, Open: true, Owner: owner}
	f.OFD.refs++
	if f.OFD.Pipe != nil {
		f.OFD.Pipe.AddFD1Ref(nf)
	}
	return nf
}

// Proc is either a *Forked or an *Execed.
type Proc interface {
	C() *Common
	// ExecPoint returns the nearest enclosing ExecedProcess, possibly
	// the receiver itself.
	ExecPoint() *Execed
}

// Common is the header shared by both process variants.
type Common struct {
	Pid   int
	PPid  int
	FBPid int
	State State

	WD    *fname.Name
	Umask uint32

	fds    []*FileFD
	fdUsed bitset.Bits
	// ClosedFDs keeps closed descriptors alive so the pipe-side view
	// of a writer survives the writer's close.
	ClosedFDs []*FileFD

	UserUsec int64
	SysUsec  int64
	// AggrUsec accumulates this process's and all finalized
	// descendants' CPU time, for min_cpu_time store gating.
	AggrUsec int64

	Parent       Proc
	ForkChildren []Proc
	ExecChild    Proc
	ExecPending  bool
	SpawnPending bool

	ExitStatus int
	Exited     bool
	// WaitedFor is set when the parent has waitpid'ed this process.
	WaitedFor bool

	self Proc
}

// C returns the shared header.
func (c *Common) C() *Common { return c }

// ExecPoint walks up through ForkedProcesses to the nearest
// ExecedProcess.
func (c *Common) ExecPoint() *Execed {
	for p := c.self; p != nil; p = p.C().Parent {
		if e, ok := p.(*Execed); ok {
			return e
		}
	}
	return nil
}

// GetFD returns the FileFD at slot fd, or nil.
func (c *Common) GetFD(fd int) *FileFD {
	if fd < 0 || fd >= len(c.fds) {
		return nil
	}
	return c.fds[fd]
}

// AddFD installs ffd at its slot, growing the table as needed. Any
// existing descriptor at that slot is silently dropped; callers that
// need close semantics use HandleClose first.
func (c *Common) AddFD(ffd *FileFD) {
	fd := ffd.Fd
	must.True(fd >= 0, "process: negative fd", fd)
	for fd >= len(c.fds) {
		c.fds = append(c.fds, nil)
	}
	c.fds[fd] = ffd
	c.fdUsed.Set(fd)
}

// removeFD clears slot fd, returning the removed descriptor.
func (c *Common) removeFD(fd int) *FileFD {
	if fd < 0 || fd >= len(c.fds) {
		return nil
	}
	ffd := c.fds[fd]
	c.fds[fd] = nil
	if ffd != nil {
		c.fdUsed.Clear(fd)
	}
	return ffd
}

// OpenFDs returns the currently open descriptors in slot order.
func (c *Common) OpenFDs() []*FileFD {
	out := make([]*FileFD, 0, c.fdUsed.Count())
	for fd := c.fdUsed.Next(0); fd >= 0; fd = c.fdUsed.Next(fd + 1) {
		if ffd := c.fds[fd]; ffd != nil && ffd.Open {
			out = append(out, ffd)
		}
	}
	return out
}

// CopyFDTableTo clones c's open descriptors into child, sharing the
// underlying FileOFDs, as fork(2) does.
func (c *Common) CopyFDTableTo(child Proc) {
	cc := child.C()
	for _, ffd := range c.fds {
		if ffd == nil || !ffd.Open {
			continue
		}
		nf := &FileFD{OFD: ffd.OFD, Fd: ffd.Fd, CloseOnExec: ffd.CloseOnExec, CloseOnPopen: ffd.CloseOnPopen, Open: true, Owner: child}
		ffd.OFD.refs++
		if ffd.OFD.Pipe != nil {
			ffd.OFD.Pipe.AddFD1Ref(nf)
		}
		cc.AddFD(nf)
	}
}

// DropCloseOnExecFDs closes every close-on-exec descriptor, as the
// kernel does across execve(2).
func (c *Common) DropCloseOnExecFDs() {
	for fd, ffd := range c.fds {
		if ffd != nil && ffd.CloseOnExec {
			c.closeFD(fd)
		}
	}
}

func (c *Common) closeFD(fd int) *FileFD {
	ffd := c.removeFD(fd)
	if ffd == nil {
		return nil
	}
	ffd.Open = false
	c.ClosedFDs = append(c.ClosedFDs, ffd)
	if ffd.OFD.Pipe != nil {
		ffd.OFD.Pipe.DropFD1Ref(ffd)
	}
	ffd.OFD.refs--
	if ffd.OFD.refs <= 0 && ffd.OFD.Name != nil && writeIntent(ffd.OFD.Flags) {
		ffd.OFD.Name.CloseForWriting()
	}
	return ffd
}

// Forked exists for the brief lifetime between fork and first exec,
// or for processes that never exec. It owns no file-usage map;
// queries delegate upward to the exec point.
type Forked struct {
	Common
}

// NewForked creates a forked child of parent, with parent's working
// directory and umask, and an empty fd table (the caller copies the
// parent's table when the fork handshake completes).
func NewForked(pid, fbpid int, parent Proc) *Forked {
	f := &Forked{Common{Pid: pid, FBPid: fbpid, Parent: parent}}
	f.self = f
	if parent != nil {
		pc := parent.C()
		f.PPid = pc.Pid
		f.WD = pc.WD
		f.Umask = pc.Umask
		pc.ForkChildren = append(pc.ForkChildren, f)
	}
	return f
}

// Execed owns the file-usage map and the fingerprint ingredients.
type Execed struct {
	Common

	Executable *fname.Name
	Args       []string
	// Env is sorted; the interceptor sorts before sending.
	Env  []string
	Libs []*fname.Name

	InitialWD  *fname.Name
	VisitedWDs map[*fname.Name]bool
	FailedWDs  map[*fname.Name]bool

	FileUsages map[*fname.Name]*fileusage.Usage

	// CreatedPipes are pipes this process created via pipe_request;
	// InheritedPipes are the writable ends inherited at exec time, in
	// fd order. Both drive recorder attachment.
	CreatedPipes   map[PipeEnd]bool
	InheritedPipes []PipeEnd

	CanShortcut bool
	// WasShortcut is set once apply_shortcut replayed this process
	// from cache; a replayed process is never stored again.
	WasShortcut bool
	// CantShortcutReason and CantShortcutBlame are recorded only for
	// the frontier process where shortcutting was first disabled.
	CantShortcutReason string
	CantShortcutBlame  Proc

	// shortcutableAncestor caches the nearest ancestor exec point
	// that can still be shortcut, valid when ancestorKnown.
	shortcutableAncestor *Execed
	ancestorKnown        bool

	usages   *fileusage.Interner
	resolver UsageResolver
}

// UsageResolver finishes a deferred FileUsageUpdate by consulting the
// filesystem and hash engine. The cacher provides the concrete
// implementation; keeping it an interface lets process be tested
// without any cache on disk.
type UsageResolver interface {
	Resolve(name *fname.Name, u fileusage.Update) (fileusage.Info, error)
}

// NewExeced creates an exec'd process. parent is the fork-level
// parent (nil for the root); usages is the process-wide FileUsage
// interner; resolver may be nil, in which case deferred updates
// degrade to DontKnow.
func NewExeced(pid, fbpid int, parent Proc, exe *fname.Name, args, env []string, libs []*fname.Name, wd *fname.Name, usages *fileusage.Interner, resolver UsageResolver) *Execed {
	e := &Execed{
		Common:      Common{Pid: pid, FBPid: fbpid, Parent: parent, WD: wd},
		Executable:  exe,
		Args:        args,
		Env:         env,
		Libs:        libs,
		InitialWD:   wd,
		VisitedWDs:  make(map[*fname.Name]bool),
		FailedWDs:   make(map[*fname.Name]bool),
		FileUsages:  make(map[*fname.Name]*fileusage.Usage),
		CreatedPipes: make(map[PipeEnd]bool),
		CanShortcut: true,
		usages:      usages,
		resolver:    resolver,
	}
	e.self = e
	if wd != nil {
		e.VisitedWDs[wd] = true
	}
	if parent != nil {
		pc := parent.C()
		e.PPid = pc.Pid
		e.Umask = pc.Umask
		pc.ExecChild = e
		pc.ExecPending = false
	}
	return e
}

// ParentExecPoint returns the nearest exec point strictly above e, or
// nil at the root.
func (e *Execed) ParentExecPoint() *Execed {
	if e.Parent == nil {
		return nil
	}
	return e.Parent.ExecPoint()
}

// MaybeShortcutableAncestor returns the nearest exec point at or
// above e that can still be shortcut, or nil. The result is cached
// and invalidated by the disable-shortcutting walkers below.
func (e *Execed) MaybeShortcutableAncestor() *Execed {
	if e.CanShortcut {
		return e
	}
	if e.ancestorKnown {
		return e.shortcutableAncestor
	}
	var anc *Execed
	if p := e.ParentExecPoint(); p != nil {
		anc = p.MaybeShortcutableAncestor()
	}
	e.shortcutableAncestor = anc
	e.ancestorKnown = true
	return anc
}

func (e *Execed) invalidateAncestorCache() {
	e.ancestorKnown = false
	if e.ExecChild != nil {
		if ep, ok := e.ExecChild.(*Execed); ok {
			ep.invalidateAncestorCache()
		}
	}
	for _, child := range e.ForkChildren {
		if ec := childExeced(child); ec != nil {
			ec.invalidateAncestorCache()
		}
	}
}

func childExeced(p Proc) *Execed {
	if e, ok := p.(*Execed); ok {
		return e
	}
	if p.C().ExecChild != nil {
		return childExeced(p.C().ExecChild)
	}
	return nil
}

// DisableShortcuttingOnlyThis flips e's own flag, recording the
// first-blame reason.
func (e *Execed) DisableShortcuttingOnlyThis(reason string, blame Proc) {
	if !e.CanShortcut {
		return
	}
	e.CanShortcut = false
	e.CantShortcutReason = reason
	if blame == nil {
		blame = e
	}
	e.CantShortcutBlame = blame
	e.invalidateAncestorCache()
}

// BubbleUp disables shortcutting on e and every ancestor exec point
// up to the root.
func (e *Execed) BubbleUp(reason string, blame Proc) {
	e.BubbleUpToExcl(nil, reason, blame)
}

// BubbleUpToExcl disables shortcutting on e and ancestors, stopping
// before stop (exclusive). The reason and blame pointer stick only to
// the nearest frontier process; ancestors flipped by the walk record
// a derived reason without a blame pointer.
func (e *Execed) BubbleUpToExcl(stop *Execed, reason string, blame Proc) {
	first := true
	for p := e; p != nil && p != stop; p = p.ParentExecPoint() {
		if !p.CanShortcut {
			first = false
			continue
		}
		p.CanShortcut = false
		if first {
			p.CantShortcutReason = reason
			if blame == nil {
				blame = p
			}
			p.CantShortcutBlame = blame
			first = false
		} else {
			p.CantShortcutReason = "descendant: " + reason
		}
		p.invalidateAncestorCache()
	}
}

// RegisterFileUsage folds one event's Update into e's usage map and
// bubbles the merged result up the exec chain.
// Deferred type/hash computations run only when some exec point at or
// above e is still shortcut-eligible; otherwise the lazy fields are
// dropped and the update degrades to what it knew eagerly.
func (e *Execed) RegisterFileUsage(name *fname.Name, u fileusage.Update) {
	if name.IsIgnoreLocation() {
		return
	}
	info := u.Info
	if u.Deferred != fileusage.DeferredNone {
		if e.MaybeShortcutableAncestor() != nil && e.resolver != nil {
			resolved, err := e.resolver.Resolve(name, u)
			if err == nil {
				info = resolved
			} else {
				info = fileusage.NewUnknown()
			}
		} else {
			info = fileusage.NewUnknown()
		}
	}
	usage := e.usages.Intern(fileusage.Usage{Initial: info, Written: u.Written, UnknownErr: u.UnknownErr})
	e.PropagateFileUsage(name, usage)
}

// PropagateFileUsage merges usage into e's map and recurses to the
// parent exec point while the merge keeps producing new objects.
func (e *Execed) PropagateFileUsage(name *fname.Name, usage *fileusage.Usage) {
	for p := e; p != nil; p = p.ParentExecPoint() {
		old := p.FileUsages[name]
		merged := p.usages.Merge(old, usage)
		if merged == old {
			return
		}
		p.FileUsages[name] = merged
	}
}

func writeIntent(flags int) bool {
	const accMode = 0x3 // O_ACCMODE
	return flags&accMode != 0 // O_WRONLY or O_RDWR
}
