// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package proctree indexes the supervised process tree by pid, by
// supervisor-assigned fb_pid and by connection socket, and holds the
// correlation queues that pair the two (or three) messages making up
// each fork/exec/posix_spawn/popen handshake.
//
// Queues are plain maps: the supervisor is a single-threaded reactor, so
// these structures are never contended.
package proctree

import (
	"github.com/buildaccel/shortcut/fileusage"
	"github.com/buildaccel/shortcut/fname"
	"github.com/buildaccel/shortcut/must"
	"github.com/buildaccel/shortcut/process"
)

// PendingAck records an ack the supervisor owes on a socket once a
// handshake completes.
type PendingAck struct {
	Sock  int
	AckID uint64
}

// pendingForkParent is a fork_parent that arrived before its
// fork_child.
type pendingForkParent struct {
	parent process.Proc
	ack    PendingAck
}

// pendingForkChild is a fork_child that arrived before its
// fork_parent (queued by HandleForkChild).
type pendingForkChild struct {
	pid  int
	ppid int
	ack  PendingAck
}

// pendingSpawn is a posix_spawn parent-side description awaiting the
// parent's posix_spawn_parent child-pid report. A child's
// scproc_query that arrives before that report is not queued here.
type pendingSpawn struct {
	parent      process.Proc
	args        []string
	env         []string
	fileActions []SpawnFileAction
	childPid    int // 0 until posix_spawn_parent arrives
	ack         PendingAck
}

// SpawnFileAction mirrors protocol.SpawnFileAction without importing
// protocol, keeping proctree independent of the wire layer.
type SpawnFileAction struct {
	Op    string
	Fd    int
	NewFd int
	Path  string
	Flags int
	Mode  uint32
}

// pendingPopen tracks the three-message popen protocol: the parent's
// popen, the parent's
// popen_parent with the client-side fd, and the child's scproc_query.
// Whichever of the last two arrives second completes the handshake.
type pendingPopen struct {
	parent   process.Proc
	cmd      string
	typ      string
	fd       int // -1 until popen_parent arrives
	child    *process.Execed
	childAck PendingAck
}

// Tree is the process index plus correlation state.
type Tree struct {
	Interner *fname.Interner
	Usages   *fileusage.Interner
	Resolver process.UsageResolver

	Root *process.Execed

	sock2proc  map[int]process.Proc
	pid2proc   map[int]process.Proc
	fbpid2proc map[int]process.Proc
	nextFBPid  int

	forkParents map[int]pendingForkParent // keyed by child pid
	forkChildren map[int]pendingForkChild // keyed by child pid

	execChildren map[int]*process.Execed // keyed by pid, held until predecessor closes

	spawns map[int]*pendingSpawn // keyed by parent pid, then re-keyed by child pid
	spawnsByChild map[int]*pendingSpawn

	popens map[int]*pendingPopen // keyed by parent pid

	// deferredWaits maps a waited-for child pid to the ack owed to
	// the waiting parent once that child finalizes.
	deferredWaits map[int]PendingAck
}

// New creates a Tree whose root is a synthetic ExecedProcess standing
// for the invoking build command.
func New(in *fname.Interner, usages *fileusage.Interner, resolver process.UsageResolver, rootPid int, rootExe string, rootArgs, rootEnv []string, rootWD string) *Tree {
	t := &Tree{
		Interner:      in,
		Usages:        usages,
		Resolver:      resolver,
		sock2proc:     make(map[int]process.Proc),
		pid2proc:      make(map[int]process.Proc),
		fbpid2proc:    make(map[int]process.Proc),
		forkParents:   make(map[int]pendingForkParent),
		forkChildren:  make(map[int]pendingForkChild),
		execChildren:  make(map[int]*process.Execed),
		spawns:        make(map[int]*pendingSpawn),
		spawnsByChild: make(map[int]*pendingSpawn),
		popens:        make(map[int]*pendingPopen),
		deferredWaits: make(map[int]PendingAck),
	}
	root := process.NewExeced(rootPid, t.NextFBPid(), nil, in.Get(rootExe), rootArgs, rootEnv, nil, in.Get(rootWD), usages, resolver)
	t.Root = root
	t.Insert(root, -1)
	return t
}

// NextFBPid mints the next monotonic supervisor-assigned id.
func (t *Tree) NextFBPid() int {
	t.nextFBPid++
	return t.nextFBPid
}

// Insert indexes p by pid and fb_pid, and by sock when sock >= 0.
func (t *Tree) Insert(p process.Proc, sock int) {
	c := p.C()
	t.pid2proc[c.Pid] = p
	t.fbpid2proc[c.FBPid] = p
	if sock >= 0 {
		t.sock2proc[sock] = p
	}
}

// DropSock removes the socket index entry when a connection closes.
func (t *Tree) DropSock(sock int) {
	delete(t.sock2proc, sock)
}

// BySock returns the process owning a connection.
func (t *Tree) BySock(sock int) (process.Proc, bool) {
	p, ok := t.sock2proc[sock]
	return p, ok
}

// ByPid returns the process currently indexed under pid. After an
// exec the successor replaces the predecessor at the same pid.
func (t *Tree) ByPid(pid int) (process.Proc, bool) {
	p, ok := t.pid2proc[pid]
	return p, ok
}

// ByFBPid returns the process with the given supervisor-assigned id.
func (t *Tree) ByFBPid(fbpid int) (process.Proc, bool) {
	p, ok := t.fbpid2proc[fbpid]
	return p, ok
}

// HandleForkParent processes the parent side of a fork handshake. If
// the child side already arrived, the ForkedProcess is created and
// both queued acks are returned for sending; otherwise the parent is
// queued and nothing is returned.
func (t *Tree) HandleForkParent(parent process.Proc, childPid int, ack PendingAck) (*process.Forked, []PendingAck) {
	if qc, ok := t.forkChildren[childPid]; ok {
		delete(t.forkChildren, childPid)
		f := t.completeFork(parent, childPid)
		return f, []PendingAck{qc.ack, ack}
	}
	t.forkParents[childPid] = pendingForkParent{parent: parent, ack: ack}
	return nil, nil
}

// HandleForkChild is the child side; symmetric to HandleForkParent.
func (t *Tree) HandleForkChild(pid, ppid int, ack PendingAck) (*process.Forked, []PendingAck) {
	if qp, ok := t.forkParents[pid]; ok {
		delete(t.forkParents, pid)
		f := t.completeFork(qp.parent, pid)
		return f, []PendingAck{qp.ack, ack}
	}
	t.forkChildren[pid] = pendingForkChild{pid: pid, ppid: ppid, ack: ack}
	return nil, nil
}

func (t *Tree) completeFork(parent process.Proc, childPid int) *process.Forked {
	f := process.NewForked(childPid, t.NextFBPid(), parent)
	parent.C().CopyFDTableTo(f)
	t.Insert(f, -1)
	return f
}

// QueueExecChild holds a successor process that announced itself
// before its predecessor's connection closed.
func (t *Tree) QueueExecChild(e *process.Execed) {
	t.execChildren[e.C().Pid] = e
}

// TakeExecChild removes and returns the queued successor for pid.
func (t *Tree) TakeExecChild(pid int) (*process.Execed, bool) {
	e, ok := t.execChildren[pid]
	if ok {
		delete(t.execChildren, pid)
	}
	return e, ok
}

// HandlePosixSpawn records the parent's descriptive message.
func (t *Tree) HandlePosixSpawn(parent process.Proc, args, env []string, actions []SpawnFileAction) {
	parent.C().SpawnPending = true
	t.spawns[parent.C().Pid] = &pendingSpawn{parent: parent, args: args, env: env, fileActions: actions, childPid: 0}
}

// HandlePosixSpawnParent attaches the spawned child pid to the
// pending spawn and always creates the intermediate ForkedProcess,
// with the parent's fd table and file actions applied, and returns
// it. TakeSpawnParent finds the child only after this call; a child
// scproc_query handled earlier finds no spawn parent.
func (t *Tree) HandlePosixSpawnParent(parentPid, childPid int) (*process.Forked, *pendingSpawn) {
	sp, ok := t.spawns[parentPid]
	if !ok {
		return nil, nil
	}
	sp.childPid = childPid
	t.spawnsByChild[childPid] = sp
	delete(t.spawns, parentPid)
	sp.parent.C().SpawnPending = false
	f := t.completeFork(sp.parent, childPid)
	t.applyFileActions(f, sp.fileActions)
	return f, sp
}

// HandlePosixSpawnFailed withdraws a pending spawn.
func (t *Tree) HandlePosixSpawnFailed(parentPid int) {
	if sp, ok := t.spawns[parentPid]; ok {
		sp.parent.C().SpawnPending = false
		delete(t.spawns, parentPid)
	}
}

// TakeSpawnParent returns (and consumes) the intermediate forked
// parent for a spawned child announcing itself, if the spawn
// handshake already completed.
func (t *Tree) TakeSpawnParent(childPid int) (process.Proc, bool) {
	if _, ok := t.spawnsByChild[childPid]; !ok {
		return nil, false
	}
	delete(t.spawnsByChild, childPid)
	p, found := t.ByPid(childPid)
	must.True(found, "proctree: spawn child lost", childPid)
	return p, true
}

// applyFileActions replays posix_spawn file actions onto the
// intermediate forked process.
func (t *Tree) applyFileActions(f *process.Forked, actions []SpawnFileAction) {
	for _, a := range actions {
		switch a.Op {
		case "open":
			process.HandleOpen(t.Interner, f, process.AtFDCWD, a.Path, a.Flags, a.Mode, a.Fd, 0)
		case "close":
			process.HandleClose(f, a.Fd, 0)
		case "dup2":
			process.HandleDup3(f, a.Fd, a.NewFd, 0, 0)
		case "chdir":
			process.SetWD(t.Interner, f, a.Path)
		case "closefrom":
			for _, ffd := range f.C().OpenFDs() {
				if ffd.Fd >= a.Fd {
					process.HandleClose(f, ffd.Fd, 0)
				}
			}
		}
	}
}

// HandlePopen records the parent's popen announcement.
func (t *Tree) HandlePopen(parent process.Proc, cmd, typ string) {
	t.popens[parent.C().Pid] = &pendingPopen{parent: parent, cmd: cmd, typ: typ, fd: -1}
}

// HandlePopenParent attaches the parent-side fd. Returns the queued
// child (with its pending ack) when the child already announced
// itself, at which point the caller accepts it.
func (t *Tree) HandlePopenParent(parentPid, fd int) (*process.Execed, PendingAck, bool) {
	pp, ok := t.popens[parentPid]
	if !ok {
		return nil, PendingAck{}, false
	}
	pp.fd = fd
	if pp.child != nil {
		delete(t.popens, parentPid)
		return pp.child, pp.childAck, true
	}
	return nil, PendingAck{}, false
}

// HandlePopenFailed withdraws a pending popen.
func (t *Tree) HandlePopenFailed(parentPid int) {
	delete(t.popens, parentPid)
}

// QueuePopenChild holds a popen child's announcement until the
// parent-side fd arrives. Returns true (completing the handshake)
// when the fd is already known.
func (t *Tree) QueuePopenChild(parentPid int, child *process.Execed, ack PendingAck) (complete bool) {
	pp, ok := t.popens[parentPid]
	if !ok {
		return false
	}
	if pp.fd >= 0 {
		delete(t.popens, parentPid)
		return true
	}
	pp.child = child
	pp.childAck = ack
	return false
}

// PendingPopenCmd returns the queued popen command for a parent, if
// one is pending; the child's scproc_query is matched against it.
func (t *Tree) PendingPopenCmd(parentPid int) (string, bool) {
	pp, ok := t.popens[parentPid]
	if !ok {
		return "", false
	}
	return pp.cmd, true
}

// DeferWaitAck records that the ack for a wait on childPid must be
// held until that child finalizes.
func (t *Tree) DeferWaitAck(childPid int, ack PendingAck) {
	t.deferredWaits[childPid] = ack
}

// TakeDeferredWaitAck consumes the deferred ack for childPid, if any.
func (t *Tree) TakeDeferredWaitAck(childPid int) (PendingAck, bool) {
	ack, ok := t.deferredWaits[childPid]
	if ok {
		delete(t.deferredWaits, childPid)
	}
	return ack, ok
}

// MarkTerminated records a process's exit and resource usage.
func (t *Tree) MarkTerminated(p process.Proc, status int, userUsec, sysUsec int64) {
	c := p.C()
	if c.State == process.Running {
		c.State = process.Terminated
	}
	c.ExitStatus = status
	c.Exited = true
	c.UserUsec = userUsec
	c.SysUsec = sysUsec
}

// Finalize transitions p to Finalized and folds its CPU time into its
// parent's aggregate. Returns
// false if p still has unfinalized children.
func (t *Tree) Finalize(p process.Proc) bool {
	c := p.C()
	if c.State == process.Finalized {
		return true
	}
	for _, child := range c.ForkChildren {
		if child.C().State != process.Finalized {
			return false
		}
	}
	if c.ExecChild != nil && c.ExecChild.C().State != process.Finalized {
		return false
	}
	c.State = process.Finalized
	c.AggrUsec += c.UserUsec + c.SysUsec
	if c.Parent != nil {
		c.Parent.C().AggrUsec += c.AggrUsec
	}
	return true
}

// AllFinalized reports whether every tracked process has been
// finalized; the supervisor then tears the tree down and exits.
func (t *Tree) AllFinalized() bool {
	for _, p := range t.fbpid2proc {
		if p.C().State != process.Finalized {
			return false
		}
	}
	return true
}
