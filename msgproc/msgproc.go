// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package msgproc decodes and dispatches the interceptor's event
// messages into the process model: it locates or creates the owning
// process for each message, mutates the tree,
// orchestrates the multi-message handshakes through proctree's
// correlation queues, and decides when each process can be finalized
// and cache-stored.
//
// Dispatch is an exhaustive type switch over protocol's closed
// message set.
package msgproc

import (
	"fmt"

	"github.com/buildaccel/shortcut/cacher"
	"github.com/buildaccel/shortcut/config"
	"github.com/buildaccel/shortcut/errors"
	"github.com/buildaccel/shortcut/fname"
	"github.com/buildaccel/shortcut/hash"
	"github.com/buildaccel/shortcut/log"
	"github.com/buildaccel/shortcut/process"
	"github.com/buildaccel/shortcut/proctree"
	"github.com/buildaccel/shortcut/protocol"
)

// Pipes is the supervisor-side pipe plumbing the processor drives;
// the supervisor package implements it over live fds, tests over a
// fake.
type Pipes interface {
	// CreatePipe builds a virtualized pipe pair for p, returning the
	// fds to pass back to the child as ancillary data.
	CreatePipe(p process.Proc, flags int) ([]int, error)
	// RegisterPipeFds records the child-side fd numbers from the
	// pipe_fds follow-up message.
	RegisterPipeFds(p process.Proc, fd0, fd1 int)
	// AttachRecorders attaches a fresh recorder per inherited
	// writable pipe end of a newly exec'd process.
	AttachRecorders(e *process.Execed, joinedFds []int)
	// Recordings returns the finished captures for e at store time.
	Recordings(e *process.Execed) []cacher.PipeRecording
	// Replay writes a cached blob to the live stream for fd.
	Replay(fd int, h hash.Hash) error
}

// Conn is one intercepted process's connection context: the socket,
// its decoder, and its reply writer.
type Conn struct {
	Sock int
	Dec  protocol.Decoder
	W    protocol.AckWriter
}

// quirkBenignCalls are the otherwise-disabling calls a configured
// quirk may permit.
var quirkBenignCalls = map[string]bool{
	"gethostname":   true,
	"clock_gettime": true,
}

// Processor owns message dispatch for all connections.
type Processor struct {
	Tree    *proctree.Tree
	Matcher *config.Matcher
	Cacher  *cacher.Cacher
	Pipes   Pipes

	// OnFinalized, when set, runs after each process finalizes; the
	// supervisor uses it to notice when the whole tree is done.
	OnFinalized func(p process.Proc)

	ackSenders map[int]ackSender
}

// HandleMessage dispatches one decoded message. The returned error is
// fatal to the supervisor only for protocol version mismatches; every
// other failure is contained to the sending
// subtree.
func (pr *Processor) HandleMessage(conn *Conn, msg protocol.Message, fds []int) error {
	switch m := msg.(type) {
	case *protocol.ScprocQuery:
		return pr.handleScprocQuery(conn, m)
	case *protocol.ForkParent:
		p, ok := pr.procFor(conn, m.Pid)
		if !ok {
			return nil
		}
		forked, acks := pr.Tree.HandleForkParent(p, m.ChildPid, proctree.PendingAck{Sock: conn.Sock, AckID: m.Ack})
		pr.finishFork(conn, forked, acks)
		return nil
	case *protocol.ForkChild:
		forked, acks := pr.Tree.HandleForkChild(m.Pid, m.PPid, proctree.PendingAck{Sock: conn.Sock, AckID: m.Ack})
		pr.finishFork(conn, forked, acks)
		return nil
	case *protocol.Exec:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			p.C().ExecPending = true
		}
	case *protocol.ExecFailed:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			p.C().ExecPending = false
		}
	case *protocol.PosixSpawn:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			pr.Tree.HandlePosixSpawn(p, m.Args, m.Env, spawnActions(m.FileActions))
		}
	case *protocol.PosixSpawnParent:
		pr.Tree.HandlePosixSpawnParent(m.Pid, m.ChildPid)
	case *protocol.PosixSpawnFailed:
		pr.Tree.HandlePosixSpawnFailed(m.Pid)
	case *protocol.Open:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			process.HandleOpen(pr.Tree.Interner, p, m.DirFd, m.Path, m.Flags, m.Mode, m.Fd, m.Errno)
		}
	case *protocol.Freopen:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			process.HandleClose(p, m.OldFd, 0)
			process.HandleOpen(pr.Tree.Interner, p, process.AtFDCWD, m.Path, m.Flags, 0, m.Fd, m.Errno)
		}
	case *protocol.Dlopen:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			if m.Errno == 0 {
				process.HandleOpen(pr.Tree.Interner, p, process.AtFDCWD, m.Path, 0, 0, -1, 0)
			}
		}
	case *protocol.Close:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			process.HandleClose(p, m.Fd, m.Errno)
		}
	case *protocol.Unlink:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			process.HandleUnlink(pr.Tree.Interner, p, m.DirFd, m.Path, m.Errno)
		}
	case *protocol.Mkdir:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			process.HandleMkdir(pr.Tree.Interner, p, m.Path, m.Errno)
		}
	case *protocol.Rmdir:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			process.HandleRmdir(pr.Tree.Interner, p, m.Path, m.Errno)
		}
	case *protocol.Rename:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			process.HandleRename(pr.Tree.Interner, p, m.OldDirFd, m.OldPath, m.NewDirFd, m.NewPath, m.Errno)
		}
	case *protocol.Symlink:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			// Symlink contents are not content-tracked; replaying one
			// would need link-target virtualization the cache does not
			// model.
			p.ExecPoint().BubbleUp("symlink", p)
		}
	case *protocol.Chdir:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			if m.Errno == 0 {
				process.SetWD(pr.Tree.Interner, p, m.Path)
			} else {
				process.HandleFailWD(pr.Tree.Interner, p, m.Path)
			}
		}
	case *protocol.Umask:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			p.C().Umask = m.Mask
		}
	case *protocol.Dup:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			process.HandleDup(p, m.OldFd, m.NewFd, m.Errno)
		}
	case *protocol.Dup3:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			process.HandleDup3(p, m.OldFd, m.NewFd, m.Flags, m.Errno)
		}
	case *protocol.Fcntl:
		pr.handleFcntl(conn, m)
	case *protocol.Ioctl:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			pr.disableUnlessQuirk(p, "ioctl")
		}
	case *protocol.Stat:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			process.HandleStat(pr.Tree.Interner, p, m.DirFd, m.Path, m.Errno, m.IsDir, m.IsReg, m.Size)
		}
	case *protocol.Access:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			process.HandleAccess(pr.Tree.Interner, p, m.Path, m.Errno)
		}
	case *protocol.Chmod:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			process.HandleChmod(pr.Tree.Interner, p, m.Path, m.Errno)
		}
	case *protocol.PipeRequest:
		if pr.Pipes == nil {
			return nil
		}
		return pr.handlePipeRequest(conn, m)
	case *protocol.PipeFds:
		if p, ok := pr.procFor(conn, m.Pid); ok && pr.Pipes != nil {
			pr.Pipes.RegisterPipeFds(p, m.Fd0, m.Fd1)
		}
	case *protocol.Popen:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			pr.Tree.HandlePopen(p, m.Cmd, m.Type)
		}
	case *protocol.PopenParent:
		child, ack, complete := pr.Tree.HandlePopenParent(m.Pid, m.Fd)
		if complete {
			pr.acceptPopenChild(child, ack)
		}
	case *protocol.PopenFailed:
		pr.Tree.HandlePopenFailed(m.Pid)
	case *protocol.Pclose:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			process.HandleClose(p, m.Fd, m.Errno)
		}
	case *protocol.System:
		// The implicit `sh -c <cmd>` child announces itself through
		// the normal fork/exec path; nothing to queue here.
		log.Debug.Printf("msgproc: system(%q) from pid %d", m.Cmd, m.Pid)
	case *protocol.SystemRet:
		log.Debug.Printf("msgproc: system returned %d for pid %d", m.Status, m.Pid)
	case *protocol.Wait:
		return pr.handleWait(conn, m)
	case *protocol.Exit:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			pr.Tree.MarkTerminated(p, m.Status, m.UserUsec, m.SysUsec)
			pr.MaybeFinalize(p)
		}
	case *protocol.GenCall:
		if p, ok := pr.procFor(conn, m.Pid); ok {
			pr.disableUnlessQuirk(p, m.Call)
		}
	default:
		log.Error.Printf("msgproc: unhandled message %T", msg)
	}
	pr.maybeAck(conn, msg)
	return nil
}

// maybeAck replies with an ack frame when the message requested one
// and no handler above already consumed it.
func (pr *Processor) maybeAck(conn *Conn, msg protocol.Message) {
	if id := msg.AckID(); id != 0 {
		if err := conn.W.SendAck(id); err != nil {
			log.Error.Printf("msgproc: ack %d: %v", id, err)
		}
	}
}

// procFor resolves the process a message belongs to, preferring the
// connection's owner and falling back to the pid index.
func (pr *Processor) procFor(conn *Conn, pid int) (process.Proc, bool) {
	if p, ok := pr.Tree.BySock(conn.Sock); ok {
		return p, true
	}
	return pr.Tree.ByPid(pid)
}

func (pr *Processor) disableUnlessQuirk(p process.Proc, call string) {
	ep := p.ExecPoint()
	if quirkBenignCalls[call] && pr.Matcher.HasQuirk(ep.Executable.Path()) {
		return
	}
	ep.BubbleUp(call, p)
}

func (pr *Processor) finishFork(conn *Conn, forked *process.Forked, acks []proctree.PendingAck) {
	if forked == nil {
		return
	}
	for _, ack := range acks {
		if ack.AckID == 0 {
			continue
		}
		if ack.Sock == conn.Sock {
			conn.W.SendAck(ack.AckID)
		} else if send := pr.ackSenderFor(ack.Sock); send != nil {
			send(ack.AckID)
		}
	}
}

type ackSender func(id uint64) error

// RegisterAckSender exposes a connection's ack channel to handshake
// completions arriving on the peer connection.
func (pr *Processor) RegisterAckSender(sock int, w protocol.AckWriter) {
	if pr.ackSenders == nil {
		pr.ackSenders = make(map[int]ackSender)
	}
	pr.ackSenders[sock] = w.SendAck
}

// UnregisterAckSender drops a closed connection's ack channel.
func (pr *Processor) UnregisterAckSender(sock int) {
	delete(pr.ackSenders, sock)
}

func (pr *Processor) ackSenderFor(sock int) ackSender {
	return pr.ackSenders[sock]
}

func spawnActions(in []protocol.SpawnFileAction) []proctree.SpawnFileAction {
	out := make([]proctree.SpawnFileAction, len(in))
	for i, a := range in {
		out[i] = proctree.SpawnFileAction{Op: a.Op, Fd: a.Fd, NewFd: a.NewFd, Path: a.Path, Flags: a.Flags, Mode: a.Mode}
	}
	return out
}

func (pr *Processor) handleFcntl(conn *Conn, m *protocol.Fcntl) {
	p, ok := pr.procFor(conn, m.Pid)
	if !ok {
		return
	}
	const (
		fDupfd        = 0
		fDupfdCloexec = 1030
		fSetfd        = 2
		fSetfl        = 4
		fdCloexec     = 1
	)
	switch m.Cmd {
	case fDupfd, fDupfdCloexec:
		if m.Errno == 0 && m.Ret >= 0 {
			process.HandleDup3(p, m.Fd, m.Ret, 0, 0)
			if m.Cmd == fDupfdCloexec {
				if ffd := p.C().GetFD(m.Ret); ffd != nil {
					ffd.CloseOnExec = true
				}
			}
		}
	case fSetfd:
		if ffd := p.C().GetFD(m.Fd); ffd != nil {
			ffd.CloseOnExec = m.Arg&fdCloexec != 0
		}
	case fSetfl:
		if ffd := p.C().GetFD(m.Fd); ffd != nil {
			ffd.OFD.Flags = m.Arg
		}
	default:
		pr.disableUnlessQuirk(p, "fcntl")
	}
}

func (pr *Processor) handlePipeRequest(conn *Conn, m *protocol.PipeRequest) error {
	p, ok := pr.procFor(conn, m.Pid)
	if !ok {
		return nil
	}
	fds, err := pr.Pipes.CreatePipe(p, m.Flags)
	if err != nil {
		log.Error.Printf("msgproc: pipe_request: %v", err)
		p.ExecPoint().BubbleUp("pipe_request failed", p)
		return nil
	}
	return conn.W.SendFds(m.Ack, fds)
}

func (pr *Processor) handleWait(conn *Conn, m *protocol.Wait) error {
	child, ok := pr.Tree.ByPid(m.ChildPid)
	if !ok {
		pr.maybeAck(conn, m)
		return nil
	}
	child.C().WaitedFor = true
	if child.C().State == process.Finalized {
		pr.maybeAck(conn, m)
		return nil
	}
	// Defer the ack until the waited child finalizes, so the
	// interceptor does not proceed prematurely.
	if m.Ack != 0 {
		pr.Tree.DeferWaitAck(m.ChildPid, proctree.PendingAck{Sock: conn.Sock, AckID: m.Ack})
	}
	pr.MaybeFinalize(child)
	return nil
}

func (pr *Processor) acceptPopenChild(child *process.Execed, ack proctree.PendingAck) {
	if ack.AckID != 0 {
		if send := pr.ackSenderFor(ack.Sock); send != nil {
			send(ack.AckID)
		}
	}
}

// HandleConnClosed runs when an intercepted process's connection
// closes: a pending exec successor re-attaches with the inherited fd
// table, and the process may become
// finalizable.
func (pr *Processor) HandleConnClosed(sock int) {
	p, ok := pr.Tree.BySock(sock)
	pr.Tree.DropSock(sock)
	pr.UnregisterAckSender(sock)
	if !ok {
		return
	}
	c := p.C()
	if successor, queued := pr.Tree.TakeExecChild(c.Pid); queued {
		pr.attachExecChild(p, successor)
		return
	}
	if c.State == process.Running {
		c.State = process.Terminated
	}
	pr.MaybeFinalize(p)
}

// attachExecChild finishes an exec handover once the predecessor's
// connection has closed: the successor (already parented at creation
// time) inherits the fd table minus the close-on-exec descriptors,
// and the predecessor terminates.
func (pr *Processor) attachExecChild(pred process.Proc, successor *process.Execed) {
	c := pred.C()
	c.ExecPending = false
	pred.C().DropCloseOnExecFDs()
	pred.C().CopyFDTableTo(successor)
	if c.State == process.Running {
		c.State = process.Terminated
	}
}

// MaybeFinalize finalizes p if its whole subtree has terminated, runs
// the cache store for exec points that stayed storable, releases
// deferred wait acks, and recurses upward.
func (pr *Processor) MaybeFinalize(p process.Proc) {
	c := p.C()
	if c.State != process.Terminated {
		return
	}
	if !pr.Tree.Finalize(p) {
		return
	}
	if e, ok := p.(*process.Execed); ok {
		pr.storeFinalized(e)
	}
	if ack, ok := pr.Tree.TakeDeferredWaitAck(c.Pid); ok && ack.AckID != 0 {
		if send := pr.ackSenderFor(ack.Sock); send != nil {
			send(ack.AckID)
		}
	}
	if pr.OnFinalized != nil {
		pr.OnFinalized(p)
	}
	if c.Parent != nil && c.Parent.C().State == process.Terminated {
		pr.MaybeFinalize(c.Parent)
	}
}

func (pr *Processor) storeFinalized(e *process.Execed) {
	if pr.Cacher == nil || !pr.Cacher.Storable(e) {
		return
	}
	var recordings []cacher.PipeRecording
	if pr.Pipes != nil {
		recordings = pr.Pipes.Recordings(e)
	}
	if err := pr.Cacher.Store(e, recordings); err != nil {
		// A failed store never aborts the build.
		log.Error.Printf("msgproc: store %s: %v", e.Executable.Path(), err)
	}
}

// handleScprocQuery is the lifecycle entry point for every newly
// exec'd process.
func (pr *Processor) handleScprocQuery(conn *Conn, m *protocol.ScprocQuery) error {
	if m.Version != protocol.Version {
		return errors.E(errors.VersionMismatch, fmt.Sprintf("msgproc: interceptor speaks version %d, supervisor %d", m.Version, protocol.Version))
	}

	parent, kind := pr.findParentFor(m)
	if parent == nil {
		// No intercepted ancestor: allowed to run, uninstrumented.
		log.Print("msgproc: untracked process ", m.Pid, " (", m.Executable, "), not intercepting")
		return conn.W.SendScprocResp(&protocol.ScprocResp{Header: protocol.Header{Ack: m.Ack}, DontIntercept: true}, nil)
	}

	in := pr.Tree.Interner
	libs := make([]*fname.Name, 0, len(m.Libs))
	for _, l := range m.Libs {
		libs = append(libs, in.Get(l))
	}
	var resolver process.UsageResolver
	if pr.Cacher != nil {
		resolver = pr.Cacher
	}
	e := process.NewExeced(m.Pid, pr.Tree.NextFBPid(), parent, in.Get(m.Executable), m.Args, m.Env, libs, in.Get(m.CWD), pr.Tree.Usages, resolver)
	e.C().Umask = m.Umask
	pr.Tree.Insert(e, conn.Sock)
	pr.RegisterAckSender(conn.Sock, conn.W)

	if pr.Matcher.DontIntercept(m.Executable) {
		return conn.W.SendScprocResp(&protocol.ScprocResp{Header: protocol.Header{Ack: m.Ack}, DontIntercept: true}, nil)
	}
	if pr.Matcher.DontShortcut(m.Executable) {
		e.DisableShortcuttingOnlyThis("dont_shortcut config", e)
	}

	if kind == parentExecPending {
		// Successor announced before the predecessor's connection
		// closed; fd-table inheritance waits until then.
		pr.Tree.QueueExecChild(e)
	} else if kind == parentForked || kind == parentSpawned || kind == parentRoot {
		// The exec predecessor is already quiescent: hand the fd
		// table over now, minus close-on-exec descriptors.
		parent.C().DropCloseOnExecFDs()
		parent.C().CopyFDTableTo(e)
	}
	if _, isPopen := pr.Tree.PendingPopenCmd(m.PPid); isPopen {
		if complete := pr.Tree.QueuePopenChild(m.PPid, e, proctree.PendingAck{Sock: conn.Sock, AckID: m.Ack}); !complete {
			return nil // ack deferred until popen_parent arrives
		}
	}

	if pr.Cacher != nil {
		replay := pr.replayFunc()
		hit, err := pr.Cacher.Shortcut(e, replay)
		if err != nil && !errors.Is(errors.Ambiguous, err) {
			log.Error.Printf("msgproc: shortcut probe %s: %v", m.Executable, err)
		}
		if hit {
			pr.Tree.MarkTerminated(e, e.C().ExitStatus, 0, 0)
			pr.MaybeFinalize(e)
			return conn.W.SendScprocResp(&protocol.ScprocResp{
				Header:      protocol.Header{Ack: m.Ack},
				ShortcutHit: true,
				ExitStatus:  e.C().ExitStatus,
			}, nil)
		}
	}

	if pr.Pipes != nil && len(m.JoinedPipes) > 0 {
		pr.Pipes.AttachRecorders(e, m.JoinedPipes)
	}
	return conn.W.SendScprocResp(&protocol.ScprocResp{Header: protocol.Header{Ack: m.Ack}}, nil)
}

func (pr *Processor) replayFunc() cacher.PipeReplay {
	if pr.Pipes == nil {
		return nil
	}
	return pr.Pipes.Replay
}

type parentKind int

const (
	parentNone parentKind = iota
	parentExecPending
	parentForked
	parentSpawned
	parentRoot
)

// findParentFor locates the process a new scproc_query continues:
// the exec predecessor at the same pid, a forked or spawned child
// placeholder, or the synthetic root for the build command itself.
func (pr *Processor) findParentFor(m *protocol.ScprocQuery) (process.Proc, parentKind) {
	if pred, ok := pr.Tree.ByPid(m.Pid); ok {
		if pred == pr.Tree.Root {
			return pr.Tree.Root, parentRoot
		}
		if pred.C().ExecPending {
			return pred, parentExecPending
		}
		return pred, parentForked
	}
	if spawnParent, ok := pr.Tree.TakeSpawnParent(m.Pid); ok {
		return spawnParent, parentSpawned
	}
	if _, ok := pr.Tree.PendingPopenCmd(m.PPid); ok {
		if pp, found := pr.Tree.ByPid(m.PPid); found {
			return pp, parentForked
		}
	}
	return nil, parentNone
}
