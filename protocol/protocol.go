// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package protocol defines the decoded shapes of the messages the
// interceptor sends over the control channel,
// and the Decoder/AckWriter boundary the message processor consumes.
//
// The byte-level framing of these messages and its code generator are
// external collaborators; this package only fixes the Go
// types a conforming decoder produces. The message-tag space is
// closed and known at build time, so consumers dispatch with an
// exhaustive type switch rather than virtual dispatch.
package protocol

// Version is the control-channel protocol version. An scproc_query
// carrying a different version is a fatal mismatch.
const Version = 1

// SocketEnv is the environment variable through which the supervisor
// advertises its listening socket to intercepted children. It is
// always stripped from fingerprinted environments.
const SocketEnv = "FB_SOCKET"

// Message is the closed set of decoded control-channel messages. Each
// concrete message type implements it; AckID returns the echoed ack
// id, zero meaning no ack is requested.
type Message interface {
	AckID() uint64
}

// Header is embedded in every message.
type Header struct {
	Ack uint64
}

// AckID implements Message.
func (h Header) AckID() uint64 { return h.Ack }

// ScprocQuery is the first message from a newly exec'd process: identity,
// inherited state, and the fingerprint
// ingredients the interceptor collected during startup.
type ScprocQuery struct {
	Header
	Version    int
	Pid        int
	PPid       int
	Executable string
	Args       []string
	// Env is pre-sorted by the interceptor.
	Env []string
	// Libs is the ordered loaded-library list, vdso excluded.
	Libs []string
	CWD  string
	// JoinedPipes names the inherited writable pipe fds the child
	// wants reopened through the supervisor.
	JoinedPipes []int
	Umask       uint32
}

// ScprocResp answers an ScprocQuery. When DontIntercept is set the
// child runs uninstrumented. Fds,
// when present, are passed as ancillary data for reopening the
// child's inherited outgoing pipes.
type ScprocResp struct {
	Header
	DontIntercept bool
	ShortcutHit   bool
	ExitStatus    int
	FdCount       int
}

// ForkParent is the parent side of a fork handshake.
type ForkParent struct {
	Header
	Pid      int
	ChildPid int
}

// ForkChild is the child side of a fork handshake.
type ForkChild struct {
	Header
	Pid  int
	PPid int
}

// Exec announces an exec attempt is in flight on the sender.
type Exec struct {
	Header
	Pid int
}

// ExecFailed withdraws a pending Exec.
type ExecFailed struct {
	Header
	Pid   int
	Errno int
}

// SpawnFileAction is one posix_spawn file action applied to the
// intermediate forked process before its exec.
type SpawnFileAction struct {
	// Op is one of "open", "close", "dup2", "chdir", "closefrom".
	Op    string
	Fd    int
	NewFd int
	Path  string
	Flags int
	Mode  uint32
}

// PosixSpawn is the parent's descriptive message.
type PosixSpawn struct {
	Header
	Pid         int
	Args        []string
	Env         []string
	FileActions []SpawnFileAction
}

// PosixSpawnParent carries the spawned child's pid back from the
// parent once posix_spawn returned.
type PosixSpawnParent struct {
	Header
	Pid      int
	ChildPid int
}

// PosixSpawnFailed withdraws a pending PosixSpawn.
type PosixSpawnFailed struct {
	Header
	Pid   int
	Errno int
}

// Open reports an open(2)/openat(2), successful or not.
type Open struct {
	Header
	Pid   int
	DirFd int
	Path  string
	Flags int
	Mode  uint32
	Fd    int
	Errno int
}

// Freopen reports a freopen(3): close the old fd, then open.
type Freopen struct {
	Header
	Pid    int
	OldFd  int
	Path   string
	Flags  int
	Fd     int
	Errno  int
}

// Dlopen reports a dlopen(3); the loaded object becomes a read input.
type Dlopen struct {
	Header
	Pid   int
	Path  string
	Errno int
}

// Close reports a close(2).
type Close struct {
	Header
	Pid   int
	Fd    int
	Errno int
}

// Unlink reports unlink(2)/unlinkat(2).
type Unlink struct {
	Header
	Pid   int
	DirFd int
	Path  string
	Flags int
	Errno int
}

// Mkdir reports mkdir(2).
type Mkdir struct {
	Header
	Pid   int
	Path  string
	Mode  uint32
	Errno int
}

// Rmdir reports rmdir(2).
type Rmdir struct {
	Header
	Pid   int
	Path  string
	Errno int
}

// Rename reports rename(2)/renameat(2).
type Rename struct {
	Header
	Pid     int
	OldDirFd int
	OldPath string
	NewDirFd int
	NewPath string
	Errno   int
}

// Symlink reports symlink(2).
type Symlink struct {
	Header
	Pid    int
	Target string
	Path   string
	Errno  int
}

// Chdir reports a successful or failed chdir(2)/fchdir(2).
type Chdir struct {
	Header
	Pid   int
	Path  string
	Errno int
}

// Umask reports umask(2); the returned previous mask is ignored.
type Umask struct {
	Header
	Pid  int
	Mask uint32
}

// Dup reports dup(2).
type Dup struct {
	Header
	Pid   int
	OldFd int
	NewFd int
	Errno int
}

// Dup3 reports dup2(2)/dup3(2).
type Dup3 struct {
	Header
	Pid   int
	OldFd int
	NewFd int
	Flags int
	Errno int
}

// Fcntl reports fcntl(2) subcommands the interceptor forwards
// (F_DUPFD, F_SETFD, F_SETFL).
type Fcntl struct {
	Header
	Pid   int
	Fd    int
	Cmd   int
	Arg   int
	Ret   int
	Errno int
}

// Ioctl reports ioctl(2); every request disables shortcutting.
type Ioctl struct {
	Header
	Pid     int
	Fd      int
	Request uint64
	Errno   int
}

// Stat reports stat(2)/lstat(2)/fstatat(2) observations.
type Stat struct {
	Header
	Pid    int
	DirFd  int
	Path   string
	Follow bool
	// Result of the call, reflected into the usage map.
	Errno int
	IsDir bool
	IsReg bool
	Size  int64
}

// Access reports access(2)/faccessat(2).
type Access struct {
	Header
	Pid   int
	Path  string
	Mode  int
	Errno int
}

// Chmod reports chmod(2)/fchmodat(2); a mode change is a write.
type Chmod struct {
	Header
	Pid   int
	Path  string
	Mode  uint32
	Errno int
}

// PipeRequest asks the supervisor to create a virtualized pipe pair; the
// supervisor replies with ancillary fds.
type PipeRequest struct {
	Header
	Pid   int
	Flags int
}

// PipeFds tells the supervisor which fd numbers the child installed
// the pipe ends at.
type PipeFds struct {
	Header
	Pid int
	Fd0 int
	Fd1 int
}

// Popen is the parent's announcement of a popen(3) call.
type Popen struct {
	Header
	Pid  int
	Cmd  string
	Type string // "r" or "w", plus optional "e"
}

// PopenParent carries the parent-side fd of the popen pipe.
type PopenParent struct {
	Header
	Pid int
	Fd  int
}

// PopenFailed withdraws a pending Popen.
type PopenFailed struct {
	Header
	Pid   int
	Errno int
}

// Pclose reports pclose(3) with the child's exit status.
type Pclose struct {
	Header
	Pid    int
	Fd     int
	Status int
	Errno  int
}

// System is the parent's announcement of a system(3) call.
type System struct {
	Header
	Pid int
	Cmd string
}

// SystemRet reports system(3)'s return with the child's status.
type SystemRet struct {
	Header
	Pid    int
	Status int
}

// Wait reports a waitpid(2)/waitid(2) on a specific child. The ack
// may be deferred until that child is finalized.
type Wait struct {
	Header
	Pid      int
	ChildPid int
	Status   int
}

// Exit reports the sender's own exit, with resource usage.
type Exit struct {
	Header
	Pid      int
	Status   int
	UserUsec int64
	SysUsec  int64
}

// GenCall is the generic "an unsupported call happened" message: the
// call name becomes the disable-shortcutting reason.
type GenCall struct {
	Header
	Pid  int
	Call string
}

// Decoder turns the framed byte stream of one connection into decoded
// messages. The concrete implementation (generated alongside the
// framing library) is out of scope; msgproc consumes this interface.
type Decoder interface {
	// Decode returns the next complete message, or (nil, nil) when
	// more bytes are needed. Ancillary fds received with the frame
	// are returned alongside.
	Decode() (Message, []int, error)
	// Feed appends raw bytes read from the connection.
	Feed(b []byte)
}

// AckWriter sends replies back to one connection. Implementations
// must not block the reactor; the supervisor's
// connection type buffers internally.
type AckWriter interface {
	// SendAck sends an ack-only frame echoing id.
	SendAck(id uint64) error
	// SendScprocResp sends the scproc_query response, with fds (may
	// be empty) attached as ancillary data.
	SendScprocResp(resp *ScprocResp, fds []int) error
	// SendFds passes supervisor-created fds (pipe_request, popen)
	// as ancillary data with an ack frame.
	SendFds(id uint64, fds []int) error
}
