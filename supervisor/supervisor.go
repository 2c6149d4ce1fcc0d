// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package supervisor wires the whole program together: the state
// singletons (interners, caches, process tree), the listening
// control socket, the SIGCHLD self-pipe, the virtualized
// stdout/stderr pipes of the build command, and the epoll reactor
// that drives them.
//
// Every would-be global singleton is a field of
// the Supervisor context object, constructed at startup and torn down
// in reverse order.
package supervisor

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/buildaccel/shortcut/blobcache"
	"github.com/buildaccel/shortcut/cacher"
	"github.com/buildaccel/shortcut/config"
	"github.com/buildaccel/shortcut/epoll"
	"github.com/buildaccel/shortcut/errorreporter"
	"github.com/buildaccel/shortcut/errors"
	"github.com/buildaccel/shortcut/fileusage"
	"github.com/buildaccel/shortcut/fname"
	"github.com/buildaccel/shortcut/hashcache"
	"github.com/buildaccel/shortcut/log"
	"github.com/buildaccel/shortcut/msgproc"
	"github.com/buildaccel/shortcut/objcache"
	"github.com/buildaccel/shortcut/process"
	"github.com/buildaccel/shortcut/proctree"
	"github.com/buildaccel/shortcut/protocol"
	"github.com/buildaccel/shortcut/syncpool"
	"github.com/buildaccel/shortcut/traverse"
)

// Codec builds the framing layer for accepted connections. The
// concrete implementation is generated alongside the message format
// library, an external collaborator; the supervisor only
// depends on this boundary.
type Codec interface {
	NewDecoder(fd int) protocol.Decoder
	NewAckWriter(fd int) protocol.AckWriter
}

// Options collects the supervisor's startup parameters.
type Options struct {
	Config   config.Config
	CacheDir string
	Command  []string
	Codec    Codec
	// NoStore / NoFetch correspond to the CLI's cache-control flags.
	NoStore bool
	NoFetch bool
}

// Supervisor is the per-run context object owning all state.
type Supervisor struct {
	opts    Options
	matcher *config.Matcher

	in     *fname.Interner
	usages *fileusage.Interner

	hashCache *hashcache.Cache
	blobs     *blobcache.Cache
	objs      *objcache.Cache
	cacher    *cacher.Cacher

	tree *proctree.Tree
	proc *msgproc.Processor

	loop     *epoll.Loop
	listenFd int
	sockPath string

	pool    *syncpool.WorkerPool
	errs    errorreporter.T
	pipes   *pipeRegistry
	sigR    int
	sigW    int
	rootPid int

	exitStatus int
	done       bool
}

// New constructs the full supervisor context. Teardown order in
// Close is the reverse of construction here.
func New(ctx context.Context, opts Options) (*Supervisor, error) {
	if len(opts.Command) == 0 {
		return nil, errors.E(errors.Invalid, "supervisor: empty build command")
	}
	s := &Supervisor{opts: opts, listenFd: -1, sigR: -1, sigW: -1}
	s.matcher = config.Compile(opts.Config)
	s.in = fname.NewInterner(s.matcher)
	s.usages = fileusage.NewInterner()
	s.hashCache = hashcache.New(s.in)

	s.pool = syncpool.New(ctx, runtime.NumCPU())
	blobDir := filepath.Join(opts.CacheDir, "blobs")
	objDir := filepath.Join(opts.CacheDir, "objs")
	if err := precreateShards(blobDir, objDir); err != nil {
		return nil, err
	}
	blobs, err := blobcache.Open(ctx, blobDir, blobcache.WithAsyncStore(s.pool))
	if err != nil {
		return nil, err
	}
	s.blobs = blobs
	objOpts := []objcache.Option{}
	if opts.Config.DebugCache {
		objOpts = append(objOpts, objcache.WithDebugJSON(true))
	}
	objs, err := objcache.Open(objDir, objOpts...)
	if err != nil {
		blobs.Close()
		return nil, err
	}
	s.objs = objs

	s.cacher = cacher.New(s.in, s.usages, s.hashCache, s.blobs, s.objs, s.matcher)
	s.cacher.NoStore = opts.NoStore
	s.cacher.NoFetch = opts.NoFetch

	loop, err := epoll.New()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.loop = loop
	s.pipes = newPipeRegistry(s.loop, s.blobs)
	return s, nil
}

// precreateShards makes the 4096 (64×64) second-level shard
// directories of each of the two caches up front, in parallel, so per-store mkdir races never
// happen on the hot path. Parallelized with traverse
// under an errgroup that also prepares the two base dirs.
func precreateShards(blobDir, objDir string) error {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	g, _ := errgroup.WithContext(context.Background())
	for _, base := range []string{blobDir, objDir} {
		base := base
		g.Go(func() error {
			if err := os.MkdirAll(base, 0755); err != nil {
				return errors.E(errors.Unavailable, "supervisor: mkdir cache dir", err)
			}
			return traverse.Parallel(len(alphabet)).Do(func(i int) error {
				first := string(alphabet[i])
				for j := 0; j < len(alphabet); j++ {
					dir := filepath.Join(base, first, first+string(alphabet[j]))
					if err := os.MkdirAll(dir, 0755); err != nil {
						return errors.E(errors.Unavailable, "supervisor: mkdir shard", err)
					}
				}
				return nil
			})
		})
	}
	return g.Wait()
}

// Run starts the build command under interception and drives the
// reactor until every process has been finalized. It returns the
// build command's exit status.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	if err := s.listen(); err != nil {
		return 1, err
	}
	if err := s.setupSigchld(); err != nil {
		return 1, err
	}
	cmd, err := s.spawnBuildCommand()
	if err != nil {
		return 1, err
	}
	s.rootPid = cmd.Process.Pid

	rootWD, _ := os.Getwd()
	s.tree = proctree.New(s.in, s.usages, s.cacher, s.rootPid, s.opts.Command[0], s.opts.Command, os.Environ(), rootWD)
	s.proc = &msgproc.Processor{
		Tree:    s.tree,
		Matcher: s.matcher,
		Cacher:  s.cacher,
		Pipes:   s.pipes,
		OnFinalized: func(process.Proc) { s.maybeShutdown() },
	}

	if err := s.loop.AddFD(s.listenFd, unix.EPOLLIN, s.acceptConn); err != nil {
		return 1, err
	}

	if err := s.loop.Run(); err != nil {
		return 1, err
	}

	// The worker pool may still be copying blobs; stores must land
	// before the run is declared finished.
	s.pool.Wait()
	if err := s.errs.Err(); err != nil {
		log.Error.Printf("supervisor: background error: %v", err)
	}
	return s.exitStatus, nil
}

func (s *Supervisor) listen() error {
	dir, err := os.MkdirTemp("", "fbsupervisor-")
	if err != nil {
		return errors.E(errors.Unavailable, "supervisor: socket dir", err)
	}
	s.sockPath = filepath.Join(dir, "fb.sock")
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return errors.E(errors.Unavailable, "supervisor: socket", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: s.sockPath}); err != nil {
		unix.Close(fd)
		return errors.E(errors.Unavailable, "supervisor: bind "+s.sockPath, err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return errors.E(errors.Unavailable, "supervisor: listen", err)
	}
	s.listenFd = fd
	return nil
}

// setupSigchld installs the SIGCHLD translation: a goroutine owning
// the signal channel writes one byte per delivery into a self-pipe;
// the reactor reaps synchronously on the read side.
func (s *Supervisor) setupSigchld() error {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return errors.E(errors.Unavailable, "supervisor: self-pipe", err)
	}
	s.sigR, s.sigW = fds[0], fds[1]
	ch := make(chan os.Signal, 16)
	signal.Notify(ch, syscall.SIGCHLD)
	go func() {
		one := []byte{1}
		for range ch {
			if _, err := unix.Write(s.sigW, one); err != nil && err != unix.EAGAIN {
				s.errs.Set(errors.E(errors.Unavailable, "supervisor: self-pipe write", err))
				return
			}
		}
	}()
	return s.loop.AddFD(s.sigR, unix.EPOLLIN, func(_ int, _ uint32) { s.reapChildren() })
}

// reapChildren drains the self-pipe and waitpid()s every exited
// child. A pid the tree never tracked is an orphan: recorded with its
// status, excluded from caching.
func (s *Supervisor) reapChildren() {
	var drain [64]byte
	for {
		if _, err := unix.Read(s.sigR, drain[:]); err != nil {
			break
		}
	}
	for {
		var ws unix.WaitStatus
		var ru unix.Rusage
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, &ru)
		if err != nil || pid <= 0 {
			break
		}
		status := ws.ExitStatus()
		if ws.Signaled() {
			status = 128 + int(ws.Signal())
		}
		p, ok := s.tree.ByPid(pid)
		if !ok {
			log.Print("supervisor: reaped orphan pid ", pid, " status ", status)
			continue
		}
		userUsec := ru.Utime.Sec*1e6 + int64(ru.Utime.Usec)
		sysUsec := ru.Stime.Sec*1e6 + int64(ru.Stime.Usec)
		s.tree.MarkTerminated(p, status, userUsec, sysUsec)
		p.C().WaitedFor = true
		if pid == s.rootPid {
			s.exitStatus = status
		}
		s.proc.MaybeFinalize(p)
		if pid == s.rootPid {
			// The synthetic root stands for the build command itself;
			// it terminates when the real command does.
			s.tree.MarkTerminated(s.tree.Root, status, 0, 0)
			s.proc.MaybeFinalize(s.tree.Root)
			s.maybeShutdown()
		}
	}
}

// acceptConn wraps each new interceptor connection in a context
// whose buffer accumulates framed messages.
func (s *Supervisor) acceptConn(_ int, _ uint32) {
	for {
		fd, _, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			return
		}
		conn := &msgproc.Conn{Sock: fd, Dec: s.opts.Codec.NewDecoder(fd), W: s.opts.Codec.NewAckWriter(fd)}
		if err := s.loop.AddFD(fd, unix.EPOLLIN|unix.EPOLLRDHUP, func(_ int, events uint32) {
			s.handleConnReadable(conn, events)
		}); err != nil {
			log.Error.Printf("supervisor: register conn %d: %v", fd, err)
			unix.Close(fd)
		}
	}
}

func (s *Supervisor) handleConnReadable(conn *msgproc.Conn, events uint32) {
	var buf [65536]byte
	closed := events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0
	for {
		n, err := unix.Read(conn.Sock, buf[:])
		if err == unix.EAGAIN {
			break
		}
		if err != nil || n == 0 {
			closed = true
			break
		}
		conn.Dec.Feed(buf[:n])
		for {
			msg, fds, derr := conn.Dec.Decode()
			if derr != nil {
				log.Error.Printf("supervisor: decode on fd %d: %v", conn.Sock, derr)
				closed = true
				break
			}
			if msg == nil {
				break
			}
			if herr := s.proc.HandleMessage(conn, msg, fds); herr != nil {
				if errors.Is(errors.VersionMismatch, herr) {
					log.Fatal(herr) // incompatible interceptor, cannot continue
				}
				log.Error.Printf("supervisor: handle message: %v", herr)
			}
		}
		if closed {
			break
		}
	}
	if closed {
		s.loop.MaybeDelFD(conn.Sock)
		s.proc.HandleConnClosed(conn.Sock)
		unix.Close(conn.Sock)
		s.maybeShutdown()
	}
}

// maybeShutdown closes the listening socket and stops the loop once
// every tracked process has been finalized.
func (s *Supervisor) maybeShutdown() {
	if s.done || s.tree == nil || !s.tree.AllFinalized() {
		return
	}
	s.done = true
	s.pipes.finishAll()
	if s.listenFd >= 0 {
		s.loop.MaybeDelFD(s.listenFd)
		unix.Close(s.listenFd)
		s.listenFd = -1
	}
	s.loop.Stop()
}

// spawnBuildCommand launches the build command with FB_SOCKET set and
// its stdout/stderr routed through virtualized pipes so their traffic
// can be recorded.
func (s *Supervisor) spawnBuildCommand() (*exec.Cmd, error) {
	cmd := exec.Command(s.opts.Command[0], s.opts.Command[1:]...)
	cmd.Env = append(os.Environ(), protocol.SocketEnv+"="+s.sockPath)
	cmd.Stdin = os.Stdin

	stdout, err := s.pipes.newOutputPipe(1, int(os.Stdout.Fd()))
	if err != nil {
		return nil, err
	}
	stderr, err := s.pipes.newOutputPipe(2, int(os.Stderr.Fd()))
	if err != nil {
		return nil, err
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.E(errors.Unavailable, "supervisor: start build command", err)
	}
	stdout.Close()
	stderr.Close()
	return cmd, nil
}

// Close tears the context down in reverse construction order.
func (s *Supervisor) Close() error {
	if s.sigR >= 0 {
		signal.Reset(syscall.SIGCHLD)
		unix.Close(s.sigR)
		unix.Close(s.sigW)
		s.sigR, s.sigW = -1, -1
	}
	if s.loop != nil {
		s.loop.Close()
		s.loop = nil
	}
	if s.objs != nil {
		s.objs.Close()
		s.objs = nil
	}
	if s.blobs != nil {
		s.blobs.Close()
		s.blobs = nil
	}
	if s.sockPath != "" {
		os.Remove(s.sockPath)
		os.Remove(filepath.Dir(s.sockPath))
		s.sockPath = ""
	}
	return nil
}
