// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package supervisor

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/buildaccel/shortcut/blobcache"
	"github.com/buildaccel/shortcut/cacher"
	"github.com/buildaccel/shortcut/epoll"
	"github.com/buildaccel/shortcut/errors"
	"github.com/buildaccel/shortcut/hash"
	"github.com/buildaccel/shortcut/log"
	"github.com/buildaccel/shortcut/pipe"
	"github.com/buildaccel/shortcut/process"
)

// recEntry ties one attached recorder to the child-side fd whose
// traffic it captures (1 for stdout, 2 for stderr, or an fd of a
// child-created pipe).
type recEntry struct {
	fd  int
	rec *pipe.Recorder
}

// pipeRegistry owns all live virtualized pipes and implements
// msgproc.Pipes over them.
type pipeRegistry struct {
	loop  *epoll.Loop
	blobs *blobcache.Cache

	// outputs maps the well-known child fds (1, 2) to their
	// virtualized pipe and the real destination fd replayed output is
	// written to.
	outputs map[int]*outputPipe

	// pending holds pipes created by CreatePipe awaiting the child's
	// pipe_fds follow-up, per requesting process.
	pending map[process.Proc][]*pipe.Pipe

	// recorders lists the recorders attached for each exec'd process,
	// consumed by Recordings.
	recorders map[*process.Execed][]recEntry

	all map[*pipe.Pipe]bool
}

// outputPipe is one of the build command's virtualized standard
// streams.
type outputPipe struct {
	p     *pipe.Pipe
	end   *pipe.FD1End
	dstFd int
}

func newPipeRegistry(loop *epoll.Loop, blobs *blobcache.Cache) *pipeRegistry {
	return &pipeRegistry{
		loop:      loop,
		blobs:     blobs,
		outputs:   make(map[int]*outputPipe),
		pending:   make(map[process.Proc][]*pipe.Pipe),
		recorders: make(map[*process.Execed][]recEntry),
		all:       make(map[*pipe.Pipe]bool),
	}
}

// newOutputPipe virtualizes one of the build command's standard
// streams (childFd 1 or 2): the returned write end becomes the
// command's stdout/stderr, the read end feeds a Pipe whose fd0 is a
// dup of the supervisor's own stream.
func (r *pipeRegistry) newOutputPipe(childFd, realDstFd int) (*os.File, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, errors.E(errors.Unavailable, "supervisor: output pipe", err)
	}
	dst, err := r.loop.DupWithoutCollision(realDstFd)
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	p := pipe.New(r.loop, dst, false)
	end, err := p.AddFD1(fds[0])
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		unix.Close(dst)
		return nil, err
	}
	r.all[p] = true
	p.OnFinish = func(fp *pipe.Pipe) { delete(r.all, fp) }
	r.outputs[childFd] = &outputPipe{p: p, end: end, dstFd: dst}
	return os.NewFile(uintptr(fds[1]), "pipe-w"), nil
}

// CreatePipe implements the two-step pipe creation protocol: two fresh
// real pipes are made so the child's writes pass
// through the supervisor before reaching the child's read end. The
// returned fds (child read side, child write side) go back as
// ancillary data; the pipe_fds follow-up tells us which fd numbers
// the child installed them at.
func (r *pipeRegistry) CreatePipe(p process.Proc, flags int) ([]int, error) {
	var inbound, outbound [2]int
	if err := unix.Pipe2(inbound[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, errors.E(errors.Unavailable, "supervisor: pipe_request inbound", err)
	}
	if err := unix.Pipe2(outbound[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(inbound[0])
		unix.Close(inbound[1])
		return nil, errors.E(errors.Unavailable, "supervisor: pipe_request outbound", err)
	}
	vp := pipe.New(r.loop, outbound[1], true)
	if _, err := vp.AddFD1(inbound[0]); err != nil {
		unix.Close(inbound[0])
		unix.Close(inbound[1])
		unix.Close(outbound[0])
		unix.Close(outbound[1])
		return nil, err
	}
	r.all[vp] = true
	vp.OnFinish = func(fp *pipe.Pipe) { delete(r.all, fp) }
	r.pending[p] = append(r.pending[p], vp)
	// Child receives: its read end, its write end.
	return []int{outbound[0], inbound[1]}, nil
}

// RegisterPipeFds records the fd slots the child installed the pair
// at, completing the pipe_request handshake.
func (r *pipeRegistry) RegisterPipeFds(p process.Proc, fd0, fd1 int) {
	queue := r.pending[p]
	if len(queue) == 0 {
		log.Error.Printf("supervisor: pipe_fds with no pending pipe for pid %d", p.C().Pid)
		return
	}
	vp := queue[0]
	r.pending[p] = queue[1:]

	ep := p.ExecPoint()
	ep.CreatedPipes[vp] = true
	readFD := &process.FileFD{OFD: &process.FileOFD{Origin: process.OriginPipe}, Fd: fd0, Open: true, Owner: p}
	writeFD := &process.FileFD{OFD: &process.FileOFD{Origin: process.OriginPipe, Pipe: vp}, Fd: fd1, Open: true, Owner: p}
	p.C().AddFD(readFD)
	p.C().AddFD(writeFD)
	vp.AddFD1Ref(writeFD)
}

// AttachRecorders hangs a fresh recorder per inherited writable pipe
// end off e's subtree, so that T(e) — the bytes written transitively
// from under e — lands in its own blob.
func (r *pipeRegistry) AttachRecorders(e *process.Execed, joinedFds []int) {
	for _, fd := range joinedFds {
		op, ok := r.outputs[fd]
		if !ok {
			continue
		}
		rec, err := pipe.NewRecorder(r.blobs)
		if err != nil {
			log.Error.Printf("supervisor: recorder for fd %d: %v", fd, err)
			continue
		}
		op.end.AddRecorder(rec)
		e.InheritedPipes = append(e.InheritedPipes, op.p)
		r.recorders[e] = append(r.recorders[e], recEntry{fd: fd, rec: rec})
	}
}

// Recordings finalizes e's recorders into blobs.
func (r *pipeRegistry) Recordings(e *process.Execed) []cacher.PipeRecording {
	entries := r.recorders[e]
	delete(r.recorders, e)
	var out []cacher.PipeRecording
	for _, ent := range entries {
		h, stored, err := ent.rec.Store()
		if err != nil {
			log.Error.Printf("supervisor: store recording fd %d: %v", ent.fd, err)
			continue
		}
		if stored {
			out = append(out, cacher.PipeRecording{Fd: ent.fd, Hash: h})
		}
	}
	return out
}

// Replay writes a cached stream blob to the live destination for fd.
func (r *pipeRegistry) Replay(fd int, h hash.Hash) error {
	op, ok := r.outputs[fd]
	if !ok {
		return errors.E(errors.NotExist, "supervisor: no output stream for replayed fd")
	}
	tmp, err := r.blobs.TempFile()
	if err != nil {
		return err
	}
	path := tmp.Name()
	tmp.Close()
	defer os.Remove(path)
	if err := r.blobs.RetrieveFile(h, path); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.E(errors.Unavailable, "supervisor: read replay blob", err)
	}
	for len(data) > 0 {
		n, werr := unix.Write(op.dstFd, data)
		if werr == unix.EAGAIN {
			continue
		}
		if werr != nil {
			return errors.E(errors.Unavailable, "supervisor: replay write", werr)
		}
		data = data[n:]
	}
	return nil
}

func (r *pipeRegistry) finishAll() {
	for p := range r.all {
		p.Finish()
	}
}
