// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package pipe implements the supervisor-side virtualized pipe: one
// fd0 (read-side destination) and one or more fd1 (write-side source)
// descriptors whose traffic is forwarded through the supervisor so it
// can be recorded and later replayed.
//
// Data moves with tee(2)/splice(2) when both sides are pipes, falling
// back to read/write for terminal destinations. Backpressure on fd0
// switches the pipe into send-only mode with a linear buffer that is
// compacted once its head offset passes 256 KB.
package pipe

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/buildaccel/shortcut/epoll"
	"github.com/buildaccel/shortcut/log"
	"github.com/buildaccel/shortcut/process"
	"github.com/buildaccel/shortcut/ttlcache"
)

const (
	// FallbackTimerInterval and FallbackTimerRetries govern how long
	// a pipe with no open fd1-side waits for a holder of a future fd1
	// reference (a process about to exec that will inherit the
	// writer) before finishing. Tuning constants, not derived values.
	FallbackTimerInterval = 100 * time.Millisecond
	FallbackTimerRetries  = 2

	// compactThreshold is the buffered head offset past which the
	// linear buffer is compacted with a memmove.
	compactThreshold = 256 * 1024

	// batch bounds how many bytes one reactor callback may move, so
	// a fast writer cannot starve the loop.
	batch = 256 * 1024
)

// buffer is the linear send-only-mode byte buffer.
type buffer struct {
	data []byte
	head int
}

func (b *buffer) len() int { return len(b.data) - b.head }

func (b *buffer) append(p []byte) { b.data = append(b.data, p...) }

func (b *buffer) advance(n int) {
	b.head += n
	if b.head >= compactThreshold {
		b.data = append(b.data[:0], b.data[b.head:]...)
		b.head = 0
	}
	if b.head == len(b.data) {
		b.data = b.data[:0]
		b.head = 0
	}
}

func (b *buffer) bytes() []byte { return b.data[b.head:] }

// FD1End is one write-side source: the supervisor-side read fd of the
// real pipe a set of intercepted processes write into.
type FD1End struct {
	fd        int
	pipe      *Pipe
	recorders []*Recorder
	// SeenOpened flips when the first traffic arrives on this end,
	// distinguishing ends that carried data from ends that never did.
	SeenOpened bool
	fds        map[*process.FileFD]bool
	closed     bool
}

func (e *FD1End) activeRecorders() []*Recorder {
	out := e.recorders[:0:0]
	for _, r := range e.recorders {
		if r.active {
			out = append(out, r)
		}
	}
	return out
}

// AddRecorder attaches rec to this end; every byte subsequently read
// from this end is appended to rec.
func (e *FD1End) AddRecorder(rec *Recorder) {
	e.recorders = append(e.recorders, rec)
}

// Pipe is one virtualized unnamed pipe (or the inherited terminal).
type Pipe struct {
	loop *epoll.Loop

	fd0       int
	fd0IsPipe bool
	fd1s      map[int]*FD1End

	buf      buffer
	sendOnly bool
	finished bool

	// future tracks "future fd1 reference" tokens: processes about to
	// exec that will inherit a writer. Entries expire on their own
	// (the ttl cache is the placeholder's lifetime); the fallback
	// timer re-checks twice before finishing.
	future      *ttlcache.Cache
	futureToken int
	retriesLeft int

	// OnFinish, when set, runs once when the pipe finishes; the
	// supervisor uses it to drop its own reference.
	OnFinish func(*Pipe)
}

// New wraps an fd0 destination. fd0IsPipe selects the splice/tee fast
// path; a terminal or regular-file destination uses read/write.
func New(loop *epoll.Loop, fd0 int, fd0IsPipe bool) *Pipe {
	return &Pipe{
		loop:        loop,
		fd0:         fd0,
		fd0IsPipe:   fd0IsPipe,
		fd1s:        make(map[int]*FD1End),
		future:      ttlcache.New(FallbackTimerInterval * (FallbackTimerRetries + 1)),
		retriesLeft: FallbackTimerRetries,
	}
}

// AddFD1 registers a new write-side source fd and starts forwarding
// from it. The fd must be nonblocking.
func (p *Pipe) AddFD1(fd int) (*FD1End, error) {
	end := &FD1End{fd: fd, pipe: p, fds: make(map[*process.FileFD]bool)}
	p.fd1s[fd] = end
	if !p.sendOnly {
		if err := p.loop.AddFD(fd, unix.EPOLLIN|unix.EPOLLRDHUP, func(_ int, events uint32) {
			p.handleFD1(end, events)
		}); err != nil {
			delete(p.fd1s, fd)
			return nil, err
		}
	}
	return end, nil
}

// AddFD1Ref implements process.PipeEnd: ffd holds a writable handle
// on this pipe. The handle is attached to an open fd1 end, an
// arbitrary one when there are several; with no open end it parks at
// the pipe level via ExpectFutureFD1.
func (p *Pipe) AddFD1Ref(ffd *process.FileFD) {
	for _, end := range p.fd1s {
		if !end.closed {
			end.fds[ffd] = true
			return
		}
	}
	p.ExpectFutureFD1()
}

// DropFD1Ref implements process.PipeEnd.
func (p *Pipe) DropFD1Ref(ffd *process.FileFD) {
	for _, end := range p.fd1s {
		delete(end.fds, ffd)
	}
	p.maybeFinish()
}

// ExpectFutureFD1 notes that a new fd1-side will (probably) appear
// shortly — a process about to exec will inherit a writer — so the
// pipe must not finish immediately when its current fd1 count drops
// to zero.
func (p *Pipe) ExpectFutureFD1() {
	p.futureToken++
	p.future.Set(p.futureToken)
}

func (p *Pipe) hasFutureFD1() bool {
	return p.futureToken > 0 && p.future.Contains(p.futureToken)
}

func (p *Pipe) handleFD1(end *FD1End, events uint32) {
	if p.finished || end.closed {
		return
	}
	if events&unix.EPOLLIN != 0 {
		end.SeenOpened = true
		p.forward(end)
	}
	if events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		// Drain whatever is left before closing the end.
		p.forward(end)
		p.closeFD1(end)
	}
}

// forward moves available bytes from end toward fd0, teeing through
// recorders. Transfers are bounded per call.
func (p *Pipe) forward(end *FD1End) {
	recs := end.activeRecorders()
	if p.fd0IsPipe && p.buf.len() == 0 && !p.sendOnly {
		if p.forwardSplice(end, recs) {
			return
		}
	}
	p.forwardCopy(end, recs)
}

// forwardSplice is the kernel-side fast path: tee leaves the data in
// the source pipe while copying toward fd0, then splice consumes the
// source into the first recorder; other recorders copy_file_range
// from the first one's backing file. Returns false to
// fall back to the copying path.
func (p *Pipe) forwardSplice(end *FD1End, recs []*Recorder) bool {
	if len(recs) == 0 {
		n, err := unix.Splice(end.fd, nil, p.fd0, nil, batch, unix.SPLICE_F_NONBLOCK)
		if err != nil {
			// EAGAIN is ambiguous between "source empty" and "fd0
			// full"; the copy path distinguishes them and buffers on
			// backpressure instead of spinning.
			return false
		}
		if n == 0 {
			p.closeFD1(end)
		}
		return true
	}
	n, err := unix.Tee(end.fd, p.fd0, batch, unix.SPLICE_F_NONBLOCK)
	if err != nil || n == 0 {
		// fd0 full (EAGAIN) or unteeable: let the copy path buffer.
		return false
	}
	moved := recs[0].spliceFrom(end.fd, int(n))
	if moved < 0 {
		return false
	}
	off := recs[0].length - int64(moved)
	for _, r := range recs[1:] {
		r.copyFrom(recs[0], off, int64(moved))
	}
	return true
}

// forwardCopy is the generic path: read into user space, append to
// every active recorder, then write toward fd0, buffering what the
// destination refuses.
func (p *Pipe) forwardCopy(end *FD1End, recs []*Recorder) {
	var chunk [65536]byte
	moved := 0
	for moved < batch {
		n, err := unix.Read(end.fd, chunk[:])
		if err == unix.EAGAIN {
			return
		}
		if err != nil || n == 0 {
			p.closeFD1(end)
			return
		}
		moved += n
		data := chunk[:n]
		for _, r := range recs {
			r.writeBytes(data)
		}
		p.send(data)
		if p.sendOnly {
			return // reads pause until the buffer drains
		}
	}
}

// send writes toward fd0, entering send-only mode on backpressure.
func (p *Pipe) send(data []byte) {
	if p.buf.len() == 0 && !p.sendOnly {
		n, err := unix.Write(p.fd0, data)
		if err == nil && n == len(data) {
			return
		}
		if err == unix.EPIPE {
			p.Finish()
			return
		}
		if n > 0 {
			data = data[n:]
		}
	}
	p.buf.append(data)
	p.enterSendOnly()
}

func (p *Pipe) enterSendOnly() {
	if p.sendOnly || p.finished {
		return
	}
	p.sendOnly = true
	for _, end := range p.fd1s {
		if !end.closed {
			p.loop.MaybeDelFD(end.fd)
		}
	}
	if err := p.loop.AddFD(p.fd0, unix.EPOLLOUT, func(_ int, _ uint32) { p.drain() }); err != nil {
		log.Error.Printf("pipe: register fd0 for drain: %v", err)
		p.Finish()
	}
}

func (p *Pipe) drain() {
	for p.buf.len() > 0 {
		n, err := unix.Write(p.fd0, p.buf.bytes())
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			p.Finish()
			return
		}
		p.buf.advance(n)
	}
	p.exitSendOnly()
}

func (p *Pipe) exitSendOnly() {
	if !p.sendOnly {
		return
	}
	p.sendOnly = false
	p.loop.MaybeDelFD(p.fd0)
	open := 0
	for _, end := range p.fd1s {
		if end.closed {
			continue
		}
		open++
		e := end
		if err := p.loop.AddFD(end.fd, unix.EPOLLIN|unix.EPOLLRDHUP, func(_ int, events uint32) {
			p.handleFD1(e, events)
		}); err != nil {
			log.Error.Printf("pipe: re-register fd1 %d: %v", end.fd, err)
		}
	}
	if open == 0 {
		p.maybeFinish()
	}
}

func (p *Pipe) closeFD1(end *FD1End) {
	if end.closed {
		return
	}
	end.closed = true
	p.loop.MaybeDelFD(end.fd)
	unix.Close(end.fd)
	p.maybeFinish()
}

// maybeFinish applies the close cascade: with open
// fd1-sides remaining, do nothing; with a non-empty buffer, stay in
// send-only mode until drained; with a future-fd1 holder pending,
// arm the fallback timer; otherwise finish.
func (p *Pipe) maybeFinish() {
	if p.finished {
		return
	}
	for _, end := range p.fd1s {
		if !end.closed {
			return
		}
	}
	for _, end := range p.fd1s {
		if len(end.fds) > 0 {
			return
		}
	}
	if p.buf.len() > 0 {
		p.enterSendOnly()
		return
	}
	if p.hasFutureFD1() && p.retriesLeft > 0 {
		p.retriesLeft--
		p.loop.AddTimer(FallbackTimerInterval, func() { p.maybeFinish() })
		return
	}
	p.Finish()
}

// Finish closes all fds, deactivates pending recorders and drops
// self-references. Idempotent.
func (p *Pipe) Finish() {
	if p.finished {
		return
	}
	p.finished = true
	for _, end := range p.fd1s {
		if !end.closed {
			end.closed = true
			p.loop.MaybeDelFD(end.fd)
			unix.Close(end.fd)
		}
		for _, r := range end.recorders {
			// Pending recorders that never captured anything are
			// dropped; non-empty captures stay alive for the owning
			// exec point's store at finalization time.
			if r.Len() == 0 {
				r.Deactivate()
			}
		}
	}
	p.loop.MaybeDelFD(p.fd0)
	unix.Close(p.fd0)
	if p.OnFinish != nil {
		p.OnFinish(p)
		p.OnFinish = nil
	}
}

// Finished reports whether the pipe has finished.
func (p *Pipe) Finished() bool { return p.finished }

// BufferedLen returns the number of bytes awaiting drain, for tests
// and status reporting.
func (p *Pipe) BufferedLen() int { return p.buf.len() }
