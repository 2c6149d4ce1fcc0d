// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package epoll implements the supervisor's single-threaded reactor:
// a level-triggered epoll loop over all connection fds, plus a vector
// of one-shot CLOCK_MONOTONIC timers whose nearest deadline bounds
// each epoll_wait call.
//
// All supervisor state is owned by the goroutine running Loop.Run;
// callbacks mutate it freely without locking.
package epoll

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/buildaccel/shortcut/errors"
	"github.com/buildaccel/shortcut/must"
)

// Callback is invoked with the ready fd's epoll event bits.
type Callback func(fd int, events uint32)

// TimerID identifies a pending one-shot timer for DelTimer.
type TimerID uint64

type timer struct {
	id       TimerID
	deadline time.Time // monotonic, via time.Now()'s monotonic reading
	cb       func()
	fired    bool
}

// Loop is the reactor. It is not safe for concurrent use; exactly one
// goroutine runs it and all callbacks execute on that goroutine.
type Loop struct {
	epfd      int
	callbacks map[int]Callback
	timers    []timer
	nextTimer TimerID

	// batch holds the events returned by the most recent epoll_wait;
	// DelFD scrubs entries here so a callback that closes a peer's fd
	// cannot cause the loop to dispatch on the dead fd later in the
	// same round.
	batch []unix.EpollEvent

	stopped bool
}

// New creates an empty Loop.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.E(errors.Unavailable, "epoll: epoll_create1", err)
	}
	return &Loop{epfd: epfd, callbacks: make(map[int]Callback)}, nil
}

// Close tears down the epoll instance. Registered fds are not closed;
// their owners close them.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

// AddFD registers fd for the given level-triggered event mask.
func (l *Loop) AddFD(fd int, events uint32, cb Callback) error {
	must.True(cb != nil, "epoll: nil callback for fd", fd)
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.E(errors.Unavailable, "epoll: add fd", err)
	}
	l.callbacks[fd] = cb
	return nil
}

// ModFD changes fd's event mask, keeping its callback.
func (l *Loop) ModFD(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return errors.E(errors.Unavailable, "epoll: mod fd", err)
	}
	return nil
}

// IsRegistered reports whether fd currently has a callback.
func (l *Loop) IsRegistered(fd int) bool {
	_, ok := l.callbacks[fd]
	return ok
}

// DelFD deregisters fd and scrubs any still-pending event for it in
// the current batch, so removal is safe from within a callback.
func (l *Loop) DelFD(fd int) error {
	if _, ok := l.callbacks[fd]; !ok {
		return errors.E(errors.NotExist, "epoll: del unregistered fd")
	}
	delete(l.callbacks, fd)
	for i := range l.batch {
		if l.batch[i].Fd == int32(fd) {
			l.batch[i].Fd = -1
		}
	}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.E(errors.Unavailable, "epoll: del fd", err)
	}
	return nil
}

// MaybeDelFD is DelFD but idempotent: deregistering an fd that is not
// registered is a no-op.
func (l *Loop) MaybeDelFD(fd int) {
	if _, ok := l.callbacks[fd]; ok {
		_ = l.DelFD(fd)
	}
}

// DupWithoutCollision duplicates fd, retrying until the duplicate
// does not collide with an fd already registered in the loop.
func (l *Loop) DupWithoutCollision(fd int) (int, error) {
	var parked []int
	defer func() {
		for _, p := range parked {
			unix.Close(p)
		}
	}()
	for {
		nfd, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			return -1, errors.E(errors.Unavailable, "epoll: dup fd", err)
		}
		if _, ok := l.callbacks[nfd]; !ok {
			return nfd, nil
		}
		// Park the colliding duplicate until we find a free slot, so
		// the next dup cannot land on the same number.
		parked = append(parked, nfd)
	}
}

// AddTimer schedules cb to fire once, d from now. Timers are
// one-shot; they never rearm themselves unless cb schedules a new
// one.
func (l *Loop) AddTimer(d time.Duration, cb func()) TimerID {
	must.True(cb != nil, "epoll: nil timer callback")
	l.nextTimer++
	id := l.nextTimer
	l.timers = append(l.timers, timer{id: id, deadline: time.Now().Add(d), cb: cb})
	return id
}

// DelTimer cancels a pending timer. Canceling an already-fired or
// unknown timer is a no-op; a timer callback may delete other timers.
func (l *Loop) DelTimer(id TimerID) {
	for i := range l.timers {
		if l.timers[i].id == id {
			l.timers[i].fired = true // compacted after the current round
			return
		}
	}
}

// Stop makes Run return after the current round completes.
func (l *Loop) Stop() { l.stopped = true }

// nextTimeout computes the epoll_wait timeout in milliseconds: -1
// when no timer is pending, else the time to the nearest deadline
// (clamped at zero).
func (l *Loop) nextTimeout(now time.Time) int {
	timeout := -1
	for i := range l.timers {
		if l.timers[i].fired {
			continue
		}
		// Round up so epoll_wait never wakes just short of the
		// deadline and leaves the timer unfired for another round.
		ms := int((l.timers[i].deadline.Sub(now) + time.Millisecond - 1) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}
		if timeout == -1 || ms < timeout {
			timeout = ms
		}
	}
	return timeout
}

// Run drives the reactor until Stop is called. fd events are
// processed before elapsed timers within each round.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, 64)
	for !l.stopped {
		n, err := unix.EpollWait(l.epfd, events, l.nextTimeout(time.Now()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.E(errors.Unavailable, "epoll: epoll_wait", err)
		}
		l.batch = events[:n]
		for i := 0; i < len(l.batch); i++ {
			fd := int(l.batch[i].Fd)
			if fd == -1 {
				continue // scrubbed by DelFD earlier in this round
			}
			cb, ok := l.callbacks[fd]
			if !ok {
				continue
			}
			cb(fd, l.batch[i].Events)
		}
		l.batch = nil
		l.fireElapsedTimers()
	}
	return nil
}

// ProcessAllEvents runs exactly one reactor round with the given wait
// budget; used by tests and by callers that interleave the loop with
// other work.
func (l *Loop) ProcessAllEvents(maxWait time.Duration) error {
	events := make([]unix.EpollEvent, 64)
	timeout := l.nextTimeout(time.Now())
	budget := int(maxWait / time.Millisecond)
	if timeout == -1 || budget < timeout {
		timeout = budget
	}
	n, err := unix.EpollWait(l.epfd, events, timeout)
	if err != nil {
		if err != unix.EINTR {
			return errors.E(errors.Unavailable, "epoll: epoll_wait", err)
		}
		n = 0
	}
	l.batch = events[:n]
	for i := 0; i < len(l.batch); i++ {
		fd := int(l.batch[i].Fd)
		if fd == -1 {
			continue
		}
		if cb, ok := l.callbacks[fd]; ok {
			cb(fd, l.batch[i].Events)
		}
	}
	l.batch = nil
	l.fireElapsedTimers()
	return nil
}

func (l *Loop) fireElapsedTimers() {
	now := time.Now()
	// Fire in place: a callback may append new timers or delete other
	// pending ones, so iterate by index over the prefix that existed
	// when the round started and compact afterwards.
	n := len(l.timers)
	for i := 0; i < n; i++ {
		t := &l.timers[i]
		if t.fired || t.deadline.After(now) {
			continue
		}
		t.fired = true
		t.cb()
	}
	compacted := l.timers[:0]
	for _, t := range l.timers {
		if !t.fired {
			compacted = append(compacted, t)
		}
	}
	l.timers = compacted
}
