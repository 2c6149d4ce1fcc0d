// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package syncpool provides a bounded worker pool used to offload
// blocking cache I/O (blobcache stores) from the supervisor's epoll
// reactor thread. Tasks are grouped into TaskGroups sharing one pool;
// an optional per-completion notify hook lets a reactor observe
// finished work through a self-pipe byte write, the same way it
// observes SIGCHLD.
package syncpool

import (
	"context"
	"sync"

	"github.com/buildaccel/shortcut/log"
	"github.com/buildaccel/shortcut/sync/multierror"
)

// Task is a single unit of work executed by a worker goroutine.
type Task interface {
	Do(grp *TaskGroup) error
}

// WorkerPool executes Tasks with a fixed concurrency.  Tasks are
// grouped into TaskGroups so that a caller can wait for a subset of
// tasks without waiting for the whole pool.
type WorkerPool struct {
	Ctx         context.Context
	Concurrency int
	queue       chan deliverable
	ctxCounter  sync.WaitGroup

	// notify, if set, is called (from a worker goroutine) after each
	// task completes, so a reactor can write a single byte to its
	// self-pipe and observe the completion on its main loop. The
	// supervisor does not install one.
	notify func()
}

// New creates a WorkerPool with the given concurrency.
func New(ctx context.Context, concurrency int) *WorkerPool {
	wp := &WorkerPool{
		Ctx:         ctx,
		Concurrency: concurrency,
		queue:       make(chan deliverable, 10*concurrency),
	}
	for i := 0; i < concurrency; i++ {
		go wp.worker(wp.queue)
	}
	return wp
}

// SetNotify installs a callback invoked after each task completes,
// from the completing worker goroutine. It must not block and must
// not touch reactor state directly; it exists so the reactor can wake
// itself via a self-pipe write.
func (wp *WorkerPool) SetNotify(f func()) {
	wp.notify = f
}

// TaskGroup groups Tasks together so a caller can wait for just that
// subgroup.
type TaskGroup struct {
	Name       string
	ErrHandler *multierror.MultiError
	Wp         *WorkerPool
	activity   sync.WaitGroup
}

// NewTaskGroup creates a TaskGroup for tasks to be executed in.
func (wp *WorkerPool) NewTaskGroup(name string, errHandler *multierror.MultiError) *TaskGroup {
	log.Debug.Printf("syncpool: creating task group %s", name)
	grp := &TaskGroup{
		Name:       name,
		ErrHandler: errHandler,
		Wp:         wp,
	}
	wp.ctxCounter.Add(1)
	return grp
}

// Enqueue submits t to the group's pool. If block is true and the
// queue is full, Enqueue blocks; otherwise it returns false without
// enqueuing.
func (grp *TaskGroup) Enqueue(t Task, block bool) bool {
	grp.activity.Add(1)
	d := deliverable{grp: grp, t: t}
	var success bool
	if block {
		grp.Wp.queue <- d
		success = true
	} else {
		select {
		case grp.Wp.queue <- d:
			success = true
		default:
			success = false
		}
	}
	if !success {
		grp.activity.Done()
	}
	return success
}

// Wait blocks until all tasks in this group have completed.
func (grp *TaskGroup) Wait() {
	grp.activity.Wait()
	grp.Wp.ctxCounter.Done()
}

type deliverable struct {
	grp *TaskGroup
	t   Task
}

func (wp *WorkerPool) worker(dlv chan deliverable) {
	log.Debug.Printf("syncpool: worker starting")
	defer log.Debug.Printf("syncpool: worker exiting")
	for {
		select {
		case <-wp.Ctx.Done():
			for d := range dlv {
				d.grp.activity.Done()
			}
			return
		case d, ok := <-dlv:
			if !ok {
				return
			}
			d.grp.ErrHandler.Add(d.t.Do(d.grp))
			d.grp.activity.Done()
			if wp.notify != nil {
				wp.notify()
			}
		}
	}
}

// Wait blocks until every TaskGroup created from this pool has
// completed, then closes the queue.
func (wp *WorkerPool) Wait() {
	wp.ctxCounter.Wait()
	close(wp.queue)
}

// Err returns the pool's context error, set once the pool's context
// has been canceled.
func (wp *WorkerPool) Err() error {
	return wp.Ctx.Err()
}
