// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pool implements the bounded worker pool the core uses to
// drive the merge phase of a distributed sort: a fixed
// set of goroutines drains a shared queue of submitted tasks, each of
// which is handed back to its submitter as a Future. The pool itself
// is grounded on exec/local.go's limiter-capped goroutine dispatch;
// Future is grounded on handlemgr.Handle's done-channel/Wait shape,
// generalized from "no result" to "a typed result".
package pool

import (
	"context"
	"sync"

	"github.com/dartgo/dart/errs"
)

// Pool is a fixed-size set of worker goroutines draining a shared
// task queue. The zero value is not usable; construct with New.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
	done  chan struct{}
}

// New starts a Pool with n worker goroutines and a task queue that
// holds up to n waiting tasks. n must be at least 1; the sort driver's
// caller should size it to at least ceil(log2(nchunks))+1 so every
// level of the merge tree can have a worker runnable without
// deadlocking on a still-pending child.
func New(n int) *Pool {
	if n < 1 {
		n = 1
	}
	p := &Pool{
		tasks: make(chan func(), n),
		done:  make(chan struct{}),
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case fn, ok := <-p.tasks:
			if !ok {
				return
			}
			fn()
		case <-p.done:
			return
		}
	}
}

// Close stops accepting new work and waits for in-flight tasks to
// finish; tasks still waiting in the queue when Close is called are
// not run. Submit on a closed Pool returns a Future whose Get fails
// with NotInitialized.
func (p *Pool) Close() {
	close(p.done)
	p.wg.Wait()
}

// Future is a single-consumer handle to a task's eventual result,
// generalizing handlemgr.Handle from "completion" to "completion with
// a typed value". Only one goroutine may call Get or Wait on a given
// Future.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
	used bool
}

// Submit runs fn on the next available worker and returns a Future
// for its result. Submit does not block on a worker being free; it
// blocks only on the shared queue accepting the task, so a caller
// whose own goroutine is also a worker must not Wait on a Future it
// submitted from inside a task running on the same Pool unless the
// pool has at least one more worker than the depth of such nesting,
// matching the sizing contract on New.
func Submit[T any](p *Pool, fn func() (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	task := func() {
		f.val, f.err = fn()
		close(f.done)
	}
	select {
	case <-p.done:
		f.err = errs.E(errs.NotInitialized, "pool: closed")
		close(f.done)
		return f
	default:
	}
	select {
	case p.tasks <- task:
	case <-p.done:
		f.err = errs.E(errs.NotInitialized, "pool: closed")
		close(f.done)
	}
	return f
}

// Valid reports whether Get has not yet been called on f.
func (f *Future[T]) Valid() bool {
	return !f.used
}

// Get blocks until f's task completes, then returns its result. Get
// may be called exactly once; a second call returns the zero value
// and a NotFound error rather than re-delivering the first result,
// since a Future is consumed, not cached.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	if f.used {
		var zero T
		return zero, errs.E(errs.NotFound, "pool: future already consumed")
	}
	select {
	case <-f.done:
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	f.used = true
	return f.val, f.err
}

// Wait is Get without the result, for tasks submitted only for their
// side effects and error.
func (f *Future[T]) Wait(ctx context.Context) error {
	_, err := f.Get(ctx)
	return err
}
