// Package keylock serializes work per key.
//
// A [Runner] admits at most one function per key at a time and runs queued
// calls for the same key in arrival order. Calls for different keys run
// concurrently. Per-key queues are created on demand and dropped once idle.
package keylock

import (
	"context"
	"errors"
	"sync"
)

// ErrShutdown is returned by calls that were queued, or submitted, after
// the runner was closed.
var ErrShutdown = errors.New("keylock: runner shut down")

// Runner runs functions under a per-key FIFO lock.
type Runner struct {
	mu       sync.Mutex
	queues   map[string]*queue
	closed   bool
	shutdown chan struct{}
	running  sync.WaitGroup
}

// queue is the chain of waiters for one key. Each waiter owns a channel it
// closes when done; the next waiter blocks on it.
type queue struct {
	tail    chan struct{}
	waiters int
}

// New returns a runner ready for use.
func New() *Runner {
	return &Runner{
		queues:   make(map[string]*queue),
		shutdown: make(chan struct{}),
	}
}

// Do waits for every earlier call with the same key to finish and then runs
// fn. It returns ctx.Err() if ctx ends while waiting and [ErrShutdown] if the
// runner closes first. A call that gives up waiting keeps its place in the
// chain, so later calls still run strictly after the ones before it.
func (r *Runner) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrShutdown
	}
	q := r.queues[key]
	if q == nil {
		q = &queue{}
		r.queues[key] = q
	}
	prev := q.tail
	mine := make(chan struct{})
	q.tail = mine
	q.waiters++
	r.running.Add(1)
	r.mu.Unlock()
	defer r.running.Done()

	done := func() {
		close(mine)
		r.mu.Lock()
		q.waiters--
		if q.waiters == 0 {
			delete(r.queues, key)
		}
		r.mu.Unlock()
	}
	handoff := func() {
		go func() {
			<-prev
			done()
		}()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-r.shutdown:
			handoff()
			return ErrShutdown
		case <-ctx.Done():
			handoff()
			return ctx.Err()
		}
	}
	defer done()

	select {
	case <-r.shutdown:
		return ErrShutdown
	default:
	}
	return fn(ctx)
}

// Len returns the number of keys with running or queued calls.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// Close rejects new calls, resolves every queued call with [ErrShutdown]
// and waits for running calls to return.
func (r *Runner) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.shutdown)
	}
	r.mu.Unlock()
	r.running.Wait()
}
