// Package workerpool offloads synchronous user callables onto a bounded
// pool of goroutines so a blocking call cannot starve the replica's plane
// loop. The pool's size tracks the deployment's max_ongoing_requests and
// can be resized in place on reconfigure.
package workerpool

import (
	"context"
	"sync"

	"replicacore/pkg/semaphore"
)

// Result carries the outcome of one offloaded job.
type Result[T any] struct {
	Value T
	Err   error
}

// Pool bounds how many synchronous jobs run concurrently. Unlike a fixed
// set of long-lived worker goroutines, each submitted job gets its own
// goroutine gated by a resizable admission semaphore — cheap on the Go
// runtime and trivially resizable without draining and respawning workers.
type Pool[T any] struct {
	gate *semaphore.Admission
	wg   sync.WaitGroup
}

// New creates a pool that admits at most size concurrent jobs.
func New[T any](size int) *Pool[T] {
	return &Pool[T]{gate: semaphore.New(size)}
}

// Resize changes the pool's concurrency ceiling, tracking a reconfigured
// max_ongoing_requests without losing jobs already running.
func (p *Pool[T]) Resize(size int) {
	p.gate.SetCapacity(size)
}

// Submit blocks until a slot is available (or ctx is cancelled), then runs
// fn on a pooled goroutine and returns a channel that receives its result
// exactly once.
func (p *Pool[T]) Submit(ctx context.Context, fn func() (T, error)) (<-chan Result[T], error) {
	if err := p.gate.Acquire(ctx); err != nil {
		return nil, err
	}

	out := make(chan Result[T], 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.gate.Release()

		value, err := fn()
		out <- Result[T]{Value: value, Err: err}
		close(out)
	}()

	return out, nil
}

// Outstanding returns the number of jobs currently running.
func (p *Pool[T]) Outstanding() int {
	return p.gate.Outstanding()
}

// Wait blocks until every submitted job has finished. Intended for use
// during graceful shutdown after new submissions have stopped.
func (p *Pool[T]) Wait() {
	p.wg.Wait()
}
