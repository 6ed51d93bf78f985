// Package semaphore implements the replica's admission gate: a counting
// semaphore whose capacity can be changed at runtime without losing track
// of holders admitted under a previous capacity.
package semaphore

import (
	"context"
	"sync"
)

// Admission is a resizable counting semaphore. Reducing capacity below the
// number of current holders is permitted: new acquires block until enough
// releases drain the surplus, but no existing holder is evicted.
//
// Capacity changes never reconstruct the underlying primitive: every
// waiter parks on the same sync.Cond for the life of the Admission, so a
// goroutine blocked in Acquire before a resize is woken by the very next
// Release or SetCapacity, rather than by one that happens to land on
// whichever generation of primitive it started waiting on.
type Admission struct {
	mu          sync.Mutex
	cond        *sync.Cond
	capacity    int64
	outstanding int64
}

// New creates an admission gate with the given initial capacity.
func New(capacity int) *Admission {
	if capacity < 0 {
		capacity = 0
	}
	a := &Admission{capacity: int64(capacity)}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// TryAcquire attempts to admit one request without blocking, returning
// false when outstanding holders have reached the current capacity.
func (a *Admission) TryAcquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.outstanding >= a.capacity {
		return false
	}
	a.outstanding++
	return true
}

// Acquire blocks, honoring ctx cancellation, until a permit is available.
//
// sync.Cond.Wait has no notion of context cancellation, so a watcher
// goroutine broadcasts the cond when ctx is done, waking this (and every
// other) waiter so it can re-check ctx.Err and return instead of blocking
// forever past cancellation.
func (a *Admission) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			a.cond.Broadcast()
			a.mu.Unlock()
		case <-stop:
		}
	}()

	a.mu.Lock()
	defer a.mu.Unlock()

	for a.outstanding >= a.capacity {
		if err := ctx.Err(); err != nil {
			return err
		}
		a.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	a.outstanding++
	return nil
}

// Release returns one permit to the gate and wakes any parked waiters,
// regardless of which capacity was in effect when they started waiting.
func (a *Admission) Release() {
	a.mu.Lock()
	if a.outstanding > 0 {
		a.outstanding--
	}
	a.mu.Unlock()
	a.cond.Broadcast()
}

// Locked reports whether outstanding holders have reached or exceeded the
// current capacity — the signal the rejection protocol checks.
func (a *Admission) Locked() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outstanding >= a.capacity
}

// Capacity returns the current ceiling.
func (a *Admission) Capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.capacity)
}

// Outstanding returns the number of permits currently held.
func (a *Admission) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.outstanding)
}

// SetCapacity changes the ceiling in place and wakes every parked waiter so
// each can re-check whether it now fits, without reconstructing or
// swapping the underlying primitive — a waiter blocked in Acquire before
// this call is admitted exactly like one that arrives after it, once
// capacity allows.
func (a *Admission) SetCapacity(capacity int) {
	if capacity < 0 {
		capacity = 0
	}

	a.mu.Lock()
	a.capacity = int64(capacity)
	a.mu.Unlock()

	a.cond.Broadcast()
}
