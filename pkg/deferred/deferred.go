// Package deferred provides a manually resolvable, single-shot future.
package deferred

import (
	"context"
	"sync"
)

// Future is the read side of a Deferred. It is what gets handed to whoever
// waits on a value that does not exist yet.
type Future[T any] interface {
	// Wait blocks until the value is settled or ctx is done.
	Wait(ctx context.Context) (T, error)

	// Done is closed once the value is settled.
	Done() <-chan struct{}
}

// Deferred is a future that is resolved or rejected from the outside,
// exactly once. Settle attempts after the first are no-ops.
type Deferred[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New returns an unsettled Deferred.
func New[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Resolve settles d with v. It reports whether this call settled d.
func (d *Deferred[T]) Resolve(v T) bool {
	settled := false
	d.once.Do(func() {
		d.value = v
		settled = true
		close(d.done)
	})
	return settled
}

// Reject settles d with err. It reports whether this call settled d.
// A nil err is replaced with ErrRejected so waiters always observe a failure.
func (d *Deferred[T]) Reject(err error) bool {
	if err == nil {
		err = ErrRejected
	}
	settled := false
	d.once.Do(func() {
		d.err = err
		settled = true
		close(d.done)
	})
	return settled
}

// Wait blocks until d is settled or ctx is done. A done ctx does not settle d.
func (d *Deferred[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done is closed once d is settled.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

// Settled reports whether d has been resolved or rejected.
func (d *Deferred[T]) Settled() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

// Future returns the read-only view of d.
func (d *Deferred[T]) Future() Future[T] {
	return d
}
