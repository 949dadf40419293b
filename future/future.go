// Package future implements the caller-facing handle of an asynchronous
// call: a single-assignment result that can be polled, awaited, cancelled,
// or observed through completion callbacks.
//
// State machine:
//
//	Pending ──Succeed──→ Succeeded
//	   │  └───Fail─────→ Failed
//	   └─────Cancel────→ Cancelled
//
// Terminal states are absorbing. The first writer wins a single
// compare-and-set on the state; every later attempt is a no-op.
package future

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
)

// ErrCancelled is the error observed by callers of a cancelled future.
const ErrCancelled = errors.ConstError("call cancelled")

// State is the lifecycle state of a future.
type State int32

const (
	Pending State = iota
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether s is an absorbing state.
func (s State) Terminal() bool {
	return s != Pending
}

// Callback receives the outcome of a future exactly once. err is nil on
// success, ErrCancelled after cancellation, and the failure otherwise.
type Callback[T any] func(value T, err error)

// Future is the read side of an eventual result of type T.
type Future[T any] struct {
	state    atomic.Int32
	onCancel func()

	mu        sync.Mutex
	published bool // value/err are final and visible
	draining  bool // the resolving goroutine is still running callbacks
	value     T
	err       error
	callbacks []Callback[T]
	done      chan struct{}
}

// Promise is the write side of a Future, held by whoever produces the
// result.
type Promise[T any] struct {
	f *Future[T]
}

// New returns a pending future and its promise. onCancel, if non-nil, runs
// once when the future is cancelled while still pending; it is the hook for
// propagating cancellation to the producer.
func New[T any](onCancel func()) (*Future[T], *Promise[T]) {
	f := &Future[T]{
		onCancel: onCancel,
		done:     make(chan struct{}),
	}
	return f, &Promise[T]{f: f}
}

// Succeed resolves the future with v. It reports false if the future was
// already terminal.
func (p *Promise[T]) Succeed(v T) bool {
	return p.f.complete(Succeeded, v, nil)
}

// Fail resolves the future with err. It reports false if the future was
// already terminal.
func (p *Promise[T]) Fail(err error) bool {
	var zero T
	return p.f.complete(Failed, zero, err)
}

// Future returns the read side of the promise.
func (p *Promise[T]) Future() *Future[T] {
	return p.f
}

// Cancel moves a pending future to Cancelled and signals the producer. It
// reports false if the future was already terminal.
func (f *Future[T]) Cancel() bool {
	var zero T
	if !f.complete(Cancelled, zero, ErrCancelled) {
		return false
	}
	if f.onCancel != nil {
		f.onCancel()
	}
	return true
}

func (f *Future[T]) complete(to State, v T, err error) bool {
	if !f.state.CompareAndSwap(int32(Pending), int32(to)) {
		return false
	}

	f.mu.Lock()
	f.value, f.err = v, err
	f.published = true
	f.draining = true
	close(f.done)
	for {
		callbacks := f.callbacks
		f.callbacks = nil
		if len(callbacks) == 0 {
			f.draining = false
			f.mu.Unlock()
			return true
		}
		f.mu.Unlock()
		for _, cb := range callbacks {
			cb(v, err)
		}
		f.mu.Lock()
	}
}

// OnComplete registers cb. If the future is resolved and its queued
// callbacks have all run, cb runs immediately on the calling goroutine;
// otherwise it runs on the goroutine that resolves the future, after
// callbacks registered before it.
func (f *Future[T]) OnComplete(cb Callback[T]) {
	if cb == nil {
		return
	}
	f.mu.Lock()
	if !f.published || f.draining {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()
	cb(v, err)
}

// State returns the current state.
func (f *Future[T]) State() State {
	return State(f.state.Load())
}

// Done returns a channel closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Poll returns the result without blocking. ready is false while the
// result is not yet available.
func (f *Future[T]) Poll() (value T, ready bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.published {
		return value, false, nil
	}
	return f.value, true, f.err
}

// Await blocks until the future resolves or ctx is done. A done ctx does not
// cancel the future.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		v, _, err := f.Poll()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, errors.Trace(ctx.Err())
	}
}
