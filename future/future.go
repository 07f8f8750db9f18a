// Package future provides settle-exactly-once asynchronous values and
// the listener plumbing that turns engine requests and transactions
// into awaitable results. Futures never block the engine loop: handler
// callbacks only store a result and close a channel; waiting happens on
// the caller's goroutine through Await or Done.
package future

import (
	"context"
	"errors"
	"sync"
)

// ErrPending is returned by Result before the future has settled.
var ErrPending = errors.New("future: not settled")

// Future is a one-shot asynchronous value. It settles at most once;
// later Resolve or Reject calls lose and report false. The zero value
// is not usable, construct with New, Resolved or Failed.
type Future[T any] struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	val     T
	err     error
}

func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already settled with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Failed returns a future already rejected with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Reject(err)
	return f
}

// Resolve settles the future with v. Reports whether this call won the
// settlement.
func (f *Future[T]) Resolve(v T) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		return false
	}
	f.settled = true
	f.val = v
	close(f.done)
	return true
}

// Reject settles the future with err. Reports whether this call won
// the settlement.
func (f *Future[T]) Reject(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settled {
		return false
	}
	f.settled = true
	f.err = err
	close(f.done)
	return true
}

// Done is closed when the future settles. Use it to compose with
// select; read the outcome with Result afterwards.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

func (f *Future[T]) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Result returns the settled outcome, or ErrPending before settlement.
func (f *Future[T]) Result() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.settled {
		var zero T
		return zero, ErrPending
	}
	return f.val, f.err
}

// Await blocks until the future settles or ctx ends. A ctx error only
// abandons this caller's observation: the underlying operation still
// runs and the future may settle later for other observers.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
