package async

import (
	"context"
	"fmt"
	"sync"
)

// Waiter is anything that signals completion by closing a channel.
type Waiter interface {
	Done() <-chan struct{}
}

// Future holds the eventual result of an asynchronous computation. A Future
// resolves exactly once; all readers observe the same value and error.
type Future[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Pending returns an unresolved Future and the function that resolves it.
// Only the first call to resolve has any effect.
func Pending[V any]() (*Future[V], func(V, error)) {
	f := &Future[V]{done: make(chan struct{})}
	var once sync.Once
	return f, func(v V, err error) {
		once.Do(func() {
			f.val, f.err = v, err
			close(f.done)
		})
	}
}

// Resolved returns a Future already holding v.
func Resolved[V any](v V) *Future[V] {
	f, resolve := Pending[V]()
	resolve(v, nil)
	return f
}

// Failed returns a Future already holding err.
func Failed[V any](err error) *Future[V] {
	f, resolve := Pending[V]()
	var zero V
	resolve(zero, err)
	return f
}

// Go runs fn on a new goroutine and returns a Future for its result. A panic
// inside fn resolves the Future with an error instead of crashing the process.
func Go[V any](fn func() (V, error)) *Future[V] {
	f, resolve := Pending[V]()
	go func() {
		var (
			v   V
			err error
		)
		defer func() {
			if r := recover(); r != nil {
				var zero V
				resolve(zero, fmt.Errorf("async task panicked: %v", r))
				return
			}
			resolve(v, err)
		}()
		v, err = fn()
	}()
	return f
}

// Done is closed once the Future resolves.
func (f *Future[V]) Done() <-chan struct{} {
	return f.done
}

// Ready reports whether the Future has resolved.
func (f *Future[V]) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the Future resolves or ctx is done.
func (f *Future[V]) Wait(ctx context.Context) (V, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero V
		return zero, fmt.Errorf("wait future: %w", ctx.Err())
	}
}

// Result blocks until the Future resolves and returns its value.
func (f *Future[V]) Result() (V, error) {
	<-f.done
	return f.val, f.err
}
