package corun

import (
	"context"
	"runtime"
	"sync"
)

type watcher struct {
	sig   *signal
	index int
}

// state is shared by a Promise and its Futures. Apart from an
// OnFirstWait callback it never refers back to the Promise, so an
// unreachable Promise can be detected.
type state[T any] struct {
	mu      sync.Mutex
	set     bool
	value   T
	err     error
	waiters []*Coroutine
	done    chan struct{} // created for the first goroutine waiter

	onWait  func()
	waiting bool

	watchers []watcher
}

// Promise is the write side of a one-shot result channel.
type Promise[T any] struct {
	st *state[T]
}

// Future is a read handle on a Promise's result. Any number of Futures
// may share one Promise.
type Future[T any] struct {
	st *state[T]
}

// NewPromise creates an unset promise. A promise that becomes
// unreachable before being set is abandoned, and its futures receive
// an error.
func NewPromise[T any]() *Promise[T] {
	p := &Promise[T]{st: &state[T]{}}
	runtime.SetFinalizer(p, (*Promise[T]).Abandon)
	return p
}

// Future returns a new read handle on p's result.
func (p *Promise[T]) Future() *Future[T] {
	return &Future[T]{st: p.st}
}

// SetValue stores v. A promise can be set once; later calls fail with
// KindAlreadySet and leave the first result in place.
func (p *Promise[T]) SetValue(v T) error {
	return p.complete(v, nil)
}

// SetError stores err as the result.
func (p *Promise[T]) SetError(err error) error {
	var zero T
	return p.complete(zero, err)
}

// Abandon fails the promise with KindAbandoned unless it is already set.
func (p *Promise[T]) Abandon() {
	var zero T
	_ = p.complete(zero, newError("wait", KindAbandoned, "promise abandoned before completion"))
}

// OnFirstWait registers fn to run the first time anyone waits on the
// promise. If a wait has already started fn runs immediately.
func (p *Promise[T]) OnFirstWait(fn func()) {
	st := p.st
	st.mu.Lock()
	if !st.waiting {
		st.onWait = fn
		st.mu.Unlock()
		return
	}
	st.mu.Unlock()
	fn()
}

func (p *Promise[T]) complete(v T, err error) error {
	return p.st.complete(v, err)
}

func (st *state[T]) complete(v T, err error) error {
	st.mu.Lock()
	if st.set {
		st.mu.Unlock()
		return newError("set", KindAlreadySet, "promise already set")
	}
	st.set = true
	st.value = v
	st.err = err
	waiters := st.waiters
	watchers := st.watchers
	st.waiters = nil
	st.watchers = nil
	st.onWait = nil
	if st.done != nil {
		close(st.done)
	}
	st.mu.Unlock()

	for _, w := range watchers {
		w.sig.fire(w.index)
	}
	for _, co := range waiters {
		co.pool.wake(nil, co)
	}
	return nil
}

// Ready reports whether the result is available.
func (f *Future[T]) Ready() bool {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	return f.st.set
}

// Wait returns once the result is set. Inside a coroutine it suspends
// the coroutine; elsewhere it blocks the calling goroutine.
func (f *Future[T]) Wait(ctx context.Context) {
	st := f.st
	st.mu.Lock()
	if st.set {
		st.mu.Unlock()
		return
	}
	onWait := st.onWait
	st.onWait = nil
	st.waiting = true

	co := Current(ctx)
	var done chan struct{}
	if co == nil {
		if st.done == nil {
			st.done = make(chan struct{})
		}
		done = st.done
	}
	st.mu.Unlock()

	if onWait != nil {
		onWait()
	}

	if co == nil {
		<-done
		return
	}

	co.pool.suspend(co, func(co *Coroutine) {
		st.mu.Lock()
		if st.set {
			st.mu.Unlock()
			co.pool.wake(co.bound, co)
			return
		}
		st.waiters = append(st.waiters, co)
		st.mu.Unlock()
	})
}

// Get waits for the result and returns it.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	f.Wait(ctx)
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	return f.st.value, f.st.err
}

func (f *Future[T]) watch(sig *signal, index int) {
	st := f.st
	st.mu.Lock()
	if st.set {
		st.mu.Unlock()
		sig.fire(index)
		return
	}
	st.watchers = append(st.watchers, watcher{sig: sig, index: index})
	st.mu.Unlock()
}

func (f *Future[T]) unwatch(sig *signal) {
	st := f.st
	st.mu.Lock()
	defer st.mu.Unlock()
	kept := st.watchers[:0]
	for _, w := range st.watchers {
		if w.sig != sig {
			kept = append(kept, w)
		}
	}
	clear(st.watchers[len(kept):])
	st.watchers = kept
}

// Err returns the error the promise was completed with, or nil if it
// holds a value or is not set yet. It does not wait.
func (f *Future[T]) Err() error {
	f.st.mu.Lock()
	defer f.st.mu.Unlock()
	return f.st.err
}

// SubmitLazy returns a future whose work is spawned in p only when
// someone first waits on it. The future has no Promise: when nobody
// waits on it before it becomes unreachable, the work never runs and
// the state is collected with it.
func SubmitLazy[T any](ctx context.Context, p *Pool, fn func(context.Context) (T, error)) *Future[T] {
	st := &state[T]{}
	st.onWait = func() {
		err := p.Go(ctx, func(ctx context.Context) {
			var v T
			err := capture(func() error {
				var err error
				v, err = fn(ctx)
				return err
			})
			_ = st.complete(v, err)
		})
		if err != nil {
			var zero T
			_ = st.complete(zero, err)
		}
	}
	return &Future[T]{st: st}
}
