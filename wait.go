package corun

import (
	"context"
	"sync"

	"go.uber.org/multierr"
)

// Awaitable is implemented by *Future[T] for any T.
type Awaitable interface {
	watch(sig *signal, index int)
	unwatch(sig *signal)
	Err() error
}

// signal counts down as watched futures complete and resolves its
// promise with the index of the first one once the count reaches zero.
type signal struct {
	mu        sync.Mutex
	remaining int
	first     int
	promise   *Promise[int]
}

func newSignal(n int) *signal {
	return &signal{remaining: n, first: -1, promise: NewPromise[int]()}
}

func (s *signal) fire(index int) {
	s.mu.Lock()
	if s.first < 0 {
		s.first = index
	}
	s.remaining--
	fired := s.remaining == 0
	first := s.first
	s.mu.Unlock()

	if fired {
		_ = s.promise.SetValue(first)
	}
}

func (s *signal) wait(ctx context.Context, fs []Awaitable) int {
	f := s.promise.Future()
	for i, a := range fs {
		a.watch(s, i)
	}
	first, _ := f.Get(ctx)
	for _, a := range fs {
		a.unwatch(s)
	}
	return first
}

// WaitAny waits until at least one of fs is set and returns the index
// of the first one observed. It returns -1 for an empty list.
func WaitAny(ctx context.Context, fs ...Awaitable) int {
	if len(fs) == 0 {
		return -1
	}
	return newSignal(1).wait(ctx, fs)
}

// WaitAll waits until every one of fs is set and returns their errors
// combined.
func WaitAll(ctx context.Context, fs ...Awaitable) error {
	if len(fs) == 0 {
		return nil
	}
	newSignal(len(fs)).wait(ctx, fs)

	var errs error
	for _, a := range fs {
		errs = multierr.Append(errs, a.Err())
	}
	return errs
}
