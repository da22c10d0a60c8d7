package corun

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestPromiseSetTwice(t *testing.T) {
	r := require.New(t)

	pr := NewPromise[int]()
	f := pr.Future()
	r.False(f.Ready())

	r.NoError(pr.SetValue(1))
	err := pr.SetValue(2)
	r.ErrorIs(err, ErrAlreadySet)
	r.ErrorIs(pr.SetError(errors.New("late")), ErrAlreadySet)

	r.True(f.Ready())
	v, err := f.Get(context.Background())
	r.NoError(err)
	r.Equal(1, v)
}

func TestFutureWaitFromGoroutine(t *testing.T) {
	r := require.New(t)

	pr := NewPromise[string]()
	f := pr.Future()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = pr.SetValue("round trip")
	}()

	v, err := f.Get(context.Background())
	r.NoError(err)
	r.Equal("round trip", v)
}

func TestFutureWaitInCoroutine(t *testing.T) {
	r := require.New(t)
	p := newTestPool(t, 2)

	pr := NewPromise[int]()
	f := pr.Future()

	var got atomic.Int64
	done := make(chan struct{})
	r.NoError(p.Go(context.Background(), func(ctx context.Context) {
		defer close(done)
		v, _ := f.Get(ctx)
		got.Store(int64(v))
	}))

	time.Sleep(10 * time.Millisecond)
	r.False(f.Ready())
	r.NoError(pr.SetValue(42))
	<-done
	r.EqualValues(42, got.Load())
}

func TestSharedFuturesSeeOneResult(t *testing.T) {
	r := require.New(t)
	p := newTestPool(t, 4)

	pr := NewPromise[int]()
	var sum atomic.Int64
	done := make(chan struct{}, 10)
	for range 10 {
		f := pr.Future()
		r.NoError(p.Go(context.Background(), func(ctx context.Context) {
			v, _ := f.Get(ctx)
			sum.Add(int64(v))
			done <- struct{}{}
		}))
	}

	r.NoError(pr.SetValue(7))
	for range 10 {
		<-done
	}
	r.EqualValues(70, sum.Load())
}

func TestFutureError(t *testing.T) {
	r := require.New(t)

	want := errors.New("work failed")
	pr := NewPromise[int]()
	r.NoError(pr.SetError(want))

	_, err := pr.Future().Get(context.Background())
	r.ErrorIs(err, want)
}

func TestPromiseAbandon(t *testing.T) {
	r := require.New(t)

	pr := NewPromise[int]()
	f := pr.Future()
	pr.Abandon()

	_, err := f.Get(context.Background())
	r.ErrorIs(err, ErrAbandoned)

	set := NewPromise[int]()
	r.NoError(set.SetValue(3))
	set.Abandon()
	v, err := set.Future().Get(context.Background())
	r.NoError(err)
	r.Equal(3, v)
}

func TestUnreachablePromiseIsAbandoned(t *testing.T) {
	r := require.New(t)

	f := func() *Future[int] {
		return NewPromise[int]().Future()
	}()

	r.Eventually(func() bool {
		runtime.GC()
		return f.Ready()
	}, 5*time.Second, 10*time.Millisecond)

	_, err := f.Get(context.Background())
	r.ErrorIs(err, ErrAbandoned)
}

func TestSubmitCapturesPanic(t *testing.T) {
	r := require.New(t)

	q := NewQueue(Serial)
	f := Submit(q, func(context.Context) (int, error) {
		panic("submitted work exploded")
	})
	r.NoError(q.RunUntilEmpty(context.Background()))

	_, err := f.Get(context.Background())
	r.ErrorIs(err, ErrPanic)
	r.Equal("submitted work exploded", err.Error())
}

func TestOnFirstWaitRunsOnce(t *testing.T) {
	r := require.New(t)

	var calls atomic.Int64
	pr := NewPromise[int]()
	pr.OnFirstWait(func() {
		calls.Add(1)
		_ = pr.SetValue(5)
	})
	f := pr.Future()
	r.Zero(calls.Load())

	v, err := f.Get(context.Background())
	r.NoError(err)
	r.Equal(5, v)

	_, _ = f.Get(context.Background())
	r.EqualValues(1, calls.Load())
}

func TestOnFirstWaitAfterWaitStarted(t *testing.T) {
	r := require.New(t)

	pr := NewPromise[int]()
	f := pr.Future()
	waiting := make(chan struct{})
	got := make(chan int, 1)
	go func() {
		close(waiting)
		v, _ := f.Get(context.Background())
		got <- v
	}()
	<-waiting

	r.Eventually(func() bool {
		pr.st.mu.Lock()
		defer pr.st.mu.Unlock()
		return pr.st.waiting
	}, 5*time.Second, time.Millisecond)

	var ran bool
	pr.OnFirstWait(func() {
		ran = true
		_ = pr.SetValue(9)
	})
	r.True(ran)
	r.Equal(9, <-got)
}

func TestSubmitLazy(t *testing.T) {
	r := require.New(t)
	p := newTestPool(t, 2)

	var started atomic.Bool
	f := SubmitLazy(context.Background(), p, func(ctx context.Context) (string, error) {
		started.Store(true)
		if Current(ctx) == nil {
			return "", errors.New("not in a coroutine")
		}
		return "lazy", nil
	})

	time.Sleep(10 * time.Millisecond)
	r.False(started.Load())

	v, err := f.Get(context.Background())
	r.NoError(err)
	r.Equal("lazy", v)
	r.True(started.Load())
}

func TestSubmitLazyOnClosedPool(t *testing.T) {
	r := require.New(t)

	p, err := New(DefaultConfig())
	r.NoError(err)
	r.NoError(p.Close(context.Background()))

	f := SubmitLazy(context.Background(), p, func(context.Context) (int, error) {
		return 1, nil
	})
	_, err = f.Get(context.Background())
	r.ErrorIs(err, ErrPoolClosed)
}

type lazyMarker struct {
	next *lazyMarker
}

func TestUnwaitedLazyFutureIsCollected(t *testing.T) {
	r := require.New(t)
	p := newTestPool(t, 1)

	var collected atomic.Bool
	func() {
		marker := &lazyMarker{}
		runtime.SetFinalizer(marker, func(*lazyMarker) { collected.Store(true) })
		_ = SubmitLazy(context.Background(), p, func(context.Context) (bool, error) {
			return marker.next == nil, nil
		})
	}()

	r.Eventually(func() bool {
		runtime.GC()
		return collected.Load()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWaitAny(t *testing.T) {
	r := require.New(t)
	p := newTestPool(t, 2)

	r.Equal(-1, WaitAny(context.Background()))

	slow := NewPromise[int]()
	fast := NewPromise[int]()
	defer func() { _ = slow.SetValue(0) }()

	var idx atomic.Int64
	idx.Store(-2)
	done := make(chan struct{})
	r.NoError(p.Go(context.Background(), func(ctx context.Context) {
		defer close(done)
		idx.Store(int64(WaitAny(ctx, slow.Future(), fast.Future())))
	}))

	r.NoError(fast.SetValue(1))
	<-done
	r.EqualValues(1, idx.Load())
}

func TestWaitAnyAlreadySet(t *testing.T) {
	r := require.New(t)

	a := NewPromise[int]()
	b := NewPromise[int]()
	r.NoError(b.SetValue(2))

	r.Equal(1, WaitAny(context.Background(), a.Future(), b.Future()))
	r.Empty(a.st.watchers)
	_ = a.SetValue(0)
}

func TestWaitAll(t *testing.T) {
	r := require.New(t)
	p := newTestPool(t, 4)

	errA := errors.New("a failed")
	errC := errors.New("c failed")

	q := NewQueue(Parallel)
	fs := []Awaitable{
		Submit(q, func(context.Context) (int, error) { return 0, errA }),
		Submit(q, func(context.Context) (int, error) { return 1, nil }),
		Submit(q, func(context.Context) (int, error) { return 0, errC }),
	}

	var err error
	inCoroutine(t, p, func(ctx context.Context) {
		if schedErr := p.ScheduleQueue(ctx, q); schedErr != nil {
			err = schedErr
			return
		}
		err = WaitAll(ctx, fs...)
	})

	r.ErrorIs(err, errA)
	r.ErrorIs(err, errC)
	r.Len(multierr.Errors(err), 2)
	r.NoError(WaitAll(context.Background()))
}

func TestFutureErrDoesNotWait(t *testing.T) {
	r := require.New(t)

	pr := NewPromise[int]()
	f := pr.Future()
	r.NoError(f.Err())

	want := errors.New("stored")
	r.NoError(pr.SetError(want))
	r.ErrorIs(f.Err(), want)
}
