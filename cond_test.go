package corun

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func condWaiters(c *Cond) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func TestCondNotifyWakesAll(t *testing.T) {
	r := require.New(t)
	p := newTestPool(t, 2)

	const n = 5
	var (
		m     Mutex
		c     Cond
		ready bool
		woke  atomic.Int64
		wg    sync.WaitGroup
	)

	wg.Add(n)
	for range n {
		r.NoError(p.Go(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			_ = m.Lock(ctx)
			for !ready {
				if err := c.Wait(ctx, &m); err != nil {
					return
				}
			}
			woke.Add(1)
			_ = m.Unlock(ctx)
		}))
	}
	r.Eventually(func() bool {
		return condWaiters(&c) == n
	}, 5*time.Second, time.Millisecond)

	inCoroutine(t, p, func(ctx context.Context) {
		_ = m.Lock(ctx)
		ready = true
		c.Notify()
		_ = m.Unlock(ctx)
	})
	wg.Wait()
	r.EqualValues(n, woke.Load())
}

func TestCondNotifyOne(t *testing.T) {
	r := require.New(t)
	p := newTestPool(t, 2)

	var (
		m    Mutex
		c    Cond
		woke atomic.Int64
		wg   sync.WaitGroup
	)

	wg.Add(3)
	for range 3 {
		r.NoError(p.Go(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			_ = m.Lock(ctx)
			_ = c.Wait(ctx, &m)
			woke.Add(1)
			_ = m.Unlock(ctx)
		}))
	}
	r.Eventually(func() bool {
		return condWaiters(&c) == 3
	}, 5*time.Second, time.Millisecond)

	c.NotifyOne()
	r.Eventually(func() bool {
		return woke.Load() == 1
	}, 5*time.Second, time.Millisecond)
	r.Equal(2, condWaiters(&c))

	c.Notify()
	wg.Wait()
	r.EqualValues(3, woke.Load())

	c.NotifyOne()
	c.Notify()
}

func TestCondWaitRequiresMutex(t *testing.T) {
	r := require.New(t)
	p := newTestPool(t, 1)

	var (
		m   Mutex
		c   Cond
		err error
	)
	inCoroutine(t, p, func(ctx context.Context) {
		err = c.Wait(ctx, &m)
	})
	r.ErrorIs(err, ErrNotOwner)
	r.ErrorIs(c.Wait(context.Background(), &m), ErrNotInCoroutine)
}

func TestCondWaitReacquiresMutex(t *testing.T) {
	r := require.New(t)
	p := newTestPool(t, 2)

	var (
		m     Mutex
		c     Cond
		owned atomic.Bool
		wg    sync.WaitGroup
	)
	wg.Add(1)
	r.NoError(p.Go(context.Background(), func(ctx context.Context) {
		defer wg.Done()
		_ = m.Lock(ctx)
		_ = c.Wait(ctx, &m)
		owned.Store(m.owned(Current(ctx)))
		_ = m.Unlock(ctx)
	}))
	r.Eventually(func() bool {
		return condWaiters(&c) == 1
	}, 5*time.Second, time.Millisecond)

	var lockedWhileWaiting bool
	inCoroutine(t, p, func(ctx context.Context) {
		lockedWhileWaiting, _ = m.TryLock(ctx)
		c.Notify()
		_ = m.Unlock(ctx)
	})
	wg.Wait()
	r.True(lockedWhileWaiting)
	r.True(owned.Load())
}
