package corun

import (
	"context"
	"sync"
)

// Cond is a coroutine-level condition variable used with a Mutex.
//
// Notify wakes every waiting coroutine, not just one; NotifyOne wakes
// only the longest waiting. The zero value is ready to use.
type Cond struct {
	mu      sync.Mutex
	waiters []*Coroutine
}

// Wait releases m, suspends the calling coroutine until a notification
// and reacquires m before returning. The caller must hold m. Enqueueing
// and releasing m happen after the coroutine is suspended, so a
// notification sent under m cannot be missed.
func (c *Cond) Wait(ctx context.Context, m *Mutex) error {
	co := Current(ctx)
	if co == nil {
		return notInCoroutine("wait")
	}
	if !m.owned(co) {
		return newError("wait", KindNotOwner, "coroutine %#x does not hold the mutex", co.ID())
	}

	co.pool.suspend(co, func(co *Coroutine) {
		c.mu.Lock()
		c.waiters = append(c.waiters, co)
		c.mu.Unlock()
		m.release(co.bound)
	})
	return m.Lock(ctx)
}

// Notify reschedules every waiting coroutine.
func (c *Cond) Notify() {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, co := range waiters {
		co.pool.enqueueSuspended(co)
	}
}

// NotifyOne reschedules the longest waiting coroutine, if any.
func (c *Cond) NotifyOne() {
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		return
	}
	co := c.waiters[0]
	c.waiters[0] = nil
	c.waiters = c.waiters[1:]
	c.mu.Unlock()

	co.pool.enqueueSuspended(co)
}
