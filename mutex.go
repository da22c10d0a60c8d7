package corun

import (
	"context"
	"sync"
)

// Mutex is a coroutine-level mutual exclusion lock. A contended Lock
// suspends the calling coroutine instead of blocking its worker.
//
// Waiters are kept in FIFO order. Unlock wakes the head waiter, which
// then competes for the lock again; a coroutine arriving in between
// may win, in which case the woken waiter stays at the head. Mutex is
// not reentrant.
//
// The zero value is an unlocked mutex.
type Mutex struct {
	mu      sync.Mutex
	owner   *Coroutine
	waiters []*Coroutine
}

// Lock acquires m for the coroutine carried by ctx.
func (m *Mutex) Lock(ctx context.Context) error {
	co := Current(ctx)
	if co == nil {
		return notInCoroutine("lock")
	}

	woken := false
	for {
		m.mu.Lock()
		switch m.owner {
		case nil:
			m.owner = co
			m.mu.Unlock()
			return nil
		case co:
			m.mu.Unlock()
			return newError("lock", KindReentrant, "coroutine %#x already holds the mutex", co.ID())
		}
		m.mu.Unlock()

		front := woken
		co.pool.suspend(co, func(co *Coroutine) {
			m.mu.Lock()
			if m.owner == nil {
				m.mu.Unlock()
				co.pool.wake(co.bound, co)
				return
			}
			if front {
				m.waiters = append(m.waiters, nil)
				copy(m.waiters[1:], m.waiters)
				m.waiters[0] = co
			} else {
				m.waiters = append(m.waiters, co)
			}
			m.mu.Unlock()
		})
		woken = true
	}
}

// TryLock acquires m if it is free and never suspends.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	co := Current(ctx)
	if co == nil {
		return false, notInCoroutine("try lock")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.owner {
	case nil:
		m.owner = co
		return true, nil
	case co:
		return false, newError("try lock", KindReentrant, "coroutine %#x already holds the mutex", co.ID())
	}
	return false, nil
}

// Unlock releases m. Only the owning coroutine may unlock it.
func (m *Mutex) Unlock(ctx context.Context) error {
	co := Current(ctx)
	if co == nil {
		return notInCoroutine("unlock")
	}
	if !m.owned(co) {
		return newError("unlock", KindNotOwner, "coroutine %#x does not hold the mutex", co.ID())
	}
	m.release(co.bound)
	return nil
}

func (m *Mutex) owned(co *Coroutine) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner == co
}

// release clears the owner and wakes the head waiter. from is the
// worker the caller runs on.
func (m *Mutex) release(from *Worker) {
	m.mu.Lock()
	m.owner = nil
	var next *Coroutine
	if len(m.waiters) > 0 {
		next = m.waiters[0]
		m.waiters[0] = nil
		m.waiters = m.waiters[1:]
	}
	m.mu.Unlock()

	if next != nil {
		next.pool.wake(from, next)
	}
}
