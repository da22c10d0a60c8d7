package corun

import (
	"sync"
	"sync/atomic"
	"time"
	_ "unsafe" // for go:linkname
)

// carrier is the runtime coroutine backing a Stack. It's an opaque
// struct used by the runtime functions.
type carrier struct{}

//go:linkname newcoro runtime.newcoro
func newcoro(func(*carrier)) *carrier

//go:linkname coroswitch runtime.coroswitch
func coroswitch(*carrier)

// Stack is the execution resource of a user coroutine: a parked
// runtime coroutine with its own goroutine stack. A Stack runs one
// body at a time and parks again when the body returns, so it can be
// reused by later coroutines without creating a new goroutine.
type Stack struct {
	c        *carrier
	body     func()
	released time.Time
	freed    bool

	// goid is the id of the carrier goroutine, set once it starts.
	goid uint64
}

func newStack() *Stack {
	s := &Stack{}
	s.c = newcoro(func(c *carrier) {
		raceAcquire(s)
		s.goid = goroutineID()
		for {
			body := s.body
			if body == nil {
				raceRelease(s)
				return
			}
			s.body = nil
			body()
			s.transfer(c)
		}
	})
	return s
}

// transfer switches across the carrier in either direction.
func (s *Stack) transfer(c *carrier) {
	raceRelease(s)
	coroswitch(c)
	raceAcquire(s)
}

// load installs the body run on the next switch into the stack.
func (s *Stack) load(body func()) {
	s.body = body
}

// enter switches into the stack from the calling goroutine and
// returns once the body suspends or finishes.
func (s *Stack) enter() {
	s.transfer(s.c)
}

// leave switches from inside the stack back to whoever entered it.
func (s *Stack) leave() {
	s.transfer(s.c)
}

// free terminates the parked carrier goroutine.
func (s *Stack) free() {
	if s.freed {
		return
	}
	s.freed = true
	s.body = nil
	s.transfer(s.c)
}

// StackAllocator hands out stacks, keeping recently released ones
// for reuse within a time-to-live window.
type StackAllocator struct {
	mu   sync.Mutex
	pool []*Stack // released stacks, most recent last

	ttl      time.Duration
	capacity int
	limit    int
	live     atomic.Int64
	now      func() time.Time
	tracker  *tracker
}

// NewStackAllocator creates an allocator. A zero limit means the
// number of live stacks is unbounded.
func NewStackAllocator(ttl time.Duration, capacity, limit int) *StackAllocator {
	return &StackAllocator{
		ttl:      ttl,
		capacity: capacity,
		limit:    limit,
		now:      time.Now,
	}
}

// Allocate returns a pooled stack released within the TTL, or a fresh
// one. It fails with KindExhausted when the live-stack limit is hit.
func (a *StackAllocator) Allocate() (*Stack, error) {
	now := a.now()

	a.mu.Lock()
	expired := a.expireLocked(now)
	var s *Stack
	if n := len(a.pool); n > 0 {
		s = a.pool[n-1]
		a.pool[n-1] = nil
		a.pool = a.pool[:n-1]
	}
	a.mu.Unlock()

	a.destroy(expired)

	if s != nil {
		return s, nil
	}

	if n := a.live.Add(1); a.limit > 0 && n > int64(a.limit) {
		a.live.Add(-1)
		return nil, newError("allocate stack", KindExhausted, "live stack limit %d reached", a.limit)
	}

	s = newStack()
	a.tracker.stackCreated(s)
	return s, nil
}

// Release returns s to the pool. When the pool is full s is freed
// immediately.
func (a *StackAllocator) Release(s *Stack) {
	a.mu.Lock()
	now := a.now()
	s.released = now
	expired := a.expireLocked(now)
	keep := len(a.pool) < a.capacity
	if keep {
		a.pool = append(a.pool, s)
	}
	a.mu.Unlock()

	if !keep {
		expired = append(expired, s)
	}
	a.destroy(expired)
}

// Trim frees every pooled stack released longer than the TTL ago and
// returns how many were freed.
func (a *StackAllocator) Trim() int {
	a.mu.Lock()
	expired := a.expireLocked(a.now())
	a.mu.Unlock()

	a.destroy(expired)
	return len(expired)
}

// Close frees every pooled stack.
func (a *StackAllocator) Close() {
	a.mu.Lock()
	all := a.pool
	a.pool = nil
	a.mu.Unlock()

	a.destroy(all)
}

// Live returns the number of stacks not yet freed, pooled ones included.
func (a *StackAllocator) Live() int {
	return int(a.live.Load())
}

// Pooled returns the number of stacks waiting for reuse.
func (a *StackAllocator) Pooled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pool)
}

// expireLocked removes stacks older than the TTL. The pool is ordered
// by release time, so expired stacks form a prefix.
func (a *StackAllocator) expireLocked(now time.Time) []*Stack {
	i := 0
	for i < len(a.pool) && now.Sub(a.pool[i].released) > a.ttl {
		i++
	}
	if i == 0 {
		return nil
	}
	expired := make([]*Stack, i)
	copy(expired, a.pool[:i])
	n := copy(a.pool, a.pool[i:])
	clear(a.pool[n:])
	a.pool = a.pool[:n]
	return expired
}

func (a *StackAllocator) destroy(stacks []*Stack) {
	for _, s := range stacks {
		a.tracker.stackFreed(s)
		s.free()
		a.live.Add(-1)
	}
}
