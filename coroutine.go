package corun

import (
	"context"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Role distinguishes a worker's master coroutine from user coroutines.
type Role uint8

const (
	// RoleUser runs a closure on its own Stack.
	RoleUser Role = iota
	// RoleMaster is a worker's own goroutine.
	RoleMaster
)

// String returns "user" or "master".
func (r Role) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "user"
}

// State is the lifecycle state of a coroutine.
type State int32

const (
	StateCreated   State = iota // spawned, never scheduled
	StateQueued                 // waiting in a worker queue
	StateRunning                // on a worker right now
	StateSuspended              // switched out until someone schedules it
	StateDone                   // closure returned or panicked
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateDone:
		return "done"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Coroutine is an independently resumable unit of execution. User
// coroutines run a closure on their own Stack; a master coroutine
// stands for a worker's own goroutine and has no Stack.
//
// Control moves between exactly two coroutines at a time: a worker's
// master switches into a user coroutine, and the user coroutine
// switches back to the master when it suspends or finishes.
type Coroutine struct {
	role  Role
	pool  *Pool
	stack *Stack
	ctx   context.Context
	state atomic.Int32

	// goid is the carrier goroutine running the closure.
	goid atomic.Uint64

	// bound is the worker that first ran the coroutine; it is the only
	// worker allowed to resume it afterwards. forbidden, when set, is a
	// worker that must not run the coroutine next.
	bound     *Worker
	forbidden *Worker

	// err holds a panic recovered from the closure.
	err error
}

func newMaster(w *Worker) *Coroutine {
	co := &Coroutine{role: RoleMaster, pool: w.pool, bound: w}
	co.state.Store(int32(StateRunning))
	return co
}

func newCoroutine(p *Pool, s *Stack, ctx context.Context, fn func(context.Context)) *Coroutine {
	co := &Coroutine{role: RoleUser, pool: p, stack: s}
	co.ctx = withCoroutine(ctx, co)
	s.load(func() {
		defer func() {
			if r := recover(); r != nil {
				co.err = newPanicError(r)
			}
			co.state.Store(int32(StateDone))
		}()
		co.goid.Store(s.goid)
		fn(co.ctx)
	})
	return co
}

// ID returns a stable identifier for the coroutine.
func (c *Coroutine) ID() uintptr {
	return uintptr(unsafe.Pointer(c))
}

// Equal reports whether c and other are the same coroutine.
func (c *Coroutine) Equal(other *Coroutine) bool {
	return other != nil && c.ID() == other.ID()
}

// Role reports whether c is a worker's master or a user coroutine.
func (c *Coroutine) Role() Role {
	return c.role
}

// State returns c's current lifecycle state. It may be stale as soon
// as it returns unless called from c itself.
func (c *Coroutine) State() State {
	return State(c.state.Load())
}

// Err returns the panic recovered from the coroutine's closure, if any.
func (c *Coroutine) Err() error {
	return c.err
}

// Info describes the coroutine for diagnostics.
func (c *Coroutine) Info() CoroutineInfo {
	info := CoroutineInfo{ID: c.ID(), State: c.State(), Worker: -1}
	if c.bound != nil {
		info.Worker = c.bound.id
	}
	return info
}

// SwitchToFrom transfers control from other into c, suspending other
// at that exact point until some later switch targets it again. The
// legal pairs are a user coroutine entered from its master and a
// master entered from the user coroutine it is running.
func (c *Coroutine) SwitchToFrom(other *Coroutine) error {
	switch {
	case c.role == RoleUser && other.role == RoleMaster:
		if c.State() == StateDone {
			return newError("switch", KindInvalidSwitch, "coroutine %#x already finished", c.ID())
		}
		c.stack.enter()
	case c.role == RoleMaster && other.role == RoleUser:
		other.stack.leave()
	default:
		return newError("switch", KindInvalidSwitch, "%s to %s", other.role, c.role)
	}
	return nil
}

// CanBeRunBy reports whether w may run the coroutine next.
func (c *Coroutine) CanBeRunBy(w *Worker) bool {
	return c.forbidden == nil || c.forbidden != w
}

// claim moves a new or suspended coroutine to the queued state. A
// coroutine can be queued by only one party at a time.
func (c *Coroutine) claim(op string) error {
	if c.state.CompareAndSwap(int32(StateSuspended), int32(StateQueued)) ||
		c.state.CompareAndSwap(int32(StateCreated), int32(StateQueued)) {
		return nil
	}
	return newError(op, KindAlreadyScheduled, "coroutine %#x is %s", c.ID(), c.State())
}

// destroy releases the coroutine's stack. Destroying a coroutine whose
// closure has not returned abandons its work and is reported as an
// error; the stack is then leaked rather than reused.
func (c *Coroutine) destroy() error {
	if c.role == RoleMaster {
		return nil
	}
	if c.State() != StateDone {
		return newError("destroy", KindUnfinished, "coroutine %#x is %s", c.ID(), c.State())
	}
	if c.stack != nil {
		c.pool.stacks.Release(c.stack)
		c.stack = nil
	}
	return nil
}
