package corun

import "context"

type coroutineKey struct{}

func withCoroutine(ctx context.Context, co *Coroutine) context.Context {
	return context.WithValue(ctx, coroutineKey{}, co)
}

// Current returns the coroutine carried by ctx if it is running on
// the calling goroutine, or nil otherwise. Blocking operations use it
// to decide between suspending the coroutine and blocking the
// goroutine, so a coroutine's context handed to another goroutine
// makes that goroutine block instead of suspending the coroutine.
func Current(ctx context.Context) *Coroutine {
	if ctx == nil {
		return nil
	}
	co, _ := ctx.Value(coroutineKey{}).(*Coroutine)
	if co == nil || co.State() != StateRunning {
		return nil
	}
	if co.goid.Load() != goroutineID() {
		return nil
	}
	return co
}

// Yield surrenders the worker to other work. The calling coroutine is
// rescheduled onto its worker and resumes once the worker has picked
// something else, or right away if there is nothing else to run.
func Yield(ctx context.Context) error {
	co := Current(ctx)
	if co == nil {
		return notInCoroutine("yield")
	}
	co.pool.suspend(co, func(co *Coroutine) {
		if co.claim("yield") == nil {
			co.bound.yielded = co
		}
	})
	return nil
}

// Suspend switches the calling coroutine back to its worker's master
// and then runs fx with the suspended coroutine. fx typically records
// the coroutine on a wait list; since it runs only after the switch
// has completed, whoever later reschedules the coroutine can never
// observe it still running. fx must arrange for the coroutine to be
// rescheduled eventually with Pool.Schedule.
func Suspend(ctx context.Context, fx func(*Coroutine)) error {
	co := Current(ctx)
	if co == nil {
		return notInCoroutine("suspend")
	}
	co.pool.suspend(co, fx)
	return nil
}

// YieldTo hands the worker directly to target. target runs next on the
// calling coroutine's worker when it is allowed to; otherwise it is
// scheduled with priority. The caller is requeued behind it.
func YieldTo(ctx context.Context, target *Coroutine) error {
	co := Current(ctx)
	if co == nil {
		return notInCoroutine("yield to")
	}
	if target == nil || target.role != RoleUser || target.pool != co.pool {
		return newError("yield to", KindInvalidSwitch, "target is not a user coroutine of this pool")
	}
	if err := target.claim("yield to"); err != nil {
		return err
	}
	co.pool.suspend(co, func(co *Coroutine) {
		w := co.bound
		if !w.setRunNext(target) {
			co.pool.enqueue(w, target, true)
		}
		if co.claim("yield to") == nil {
			co.pool.enqueue(w, co, false)
		}
	})
	return nil
}
