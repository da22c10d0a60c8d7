// Package corun is a cooperative coroutine runtime. It multiplexes
// many coroutines over a small, fixed pool of workers and provides the
// primitives needed to coordinate them: queues of work, futures and
// promises, and a coroutine-level mutex and condition variable.
//
// Coroutines are built on the Go runtime's own coroutine switch, the
// mechanism behind iter.Pull. A worker's goroutine acts as its master
// coroutine and switches into user coroutines one at a time; a user
// coroutine runs until it finishes or suspends, and suspending
// switches straight back to the master. There is no preemption.
//
// Work is organized in queues. A Parallel queue's tasks may run
// concurrently in any order; a Serial queue's tasks run one at a time
// in submission order, whichever worker picks them up:
//
//	pool, err := corun.New(corun.DefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Close(context.Background())
//
//	q := corun.NewQueue(corun.Parallel)
//	f := corun.Submit(q, func(ctx context.Context) (int, error) {
//	    return 42, nil
//	})
//	if err := q.RunInPool(ctx, pool, false); err != nil {
//	    log.Fatal(err)
//	}
//	v, err := f.Get(ctx)
//
// The context handed to a task carries the coroutine running it.
// Future.Wait, Mutex.Lock and Cond.Wait use it to suspend the
// coroutine rather than block the worker. Called with a context that
// carries no running coroutine, Future.Wait blocks the goroutine
// instead, so futures can be consumed from anywhere. Cancellation of
// that context is not observed: work runs to completion once started.
//
// Panics in tasks are recovered with their stack and delivered as the
// error of the task's future. Protocol violations, such as setting a
// promise twice or unlocking a mutex held by another coroutine, are
// returned as *Error values whose Kind can be matched with errors.Is
// against the Err* sentinels.
//
// Setting CORUN_TRACK_LIVE=1 makes pools record every live coroutine
// and stack; Pool.Tracked lists them. Tracking is off by default.
package corun
