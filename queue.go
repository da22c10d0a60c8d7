package corun

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// QueueKind says whether a queue's items may run concurrently.
type QueueKind uint8

const (
	// Parallel items have no ordering among them.
	Parallel QueueKind = iota
	// Serial items run one at a time in submission order.
	Serial
)

// String returns "serial" or "parallel".
func (k QueueKind) String() string {
	if k == Serial {
		return "serial"
	}
	return "parallel"
}

// Task is a unit of work. The context carries the running coroutine
// when the task runs in a pool.
type Task func(ctx context.Context)

// Queue is an ordered (Serial) or unordered (Parallel) collection of
// tasks, the unit of work handed to a Pool. Its lock is never held
// while a task runs.
type Queue struct {
	kind     QueueKind
	onChange func(*Queue)

	mu    sync.Mutex
	items []Task
	head  int

	// driving is set while someone runs items of a serial queue;
	// pending restarts pool execution once an outside driver lets go.
	driving bool
	pending func()
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithOnChange sets a callback invoked after items are appended.
func WithOnChange(fn func(*Queue)) QueueOption {
	return func(q *Queue) {
		q.onChange = fn
	}
}

// NewQueue returns an empty queue of the given kind. It runs nothing
// until drained on the caller or handed to a Pool.
func NewQueue(kind QueueKind, opts ...QueueOption) *Queue {
	q := &Queue{kind: kind}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Kind returns the kind q was created with.
func (q *Queue) Kind() QueueKind {
	return q.kind
}

// Len returns the number of tasks not yet started.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Add appends a task whose result nobody waits for. A panic in the
// task is logged.
func (q *Queue) Add(task Task) {
	q.push(func(ctx context.Context) {
		if err := capture(func() error { task(ctx); return nil }); err != nil {
			Logger().Error("task panicked", append(errorFields(err), zap.Stringer("queue", q.kind))...)
		}
	})
}

// Submit appends fn to q and returns a future for its result. A panic
// in fn is delivered as the future's error.
func Submit[T any](q *Queue, fn func(context.Context) (T, error)) *Future[T] {
	pr := NewPromise[T]()
	f := pr.Future()
	q.push(func(ctx context.Context) {
		var v T
		err := capture(func() error {
			var err error
			v, err = fn(ctx)
			return err
		})
		_ = pr.complete(v, err)
	})
	return f
}

// AppendQueue moves every item of other into q:
//
//	parallel <- parallel: items are merged, unordered
//	parallel <- serial:   other becomes one item that runs it in order
//	serial   <- parallel: other becomes one item that runs its items in
//	                      the pool and waits for all of them
//	serial   <- serial:   items are concatenated in order
//
// other is left empty.
func (q *Queue) AppendQueue(other *Queue) {
	if other == nil || other == q {
		return
	}
	items := other.take()
	if len(items) == 0 {
		return
	}

	if q.kind == other.kind {
		q.push(items...)
		return
	}

	sub := &Queue{kind: other.kind, items: items}
	if q.kind == Parallel {
		q.push(func(ctx context.Context) {
			_ = sub.RunUntilEmpty(ctx)
		})
		return
	}
	q.push(func(ctx context.Context) {
		co := Current(ctx)
		if co == nil {
			_ = sub.RunUntilEmpty(ctx)
			return
		}
		if err := sub.RunInPool(ctx, co.pool, true); err != nil {
			co.pool.log.Warn("running rest of parallel sub-queue inline",
				zap.Int("left", sub.Len()), zap.Error(err))
			_ = sub.RunUntilEmpty(ctx)
		}
	})
}

// RunOnce pops and runs a single task on the caller. It reports whether
// a task ran. A serial queue accepts one driver at a time and returns
// KindQueueBusy to others.
func (q *Queue) RunOnce(ctx context.Context) (bool, error) {
	q.mu.Lock()
	if q.kind == Serial {
		if q.driving {
			q.mu.Unlock()
			return false, newError("run once", KindQueueBusy, "serial queue has another driver")
		}
	}
	task, ok := q.popLocked()
	if !ok {
		q.mu.Unlock()
		return false, nil
	}
	if q.kind == Serial {
		q.driving = true
	}
	q.mu.Unlock()

	task(ctx)

	if q.kind == Serial {
		q.letGo()
	}
	return true, nil
}

// RunUntilEmpty runs tasks on the caller until none are left. A
// parallel queue drained this way runs serially.
func (q *Queue) RunUntilEmpty(ctx context.Context) error {
	if q.kind == Parallel {
		for {
			q.mu.Lock()
			task, ok := q.popLocked()
			q.mu.Unlock()
			if !ok {
				return nil
			}
			task(ctx)
		}
	}

	q.mu.Lock()
	if q.driving {
		q.mu.Unlock()
		return newError("run until empty", KindQueueBusy, "serial queue has another driver")
	}
	q.driving = true
	q.mu.Unlock()

	q.drain(ctx)
	return nil
}

// RunInPool hands the whole queue to p. With block set the call returns
// once every task present at the time of the call has finished; inside
// a coroutine the wait suspends it, elsewhere it blocks the goroutine.
//
// When p cannot start every task, the tasks left over stay in q and
// the error is returned. A blocking call still waits for the tasks
// that did start before returning it.
func (q *Queue) RunInPool(ctx context.Context, p *Pool, block bool) error {
	if !block {
		return p.scheduleQueue(ctx, q, false, false, nil)
	}

	done := NewPromise[struct{}]()
	f := done.Future()
	err := p.scheduleQueue(ctx, q, false, Current(ctx) != nil, func() {
		_ = done.SetValue(struct{}{})
	})
	if _, waitErr := f.Get(ctx); err == nil {
		err = waitErr
	}
	return err
}

// scheduleQueue turns q's items into coroutines. Parallel items each
// get a coroutine; a serial queue gets a single drainer. done, when
// set, runs after the items present now have finished.
func (p *Pool) scheduleQueue(ctx context.Context, q *Queue, urgent, forbid bool, done func()) error {
	if q.kind == Serial {
		return p.scheduleSerial(ctx, q, urgent, done)
	}

	items := q.take()
	if len(items) == 0 {
		if done != nil {
			done()
		}
		return nil
	}

	var remaining atomic.Int64
	remaining.Store(int64(len(items)))
	for i, task := range items {
		if done != nil {
			task = countdown(task, &remaining, done)
		}
		if err := p.start(ctx, task, urgent, forbid); err != nil {
			q.unshift(items[i:])
			if done != nil && remaining.Add(-int64(len(items)-i)) == 0 {
				done()
			}
			return err
		}
	}
	return nil
}

func (p *Pool) scheduleSerial(ctx context.Context, q *Queue, urgent bool, done func()) error {
	q.mu.Lock()
	sentinel := -1
	if done != nil {
		sentinel = len(q.items)
		q.items = append(q.items, func(context.Context) { done() })
	}
	if q.driving {
		q.pending = func() {
			if err := p.scheduleSerial(ctx, q, urgent, nil); err != nil {
				p.log.Warn("cannot resume serial queue", zap.Error(err))
			}
		}
		q.mu.Unlock()
		return nil
	}
	if len(q.items) == q.head {
		q.mu.Unlock()
		return nil
	}
	q.driving = true
	q.mu.Unlock()

	if err := p.start(ctx, q.drain, urgent, false); err != nil {
		if sentinel >= 0 {
			// Nothing pops while the driver role is held, so the
			// sentinel is still where it was appended.
			q.mu.Lock()
			q.items = append(q.items[:sentinel], q.items[sentinel+1:]...)
			q.mu.Unlock()
			done()
		}
		q.letGo()
		return err
	}
	return nil
}

func countdown(task Task, remaining *atomic.Int64, done func()) Task {
	return func(ctx context.Context) {
		defer func() {
			if remaining.Add(-1) == 0 {
				done()
			}
		}()
		task(ctx)
	}
}

// drain runs tasks in order until the queue is empty. The caller must
// hold the driver role, which drain gives up when it stops.
func (q *Queue) drain(ctx context.Context) {
	for {
		q.mu.Lock()
		task, ok := q.popLocked()
		if !ok {
			q.driving = false
			q.pending = nil
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()
		task(ctx)
	}
}

// letGo gives up the driver role and restarts pool execution that was
// deferred while another driver held the queue.
func (q *Queue) letGo() {
	q.mu.Lock()
	q.driving = false
	resume := q.pending
	q.pending = nil
	q.mu.Unlock()

	if resume != nil {
		resume()
	}
}

func (q *Queue) push(tasks ...Task) {
	q.mu.Lock()
	q.items = append(q.items, tasks...)
	q.mu.Unlock()

	if q.onChange != nil {
		q.onChange(q)
	}
}

func (q *Queue) unshift(tasks []Task) {
	q.mu.Lock()
	rest := q.items[q.head:]
	items := make([]Task, 0, len(tasks)+len(rest))
	items = append(items, tasks...)
	q.items = append(items, rest...)
	q.head = 0
	q.mu.Unlock()
}

func (q *Queue) take() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items[q.head:]
	q.items = nil
	q.head = 0
	return items
}

func (q *Queue) popLocked() (Task, bool) {
	if q.head == len(q.items) {
		return nil, false
	}
	task := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return task, true
}
