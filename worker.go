package corun

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// runq is a FIFO of coroutines that also allows pushing to the front
// and removing the first element matching a predicate.
type runq struct {
	items []*Coroutine
	head  int
}

func (q *runq) len() int {
	return len(q.items) - q.head
}

func (q *runq) pushBack(co *Coroutine) {
	q.items = append(q.items, co)
}

func (q *runq) pushFront(co *Coroutine) {
	if q.head > 0 {
		q.head--
		q.items[q.head] = co
		return
	}
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = co
}

// pop removes and returns the first coroutine accepted by ok, or nil.
func (q *runq) pop(ok func(*Coroutine) bool) *Coroutine {
	for i := q.head; i < len(q.items); i++ {
		co := q.items[i]
		if ok != nil && !ok(co) {
			continue
		}
		if i == q.head {
			q.items[i] = nil
			q.head++
		} else {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
		}
		q.compact()
		return co
	}
	return nil
}

func (q *runq) any(ok func(*Coroutine) bool) bool {
	for _, co := range q.items[q.head:] {
		if ok(co) {
			return true
		}
	}
	return false
}

func (q *runq) compact() {
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
		return
	}
	if q.head > 32 && q.head > len(q.items)/2 {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
}

// shard is one slice of the pool-wide priority and normal queues. Each
// worker drains its home shard first and steals from the others.
type shard struct {
	mu       sync.Mutex
	priority runq
	normal   runq
}

// Worker runs coroutines on behalf of a Pool. Its goroutine plays the
// role of an OS worker thread: the master coroutine is the worker's
// own stack, and user coroutines are entered from it.
type Worker struct {
	id     int
	pool   *Pool
	master *Coroutine
	shard  *shard
	log    *zap.Logger

	mu    sync.Mutex
	local runq // bound coroutines rescheduled onto this worker

	// Touched only from this worker's goroutine or the coroutine it is
	// running.
	runNext *Coroutine
	yielded *Coroutine
	after   func(*Coroutine)

	sleeping atomic.Bool
	wake     chan struct{}
}

func newWorker(p *Pool, id int, s *shard) *Worker {
	w := &Worker{
		id:    id,
		pool:  p,
		shard: s,
		log:   p.log.With(zap.Int("worker", id)),
		wake:  make(chan struct{}, 1),
	}
	w.master = newMaster(w)
	return w
}

// ID returns the worker's index in its pool.
func (w *Worker) ID() int {
	return w.id
}

func (w *Worker) loop() {
	defer w.pool.wg.Done()
	w.log.Debug("worker started")

	for !w.pool.quit.Load() {
		if co := w.dequeue(); co != nil {
			w.run(co)
			continue
		}
		w.park()
	}

	w.master.state.Store(int32(StateDone))
	w.log.Debug("worker stopped")
}

func (w *Worker) runnable(co *Coroutine) bool {
	return (co.bound == nil || co.bound == w) && co.CanBeRunBy(w)
}

// dequeue picks the next coroutine. A coroutine that just yielded goes
// back on the local queue only after something else has been picked,
// so it cannot take the worker straight back.
func (w *Worker) dequeue() *Coroutine {
	yielded := w.yielded
	w.yielded = nil

	co := w.next()
	if yielded == nil {
		return co
	}
	if co == nil {
		return yielded
	}
	w.pushLocal(yielded, false)
	return co
}

// next picks from the run-next slot, the local queue, then the
// priority and normal queues, home shard first.
func (w *Worker) next() *Coroutine {
	if co := w.runNext; co != nil {
		w.runNext = nil
		return co
	}

	w.mu.Lock()
	co := w.local.pop(nil)
	w.mu.Unlock()
	if co != nil {
		return co
	}

	if co := w.steal(true); co != nil {
		return co
	}
	return w.steal(false)
}

func (w *Worker) steal(priority bool) *Coroutine {
	shards := w.pool.shards
	for k := range shards {
		s := shards[(w.id+k)%len(shards)]
		q := &s.normal
		if priority {
			q = &s.priority
		}
		s.mu.Lock()
		co := q.pop(w.runnable)
		s.mu.Unlock()
		if co != nil {
			return co
		}
	}
	return nil
}

func (w *Worker) hasWork() bool {
	if w.runNext != nil {
		return true
	}

	w.mu.Lock()
	n := w.local.len()
	w.mu.Unlock()
	if n > 0 {
		return true
	}

	for _, s := range w.pool.shards {
		s.mu.Lock()
		found := s.priority.any(w.runnable) || s.normal.any(w.runnable)
		s.mu.Unlock()
		if found {
			return true
		}
	}
	return false
}

// park blocks until the worker is woken. Setting sleeping before the
// final work check pairs with notify, which pushes before reading it.
func (w *Worker) park() {
	w.sleeping.Store(true)
	if w.pool.quit.Load() || w.hasWork() {
		w.sleeping.Store(false)
		return
	}
	<-w.wake
	w.sleeping.Store(false)
}

func (w *Worker) notify() {
	if w.sleeping.Load() {
		w.interrupt()
	}
}

func (w *Worker) interrupt() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) pushLocal(co *Coroutine, front bool) {
	w.mu.Lock()
	if front {
		w.local.pushFront(co)
	} else {
		w.local.pushBack(co)
	}
	w.mu.Unlock()
	w.notify()
}

// setRunNext makes co the next coroutine this worker runs. It must be
// called on the worker itself. A coroutine already in the slot moves
// to the front of the local queue.
func (w *Worker) setRunNext(co *Coroutine) bool {
	if !w.runnable(co) {
		return false
	}
	co.state.Store(int32(StateQueued))
	if prev := w.runNext; prev != nil {
		w.pushLocal(prev, true)
	}
	w.runNext = co
	return true
}

// run switches from the master into co and handles whatever state co
// left behind when control came back.
func (w *Worker) run(co *Coroutine) {
	if co.bound == nil {
		co.bound = w
	}
	co.forbidden = nil
	co.state.Store(int32(StateRunning))

	if err := co.SwitchToFrom(w.master); err != nil {
		w.log.Error("cannot resume coroutine", zap.Uintptr("coroutine", co.ID()), zap.Error(err))
		return
	}

	if co.State() == StateDone {
		w.after = nil
		w.pool.finish(co)
		return
	}

	co.state.Store(int32(StateSuspended))
	after := w.after
	w.after = nil
	if after == nil {
		w.log.Warn("coroutine suspended without a wakeup", zap.Uintptr("coroutine", co.ID()))
		return
	}
	after(co)
}
