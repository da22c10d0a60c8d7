package corun

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Pool multiplexes coroutines over a fixed set of workers.
//
// A Pool is created with New and must be closed with Close. All
// blocking primitives in this package find their pool through the
// coroutine carried by the context, so several pools can coexist.
type Pool struct {
	id      uuid.UUID
	cfg     Config
	log     *zap.Logger
	stacks  *StackAllocator
	tracker *tracker
	workers []*Worker
	shards  []*shard
	rr      atomic.Uint32
	wg      sync.WaitGroup

	// lifeMu orders coroutine creation against the start of shutdown.
	lifeMu    sync.RWMutex
	stopping  atomic.Bool
	live      atomic.Int64
	drained   chan struct{}
	drainOnce sync.Once
	quit      atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// Stats is a snapshot of pool counters.
type Stats struct {
	ID      string // pool id, a UUID
	Workers int
	Live    int // coroutines spawned and not yet finished

	// Stacks counts stacks not yet freed, pooled ones included.
	Stacks       int
	PooledStacks int

	// TrackedStacks counts the stacks recorded by live tracking. It is
	// zero unless tracking is enabled.
	TrackedStacks int
}

// New creates a pool and starts its workers. CORUN_* environment
// variables override the matching fields of cfg.
func New(cfg Config) (*Pool, error) {
	cfg, err := cfg.WithEnv(os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("corun: %w", err)
	}
	if cfg, err = cfg.normalize(); err != nil {
		return nil, err
	}

	p := &Pool{
		id:      uuid.New(),
		cfg:     cfg,
		tracker: newTracker(cfg.TrackLive),
		drained: make(chan struct{}),
	}
	p.log = Logger().With(zap.String("pool", p.id.String()))
	p.stacks = NewStackAllocator(time.Duration(cfg.StackTTL), cfg.StackPoolSize, cfg.MaxStacks)
	p.stacks.tracker = p.tracker

	n := cfg.WorkerCount()
	p.shards = make([]*shard, n)
	p.workers = make([]*Worker, n)
	for i := range n {
		p.shards[i] = &shard{}
		p.workers[i] = newWorker(p, i, p.shards[i])
	}

	p.wg.Add(n)
	for _, w := range p.workers {
		go w.loop()
	}

	p.log.Debug("pool started",
		zap.Int("workers", n),
		zap.Duration("stack_ttl", time.Duration(cfg.StackTTL)),
		zap.Bool("track_live", cfg.TrackLive))
	return p, nil
}

// Spawn creates a coroutine running fn without scheduling it. The
// context passed to fn carries the coroutine.
func (p *Pool) Spawn(ctx context.Context, fn func(context.Context)) (*Coroutine, error) {
	p.lifeMu.RLock()
	if p.stopping.Load() {
		p.lifeMu.RUnlock()
		return nil, newError("spawn", KindPoolClosed, "pool is shutting down")
	}
	p.live.Add(1)
	p.lifeMu.RUnlock()

	s, err := p.stacks.Allocate()
	if err != nil {
		p.release()
		return nil, err
	}

	co := newCoroutine(p, s, ctx, fn)
	p.tracker.coroutineCreated(co)
	return co, nil
}

// Go spawns a coroutine running fn and schedules it.
func (p *Pool) Go(ctx context.Context, fn func(context.Context)) error {
	return p.start(ctx, fn, false, false)
}

func (p *Pool) start(ctx context.Context, fn func(context.Context), urgent, forbid bool) error {
	co, err := p.Spawn(ctx, fn)
	if err != nil {
		return err
	}

	from := p.workerOf(ctx)
	if forbid && from != nil && len(p.workers) > 1 {
		co.forbidden = from
	}
	co.state.Store(int32(StateQueued))
	p.enqueue(from, co, urgent)
	return nil
}

// Schedule makes suspended or newly spawned coroutines runnable. Urgent
// coroutines go to the priority queue, or to the front of their
// worker's local queue when they are bound.
func (p *Pool) Schedule(ctx context.Context, urgent bool, cos ...*Coroutine) error {
	from := p.workerOf(ctx)

	var errs error
	for _, co := range cos {
		if co == nil || co.role != RoleUser || co.pool != p {
			errs = multierr.Append(errs, newError("schedule", KindInvalidSwitch, "not a user coroutine of this pool"))
			continue
		}
		if err := co.claim("schedule"); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		p.enqueue(from, co, urgent)
	}
	return errs
}

// ScheduleQueue hands q to the pool at normal priority.
func (p *Pool) ScheduleQueue(ctx context.Context, q *Queue) error {
	return p.scheduleQueue(ctx, q, false, false, nil)
}

// ScheduleQueueFirst hands q to the pool at high priority.
func (p *Pool) ScheduleQueueFirst(ctx context.Context, q *Queue) error {
	return p.scheduleQueue(ctx, q, true, false, nil)
}

// NewQueue returns a queue that forwards appended work to the pool.
func (p *Pool) NewQueue(kind QueueKind) *Queue {
	return NewQueue(kind, WithOnChange(func(q *Queue) {
		if err := p.ScheduleQueue(context.Background(), q); err != nil {
			p.log.Warn("cannot forward queue", zap.Stringer("kind", q.Kind()), zap.Error(err))
		}
	}))
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		ID:            p.id.String(),
		Workers:       len(p.workers),
		Live:          int(p.live.Load()),
		Stacks:        p.stacks.Live(),
		PooledStacks:  p.stacks.Pooled(),
		TrackedStacks: p.tracker.liveStacks(),
	}
}

// Tracked describes the live coroutines. It is empty unless live
// tracking is enabled.
func (p *Pool) Tracked() []CoroutineInfo {
	cos := p.tracker.liveCoroutines()
	out := make([]CoroutineInfo, len(cos))
	for i, co := range cos {
		out[i] = co.Info()
	}
	return out
}

// Close stops accepting new coroutines and waits for the live ones to
// finish. If ctx ends first, the workers are stopped anyway and the
// coroutines still suspended are abandoned and reported in the error.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closeErr = p.shutdown(ctx)
	})
	return p.closeErr
}

// Shutdown closes the pool within the configured shutdown timeout.
func (p *Pool) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(p.cfg.ShutdownTimeout))
	defer cancel()
	return p.Close(ctx)
}

func (p *Pool) shutdown(ctx context.Context) error {
	p.lifeMu.Lock()
	p.stopping.Store(true)
	p.lifeMu.Unlock()

	if p.live.Load() == 0 {
		p.drainOnce.Do(func() { close(p.drained) })
	}

	var err error
	select {
	case <-p.drained:
	case <-ctx.Done():
		err = p.abandon(ctx.Err())
	}

	p.quit.Store(true)
	for _, w := range p.workers {
		w.interrupt()
	}
	p.wg.Wait()
	p.stacks.Close()

	p.log.Debug("pool stopped", zap.Error(err))
	return err
}

func (p *Pool) abandon(cause error) error {
	n := p.live.Load()
	for _, co := range p.tracker.liveCoroutines() {
		if err := co.destroy(); err != nil {
			p.log.Warn("abandoning coroutine", zap.Stringer("coroutine", co.Info()), zap.Error(err))
		}
	}
	p.log.Warn("pool closed with live coroutines", zap.Int64("live", n))
	return multierr.Combine(
		newError("close", KindUnfinished, "%d coroutines did not finish", n),
		cause,
	)
}

func (p *Pool) release() {
	if p.live.Add(-1) == 0 && p.stopping.Load() {
		p.drainOnce.Do(func() { close(p.drained) })
	}
}

// finish retires a coroutine whose closure returned.
func (p *Pool) finish(co *Coroutine) {
	if err := co.Err(); err != nil {
		p.log.Error("coroutine panicked", append(errorFields(err), zap.Uintptr("coroutine", co.ID()))...)
	}
	if err := co.destroy(); err != nil {
		p.log.Error("cannot destroy coroutine", zap.Error(err))
	}
	p.tracker.coroutineFinished(co)
	p.release()
}

func (p *Pool) workerOf(ctx context.Context) *Worker {
	if co := Current(ctx); co != nil && co.pool == p {
		return co.bound
	}
	return nil
}

// suspend switches co back to its worker's master, which runs after
// once the switch is complete.
func (p *Pool) suspend(co *Coroutine, after func(*Coroutine)) {
	w := co.bound
	w.after = after
	_ = w.master.SwitchToFrom(co)
}

// enqueue places a claimed coroutine on a run queue and wakes a worker
// that can run it. Bound coroutines go to their worker's local queue;
// the rest go to the home shard of from, or a round-robin shard.
func (p *Pool) enqueue(from *Worker, co *Coroutine, urgent bool) {
	co.state.Store(int32(StateQueued))

	if w := co.bound; w != nil {
		w.pushLocal(co, urgent)
		return
	}

	forbidden := co.forbidden
	s := p.shardFor(from)
	s.mu.Lock()
	if urgent {
		s.priority.pushBack(co)
	} else {
		s.normal.pushBack(co)
	}
	s.mu.Unlock()

	p.wakeOne(forbidden)
}

// wake reschedules a suspended coroutine with priority, running it next
// on from when co belongs there.
func (p *Pool) wake(from *Worker, co *Coroutine) {
	if err := co.claim("wake"); err != nil {
		p.log.Error("cannot wake coroutine", zap.Uintptr("coroutine", co.ID()), zap.Error(err))
		return
	}
	if from != nil && from.pool == p && from.setRunNext(co) {
		return
	}
	p.enqueue(from, co, true)
}

// enqueueSuspended reschedules a suspended coroutine at normal priority.
func (p *Pool) enqueueSuspended(co *Coroutine) {
	if err := co.claim("notify"); err != nil {
		p.log.Error("cannot reschedule coroutine", zap.Uintptr("coroutine", co.ID()), zap.Error(err))
		return
	}
	p.enqueue(nil, co, false)
}

func (p *Pool) shardFor(from *Worker) *shard {
	if from != nil && from.pool == p {
		return from.shard
	}
	return p.shards[int(p.rr.Add(1))%len(p.shards)]
}

func (p *Pool) wakeOne(forbidden *Worker) {
	start := int(p.rr.Load())
	for k := range p.workers {
		w := p.workers[(start+k)%len(p.workers)]
		if w == forbidden || !w.sleeping.Load() {
			continue
		}
		w.interrupt()
		return
	}
}
