package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/samber/do"
	"go.uber.org/zap"

	"github.com/webriots/corun"
)

type scenario struct {
	name string
	run  func(ctx context.Context, p *corun.Pool, n int) error
}

var scenarios = []scenario{
	{"parallel", parallel},
	{"serial", serial},
	{"nested", nested},
	{"parallel-of-serials", parallelOfSerials},
	{"mutex", mutex},
}

func main() {
	var (
		configFile = flag.String("config", "", "Path to TOML pool config (optional)")
		workers    = flag.Int("workers", 0, "Worker count, overrides the config")
		items      = flag.Int("n", 100_000, "Work items per scenario")
		only       = flag.String("only", "", "Run a single scenario")
		verbose    = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	if err := run(*configFile, *workers, *items, *only, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile string, workers, items int, only string, verbose bool) error {
	log, err := newLogger(verbose)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	corun.SetLogger(log)

	// CORUN_* variables are applied by the pool on top of this.
	cfg := corun.DefaultConfig()
	if configFile != "" {
		if cfg, err = corun.LoadConfig(configFile); err != nil {
			return err
		}
	}
	if workers > 0 {
		cfg.Workers = workers
	}

	injector := do.New()
	corun.Provide(injector, cfg)
	defer func() {
		if err := injector.Shutdown(); err != nil {
			log.Error("shutdown", zap.Error(err))
		}
	}()

	p, err := do.Invoke[*corun.Pool](injector)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}

	log = log.With(zap.String("run", uuid.NewString()))
	log.Info("stress run started",
		zap.Int("workers", p.Stats().Workers),
		zap.Int("items", items))

	ctx := context.Background()
	for _, sc := range scenarios {
		if only != "" && sc.name != only {
			continue
		}
		start := time.Now()
		if err := sc.run(ctx, p, items); err != nil {
			return fmt.Errorf("%s: %w", sc.name, err)
		}
		st := p.Stats()
		log.Info("scenario passed",
			zap.String("scenario", sc.name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Int("stacks", st.Stacks),
			zap.Int("pooled_stacks", st.PooledStacks))
	}
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func parallel(ctx context.Context, p *corun.Pool, n int) error {
	var counter atomic.Int64
	q := corun.NewQueue(corun.Parallel)
	for range n {
		q.Add(func(context.Context) { counter.Add(1) })
	}
	if err := q.RunInPool(ctx, p, true); err != nil {
		return err
	}
	if got := counter.Load(); got != int64(n) {
		return fmt.Errorf("counter is %d, want %d", got, n)
	}
	return nil
}

func serial(ctx context.Context, p *corun.Pool, n int) error {
	var (
		last    atomic.Int64
		ordered atomic.Bool
	)
	last.Store(-1)
	ordered.Store(true)

	q := corun.NewQueue(corun.Serial)
	for i := range n {
		q.Add(func(context.Context) {
			if last.Swap(int64(i)) != int64(i-1) {
				ordered.Store(false)
			}
		})
	}
	if err := q.RunInPool(ctx, p, true); err != nil {
		return err
	}
	if !ordered.Load() {
		return fmt.Errorf("items ran out of order")
	}
	return nil
}

func nested(ctx context.Context, p *corun.Pool, n int) error {
	var counter atomic.Int64
	sub := corun.NewQueue(corun.Parallel)
	for range n {
		sub.Add(func(context.Context) { counter.Add(1) })
	}

	q := corun.NewQueue(corun.Serial)
	q.AppendQueue(sub)
	seen := corun.Submit(q, func(context.Context) (int64, error) {
		return counter.Load(), nil
	})
	if err := q.RunInPool(ctx, p, true); err != nil {
		return err
	}

	got, err := seen.Get(ctx)
	if err != nil {
		return err
	}
	if got != int64(n) {
		return fmt.Errorf("trailing item saw %d, want %d", got, n)
	}
	return nil
}

func parallelOfSerials(ctx context.Context, p *corun.Pool, n int) error {
	subs := max(n/100, 1)
	counters := make([]atomic.Int64, subs)
	var ordered atomic.Bool
	ordered.Store(true)

	q := corun.NewQueue(corun.Parallel)
	for s := range subs {
		sub := corun.NewQueue(corun.Serial)
		for i := range 100 {
			sub.Add(func(context.Context) {
				if counters[s].Add(1) != int64(i+1) {
					ordered.Store(false)
				}
			})
		}
		q.AppendQueue(sub)
	}
	if err := q.RunInPool(ctx, p, true); err != nil {
		return err
	}
	if !ordered.Load() {
		return fmt.Errorf("sub-queue items ran out of order")
	}
	for s := range counters {
		if got := counters[s].Load(); got != 100 {
			return fmt.Errorf("sub-queue %d counted %d, want 100", s, got)
		}
	}
	return nil
}

func mutex(ctx context.Context, p *corun.Pool, n int) error {
	var (
		m      corun.Mutex
		a, b   int
		failed atomic.Int64
	)
	q := corun.NewQueue(corun.Parallel)
	for range n {
		q.Add(func(ctx context.Context) {
			if err := m.Lock(ctx); err != nil {
				failed.Add(1)
				return
			}
			a++
			_ = corun.Yield(ctx)
			b++
			if err := m.Unlock(ctx); err != nil {
				failed.Add(1)
			}
		})
	}
	if err := q.RunInPool(ctx, p, true); err != nil {
		return err
	}
	if f := failed.Load(); f > 0 {
		return fmt.Errorf("%d lock operations failed", f)
	}
	if a != n || b != n {
		return fmt.Errorf("counters are %d and %d, want %d", a, b, n)
	}
	return nil
}
