package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

const defaultReaperInterval = 10 * time.Minute

// Budget caps executor invocations for one run. Consume past the warning
// threshold logs once; Exhausted gates new claims, never in-flight work.
type Budget struct {
	max    int64
	warnAt int64
	used   atomic.Int64
	warned atomic.Bool
	log    *logger.Logger
}

func NewBudget(maxInvocations, warnThresholdPercent int, baseLog *logger.Logger) *Budget {
	if maxInvocations <= 0 {
		return nil
	}
	if warnThresholdPercent <= 0 || warnThresholdPercent > 100 {
		warnThresholdPercent = 80
	}
	return &Budget{
		max:    int64(maxInvocations),
		warnAt: int64(maxInvocations) * int64(warnThresholdPercent) / 100,
		log:    baseLog.With("component", "budget"),
	}
}

func (b *Budget) Consume() {
	used := b.used.Add(1)
	if used >= b.warnAt && b.warned.CompareAndSwap(false, true) {
		b.log.Warn("invocation budget nearing limit", "used", used, "max", b.max)
	}
}

func (b *Budget) Exhausted() bool { return b.used.Load() >= b.max }

func (b *Budget) Used() int64 { return b.used.Load() }

// PoolResult is the aggregate returned once every worker drains.
type PoolResult struct {
	TasksCompleted   int     `json:"tasks_completed"`
	TasksFailed      int     `json:"tasks_failed"`
	TotalInvocations int     `json:"total_invocations"`
	WorkerStats      []Stats `json:"worker_stats"`
	BudgetExhausted  bool    `json:"budget_exhausted,omitempty"`
	SystemHalted     bool    `json:"system_halted,omitempty"`
}

// Pool spawns exactly size workers, runs a stale-claim reaper beside them,
// and waits for the fleet to drain. Workers are not pinned to tasks; the
// (phase, sequence) order only decides which task is claimed next.
type Pool struct {
	deps           Deps
	size           int
	reaperInterval time.Duration
	workerOpts     []Option
	log            *logger.Logger
}

type PoolOption func(*Pool)

func WithReaperInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.reaperInterval = d }
}

func WithWorkerOptions(opts ...Option) PoolOption {
	return func(p *Pool) { p.workerOpts = append(p.workerOpts, opts...) }
}

func NewPool(size int, deps Deps, opts ...PoolOption) *Pool {
	if size < 1 {
		size = 1
	}
	deps.fillDefaults()
	p := &Pool{
		deps:           deps,
		size:           size,
		reaperInterval: defaultReaperInterval,
		log:            deps.Log.With("component", "pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes the fleet to drain and aggregates per-worker stats.
func (p *Pool) Run(ctx context.Context) (PoolResult, error) {
	p.deps.Registry.SetTotalWorkers(p.size)
	p.log.Info("starting worker pool", "workers", p.size)

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go p.reaperLoop(reaperCtx)

	var (
		mu       sync.Mutex
		allStats []Stats
	)
	opts := append([]Option{WithExitWhenIdle()}, p.workerOpts...)

	g, gctx := errgroup.WithContext(ctx)
	for i := 1; i <= p.size; i++ {
		id := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			stats, err := New(id, p.deps, opts...).Run(gctx)
			mu.Lock()
			allStats = append(allStats, stats)
			mu.Unlock()
			return err
		})
	}
	err := g.Wait()

	var result PoolResult
	for _, s := range allStats {
		result.TasksCompleted += s.TasksCompleted
		result.TasksFailed += s.TasksFailed
		result.TotalInvocations += s.Invocations
		result.WorkerStats = append(result.WorkerStats, s)
	}
	if p.deps.Budget != nil && p.deps.Budget.Exhausted() {
		result.BudgetExhausted = true
	}
	if p.deps.Registry.System().State() == types.CircuitStateOpen {
		result.SystemHalted = true
	}

	p.log.Info("worker pool drained",
		"tasks_completed", result.TasksCompleted,
		"tasks_failed", result.TasksFailed,
		"total_invocations", result.TotalInvocations)
	return result, err
}

func (p *Pool) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(p.reaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.deps.Queue.ReclaimStale(ctx); err != nil {
				p.log.Warn("stale claim reaper failed", "error", err)
			}
		}
	}
}
