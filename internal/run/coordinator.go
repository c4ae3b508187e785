package run

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/tddforge/tddforge-backend/internal/circuit"
	"github.com/tddforge/tddforge-backend/internal/data/repos/attempts"
	"github.com/tddforge/tddforge-backend/internal/data/repos/circuits"
	config "github.com/tddforge/tddforge-backend/internal/data/repos/config"
	"github.com/tddforge/tddforge-backend/internal/data/repos/reviews"
	"github.com/tddforge/tddforge-backend/internal/data/repos/runs"
	"github.com/tddforge/tddforge-backend/internal/data/repos/tasks"
	"github.com/tddforge/tddforge-backend/internal/data/repos/workers"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/executor"
	"github.com/tddforge/tddforge-backend/internal/observability"
	"github.com/tddforge/tddforge-backend/internal/observer"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
	"github.com/tddforge/tddforge-backend/internal/queue"
	"github.com/tddforge/tddforge-backend/internal/sse"
	"github.com/tddforge/tddforge-backend/internal/worker"
)

// EventTaskStatusChanged is the SSE event type bridged from the observer.
const EventTaskStatusChanged = "task_status_changed"

// Decomposer turns a product spec into task rows. External collaborator.
type Decomposer interface {
	Decompose(ctx context.Context, specPath string) ([]*types.Task, error)
}

// Params are the inputs for one run.
type Params struct {
	SpecPath   string
	Workspace  string
	MaxWorkers int
}

// Summary is the end-of-run report.
type Summary struct {
	RunID            uuid.UUID         `json:"run_id"`
	Status           string            `json:"status"`
	StopReason       string            `json:"stop_reason,omitempty"`
	TotalInvocations int               `json:"total_invocations"`
	Duration         time.Duration     `json:"duration"`
	Pool             worker.PoolResult `json:"pool"`
}

// Deps carries the store-side collaborators shared by every run.
type Deps struct {
	Tasks    tasks.TaskRepo
	Workers  workers.WorkerRepo
	Attempts attempts.AttemptRepo
	Runs     runs.RunRepo
	Config   config.ConfigRepo
	Reviews  reviews.ReviewRepo
	Circuits circuits.CircuitRepo

	Exec       executor.StageExecutor
	Reviewer   executor.StaticReviewer
	Git        executor.GitClient
	Decomposer Decomposer

	Broadcaster *sse.Broadcaster
	Observer    *observer.Observer
	Metrics     *observability.Metrics
	CircuitCfg  circuit.Config
	Log         *logger.Logger
}

// Coordinator drives one execution run end to end: validate, start the run
// row, decompose, bridge observer to broadcaster, execute the pool, finish
// the run row and tear the bridge down.
type Coordinator struct {
	deps Deps
	log  *logger.Logger

	claimLease     time.Duration
	reaperInterval time.Duration
	workerOpts     []worker.Option
}

type Option func(*Coordinator)

func WithClaimLease(d time.Duration) Option {
	return func(c *Coordinator) { c.claimLease = d }
}

func WithReaperInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.reaperInterval = d }
}

func WithWorkerOptions(opts ...worker.Option) Option {
	return func(c *Coordinator) { c.workerOpts = append(c.workerOpts, opts...) }
}

func NewCoordinator(deps Deps, opts ...Option) *Coordinator {
	c := &Coordinator{
		deps:       deps,
		log:        deps.Log.With("component", "coordinator"),
		claimLease: queue.DefaultLease,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func validate(p Params) error {
	info, err := os.Stat(p.SpecPath)
	if err != nil {
		return fmt.Errorf("spec path: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("spec path %s is a directory", p.SpecPath)
	}
	if p.Workspace != "" {
		probe := filepath.Join(p.Workspace, ".tddforge-probe")
		if err := os.WriteFile(probe, nil, 0o644); err != nil {
			return fmt.Errorf("workspace not writable: %w", err)
		}
		_ = os.Remove(probe)
	}
	if p.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be >= 1, got %d", p.MaxWorkers)
	}
	return nil
}

// Execute runs one full orchestration. Context cancellation stops new claims
// and drains in-flight work before marking the run cancelled.
func (c *Coordinator) Execute(ctx context.Context, p Params) (Summary, error) {
	start := time.Now()
	if err := validate(p); err != nil {
		return Summary{}, err
	}
	dbc := dbctx.New(ctx)

	runRow, err := c.deps.Runs.Start(dbc, p.MaxWorkers)
	if err != nil {
		return Summary{}, fmt.Errorf("start run: %w", err)
	}
	log := c.log.With("run_id", runRow.ID)
	log.Info("run started", "spec_path", p.SpecPath, "max_workers", p.MaxWorkers)

	summary := Summary{RunID: runRow.ID}
	fail := func(stopReason string, cause error) (Summary, error) {
		if ferr := c.deps.Runs.Finish(dbctx.New(context.WithoutCancel(ctx)), runRow.ID,
			types.RunStatusFailed, stopReason, 0); ferr != nil {
			log.Error("failed to finish run row", "error", ferr)
		}
		summary.Status = types.RunStatusFailed
		summary.StopReason = stopReason
		summary.Duration = time.Since(start)
		return summary, cause
	}

	taskRows, err := c.deps.Decomposer.Decompose(ctx, p.SpecPath)
	if err != nil {
		log.Error("decomposition failed", "error", err)
		return fail("decompose", fmt.Errorf("decompose: %w", err))
	}
	if err := c.deps.Tasks.Create(dbc, taskRows); err != nil {
		return fail("decompose", fmt.Errorf("persist tasks: %w", err))
	}
	log.Info("decomposition complete", "tasks", len(taskRows))

	broadcaster := c.deps.Broadcaster
	ownBroadcaster := broadcaster == nil
	if ownBroadcaster {
		broadcaster = sse.NewBroadcaster(sse.DefaultQueueSize, c.deps.Log)
	}
	obs := c.deps.Observer
	ownObserver := obs == nil
	if ownObserver {
		obs = observer.New(c.deps.Tasks, c.deps.Log, observer.DefaultInterval)
	}

	cbID := obs.Register(func(ev observer.Event) {
		// Publish failures never roll back the DB mutation behind them.
		broadcaster.Publish(sse.Event{Type: EventTaskStatusChanged, Data: ev})
	})
	obs.Start(context.WithoutCancel(ctx))
	defer func() {
		obs.Unregister(cbID)
		if ownObserver {
			obs.Stop()
		}
		if ownBroadcaster {
			broadcaster.Shutdown()
		}
	}()

	registry, err := circuit.NewRegistry(ctx, c.deps.Circuits, c.deps.Log, &runRow.ID, c.deps.CircuitCfg)
	if err != nil {
		return fail("circuit_registry", fmt.Errorf("circuit registry: %w", err))
	}
	registry.SetMetrics(c.deps.Metrics)

	budget := worker.NewBudget(
		c.deps.Config.GetInt(dbc, types.ConfigMaxInvocationsPerSession),
		c.deps.Config.GetInt(dbc, types.ConfigBudgetWarningThreshold),
		c.deps.Log,
	)

	poolDeps := worker.Deps{
		Queue:    queue.New(c.deps.Tasks, c.deps.Log, c.claimLease),
		Tasks:    c.deps.Tasks,
		Workers:  c.deps.Workers,
		Attempts: c.deps.Attempts,
		Runs:     c.deps.Runs,
		Config:   c.deps.Config,
		Reviews:  c.deps.Reviews,
		Registry: registry,
		Exec:     c.deps.Exec,
		Reviewer: c.deps.Reviewer,
		Git:      c.deps.Git,
		RunID:    &runRow.ID,
		Budget:   budget,
		Metrics:  c.deps.Metrics,
		Log:      c.deps.Log,
	}
	var poolOpts []worker.PoolOption
	if c.reaperInterval > 0 {
		poolOpts = append(poolOpts, worker.WithReaperInterval(c.reaperInterval))
	}
	if len(c.workerOpts) > 0 {
		poolOpts = append(poolOpts, worker.WithWorkerOptions(c.workerOpts...))
	}

	pool := worker.NewPool(p.MaxWorkers, poolDeps, poolOpts...)
	result, poolErr := pool.Run(ctx)
	summary.Pool = result

	cancelled := ctx.Err() != nil
	if cancelled {
		// Drain whatever is still in flight, then force stranded claims back
		// to pending so the next run can pick them up.
		registry.System().WaitForInFlight(context.WithoutCancel(ctx))
		if _, rerr := c.deps.Tasks.ReclaimStale(dbctx.New(context.WithoutCancel(ctx))); rerr != nil {
			log.Warn("failed to reclaim claims after cancellation", "error", rerr)
		}
	}

	finishCtx := dbctx.New(context.WithoutCancel(ctx))
	invocations, err := c.deps.Runs.CountInvocations(finishCtx, runRow.ID)
	if err != nil {
		log.Warn("failed to count invocations", "error", err)
		invocations = int64(result.TotalInvocations)
	}
	summary.TotalInvocations = int(invocations)

	status := types.RunStatusCompleted
	stopReason := ""
	switch {
	case cancelled:
		status = types.RunStatusCancelled
		stopReason = "cancelled"
	case result.SystemHalted:
		status = types.RunStatusFailed
		stopReason = "system_circuit"
	case result.BudgetExhausted:
		status = types.RunStatusFailed
		stopReason = "budget"
	case poolErr != nil:
		status = types.RunStatusFailed
		stopReason = "pool_error"
	}
	if err := c.deps.Runs.Finish(finishCtx, runRow.ID, status, stopReason, int(invocations)); err != nil {
		log.Error("failed to finish run row", "error", err)
	}

	summary.Status = status
	summary.StopReason = stopReason
	summary.Duration = time.Since(start)
	log.Info("run finished",
		"status", status,
		"stop_reason", stopReason,
		"tasks_completed", result.TasksCompleted,
		"tasks_failed", result.TasksFailed,
		"total_invocations", invocations)
	return summary, poolErr
}
