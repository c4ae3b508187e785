package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tddforge/tddforge-backend/internal/circuit"
	"github.com/tddforge/tddforge-backend/internal/data/repos/attempts"
	config "github.com/tddforge/tddforge-backend/internal/data/repos/config"
	"github.com/tddforge/tddforge-backend/internal/data/repos/reviews"
	"github.com/tddforge/tddforge-backend/internal/data/repos/runs"
	"github.com/tddforge/tddforge-backend/internal/data/repos/tasks"
	"github.com/tddforge/tddforge-backend/internal/data/repos/workers"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/executor"
	"github.com/tddforge/tddforge-backend/internal/observability"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
	"github.com/tddforge/tddforge-backend/internal/queue"
)

const (
	defaultIdleSleep      = 200 * time.Millisecond
	defaultHeartbeatEvery = 30 * time.Second
)

// Deps bundles everything a worker touches. The pool builds one Deps and
// shares it across the fleet.
type Deps struct {
	Queue    *queue.Queue
	Tasks    tasks.TaskRepo
	Workers  workers.WorkerRepo
	Attempts attempts.AttemptRepo
	Runs     runs.RunRepo
	Config   config.ConfigRepo
	Reviews  reviews.ReviewRepo
	Registry *circuit.Registry
	Exec     executor.StageExecutor
	Reviewer executor.StaticReviewer
	Git      executor.GitClient
	RunID    *uuid.UUID
	Budget   *Budget
	Metrics  *observability.Metrics
	Log      *logger.Logger
}

func (d *Deps) fillDefaults() {
	if d.Reviewer == nil {
		d.Reviewer = executor.NopReviewer{}
	}
	if d.Git == nil {
		d.Git = executor.NopGitClient{}
	}
}

// Stats is the per-worker tally returned on drain.
type Stats struct {
	WorkerID       string `json:"worker_id"`
	TasksCompleted int    `json:"tasks_completed"`
	TasksFailed    int    `json:"tasks_failed"`
	Invocations    int    `json:"invocations"`
}

// errCircuitOpened aborts the GREEN loop when an attempt trips the stage
// circuit.
var errCircuitOpened = errors.New("stage circuit opened")

// Worker is one concurrent claim-execute-release actor. It consults the
// worker and system circuits before claiming and the stage circuit around
// every stage, heartbeats in the background, and checks for cancellation at
// each stage boundary.
type Worker struct {
	id           string
	deps         Deps
	idleSleep    time.Duration
	hbEvery      time.Duration
	exitWhenIdle bool
	log          *logger.Logger

	mu      sync.Mutex
	stats   Stats
	current *uuid.UUID
}

type Option func(*Worker)

func WithIdleSleep(d time.Duration) Option {
	return func(w *Worker) { w.idleSleep = d }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(w *Worker) { w.hbEvery = d }
}

// WithExitWhenIdle makes the worker return once nothing is claimable and
// nothing is in flight anywhere. The pool sets this for run-to-drain mode.
func WithExitWhenIdle() Option {
	return func(w *Worker) { w.exitWhenIdle = true }
}

func New(id string, deps Deps, opts ...Option) *Worker {
	deps.fillDefaults()
	w := &Worker{
		id:        id,
		deps:      deps,
		idleSleep: defaultIdleSleep,
		hbEvery:   defaultHeartbeatEvery,
		log:       deps.Log.With("worker_id", id),
	}
	w.stats.WorkerID = id
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Worker) setCurrent(id *uuid.UUID) {
	w.mu.Lock()
	w.current = id
	w.mu.Unlock()
}

func (w *Worker) currentTask() *uuid.UUID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Snapshot returns the worker's tally so far.
func (w *Worker) Snapshot() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// invoke is the single funnel to the external executor: it charges the
// budget and records an invocations row before delegating.
func (w *Worker) invoke(ctx context.Context, req executor.Request) (executor.StageResult, error) {
	if w.deps.Budget != nil {
		w.deps.Budget.Consume()
	}
	w.mu.Lock()
	w.stats.Invocations++
	w.mu.Unlock()

	inv := &types.Invocation{
		RunID:    w.deps.RunID,
		WorkerID: w.id,
		Stage:    req.Stage,
	}
	if req.Task != nil {
		inv.TaskID = &req.Task.ID
	}
	if err := w.deps.Runs.RecordInvocation(dbctx.New(ctx), inv); err != nil {
		w.log.Warn("failed to record invocation", "error", err)
	}
	start := time.Now()
	res, err := w.deps.Exec.ExecuteStage(ctx, req)
	w.deps.Metrics.ObserveStage(req.Stage, time.Since(start))
	return res, err
}

type execFunc func(ctx context.Context, req executor.Request) (executor.StageResult, error)

func (f execFunc) ExecuteStage(ctx context.Context, req executor.Request) (executor.StageResult, error) {
	return f(ctx, req)
}

// Run is the worker lifecycle: register, loop until cancelled or drained,
// deregister.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	dbc := dbctx.New(ctx)

	branch, err := w.deps.Git.EnsureBranch(ctx, w.id)
	if err != nil {
		w.log.Warn("failed to ensure worker branch", "error", err)
	}
	if branch != "" {
		if rerr := w.deps.Reviews.RecordStash(dbc, w.id, nil, branch, "branch_created"); rerr != nil {
			w.log.Warn("failed to record branch creation", "error", rerr)
		}
	}
	if err := w.deps.Workers.Register(dbc, &types.Worker{ID: w.id, BranchName: branch}); err != nil {
		return w.Snapshot(), err
	}
	defer func() {
		if err := w.deps.Workers.Deregister(dbctx.New(context.Background()), w.id); err != nil {
			w.log.Warn("failed to deregister", "error", err)
		}
	}()

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go w.heartbeatLoop(hbCtx)

	w.log.Info("worker started")
	defer w.log.Info("worker stopped")

	for {
		if ctx.Err() != nil {
			return w.Snapshot(), nil
		}
		proceed, done := w.gate(ctx)
		if done {
			return w.Snapshot(), nil
		}
		if !proceed {
			// A gated worker still participates in drain detection, so a
			// fleet of blocked workers does not spin forever.
			if w.exitWhenIdle && w.drained(ctx) {
				return w.Snapshot(), nil
			}
			w.sleep(ctx)
			continue
		}

		task, err := w.deps.Queue.NextTask(ctx, w.id)
		if err != nil {
			w.log.Error("failed to fetch next task", "error", err)
			w.sleep(ctx)
			continue
		}
		if task == nil {
			// Hand back a half-open probe slot we may have been admitted on.
			if wc, werr := w.deps.Registry.GetWorkerCircuit(ctx, w.id); werr == nil {
				if perr := wc.ReleaseProbe(ctx); perr != nil {
					w.log.Warn("failed to release probe slot", "error", perr)
				}
			}
			if w.exitWhenIdle && w.drained(ctx) {
				return w.Snapshot(), nil
			}
			w.sleep(ctx)
			continue
		}
		w.processTask(ctx, task)
	}
}

// gate applies the pre-claim checks. proceed=false means back off and
// re-check; done=true means the loop should end (drain mode only).
func (w *Worker) gate(ctx context.Context) (proceed, done bool) {
	halt, err := w.deps.Registry.System().ShouldHalt(ctx)
	if err != nil {
		w.log.Error("system circuit check failed", "error", err)
		return false, false
	}
	if halt {
		return false, w.exitWhenIdle
	}

	if w.deps.Budget != nil && w.deps.Budget.Exhausted() {
		w.log.Warn("invocation budget exhausted, refusing new claims")
		return false, w.exitWhenIdle
	}

	wc, err := w.deps.Registry.GetWorkerCircuit(ctx, w.id)
	if err != nil {
		w.log.Error("worker circuit unavailable", "error", err)
		return false, false
	}
	allowed, err := wc.CheckAndAllow(ctx)
	if !allowed {
		var oe *circuit.OpenError
		if err != nil && !errors.As(err, &oe) {
			w.log.Error("worker circuit check failed", "error", err)
		}
		return false, false
	}
	return true, false
}

// drained reports whether no task is in flight anywhere. Combined with an
// empty ready set this means the run is finished or stalled; either way the
// fleet can stop.
func (w *Worker) drained(ctx context.Context) bool {
	s, err := w.deps.Tasks.Stats(dbctx.New(ctx))
	if err != nil {
		w.log.Warn("failed to read task stats", "error", err)
		return false
	}
	return s.Running == 0
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-time.After(w.idleSleep):
	case <-ctx.Done():
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.hbEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.deps.Workers.Heartbeat(dbctx.New(ctx), w.id, w.currentTask()); err != nil {
				w.log.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (w *Worker) processTask(ctx context.Context, task *types.Task) {
	sys := w.deps.Registry.System()
	sys.TrackInFlight()
	defer sys.DoneInFlight()

	w.setCurrent(&task.ID)
	defer w.setCurrent(nil)
	dbc := dbctx.New(ctx)
	if err := w.deps.Workers.SetCurrentTask(dbc, w.id, &task.ID, types.WorkerStatusActive); err != nil {
		w.log.Warn("failed to set current task", "error", err)
	}
	defer func() {
		if err := w.deps.Workers.SetCurrentTask(dbctx.New(context.Background()), w.id, nil, types.WorkerStatusIdle); err != nil {
			w.log.Warn("failed to clear current task", "error", err)
		}
	}()

	log := w.log.With("task_key", task.TaskKey)
	log.Info("task claimed")

	outcome := w.runPipeline(ctx, task, log)
	switch outcome {
	case pipelineComplete:
		w.finishSuccess(ctx, task, log)
	case pipelineFailed:
		w.finishFailure(ctx, task, log)
	case pipelineSkipped:
		// Stage circuit open: the task is already marked blocked; skipping
		// is not fresh evidence against the worker.
		w.releaseTask(ctx, task, types.ClaimOutcomeFailed, log)
		w.mu.Lock()
		w.stats.TasksFailed++
		w.mu.Unlock()
	case pipelineCancelled:
		w.releaseTask(ctx, task, types.ClaimOutcomeReleased, log)
	case pipelineError:
		w.releaseTask(ctx, task, types.ClaimOutcomeReleased, log)
	}
}

type pipelineOutcome int

const (
	pipelineComplete pipelineOutcome = iota
	pipelineFailed
	pipelineSkipped
	pipelineCancelled
	pipelineError
)

// runPipeline walks RED, GREEN, VERIFY, with FIX + re-verify on a verify
// failure and an optional REFACTOR when the task config asks for one. A
// stage failure marks the task blocked, except a verify failure, which gets
// one FIX round first.
func (w *Worker) runPipeline(ctx context.Context, task *types.Task, log *logger.Logger) pipelineOutcome {
	fail := func(stage string, res executor.StageResult) pipelineOutcome {
		w.markBlocked(ctx, task, stage, res.Error, log)
		return pipelineFailed
	}

	redRes, out := w.runStage(ctx, task, types.StageRed, "", log)
	if out == pipelineFailed {
		return fail(types.StageRed, redRes)
	}
	if out != pipelineComplete {
		return out
	}

	greenRes, out := w.runGreen(ctx, task, redRes.Output, log)
	if out == pipelineFailed {
		return fail(types.StageGreen, greenRes)
	}
	if out != pipelineComplete {
		return out
	}

	verifyRes, out := w.runStage(ctx, task, types.StageVerify, greenRes.Output, log)
	if out == pipelineFailed {
		fixRes, fout := w.runStage(ctx, task, types.StageFix, verifyRes.Output, log)
		if fout == pipelineFailed {
			return fail(types.StageFix, fixRes)
		}
		if fout != pipelineComplete {
			return fout
		}
		rvRes, rout := w.runStage(ctx, task, types.StageReVerify, fixRes.Output, log)
		if rout == pipelineFailed {
			return fail(types.StageReVerify, rvRes)
		}
		if rout != pipelineComplete {
			return rout
		}
	} else if out != pipelineComplete {
		return out
	}

	if wantsRefactor(task) {
		refRes, rout := w.runStage(ctx, task, types.StageRefactor, "", log)
		if rout == pipelineFailed {
			return fail(types.StageRefactor, refRes)
		}
		if rout != pipelineComplete {
			return rout
		}
	}
	return pipelineComplete
}

func wantsRefactor(task *types.Task) bool {
	if len(task.Config) == 0 {
		return false
	}
	var cfg struct {
		Refactor bool `json:"refactor"`
	}
	if err := json.Unmarshal(task.Config, &cfg); err != nil {
		return false
	}
	return cfg.Refactor
}

// runStage executes a single-attempt stage under its circuit gate.
func (w *Worker) runStage(ctx context.Context, task *types.Task, stage, priorOutput string, log *logger.Logger) (executor.StageResult, pipelineOutcome) {
	if ctx.Err() != nil {
		return executor.StageResult{}, pipelineCancelled
	}
	sc, err := w.deps.Registry.GetStageCircuit(ctx, task.ID, stage)
	if err != nil {
		log.Error("stage circuit unavailable", "stage", stage, "error", err)
		return executor.StageResult{}, pipelineError
	}
	allowed, err := sc.CheckAndAllow(ctx)
	if !allowed {
		var oe *circuit.OpenError
		if err != nil && errors.As(err, &oe) {
			log.Warn("stage circuit open, skipping task",
				"stage", stage, "retry_in", oe.TimeUntilRetry)
			w.markBlocked(ctx, task, stage, "stage circuit open", log)
			return executor.StageResult{}, pipelineSkipped
		}
		log.Error("stage circuit check failed", "stage", stage, "error", err)
		return executor.StageResult{}, pipelineError
	}

	startedAt := time.Now().UTC()
	res, err := w.invoke(ctx, executor.Request{
		Task:            task,
		Stage:           stage,
		AttemptNumber:   1,
		PreviousFailure: executor.Truncate(priorOutput, executor.MaxTestOutputSize),
	})
	if err != nil {
		log.Error("stage execution error", "stage", stage, "error", err)
		return executor.StageResult{}, pipelineError
	}
	completedAt := time.Now().UTC()
	if err := w.deps.Attempts.Record(dbctx.New(ctx), &types.Attempt{
		TaskID:       task.ID,
		Stage:        stage,
		Success:      res.Success,
		ErrorMessage: res.Error,
		ExitCode:     res.ExitCode,
		Output:       res.Output,
		StartedAt:    startedAt,
		CompletedAt:  &completedAt,
	}); err != nil {
		log.Warn("failed to record attempt", "stage", stage, "error", err)
	}

	if res.Success {
		if err := sc.RecordSuccess(ctx); err != nil {
			log.Warn("failed to record circuit success", "stage", stage, "error", err)
		}
		return res, pipelineComplete
	}

	opened, err := sc.RecordFailure(ctx, errorContextJSON(stage, res.Error))
	if err != nil {
		log.Warn("failed to record circuit failure", "stage", stage, "error", err)
	}
	if opened {
		log.Warn("stage circuit opened", "stage", stage)
	}
	return res, pipelineFailed
}

// runGreen delegates to the retry loop; each failed attempt also counts
// against the stage circuit, and an opened circuit aborts remaining retries.
func (w *Worker) runGreen(ctx context.Context, task *types.Task, redOutput string, log *logger.Logger) (executor.StageResult, pipelineOutcome) {
	if ctx.Err() != nil {
		return executor.StageResult{}, pipelineCancelled
	}
	sc, err := w.deps.Registry.GetStageCircuit(ctx, task.ID, types.StageGreen)
	if err != nil {
		log.Error("stage circuit unavailable", "stage", types.StageGreen, "error", err)
		return executor.StageResult{}, pipelineError
	}
	allowed, err := sc.CheckAndAllow(ctx)
	if !allowed {
		var oe *circuit.OpenError
		if err != nil && errors.As(err, &oe) {
			log.Warn("stage circuit open, skipping task",
				"stage", types.StageGreen, "retry_in", oe.TimeUntilRetry)
			w.markBlocked(ctx, task, types.StageGreen, "stage circuit open", log)
			return executor.StageResult{}, pipelineSkipped
		}
		log.Error("stage circuit check failed", "stage", types.StageGreen, "error", err)
		return executor.StageResult{}, pipelineError
	}

	loop := &greenLoop{
		exec:     execFunc(w.invoke),
		attempts: w.deps.Attempts,
		log:      log,
		onFailure: func(ctx context.Context, res executor.StageResult) error {
			opened, err := sc.RecordFailure(ctx, errorContextJSON(types.StageGreen, res.Error))
			if err != nil {
				log.Warn("failed to record circuit failure", "stage", types.StageGreen, "error", err)
			}
			if opened {
				return errCircuitOpened
			}
			return nil
		},
	}
	params := GreenParamsFromConfig(ctx, w.deps.Config)
	res, err := loop.run(ctx, task, redOutput, params)
	if err != nil {
		if errors.Is(err, errCircuitOpened) {
			log.Warn("stage circuit opened during green retries")
			return res, pipelineFailed
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return res, pipelineCancelled
		}
		log.Error("green loop error", "error", err)
		return res, pipelineError
	}
	if !res.Success {
		return res, pipelineFailed
	}
	if err := sc.RecordSuccess(ctx); err != nil {
		log.Warn("failed to record circuit success", "stage", types.StageGreen, "error", err)
	}
	return res, pipelineComplete
}

func errorContextJSON(stage, msg string) []byte {
	raw, _ := json.Marshal(map[string]string{"stage": stage, "message": msg})
	return raw
}

func (w *Worker) markBlocked(ctx context.Context, task *types.Task, stage, msg string, log *logger.Logger) {
	info, _ := json.Marshal(map[string]string{"stage": stage, "message": msg})
	ok, err := w.deps.Tasks.UpdateStatus(dbctx.New(ctx), task.ID, types.TaskStatusBlocked,
		map[string]interface{}{"error_info": info})
	if err != nil || !ok {
		log.Warn("failed to mark task blocked", "error", err)
	}
}

func (w *Worker) finishSuccess(ctx context.Context, task *types.Task, log *logger.Logger) {
	dbc := dbctx.New(ctx)
	if ok, err := w.deps.Tasks.UpdateStatus(dbc, task.ID, types.TaskStatusPassing, nil); err != nil || !ok {
		log.Warn("failed to mark task passing", "error", err)
	}

	review, err := w.deps.Reviewer.Review(ctx, task)
	if err != nil {
		log.Warn("static review errored, treating as pass", "error", err)
		review = executor.ReviewResult{Passed: true}
	}
	if rerr := w.deps.Reviews.RecordReview(dbc, task.ID, review.Passed, review.Score, review.Violations); rerr != nil {
		log.Warn("failed to record review", "error", rerr)
	}
	if !review.Passed {
		info, _ := json.Marshal(map[string]interface{}{
			"stage":      "static_review",
			"violations": review.Violations,
		})
		if ok, err := w.deps.Tasks.UpdateStatus(dbc, task.ID, types.TaskStatusBlockedStaticReview,
			map[string]interface{}{"error_info": info}); err != nil || !ok {
			log.Warn("failed to mark task blocked-static-review", "error", err)
		}
		w.releaseTask(ctx, task, types.ClaimOutcomeFailed, log)
		w.finishFailureBookkeeping(ctx, task, log)
		log.Warn("task failed static review")
		return
	}

	if ok, err := w.deps.Tasks.UpdateStatus(dbc, task.ID, types.TaskStatusComplete, nil); err != nil || !ok {
		log.Warn("failed to mark task complete", "error", err)
	}
	w.releaseTask(ctx, task, types.ClaimOutcomeCompleted, log)

	if wc, err := w.deps.Registry.GetWorkerCircuit(ctx, w.id); err == nil {
		if err := wc.RecordSuccess(ctx); err != nil {
			log.Warn("failed to record worker circuit success", "error", err)
		}
	}
	w.deps.Registry.System().RecordWorkerSuccess(w.id)
	w.deps.Registry.CleanupCompletedTasks(task.ID)

	w.mu.Lock()
	w.stats.TasksCompleted++
	w.mu.Unlock()
	w.deps.Metrics.TaskCompleted()
	log.Info("task complete")
}

// finishFailure closes out a failed task. The status row is already set by
// markBlocked; this handles release and circuit bookkeeping.
func (w *Worker) finishFailure(ctx context.Context, task *types.Task, log *logger.Logger) {
	w.releaseTask(ctx, task, types.ClaimOutcomeFailed, log)
	w.finishFailureBookkeeping(ctx, task, log)
	log.Warn("task failed")
}

func (w *Worker) finishFailureBookkeeping(ctx context.Context, task *types.Task, log *logger.Logger) {
	if err := w.deps.Git.StashChanges(ctx, w.id); err != nil {
		log.Warn("failed to stash worker changes", "error", err)
	} else if rerr := w.deps.Reviews.RecordStash(dbctx.New(ctx), w.id, &task.ID, "", "stash"); rerr != nil {
		log.Warn("failed to record stash", "error", rerr)
	}

	if wc, err := w.deps.Registry.GetWorkerCircuit(ctx, w.id); err == nil {
		if _, err := wc.RecordFailure(ctx, errorContextJSON("task", task.TaskKey)); err != nil {
			log.Warn("failed to record worker circuit failure", "error", err)
		}
	}
	w.deps.Registry.System().RecordWorkerFailure(w.id)

	w.mu.Lock()
	w.stats.TasksFailed++
	w.mu.Unlock()
	w.deps.Metrics.TaskFailed()
}

func (w *Worker) releaseTask(ctx context.Context, task *types.Task, outcome string, log *logger.Logger) {
	if err := w.deps.Queue.Release(context.WithoutCancel(ctx), task.ID, w.id, outcome); err != nil {
		log.Warn("failed to release task", "outcome", outcome, "error", err)
	}
}
