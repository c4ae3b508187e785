package worker

import (
	"context"
	"time"

	"github.com/tddforge/tddforge-backend/internal/data/repos/attempts"
	config "github.com/tddforge/tddforge-backend/internal/data/repos/config"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/executor"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

// GreenParams are the clamped GREEN retry tunables.
type GreenParams struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Budget      time.Duration
}

// GreenParamsFromConfig reads the tunables through the clamping config repo.
func GreenParamsFromConfig(ctx context.Context, cfg config.ConfigRepo) GreenParams {
	dbc := dbctx.New(ctx)
	return GreenParams{
		MaxAttempts: cfg.GetInt(dbc, types.ConfigMaxGreenAttempts),
		RetryDelay:  time.Duration(cfg.GetInt(dbc, types.ConfigGreenRetryDelayMs)) * time.Millisecond,
		Budget:      time.Duration(cfg.GetInt(dbc, types.ConfigMaxGreenRetryTimeSeconds)) * time.Second,
	}
}

// greenLoop drives the GREEN stage: up to MaxAttempts executor calls under an
// aggregate wall budget, feeding each failure's output (truncated) into the
// next attempt. Every iteration records one dense attempt row; truncation
// applies to the feedback only, never to the recorded attempt.
type greenLoop struct {
	exec     executor.StageExecutor
	attempts attempts.AttemptRepo
	log      *logger.Logger

	// onFailure runs after each failed attempt, before the retry delay.
	// A non-nil return aborts the loop (circuit opened).
	onFailure func(ctx context.Context, res executor.StageResult) error
}

func (l *greenLoop) run(ctx context.Context, task *types.Task, redOutput string, p GreenParams) (executor.StageResult, error) {
	start := time.Now()
	prior := redOutput
	last := executor.StageResult{Success: false, Error: "green budget exhausted before first attempt"}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if time.Since(start) >= p.Budget {
			l.log.Warn("green retry budget exhausted",
				"task_key", task.TaskKey, "attempts_run", attempt-1)
			break
		}

		startedAt := time.Now().UTC()
		res, err := l.exec.ExecuteStage(ctx, executor.Request{
			Task:            task,
			Stage:           types.StageGreen,
			AttemptNumber:   attempt,
			PreviousFailure: executor.Truncate(prior, executor.MaxTestOutputSize),
		})
		if err != nil {
			return executor.StageResult{}, err
		}
		completedAt := time.Now().UTC()

		row := &types.Attempt{
			TaskID:        task.ID,
			Stage:         types.StageGreen,
			AttemptNumber: attempt,
			Success:       res.Success,
			ErrorMessage:  res.Error,
			ExitCode:      res.ExitCode,
			Output:        res.Output,
			StartedAt:     startedAt,
			CompletedAt:   &completedAt,
		}
		if err := l.attempts.Record(dbctx.New(ctx), row); err != nil {
			return executor.StageResult{}, err
		}

		if res.Success {
			return res, nil
		}
		last = res
		prior = res.Output

		if l.onFailure != nil {
			if ferr := l.onFailure(ctx, res); ferr != nil {
				return last, ferr
			}
		}

		// No delay after the final attempt or once the budget is gone.
		if attempt < p.MaxAttempts && time.Since(start) < p.Budget && p.RetryDelay > 0 {
			select {
			case <-time.After(p.RetryDelay):
			case <-ctx.Done():
				return last, ctx.Err()
			}
		}
	}
	return last, nil
}
