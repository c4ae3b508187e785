package run

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tddforge/tddforge-backend/internal/circuit"
	"github.com/tddforge/tddforge-backend/internal/data/repos/attempts"
	"github.com/tddforge/tddforge-backend/internal/data/repos/circuits"
	cfgrepo "github.com/tddforge/tddforge-backend/internal/data/repos/config"
	"github.com/tddforge/tddforge-backend/internal/data/repos/reviews"
	"github.com/tddforge/tddforge-backend/internal/data/repos/runs"
	"github.com/tddforge/tddforge-backend/internal/data/repos/tasks"
	"github.com/tddforge/tddforge-backend/internal/data/repos/testutil"
	"github.com/tddforge/tddforge-backend/internal/data/repos/workers"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/executor"
	"github.com/tddforge/tddforge-backend/internal/observer"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/sse"
	"github.com/tddforge/tddforge-backend/internal/worker"
)

type staticDecomposer struct {
	keys []string
	err  error
}

func (d *staticDecomposer) Decompose(context.Context, string) ([]*types.Task, error) {
	if d.err != nil {
		return nil, d.err
	}
	var out []*types.Task
	for i, key := range d.keys {
		out = append(out, &types.Task{
			TaskKey:  key,
			Title:    "task " + key,
			Phase:    1,
			Sequence: i + 1,
		})
	}
	return out, nil
}

func specFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spec.md")
	require.NoError(t, os.WriteFile(path, []byte("# spec"), 0o644))
	return path
}

func testCoordinator(t *testing.T, exec executor.StageExecutor, dec Decomposer) (*Coordinator, Deps, *gorm.DB) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)

	ccfg := circuit.DefaultConfig()
	ccfg.GracefulShutdownTimeout = time.Second

	deps := Deps{
		Tasks:       tasks.NewTaskRepo(db, log),
		Workers:     workers.NewWorkerRepo(db, log),
		Attempts:    attempts.NewAttemptRepo(db, log),
		Runs:        runs.NewRunRepo(db, log),
		Config:      cfgrepo.NewConfigRepo(db, log),
		Reviews:     reviews.NewReviewRepo(db, log),
		Circuits:    circuits.NewCircuitRepo(db, log),
		Exec:        exec,
		Decomposer:  dec,
		Broadcaster: sse.NewBroadcaster(64, log),
		Observer:    observer.New(tasks.NewTaskRepo(db, log), log, 20*time.Millisecond),
		CircuitCfg:  ccfg,
		Log:         log,
	}
	require.NoError(t, deps.Config.Set(dbctx.New(context.Background()), types.ConfigGreenRetryDelayMs, "0"))

	coord := NewCoordinator(deps,
		WithReaperInterval(time.Hour),
		WithWorkerOptions(worker.WithIdleSleep(10*time.Millisecond)))
	return coord, deps, db
}

func TestCoordinatorRunsToCompletion(t *testing.T) {
	stub := executor.NewStub()
	dec := &staticDecomposer{keys: []string{"1.1", "1.2"}}
	coord, deps, _ := testCoordinator(t, stub, dec)

	sub := deps.Broadcaster.Subscribe()
	defer deps.Broadcaster.Unsubscribe(sub)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	summary, err := coord.Execute(ctx, Params{
		SpecPath:   specFile(t),
		Workspace:  t.TempDir(),
		MaxWorkers: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.Pool.TasksCompleted)
	assert.Equal(t, 6, summary.TotalInvocations)

	runRow, err := deps.Runs.GetByID(dbctx.New(context.Background()), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, runRow.Status)
	assert.Equal(t, 6, runRow.TotalInvocations)

	// The observer-to-broadcaster bridge delivered the status transitions;
	// polling may coalesce intermediates, but the final transition of each
	// task always lands on complete.
	deadline := time.After(2 * time.Second)
	final := map[string]string{}
	for len(final) < 2 {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok)
			require.Equal(t, EventTaskStatusChanged, ev.Type)
			oev, isObs := ev.Data.(observer.Event)
			require.True(t, isObs)
			final[oev.TaskKey] = oev.NewStatus
			if oev.NewStatus != types.TaskStatusComplete {
				delete(final, oev.TaskKey)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for completion events, have %v", final)
		}
	}
}

func TestCoordinatorDecomposeFailure(t *testing.T) {
	stub := executor.NewStub()
	dec := &staticDecomposer{err: errors.New("bad spec")}
	coord, deps, _ := testCoordinator(t, stub, dec)

	summary, err := coord.Execute(context.Background(), Params{
		SpecPath:   specFile(t),
		MaxWorkers: 1,
	})
	require.Error(t, err)
	assert.Equal(t, types.RunStatusFailed, summary.Status)
	assert.Equal(t, "decompose", summary.StopReason)

	runRow, rerr := deps.Runs.GetByID(dbctx.New(context.Background()), summary.RunID)
	require.NoError(t, rerr)
	assert.Equal(t, types.RunStatusFailed, runRow.Status)
	assert.Equal(t, "decompose", runRow.StopReason)
	assert.Empty(t, stub.Calls(), "execution is skipped after decompose failure")
}

func TestCoordinatorValidatesInputs(t *testing.T) {
	stub := executor.NewStub()
	coord, _, _ := testCoordinator(t, stub, &staticDecomposer{})

	_, err := coord.Execute(context.Background(), Params{
		SpecPath:   filepath.Join(t.TempDir(), "missing.md"),
		MaxWorkers: 1,
	})
	require.Error(t, err)

	_, err = coord.Execute(context.Background(), Params{
		SpecPath:   specFile(t),
		MaxWorkers: 0,
	})
	require.Error(t, err)
}

func TestCoordinatorCancellation(t *testing.T) {
	stub := executor.NewStub().FailStage(types.StageGreen, 1)
	dec := &staticDecomposer{keys: []string{"1.1"}}
	coord, deps, _ := testCoordinator(t, stub, dec)

	require.NoError(t, deps.Config.Set(dbctx.New(context.Background()), types.ConfigGreenRetryDelayMs, "500"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	summary, err := coord.Execute(ctx, Params{
		SpecPath:   specFile(t),
		MaxWorkers: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCancelled, summary.Status)
	assert.Equal(t, "cancelled", summary.StopReason)

	// The cancelled worker's claim went back to pending.
	task, terr := deps.Tasks.GetByKey(dbctx.New(context.Background()), "1.1")
	require.NoError(t, terr)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Nil(t, task.ClaimedBy)
}
