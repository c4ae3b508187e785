package circuit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tddforge/tddforge-backend/internal/data/repos/circuits"
	"github.com/tddforge/tddforge-backend/internal/data/repos/testutil"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/observability"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
)

func testRepo(t *testing.T) circuits.CircuitRepo {
	t.Helper()
	return circuits.NewCircuitRepo(testutil.DB(t), testutil.Logger(t))
}

func fastConfig() Config {
	return Config{
		StageMaxFailures:     3,
		StageRecoveryTimeout: 30 * time.Millisecond,

		WorkerMaxFailures:     3,
		WorkerRecoveryTimeout: 30 * time.Millisecond,
		WorkerMaxExtensions:   3,

		SystemWindow:            time.Minute,
		SystemFailurePercent:    50,
		SystemMinWorkers:        2,
		SystemRecoveryTimeout:   30 * time.Millisecond,
		SystemAutoRecovery:      true,
		GracefulShutdownTimeout: time.Second,

		StageCacheSize: 8,
	}
}

func TestStageCircuitTripsAfterConsecutiveFailures(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)
	taskID := uuid.New()

	c, err := NewStageCircuit(ctx, repo, testutil.Logger(t), taskID, types.StageGreen, nil, fastConfig())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		opened, err := c.RecordFailure(ctx, nil)
		require.NoError(t, err)
		assert.False(t, opened)
	}
	opened, err := c.RecordFailure(ctx, nil)
	require.NoError(t, err)
	assert.True(t, opened)
	assert.Equal(t, types.CircuitStateOpen, c.State())

	allowed, err := c.CheckAndAllow(ctx)
	assert.False(t, allowed)
	var oe *OpenError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, StageIdentifier(taskID, types.StageGreen), oe.Identifier)
}

func TestStageCircuitSuccessResetsFailureCount(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	c, err := NewStageCircuit(ctx, repo, testutil.Logger(t), uuid.New(), types.StageVerify, nil, fastConfig())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := c.RecordFailure(ctx, nil)
		require.NoError(t, err)
	}
	require.NoError(t, c.RecordSuccess(ctx))

	// Count is consecutive; two more failures must not trip.
	for i := 0; i < 2; i++ {
		opened, err := c.RecordFailure(ctx, nil)
		require.NoError(t, err)
		assert.False(t, opened)
	}
	assert.Equal(t, types.CircuitStateClosed, c.State())
}

func TestStageCircuitHalfOpenSingleProbe(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	c, err := NewStageCircuit(ctx, repo, testutil.Logger(t), uuid.New(), types.StageRed, nil, fastConfig())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.RecordFailure(ctx, nil)
		require.NoError(t, err)
	}
	require.Equal(t, types.CircuitStateOpen, c.State())

	time.Sleep(50 * time.Millisecond)

	allowed, err := c.CheckAndAllow(ctx)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, types.CircuitStateHalfOpen, c.State())

	// Only one probe at a time.
	allowed, err = c.CheckAndAllow(ctx)
	assert.False(t, allowed)
	var oe *OpenError
	assert.True(t, errors.As(err, &oe))
}

func TestStageCircuitProbeOutcomes(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)
	cfg := fastConfig()

	trip := func(c *StageCircuit) {
		for i := 0; i < cfg.StageMaxFailures; i++ {
			_, err := c.RecordFailure(ctx, nil)
			require.NoError(t, err)
		}
		time.Sleep(50 * time.Millisecond)
		allowed, err := c.CheckAndAllow(ctx)
		require.NoError(t, err)
		require.True(t, allowed)
	}

	success, err := NewStageCircuit(ctx, repo, testutil.Logger(t), uuid.New(), types.StageGreen, nil, cfg)
	require.NoError(t, err)
	trip(success)
	require.NoError(t, success.RecordSuccess(ctx))
	assert.Equal(t, types.CircuitStateClosed, success.State())
	assert.Equal(t, 0, success.Row().FailureCount)

	failure, err := NewStageCircuit(ctx, repo, testutil.Logger(t), uuid.New(), types.StageGreen, nil, cfg)
	require.NoError(t, err)
	trip(failure)
	opened, err := failure.RecordFailure(ctx, nil)
	require.NoError(t, err)
	assert.True(t, opened)
	assert.Equal(t, types.CircuitStateOpen, failure.State())

	// Reopening restarts the recovery window.
	allowed, err := failure.CheckAndAllow(ctx)
	assert.False(t, allowed)
	require.Error(t, err)
}

func TestStageCircuitVersionMonotonic(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	c, err := NewStageCircuit(ctx, repo, testutil.Logger(t), uuid.New(), types.StageFix, nil, fastConfig())
	require.NoError(t, err)

	last := c.Row().Version
	for i := 0; i < 3; i++ {
		_, err := c.RecordFailure(ctx, nil)
		require.NoError(t, err)
		v := c.Row().Version
		assert.Greater(t, v, last)
		last = v
	}
}

func TestBreakerApplyRecomputesAfterLostUpdate(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)
	dbc := dbctx.New(ctx)

	row, err := repo.GetOrCreate(dbc, types.CircuitLevelStage, "apply-test", nil)
	require.NoError(t, err)
	b := &breaker{repo: repo, log: testutil.Logger(t), row: row}

	// Another writer lands first, so b's cached version is stale.
	ok, err := repo.UpdateWithVersion(dbc, row.ID, row.Version, map[string]interface{}{"failure_count": 7})
	require.NoError(t, err)
	require.True(t, ok)

	// The first pass loses; the retry must derive the increment from the
	// winner's value, not the pre-conflict one.
	require.NoError(t, b.apply(ctx, func() map[string]interface{} {
		return map[string]interface{}{"failure_count": b.row.FailureCount + 1}
	}))
	assert.Equal(t, 8, b.row.FailureCount)
}

func TestStageCircuitTwoInstancesLoseNoFailures(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)
	taskID := uuid.New()
	cfg := fastConfig()
	cfg.StageMaxFailures = 1000

	// Two live instances of one circuit, as after an LRU eviction recreates
	// the circuit while a caller still holds the evicted one.
	first, err := NewStageCircuit(ctx, repo, testutil.Logger(t), taskID, types.StageGreen, nil, cfg)
	require.NoError(t, err)
	second, err := NewStageCircuit(ctx, repo, testutil.Logger(t), taskID, types.StageGreen, nil, cfg)
	require.NoError(t, err)
	startVersion := first.Row().Version

	const perInstance = 50
	errs := make(chan error, 2*perInstance)
	var wg sync.WaitGroup
	for _, c := range []*StageCircuit{first, second} {
		wg.Add(1)
		go func(c *StageCircuit) {
			defer wg.Done()
			for i := 0; i < perInstance; i++ {
				if _, err := c.RecordFailure(ctx, nil); err != nil {
					errs <- err
				}
			}
		}(c)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	row, err := repo.Get(dbctx.New(ctx), types.CircuitLevelStage, StageIdentifier(taskID, types.StageGreen))
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 2*perInstance, row.FailureCount, "interleaved instances must not overwrite each other's counts")
	assert.Equal(t, startVersion+2*perInstance, row.Version)
}

func TestStageCircuitRehydratesFromStore(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)
	taskID := uuid.New()

	first, err := NewStageCircuit(ctx, repo, testutil.Logger(t), taskID, types.StageGreen, nil, fastConfig())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := first.RecordFailure(ctx, nil)
		require.NoError(t, err)
	}

	// Simulates an LRU eviction followed by re-creation.
	second, err := NewStageCircuit(ctx, repo, testutil.Logger(t), taskID, types.StageGreen, nil, fastConfig())
	require.NoError(t, err)
	assert.Equal(t, types.CircuitStateOpen, second.State())
	assert.Equal(t, 3, second.Row().FailureCount)
}

func TestStageCircuitManualReset(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	c, err := NewStageCircuit(ctx, repo, testutil.Logger(t), uuid.New(), types.StageGreen, nil, fastConfig())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := c.RecordFailure(ctx, nil)
		require.NoError(t, err)
	}
	require.Equal(t, types.CircuitStateOpen, c.State())

	require.NoError(t, c.Reset(ctx))
	assert.Equal(t, types.CircuitStateClosed, c.State())
	assert.Equal(t, 0, c.Row().FailureCount)

	events, err := repo.ListEvents(dbctx.New(ctx), c.Row().ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, types.CircuitEventManualReset, events[len(events)-1].EventType)
}

func TestWorkerCircuitExtensionOnProbeFailure(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	c, err := NewWorkerCircuit(ctx, repo, testutil.Logger(t), "worker-1", nil, fastConfig())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.RecordFailure(ctx, nil)
		require.NoError(t, err)
	}
	require.Equal(t, types.CircuitStateOpen, c.State())

	time.Sleep(50 * time.Millisecond)
	allowed, err := c.CheckAndAllow(ctx)
	require.NoError(t, err)
	require.True(t, allowed)

	paused, err := c.RecordFailure(ctx, nil)
	require.NoError(t, err)
	assert.True(t, paused)
	assert.Equal(t, types.CircuitStateOpen, c.State())
	assert.Equal(t, 1, c.Row().ExtensionsCount)
}

func TestWorkerCircuitPermanentlyOpenAfterMaxExtensions(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)
	cfg := fastConfig()

	c, err := NewWorkerCircuit(ctx, repo, testutil.Logger(t), "worker-2", nil, cfg)
	require.NoError(t, err)

	for i := 0; i < cfg.WorkerMaxFailures; i++ {
		_, err := c.RecordFailure(ctx, nil)
		require.NoError(t, err)
	}
	for i := 0; i < cfg.WorkerMaxExtensions; i++ {
		time.Sleep(50 * time.Millisecond)
		allowed, err := c.CheckAndAllow(ctx)
		require.NoError(t, err)
		require.True(t, allowed)
		_, err = c.RecordFailure(ctx, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, cfg.WorkerMaxExtensions, c.Row().ExtensionsCount)

	// Budget exhausted: the recovery window never reopens the circuit.
	time.Sleep(50 * time.Millisecond)
	allowed, err := c.CheckAndAllow(ctx)
	assert.False(t, allowed)
	var oe *OpenError
	assert.True(t, errors.As(err, &oe))

	// Only a manual reset clears it.
	require.NoError(t, c.Reset(ctx))
	allowed, err = c.CheckAndAllow(ctx)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 0, c.Row().ExtensionsCount)
}

func TestWorkerCircuitRecoveryResetsExtensions(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	c, err := NewWorkerCircuit(ctx, repo, testutil.Logger(t), "worker-3", nil, fastConfig())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := c.RecordFailure(ctx, nil)
		require.NoError(t, err)
	}
	time.Sleep(50 * time.Millisecond)
	allowed, err := c.CheckAndAllow(ctx)
	require.NoError(t, err)
	require.True(t, allowed)
	_, err = c.RecordFailure(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, c.Row().ExtensionsCount)

	time.Sleep(50 * time.Millisecond)
	allowed, err = c.CheckAndAllow(ctx)
	require.NoError(t, err)
	require.True(t, allowed)
	require.NoError(t, c.RecordSuccess(ctx))

	assert.Equal(t, types.CircuitStateClosed, c.State())
	assert.Equal(t, 0, c.Row().ExtensionsCount)
	assert.Equal(t, 0, c.Row().FailureCount)
}

func TestSystemCircuitTripsOnFleetFailure(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	c, err := NewSystemCircuit(ctx, repo, testutil.Logger(t), nil, fastConfig())
	require.NoError(t, err)
	c.SetTotalWorkers(4)

	c.RecordWorkerFailure("worker-1")
	halt, err := c.ShouldHalt(ctx)
	require.NoError(t, err)
	assert.False(t, halt, "one of four failing is under the threshold")

	c.RecordWorkerFailure("worker-2")
	halt, err = c.ShouldHalt(ctx)
	require.NoError(t, err)
	assert.True(t, halt)
	assert.Equal(t, types.CircuitStateOpen, c.State())
	assert.NotEmpty(t, c.Row().ConfigSnapshot)
}

func TestSystemCircuitIgnoresSmallFleet(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	c, err := NewSystemCircuit(ctx, repo, testutil.Logger(t), nil, fastConfig())
	require.NoError(t, err)
	c.SetTotalWorkers(1)

	c.RecordWorkerFailure("worker-1")
	halt, err := c.ShouldHalt(ctx)
	require.NoError(t, err)
	assert.False(t, halt)
}

func TestSystemCircuitSuccessClearsWorker(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	c, err := NewSystemCircuit(ctx, repo, testutil.Logger(t), nil, fastConfig())
	require.NoError(t, err)
	c.SetTotalWorkers(2)

	c.RecordWorkerFailure("worker-1")
	c.RecordWorkerSuccess("worker-1")
	halt, err := c.ShouldHalt(ctx)
	require.NoError(t, err)
	assert.False(t, halt)
}

func TestSystemCircuitAutoRecovers(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	c, err := NewSystemCircuit(ctx, repo, testutil.Logger(t), nil, fastConfig())
	require.NoError(t, err)
	c.SetTotalWorkers(2)

	c.RecordWorkerFailure("worker-1")
	halt, err := c.ShouldHalt(ctx)
	require.NoError(t, err)
	require.True(t, halt)

	c.RecordWorkerSuccess("worker-1")
	time.Sleep(50 * time.Millisecond)
	halt, err = c.ShouldHalt(ctx)
	require.NoError(t, err)
	assert.False(t, halt)
	assert.Equal(t, types.CircuitStateClosed, c.State())
}

func TestSystemCircuitRecoveryReChecksWindow(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	c, err := NewSystemCircuit(ctx, repo, testutil.Logger(t), nil, fastConfig())
	require.NoError(t, err)
	c.SetTotalWorkers(2)

	c.RecordWorkerFailure("worker-1")
	halt, err := c.ShouldHalt(ctx)
	require.NoError(t, err)
	require.True(t, halt)

	// The timeout alone is not enough: worker-1 is still failing inside the
	// window, so recovery fails and the timeout restarts.
	time.Sleep(50 * time.Millisecond)
	halt, err = c.ShouldHalt(ctx)
	require.NoError(t, err)
	assert.True(t, halt)
	assert.Equal(t, types.CircuitStateOpen, c.State())

	events, err := repo.ListEvents(dbctx.New(ctx), c.Row().ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, types.CircuitEventRecoveryFailed, events[len(events)-1].EventType)

	// Once the fleet is healthy again the next elapsed timeout closes it.
	c.RecordWorkerSuccess("worker-1")
	time.Sleep(50 * time.Millisecond)
	halt, err = c.ShouldHalt(ctx)
	require.NoError(t, err)
	assert.False(t, halt)
	assert.Equal(t, types.CircuitStateClosed, c.State())
}

func TestSystemCircuitWaitForInFlight(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	c, err := NewSystemCircuit(ctx, repo, testutil.Logger(t), nil, fastConfig())
	require.NoError(t, err)

	c.TrackInFlight()
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.DoneInFlight()
	}()
	assert.True(t, c.WaitForInFlight(ctx))
}

func TestRegistryCachesAndCleansStageCircuits(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	reg, err := NewRegistry(ctx, repo, testutil.Logger(t), nil, fastConfig())
	require.NoError(t, err)
	taskID := uuid.New()

	a, err := reg.GetStageCircuit(ctx, taskID, types.StageGreen)
	require.NoError(t, err)
	b, err := reg.GetStageCircuit(ctx, taskID, types.StageGreen)
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = a.RecordFailure(ctx, nil)
	require.NoError(t, err)

	reg.CleanupCompletedTasks(taskID)
	c, err := reg.GetStageCircuit(ctx, taskID, types.StageGreen)
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	// State survives the eviction via the store.
	assert.Equal(t, 1, c.Row().FailureCount)
}

func TestRegistryAllOpenCircuits(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)

	reg, err := NewRegistry(ctx, repo, testutil.Logger(t), nil, fastConfig())
	require.NoError(t, err)

	wc, err := reg.GetWorkerCircuit(ctx, "worker-1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := wc.RecordFailure(ctx, nil)
		require.NoError(t, err)
	}

	open, err := reg.AllOpenCircuits(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, types.CircuitLevelWorker, open[0].Level)
	assert.Equal(t, WorkerIdentifier("worker-1"), open[0].Identifier)
}

func TestCircuitTransitionsDriveOpenGauge(t *testing.T) {
	ctx := context.Background()
	repo := testRepo(t)
	m := observability.NewMetrics()

	reg, err := NewRegistry(ctx, repo, testutil.Logger(t), nil, fastConfig())
	require.NoError(t, err)
	reg.SetMetrics(m)

	wc, err := reg.GetWorkerCircuit(ctx, "worker-1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := wc.RecordFailure(ctx, nil)
		require.NoError(t, err)
	}

	scrape := func() string {
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return rec.Body.String()
	}
	assert.Contains(t, scrape(), `tddforge_circuit_open{identifier="worker_worker-1",level="worker"} 1`)

	require.NoError(t, wc.Reset(ctx))
	assert.Contains(t, scrape(), `tddforge_circuit_open{identifier="worker_worker-1",level="worker"} 0`)
}
