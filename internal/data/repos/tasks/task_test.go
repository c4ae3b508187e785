package tasks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/tddforge/tddforge-backend/internal/data/repos/testutil"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
)

func TestClaimTaskExactlyOneWinner(t *testing.T) {
	db := testutil.DB(t)
	repo := NewTaskRepo(db, testutil.Logger(t))
	ctx := context.Background()
	dbc := dbctx.New(ctx)
	task := testutil.SeedTask(t, ctx, db, "1.1", 1, 1)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := repo.ClaimTask(dbc, task.ID, fmt.Sprintf("worker-%d", n), time.Minute)
			require.NoError(t, err)
			results[n] = ok
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent claim succeeds")

	reloaded, err := repo.GetByID(dbc, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusInProgress, reloaded.Status)
	assert.Equal(t, task.Version+1, reloaded.Version)
	assert.NotNil(t, reloaded.ClaimExpiresAt)
}

func TestReleaseKeepsTerminalStatus(t *testing.T) {
	db := testutil.DB(t)
	repo := NewTaskRepo(db, testutil.Logger(t))
	ctx := context.Background()
	dbc := dbctx.New(ctx)
	task := testutil.SeedTask(t, ctx, db, "2.1", 1, 1)

	ok, err := repo.ClaimTask(dbc, task.ID, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = repo.UpdateStatus(dbc, task.ID, types.TaskStatusComplete, nil)
	require.NoError(t, err)
	require.NoError(t, repo.ReleaseTask(dbc, task.ID, "w1", types.ClaimOutcomeCompleted))

	reloaded, err := repo.GetByID(dbc, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusComplete, reloaded.Status)
	assert.Nil(t, reloaded.ClaimedBy)
	assert.Nil(t, reloaded.ClaimExpiresAt)

	var claim types.TaskClaim
	require.NoError(t, db.Where("task_id = ?", task.ID).First(&claim).Error)
	assert.Equal(t, types.ClaimOutcomeCompleted, claim.Outcome)
	assert.NotNil(t, claim.ReleasedAt)
}

func TestReleaseReturnsInProgressToPending(t *testing.T) {
	db := testutil.DB(t)
	repo := NewTaskRepo(db, testutil.Logger(t))
	ctx := context.Background()
	dbc := dbctx.New(ctx)
	task := testutil.SeedTask(t, ctx, db, "2.2", 1, 1)

	ok, err := repo.ClaimTask(dbc, task.ID, "w1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, repo.ReleaseTask(dbc, task.ID, "w1", types.ClaimOutcomeReleased))

	reloaded, err := repo.GetByID(dbc, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, reloaded.Status)
	assert.Nil(t, reloaded.ClaimedBy)
}

func TestJSONColumnsRoundTrip(t *testing.T) {
	db := testutil.DB(t)
	repo := NewTaskRepo(db, testutil.Logger(t))
	ctx := context.Background()
	dbc := dbctx.New(ctx)

	subtasks := `[{"name":"write test","done":false},{"name":"implement","done":false}]`
	config := `{"refactor":true,"timeout_seconds":120}`
	task := testutil.SeedTask(t, ctx, db, "3.1", 1, 1)
	_, err := repo.UpdateStatus(dbc, task.ID, types.TaskStatusPending, map[string]interface{}{
		"subtasks": datatypes.JSON([]byte(subtasks)),
		"config":   datatypes.JSON([]byte(config)),
	})
	require.NoError(t, err)

	reloaded, err := repo.GetByKey(dbc, "3.1")
	require.NoError(t, err)
	assert.JSONEq(t, subtasks, string(reloaded.Subtasks))
	assert.JSONEq(t, config, string(reloaded.Config))
}

func TestProgressCountsOnlyPassing(t *testing.T) {
	db := testutil.DB(t)
	repo := NewTaskRepo(db, testutil.Logger(t))
	ctx := context.Background()
	dbc := dbctx.New(ctx)

	// Empty store: no phases, no division by zero.
	progress, err := repo.Progress(dbc)
	require.NoError(t, err)
	assert.Empty(t, progress)

	passing := testutil.SeedTask(t, ctx, db, "4.1", 1, 1)
	complete := testutil.SeedTask(t, ctx, db, "4.2", 1, 2)
	testutil.SeedTask(t, ctx, db, "4.3", 1, 3)
	testutil.SeedTask(t, ctx, db, "5.1", 2, 1)

	_, err = repo.UpdateStatus(dbc, passing.ID, types.TaskStatusPassing, nil)
	require.NoError(t, err)
	_, err = repo.UpdateStatus(dbc, complete.ID, types.TaskStatusComplete, nil)
	require.NoError(t, err)

	progress, err = repo.Progress(dbc)
	require.NoError(t, err)
	// complete satisfies dependencies but does not count toward progress.
	assert.InDelta(t, 100.0/3.0, progress["phase_1"], 0.01)
	assert.Equal(t, 0.0, progress["phase_2"])
}

func TestStatsBucketsByStatus(t *testing.T) {
	db := testutil.DB(t)
	repo := NewTaskRepo(db, testutil.Logger(t))
	ctx := context.Background()
	dbc := dbctx.New(ctx)

	testutil.SeedTask(t, ctx, db, "6.1", 1, 1)
	passing := testutil.SeedTask(t, ctx, db, "6.2", 1, 2)
	blocked := testutil.SeedTask(t, ctx, db, "6.3", 1, 3)
	_, err := repo.UpdateStatus(dbc, passing.ID, types.TaskStatusPassing, nil)
	require.NoError(t, err)
	_, err = repo.UpdateStatus(dbc, blocked.ID, types.TaskStatusBlockedStaticReview, nil)
	require.NoError(t, err)

	stats, err := repo.Stats(dbc)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Total)
	assert.EqualValues(t, 1, stats.Pending)
	assert.EqualValues(t, 1, stats.Passed)
	assert.EqualValues(t, 1, stats.Failed)
}
