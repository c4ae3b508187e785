package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tddforge/tddforge-backend/internal/data/repos/tasks"
	"github.com/tddforge/tddforge-backend/internal/data/repos/testutil"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
)

func TestNextTaskClaimsInOrder(t *testing.T) {
	db := testutil.DB(t)
	repo := tasks.NewTaskRepo(db, testutil.Logger(t))
	q := New(repo, testutil.Logger(t), time.Minute)
	ctx := context.Background()

	testutil.SeedTask(t, ctx, db, "2.1", 2, 1)
	testutil.SeedTask(t, ctx, db, "1.2", 1, 2)
	testutil.SeedTask(t, ctx, db, "1.1", 1, 1)

	got, err := q.NextTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1.1", got.TaskKey)
	assert.Equal(t, types.TaskStatusInProgress, got.Status)
	require.NotNil(t, got.ClaimedBy)
	assert.Equal(t, "worker-1", *got.ClaimedBy)

	got, err = q.NextTask(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1.2", got.TaskKey)
}

func TestNextTaskSkipsUnmetDependencies(t *testing.T) {
	db := testutil.DB(t)
	repo := tasks.NewTaskRepo(db, testutil.Logger(t))
	q := New(repo, testutil.Logger(t), time.Minute)
	ctx := context.Background()

	testutil.SeedTask(t, ctx, db, "1.1", 1, 1)
	testutil.SeedTask(t, ctx, db, "1.2", 1, 2, "1.1")

	got, err := q.NextTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1.1", got.TaskKey)

	// 1.2 depends on 1.1, which is now in_progress: nothing claimable.
	got, err = q.NextTask(ctx, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, got)

	ok, err := repo.UpdateStatus(dbctx.New(ctx), mustKey(t, repo, ctx, "1.1").ID, types.TaskStatusPassing, nil)
	require.NoError(t, err)
	require.True(t, ok)

	got, err = q.NextTask(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1.2", got.TaskKey)
}

func TestNextTaskTreatsMissingDependencyAsUnmet(t *testing.T) {
	db := testutil.DB(t)
	repo := tasks.NewTaskRepo(db, testutil.Logger(t))
	q := New(repo, testutil.Logger(t), time.Minute)
	ctx := context.Background()

	testutil.SeedTask(t, ctx, db, "1.1", 1, 1, "0.9")

	got, err := q.NextTask(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNextTaskLoserAdvances(t *testing.T) {
	db := testutil.DB(t)
	repo := tasks.NewTaskRepo(db, testutil.Logger(t))
	ctx := context.Background()

	a := testutil.SeedTask(t, ctx, db, "1.1", 1, 1)
	testutil.SeedTask(t, ctx, db, "1.2", 1, 2)

	// Another worker wins 1.1 between the ready query and this claim.
	ok, err := repo.ClaimTask(dbctx.New(ctx), a.ID, "worker-other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	q := New(repo, testutil.Logger(t), time.Minute)
	got, err := q.NextTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1.2", got.TaskKey)
}

func TestNextTaskReclaimsExpiredLease(t *testing.T) {
	db := testutil.DB(t)
	repo := tasks.NewTaskRepo(db, testutil.Logger(t))
	ctx := context.Background()

	a := testutil.SeedTask(t, ctx, db, "1.1", 1, 1)
	ok, err := repo.ClaimTask(dbctx.New(ctx), a.ID, "worker-dead", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	q := New(repo, testutil.Logger(t), time.Minute)
	got, err := q.NextTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "1.1", got.TaskKey)
	require.NotNil(t, got.ClaimedBy)
	assert.Equal(t, "worker-1", *got.ClaimedBy)
}

func TestReleaseReturnsClaim(t *testing.T) {
	db := testutil.DB(t)
	repo := tasks.NewTaskRepo(db, testutil.Logger(t))
	q := New(repo, testutil.Logger(t), time.Minute)
	ctx := context.Background()

	testutil.SeedTask(t, ctx, db, "1.1", 1, 1)
	got, err := q.NextTask(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	require.NoError(t, q.Release(ctx, got.ID, "worker-1", types.ClaimOutcomeReleased))

	after, err := repo.GetByID(dbctx.New(ctx), got.ID)
	require.NoError(t, err)
	assert.Nil(t, after.ClaimedBy)
	assert.Nil(t, after.ClaimExpiresAt)
}

func TestReclaimStale(t *testing.T) {
	db := testutil.DB(t)
	repo := tasks.NewTaskRepo(db, testutil.Logger(t))
	q := New(repo, testutil.Logger(t), time.Minute)
	ctx := context.Background()

	a := testutil.SeedTask(t, ctx, db, "1.1", 1, 1)
	ok, err := repo.ClaimTask(dbctx.New(ctx), a.ID, "worker-dead", 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(30 * time.Millisecond)

	n, err := q.ReclaimStale(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	after, err := repo.GetByID(dbctx.New(ctx), a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, after.Status)
	assert.Nil(t, after.ClaimedBy)
}

func mustKey(t *testing.T, repo tasks.TaskRepo, ctx context.Context, key string) *types.Task {
	t.Helper()
	task, err := repo.GetByKey(dbctx.New(ctx), key)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}
