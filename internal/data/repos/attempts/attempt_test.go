package attempts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tddforge/tddforge-backend/internal/data/repos/testutil"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
)

func TestRecordAssignsDenseNumbersPerStage(t *testing.T) {
	db := testutil.DB(t)
	repo := NewAttemptRepo(db, testutil.Logger(t))
	ctx := context.Background()
	dbc := dbctx.New(ctx)
	task := testutil.SeedTask(t, ctx, db, "1.1", 1, 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Record(dbc, &types.Attempt{
			TaskID:  task.ID,
			Stage:   types.StageGreen,
			Success: i == 2,
		}))
	}
	require.NoError(t, repo.Record(dbc, &types.Attempt{
		TaskID:  task.ID,
		Stage:   types.StageRed,
		Success: true,
	}))

	green, err := repo.ListByTaskStage(dbc, task.ID, types.StageGreen)
	require.NoError(t, err)
	require.Len(t, green, 3)
	for i, a := range green {
		assert.Equal(t, i+1, a.AttemptNumber, "green numbering is dense from 1")
	}

	// Numbering is per (task, stage), not per task.
	red, err := repo.ListByTaskStage(dbc, task.ID, types.StageRed)
	require.NoError(t, err)
	require.Len(t, red, 1)
	assert.Equal(t, 1, red[0].AttemptNumber)

	all, err := repo.ListByTask(dbc, task.ID)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestRecordHonorsExplicitNumber(t *testing.T) {
	db := testutil.DB(t)
	repo := NewAttemptRepo(db, testutil.Logger(t))
	ctx := context.Background()
	dbc := dbctx.New(ctx)
	task := testutil.SeedTask(t, ctx, db, "2.1", 1, 1)

	require.NoError(t, repo.Record(dbc, &types.Attempt{
		TaskID:        task.ID,
		Stage:         types.StageGreen,
		AttemptNumber: 5,
	}))
	rows, err := repo.ListByTaskStage(dbc, task.ID, types.StageGreen)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 5, rows[0].AttemptNumber)
}
