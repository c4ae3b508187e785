package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/tddforge/tddforge-backend/internal/domain"
)

func SeedTask(tb testing.TB, ctx context.Context, db *gorm.DB, key string, phase, sequence int, dependsOn ...string) *types.Task {
	tb.Helper()
	deps := "[]"
	if len(dependsOn) > 0 {
		deps = `["` + joinKeys(dependsOn) + `"]`
	}
	now := time.Now().UTC()
	t := &types.Task{
		ID:        uuid.New(),
		TaskKey:   key,
		Title:     "task " + key,
		Phase:     phase,
		Sequence:  sequence,
		Status:    types.TaskStatusPending,
		DependsOn: datatypes.JSON([]byte(deps)),
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		tb.Fatalf("seed task %s: %v", key, err)
	}
	return t
}

func SeedWorker(tb testing.TB, ctx context.Context, db *gorm.DB, id string) *types.Worker {
	tb.Helper()
	now := time.Now().UTC()
	w := &types.Worker{
		ID:            id,
		Status:        types.WorkerStatusIdle,
		LastHeartbeat: &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := db.WithContext(ctx).Create(w).Error; err != nil {
		tb.Fatalf("seed worker %s: %v", id, err)
	}
	return w
}

func SeedRun(tb testing.TB, ctx context.Context, db *gorm.DB, maxWorkers int) *types.ExecutionRun {
	tb.Helper()
	run := &types.ExecutionRun{
		ID:         uuid.New(),
		Status:     types.RunStatusRunning,
		MaxWorkers: maxWorkers,
		StartedAt:  time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(run).Error; err != nil {
		tb.Fatalf("seed run: %v", err)
	}
	return run
}

func joinKeys(keys []string) string {
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += `","`
		}
		out += k
	}
	return out
}
