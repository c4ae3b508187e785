package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tddforge/tddforge-backend/internal/data/repos/tasks"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

const (
	DefaultLease     = 10 * time.Minute
	defaultBatchSize = 20
)

// Queue is the claim-side view of the task table. The store is the queue;
// this type owns the ready query plus the claim loop and nothing else.
type Queue struct {
	tasks tasks.TaskRepo
	log   *logger.Logger
	lease time.Duration
	batch int
}

func New(taskRepo tasks.TaskRepo, baseLog *logger.Logger, lease time.Duration) *Queue {
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Queue{
		tasks: taskRepo,
		log:   baseLog.With("component", "queue"),
		lease: lease,
		batch: defaultBatchSize,
	}
}

// NextTask claims the first ready task the caller wins. Candidates arrive in
// (phase, sequence) order; a lost claim is contention, so the loser simply
// advances to the next candidate. Returns (nil, nil) when nothing is
// claimable right now.
func (q *Queue) NextTask(ctx context.Context, workerID string) (*types.Task, error) {
	dbc := dbctx.New(ctx)
	ready, err := q.tasks.NextReadyTasks(dbc, q.batch)
	if err != nil {
		return nil, err
	}
	for _, candidate := range ready {
		ok, err := q.tasks.ClaimTask(dbc, candidate.ID, workerID, q.lease)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		claimed, err := q.tasks.GetByID(dbc, candidate.ID)
		if err != nil {
			return nil, err
		}
		q.log.Debug("task claimed", "task_key", candidate.TaskKey, "worker_id", workerID)
		return claimed, nil
	}
	return nil, nil
}

// Release returns a claim without changing the task status. Used when a
// worker must give a task back (circuit open, shutdown) rather than finish it.
func (q *Queue) Release(ctx context.Context, taskID uuid.UUID, workerID, outcome string) error {
	return q.tasks.ReleaseTask(dbctx.New(ctx), taskID, workerID, outcome)
}

// ReclaimStale returns expired claims to pending so crashed workers do not
// strand tasks. Called periodically by the pool reaper.
func (q *Queue) ReclaimStale(ctx context.Context) (int64, error) {
	n, err := q.tasks.ReclaimStale(dbctx.New(ctx))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("reclaimed stale claims", "count", n)
	}
	return n, nil
}

// Lease exposes the configured claim lease.
func (q *Queue) Lease() time.Duration { return q.lease }
