package reviews

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

// ReviewRepo persists the static-review and git-stash audit trails.
type ReviewRepo interface {
	RecordReview(dbc dbctx.Context, taskID uuid.UUID, passed bool, score float64, violations []string) error
	ListReviews(dbc dbctx.Context, taskID uuid.UUID) ([]*types.StaticReviewMetric, error)
	RecordStash(dbc dbctx.Context, workerID string, taskID *uuid.UUID, branch, action string) error
	ListStashes(dbc dbctx.Context, workerID string) ([]*types.GitStashLog, error)
}

type reviewRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewReviewRepo(db *gorm.DB, baseLog *logger.Logger) ReviewRepo {
	return &reviewRepo{
		db:  db,
		log: baseLog.With("repo", "ReviewRepo"),
	}
}

func (r *reviewRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *reviewRepo) RecordReview(dbc dbctx.Context, taskID uuid.UUID, passed bool, score float64, violations []string) error {
	row := &types.StaticReviewMetric{
		ID:        uuid.New(),
		TaskID:    taskID,
		Passed:    passed,
		Score:     score,
		CreatedAt: time.Now().UTC(),
	}
	if len(violations) > 0 {
		raw, err := json.Marshal(violations)
		if err != nil {
			return err
		}
		row.Violations = raw
	}
	return r.conn(dbc).WithContext(dbc.Ctx).Create(row).Error
}

func (r *reviewRepo) ListReviews(dbc dbctx.Context, taskID uuid.UUID) ([]*types.StaticReviewMetric, error) {
	var out []*types.StaticReviewMetric
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *reviewRepo) RecordStash(dbc dbctx.Context, workerID string, taskID *uuid.UUID, branch, action string) error {
	row := &types.GitStashLog{
		ID:        uuid.New(),
		WorkerID:  workerID,
		TaskID:    taskID,
		Branch:    branch,
		Action:    action,
		CreatedAt: time.Now().UTC(),
	}
	return r.conn(dbc).WithContext(dbc.Ctx).Create(row).Error
}

func (r *reviewRepo) ListStashes(dbc dbctx.Context, workerID string) ([]*types.GitStashLog, error) {
	var out []*types.GitStashLog
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("worker_id = ?", workerID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
