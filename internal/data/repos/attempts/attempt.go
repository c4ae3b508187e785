package attempts

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

type AttemptRepo interface {
	// Record inserts the attempt, assigning the next dense attempt_number
	// for (task_id, stage) when the caller leaves it at zero.
	Record(dbc dbctx.Context, a *types.Attempt) error
	ListByTask(dbc dbctx.Context, taskID uuid.UUID) ([]*types.Attempt, error)
	ListByTaskStage(dbc dbctx.Context, taskID uuid.UUID, stage string) ([]*types.Attempt, error)
}

type attemptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAttemptRepo(db *gorm.DB, baseLog *logger.Logger) AttemptRepo {
	return &attemptRepo{
		db:  db,
		log: baseLog.With("repo", "AttemptRepo"),
	}
}

func (r *attemptRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *attemptRepo) Record(dbc dbctx.Context, a *types.Attempt) error {
	if a == nil {
		return nil
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	return r.conn(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		if a.AttemptNumber == 0 {
			var maxN int
			err := tx.Model(&types.Attempt{}).
				Where("task_id = ? AND stage = ?", a.TaskID, a.Stage).
				Select("COALESCE(MAX(attempt_number), 0)").
				Scan(&maxN).Error
			if err != nil {
				return err
			}
			a.AttemptNumber = maxN + 1
		}
		return tx.Create(a).Error
	})
}

func (r *attemptRepo) ListByTask(dbc dbctx.Context, taskID uuid.UUID) ([]*types.Attempt, error) {
	var out []*types.Attempt
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("task_id = ?", taskID).
		Order("started_at ASC, attempt_number ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *attemptRepo) ListByTaskStage(dbc dbctx.Context, taskID uuid.UUID, stage string) ([]*types.Attempt, error) {
	var out []*types.Attempt
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("task_id = ? AND stage = ?", taskID, stage).
		Order("attempt_number ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
