package workers

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

type WorkerRepo interface {
	Register(dbc dbctx.Context, w *types.Worker) error
	Deregister(dbc dbctx.Context, id string) error
	Get(dbc dbctx.Context, id string) (*types.Worker, error)
	// Heartbeat updates workers.last_heartbeat and appends to the
	// worker_heartbeats ledger.
	Heartbeat(dbc dbctx.Context, id string, taskID *uuid.UUID) error
	SetCurrentTask(dbc dbctx.Context, id string, taskID *uuid.UUID, status string) error
}

type workerRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkerRepo(db *gorm.DB, baseLog *logger.Logger) WorkerRepo {
	return &workerRepo{
		db:  db,
		log: baseLog.With("repo", "WorkerRepo"),
	}
}

func (r *workerRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *workerRepo) Register(dbc dbctx.Context, w *types.Worker) error {
	if w == nil || w.ID == "" {
		return nil
	}
	now := time.Now().UTC()
	if w.Status == "" {
		w.Status = types.WorkerStatusIdle
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	w.LastHeartbeat = &now
	return r.conn(dbc).WithContext(dbc.Ctx).Save(w).Error
}

func (r *workerRepo) Deregister(dbc dbctx.Context, id string) error {
	if id == "" {
		return nil
	}
	now := time.Now().UTC()
	return r.conn(dbc).WithContext(dbc.Ctx).Model(&types.Worker{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":          types.WorkerStatusIdle,
			"current_task_id": nil,
			"updated_at":      now,
		}).Error
}

func (r *workerRepo) Get(dbc dbctx.Context, id string) (*types.Worker, error) {
	var w types.Worker
	err := r.conn(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&w).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *workerRepo) Heartbeat(dbc dbctx.Context, id string, taskID *uuid.UUID) error {
	if id == "" {
		return nil
	}
	now := time.Now().UTC()
	return r.conn(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&types.Worker{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"last_heartbeat":  now,
				"current_task_id": taskID,
				"updated_at":      now,
			}).Error
		if err != nil {
			return err
		}
		return tx.Create(&types.WorkerHeartbeat{
			ID:       uuid.New(),
			WorkerID: id,
			TaskID:   taskID,
			BeatAt:   now,
		}).Error
	})
}

func (r *workerRepo) SetCurrentTask(dbc dbctx.Context, id string, taskID *uuid.UUID, status string) error {
	if id == "" {
		return nil
	}
	now := time.Now().UTC()
	return r.conn(dbc).WithContext(dbc.Ctx).Model(&types.Worker{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_task_id": taskID,
			"status":          status,
			"updated_at":      now,
		}).Error
}
