package runs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

type RunRepo interface {
	Start(dbc dbctx.Context, maxWorkers int) (*types.ExecutionRun, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ExecutionRun, error)
	Current(dbc dbctx.Context) (*types.ExecutionRun, error)
	List(dbc dbctx.Context, limit, offset int) ([]*types.ExecutionRun, int64, error)
	Finish(dbc dbctx.Context, id uuid.UUID, status, stopReason string, totalInvocations int) error
	RecordInvocation(dbc dbctx.Context, inv *types.Invocation) error
	CountInvocations(dbc dbctx.Context, runID uuid.UUID) (int64, error)
}

type runRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRunRepo(db *gorm.DB, baseLog *logger.Logger) RunRepo {
	return &runRepo{
		db:  db,
		log: baseLog.With("repo", "RunRepo"),
	}
}

func (r *runRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *runRepo) Start(dbc dbctx.Context, maxWorkers int) (*types.ExecutionRun, error) {
	run := &types.ExecutionRun{
		ID:         uuid.New(),
		Status:     types.RunStatusRunning,
		MaxWorkers: maxWorkers,
		StartedAt:  time.Now().UTC(),
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

func (r *runRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ExecutionRun, error) {
	var run types.ExecutionRun
	err := r.conn(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepo) Current(dbc dbctx.Context) (*types.ExecutionRun, error) {
	var run types.ExecutionRun
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("status = ?", types.RunStatusRunning).
		Order("started_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *runRepo) List(dbc dbctx.Context, limit, offset int) ([]*types.ExecutionRun, int64, error) {
	q := r.conn(dbc).WithContext(dbc.Ctx).Model(&types.ExecutionRun{})
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	q = q.Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}
	var out []*types.ExecutionRun
	if err := q.Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *runRepo) Finish(dbc dbctx.Context, id uuid.UUID, status, stopReason string, totalInvocations int) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now().UTC()
	return r.conn(dbc).WithContext(dbc.Ctx).Model(&types.ExecutionRun{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":            status,
			"stop_reason":       stopReason,
			"total_invocations": totalInvocations,
			"completed_at":      now,
		}).Error
}

func (r *runRepo) RecordInvocation(dbc dbctx.Context, inv *types.Invocation) error {
	if inv == nil {
		return nil
	}
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}
	return r.conn(dbc).WithContext(dbc.Ctx).Create(inv).Error
}

func (r *runRepo) CountInvocations(dbc dbctx.Context, runID uuid.UUID) (int64, error) {
	var n int64
	err := r.conn(dbc).WithContext(dbc.Ctx).Model(&types.Invocation{}).
		Where("run_id = ?", runID).
		Count(&n).Error
	return n, err
}
