package circuits

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

type CircuitRepo interface {
	GetOrCreate(dbc dbctx.Context, level, identifier string, runID *uuid.UUID) (*types.CircuitBreaker, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.CircuitBreaker, error)
	Get(dbc dbctx.Context, level, identifier string) (*types.CircuitBreaker, error)
	List(dbc dbctx.Context, level, state string) ([]*types.CircuitBreaker, error)
	// UpdateWithVersion is the optimistic-lock primitive: the update applies
	// only when the stored version equals expectedVersion, and then bumps it
	// by exactly one. Returns false on a lost update.
	UpdateWithVersion(dbc dbctx.Context, id uuid.UUID, expectedVersion int, updates map[string]interface{}) (bool, error)
	RecordEvent(dbc dbctx.Context, ev *types.CircuitBreakerEvent) error
	ListEvents(dbc dbctx.Context, circuitID uuid.UUID) ([]*types.CircuitBreakerEvent, error)
}

type circuitRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCircuitRepo(db *gorm.DB, baseLog *logger.Logger) CircuitRepo {
	return &circuitRepo{
		db:  db,
		log: baseLog.With("repo", "CircuitRepo"),
	}
}

func (r *circuitRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *circuitRepo) GetOrCreate(dbc dbctx.Context, level, identifier string, runID *uuid.UUID) (*types.CircuitBreaker, error) {
	existing, err := r.Get(dbc, level, identifier)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	now := time.Now().UTC()
	cb := &types.CircuitBreaker{
		ID:         uuid.New(),
		Level:      level,
		Identifier: identifier,
		State:      types.CircuitStateClosed,
		Version:    1,
		RunID:      runID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.conn(dbc).WithContext(dbc.Ctx).Create(cb).Error; err != nil {
		// Lost the insert race; the row exists now.
		again, gerr := r.Get(dbc, level, identifier)
		if gerr == nil && again != nil {
			return again, nil
		}
		return nil, err
	}
	return cb, nil
}

func (r *circuitRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.CircuitBreaker, error) {
	var cb types.CircuitBreaker
	err := r.conn(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&cb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cb, nil
}

func (r *circuitRepo) Get(dbc dbctx.Context, level, identifier string) (*types.CircuitBreaker, error) {
	var cb types.CircuitBreaker
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("level = ? AND identifier = ?", level, identifier).
		First(&cb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cb, nil
}

func (r *circuitRepo) List(dbc dbctx.Context, level, state string) ([]*types.CircuitBreaker, error) {
	q := r.conn(dbc).WithContext(dbc.Ctx).Model(&types.CircuitBreaker{})
	if level != "" {
		q = q.Where("level = ?", level)
	}
	if state != "" {
		q = q.Where("state = ?", state)
	}
	var out []*types.CircuitBreaker
	if err := q.Order("level ASC, identifier ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *circuitRepo) UpdateWithVersion(dbc dbctx.Context, id uuid.UUID, expectedVersion int, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	merged := map[string]interface{}{
		"version":    expectedVersion + 1,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range updates {
		merged[k] = v
	}
	res := r.conn(dbc).WithContext(dbc.Ctx).Model(&types.CircuitBreaker{}).
		Where("id = ? AND version = ?", id, expectedVersion).
		Updates(merged)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *circuitRepo) RecordEvent(dbc dbctx.Context, ev *types.CircuitBreakerEvent) error {
	if ev == nil {
		return nil
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	return r.conn(dbc).WithContext(dbc.Ctx).Create(ev).Error
}

func (r *circuitRepo) ListEvents(dbc dbctx.Context, circuitID uuid.UUID) ([]*types.CircuitBreakerEvent, error) {
	var out []*types.CircuitBreakerEvent
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where("circuit_id = ?", circuitID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
