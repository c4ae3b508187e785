package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

type ListFilter struct {
	Status     string
	Phase      *int
	Complexity string
	Limit      int
	Offset     int
}

type Stats struct {
	Pending int64 `json:"pending"`
	Running int64 `json:"running"`
	Passed  int64 `json:"passed"`
	Failed  int64 `json:"failed"`
	Total   int64 `json:"total"`
}

type TaskRepo interface {
	Create(dbc dbctx.Context, tasks []*types.Task) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Task, error)
	GetByKey(dbc dbctx.Context, key string) (*types.Task, error)
	List(dbc dbctx.Context, filter ListFilter) ([]*types.Task, int64, error)
	StatusMap(dbc dbctx.Context) (map[string]string, error)
	NextReadyTasks(dbc dbctx.Context, limit int) ([]*types.Task, error)
	ClaimTask(dbc dbctx.Context, taskID uuid.UUID, workerID string, lease time.Duration) (bool, error)
	ReleaseTask(dbc dbctx.Context, taskID uuid.UUID, workerID string, outcome string) error
	ReclaimStale(dbc dbctx.Context) (int64, error)
	UpdateStatus(dbc dbctx.Context, taskID uuid.UUID, status string, extra map[string]interface{}) (bool, error)
	Stats(dbc dbctx.Context) (Stats, error)
	Progress(dbc dbctx.Context) (map[string]float64, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) conn(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *taskRepo) Create(dbc dbctx.Context, tasks []*types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	now := time.Now().UTC()
	for _, t := range tasks {
		if t.ID == uuid.Nil {
			t.ID = uuid.New()
		}
		if t.Status == "" {
			t.Status = types.TaskStatusPending
		}
		if t.Version == 0 {
			t.Version = 1
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
	}
	return r.conn(dbc).WithContext(dbc.Ctx).Create(&tasks).Error
}

func (r *taskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Task, error) {
	var t types.Task
	err := r.conn(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *taskRepo) GetByKey(dbc dbctx.Context, key string) (*types.Task, error) {
	var t types.Task
	err := r.conn(dbc).WithContext(dbc.Ctx).Where("task_key = ?", key).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *taskRepo) List(dbc dbctx.Context, filter ListFilter) ([]*types.Task, int64, error) {
	q := r.conn(dbc).WithContext(dbc.Ctx).Model(&types.Task{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Phase != nil {
		q = q.Where("phase = ?", *filter.Phase)
	}
	if filter.Complexity != "" {
		q = q.Where("complexity = ?", filter.Complexity)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	q = q.Order("phase ASC, sequence ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var out []*types.Task
	if err := q.Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// StatusMap returns the full {task_key -> status} map in one query. The DB
// observer diffs successive maps to detect transitions.
func (r *taskRepo) StatusMap(dbc dbctx.Context) (map[string]string, error) {
	type row struct {
		TaskKey string
		Status  string
	}
	var rows []row
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Task{}).
		Select("task_key", "status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, rw := range rows {
		out[rw.TaskKey] = rw.Status
	}
	return out, nil
}

// NextReadyTasks returns claimable candidates in (phase, sequence) order:
// pending tasks whose dependencies are all passing/complete, plus
// in_progress tasks whose claim lease has expired. Dependency checking
// happens in Go against a single status snapshot; depends_on keys that do
// not exist count as unmet.
func (r *taskRepo) NextReadyTasks(dbc dbctx.Context, limit int) ([]*types.Task, error) {
	now := time.Now().UTC()
	var candidates []*types.Task
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Where(`
			(status = ? AND (claimed_by IS NULL OR claim_expires_at < ?))
			OR (status = ? AND claim_expires_at < ?)
		`, types.TaskStatusPending, now, types.TaskStatusInProgress, now).
		Order("phase ASC, sequence ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	statuses, err := r.StatusMap(dbc)
	if err != nil {
		return nil, err
	}

	var ready []*types.Task
	for _, t := range candidates {
		ok, derr := depsSatisfied(t, statuses)
		if derr != nil {
			r.log.Warn("malformed depends_on, treating task as blocked",
				"task_key", t.TaskKey, "error", derr)
			continue
		}
		if !ok {
			continue
		}
		ready = append(ready, t)
		if limit > 0 && len(ready) >= limit {
			break
		}
	}
	return ready, nil
}

func depsSatisfied(t *types.Task, statuses map[string]string) (bool, error) {
	if len(t.DependsOn) == 0 {
		return true, nil
	}
	var deps []string
	if err := json.Unmarshal(t.DependsOn, &deps); err != nil {
		return false, fmt.Errorf("parse depends_on: %w", err)
	}
	for _, key := range deps {
		status, exists := statuses[key]
		if !exists || !types.DependencySatisfied(status) {
			return false, nil
		}
	}
	return true, nil
}

// ClaimTask is the optimistic claim primitive. The conditional UPDATE is
// the unit of atomicity: exactly one concurrent caller sees RowsAffected=1,
// every loser gets false and moves to its next candidate. A successful
// claim bumps version, sets the lease, and appends a task_claims audit row
// in the same transaction.
func (r *taskRepo) ClaimTask(dbc dbctx.Context, taskID uuid.UUID, workerID string, lease time.Duration) (bool, error) {
	if taskID == uuid.Nil || workerID == "" {
		return false, nil
	}
	now := time.Now().UTC()
	expires := now.Add(lease)
	claimed := false
	err := r.conn(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&types.Task{}).
			Where(`
				id = ? AND (
					(status = ? AND (claimed_by IS NULL OR claim_expires_at < ?))
					OR (status = ? AND claim_expires_at < ?)
				)
			`, taskID, types.TaskStatusPending, now, types.TaskStatusInProgress, now).
			Updates(map[string]interface{}{
				"status":           types.TaskStatusInProgress,
				"claimed_by":       workerID,
				"claimed_at":       now,
				"claim_expires_at": expires,
				"version":          gorm.Expr("version + 1"),
				"updated_at":       now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		claim := &types.TaskClaim{
			ID:        uuid.New(),
			TaskID:    taskID,
			WorkerID:  workerID,
			ClaimedAt: now,
		}
		if err := tx.Create(claim).Error; err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

// ReleaseTask clears the claim fields and closes out the live task_claims
// row with the given outcome. A task still in_progress at release time goes
// back to pending; terminal statuses set before the release are kept.
func (r *taskRepo) ReleaseTask(dbc dbctx.Context, taskID uuid.UUID, workerID string, outcome string) error {
	if taskID == uuid.Nil {
		return nil
	}
	now := time.Now().UTC()
	return r.conn(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&types.Task{}).
			Where("id = ? AND claimed_by = ? AND status = ?", taskID, workerID, types.TaskStatusInProgress).
			Update("status", types.TaskStatusPending).Error
		if err != nil {
			return err
		}
		err = tx.Model(&types.Task{}).
			Where("id = ? AND claimed_by = ?", taskID, workerID).
			Updates(map[string]interface{}{
				"claimed_by":       nil,
				"claimed_at":       nil,
				"claim_expires_at": nil,
				"version":          gorm.Expr("version + 1"),
				"updated_at":       now,
			}).Error
		if err != nil {
			return err
		}
		return tx.Model(&types.TaskClaim{}).
			Where("task_id = ? AND worker_id = ? AND released_at IS NULL", taskID, workerID).
			Updates(map[string]interface{}{
				"released_at": now,
				"outcome":     outcome,
			}).Error
	})
}

// ReclaimStale bulk-returns expired in_progress claims to pending and marks
// their claim rows with outcome timeout.
func (r *taskRepo) ReclaimStale(dbc dbctx.Context) (int64, error) {
	now := time.Now().UTC()
	var count int64
	err := r.conn(dbc).WithContext(dbc.Ctx).Transaction(func(tx *gorm.DB) error {
		var stale []*types.Task
		if err := tx.Where("status = ? AND claim_expires_at < ?",
			types.TaskStatusInProgress, now).Find(&stale).Error; err != nil {
			return err
		}
		for _, t := range stale {
			res := tx.Model(&types.Task{}).
				Where("id = ? AND status = ? AND claim_expires_at < ?",
					t.ID, types.TaskStatusInProgress, now).
				Updates(map[string]interface{}{
					"status":           types.TaskStatusPending,
					"claimed_by":       nil,
					"claimed_at":       nil,
					"claim_expires_at": nil,
					"version":          gorm.Expr("version + 1"),
					"updated_at":       now,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			if err := tx.Model(&types.TaskClaim{}).
				Where("task_id = ? AND released_at IS NULL", t.ID).
				Updates(map[string]interface{}{
					"released_at": now,
					"outcome":     types.ClaimOutcomeTimeout,
				}).Error; err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// UpdateStatus sets the task status (plus optional extra fields) and bumps
// version. Returns false when the row no longer exists.
func (r *taskRepo) UpdateStatus(dbc dbctx.Context, taskID uuid.UUID, status string, extra map[string]interface{}) (bool, error) {
	if taskID == uuid.Nil {
		return false, nil
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"status":     status,
		"version":    gorm.Expr("version + 1"),
		"updated_at": now,
	}
	for k, v := range extra {
		updates[k] = v
	}
	res := r.conn(dbc).WithContext(dbc.Ctx).Model(&types.Task{}).
		Where("id = ?", taskID).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) Stats(dbc dbctx.Context) (Stats, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Task{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Find(&rows).Error
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, rw := range rows {
		s.Total += rw.N
		switch rw.Status {
		case types.TaskStatusPending:
			s.Pending += rw.N
		case types.TaskStatusInProgress:
			s.Running += rw.N
		case types.TaskStatusPassing, types.TaskStatusComplete:
			s.Passed += rw.N
		case types.TaskStatusBlocked, types.TaskStatusBlockedStaticReview:
			s.Failed += rw.N
		}
	}
	return s, nil
}

// Progress reports per-phase completion percent. Only passing counts toward
// progress; complete satisfies dependency gates but not progress.
func (r *taskRepo) Progress(dbc dbctx.Context) (map[string]float64, error) {
	type row struct {
		Phase   int
		Total   int64
		Passing int64
	}
	var rows []row
	err := r.conn(dbc).WithContext(dbc.Ctx).
		Model(&types.Task{}).
		Select("phase, COUNT(*) AS total, SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS passing",
			types.TaskStatusPassing).
		Group("phase").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(rows))
	for _, rw := range rows {
		pct := 0.0
		if rw.Total > 0 {
			pct = float64(rw.Passing) / float64(rw.Total) * 100.0
		}
		out[fmt.Sprintf("phase_%d", rw.Phase)] = pct
	}
	return out, nil
}
