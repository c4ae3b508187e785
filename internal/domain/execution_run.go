package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// ExecutionRun is one end-to-end decomposition + execution orchestration.
type ExecutionRun struct {
	ID               uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Status           string     `gorm:"column:status;not null;index" json:"status"`
	MaxWorkers       int        `gorm:"column:max_workers;not null" json:"max_workers"`
	TotalInvocations int        `gorm:"column:total_invocations;not null;default:0" json:"total_invocations"`
	StopReason       string     `gorm:"column:stop_reason" json:"stop_reason,omitempty"`
	StartedAt        time.Time  `gorm:"column:started_at;not null;index" json:"started_at"`
	CompletedAt      *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (ExecutionRun) TableName() string { return "execution_runs" }

// Invocation records a single call into the external stage executor.
type Invocation struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	RunID     *uuid.UUID `gorm:"type:uuid;column:run_id;index" json:"run_id,omitempty"`
	TaskID    *uuid.UUID `gorm:"type:uuid;column:task_id;index" json:"task_id,omitempty"`
	WorkerID  string     `gorm:"column:worker_id;index" json:"worker_id,omitempty"`
	Stage     string     `gorm:"column:stage;index" json:"stage,omitempty"`
	CreatedAt time.Time  `gorm:"not null;index" json:"created_at"`
}

func (Invocation) TableName() string { return "invocations" }
