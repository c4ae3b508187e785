package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	WorkerStatusActive = "active"
	WorkerStatusIdle   = "idle"
)

// Worker is a registered concurrent actor. IDs are human-readable
// ("worker-1") so they survive into circuit identifiers and logs.
type Worker struct {
	ID            string     `gorm:"primaryKey" json:"id"`
	Status        string     `gorm:"column:status;not null;index" json:"status"`
	CurrentTaskID *uuid.UUID `gorm:"type:uuid;column:current_task_id" json:"current_task_id,omitempty"`
	BranchName    string     `gorm:"column:branch_name" json:"branch_name,omitempty"`
	LastHeartbeat *time.Time `gorm:"column:last_heartbeat;index" json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"not null" json:"updated_at"`
}

func (Worker) TableName() string { return "workers" }

// WorkerHeartbeat is an append-only heartbeat ledger feeding v_stale_workers.
type WorkerHeartbeat struct {
	ID       uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	WorkerID string     `gorm:"column:worker_id;not null;index" json:"worker_id"`
	TaskID   *uuid.UUID `gorm:"type:uuid;column:task_id" json:"task_id,omitempty"`
	BeatAt   time.Time  `gorm:"column:beat_at;not null;index" json:"beat_at"`
}

func (WorkerHeartbeat) TableName() string { return "worker_heartbeats" }
