package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	ClaimOutcomeCompleted = "completed"
	ClaimOutcomeFailed    = "failed"
	ClaimOutcomeTimeout   = "timeout"
	ClaimOutcomeReleased  = "released"
)

// TaskClaim is an audit row for every claim issued. Outcome stays empty
// while the claim is live.
type TaskClaim struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TaskID     uuid.UUID  `gorm:"type:uuid;not null;index" json:"task_id"`
	WorkerID   string     `gorm:"column:worker_id;not null;index" json:"worker_id"`
	ClaimedAt  time.Time  `gorm:"column:claimed_at;not null;index" json:"claimed_at"`
	ReleasedAt *time.Time `gorm:"column:released_at" json:"released_at,omitempty"`
	Outcome    string     `gorm:"column:outcome;index" json:"outcome,omitempty"`
}

func (TaskClaim) TableName() string { return "task_claims" }
