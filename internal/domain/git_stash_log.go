package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// GitStashLog records branch/stash operations performed on release.
type GitStashLog struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	WorkerID  string     `gorm:"column:worker_id;index" json:"worker_id"`
	TaskID    *uuid.UUID `gorm:"type:uuid;column:task_id;index" json:"task_id,omitempty"`
	Branch    string     `gorm:"column:branch" json:"branch,omitempty"`
	Action    string     `gorm:"column:action;not null" json:"action"`
	CreatedAt time.Time  `gorm:"not null;index" json:"created_at"`
}

func (GitStashLog) TableName() string { return "git_stash_log" }

// StaticReviewMetric records one static-review pass over a task's GREEN output.
type StaticReviewMetric struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TaskID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"task_id"`
	Passed     bool           `gorm:"column:passed;not null" json:"passed"`
	Score      float64        `gorm:"column:score" json:"score"`
	Violations datatypes.JSON `gorm:"column:violations" json:"violations,omitempty"`
	CreatedAt  time.Time      `gorm:"not null;index" json:"created_at"`
}

func (StaticReviewMetric) TableName() string { return "static_review_metrics" }
