package domain

import (
	"time"

	"github.com/google/uuid"
)

// Attempt is one execution of one pipeline stage against one task.
// attempt_numbers are dense and monotonic per (task_id, stage).
type Attempt struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	TaskID        uuid.UUID  `gorm:"type:uuid;not null;index" json:"task_id"`
	Stage         string     `gorm:"column:stage;not null;index" json:"stage"`
	AttemptNumber int        `gorm:"column:attempt_number;not null" json:"attempt_number"`
	Success       bool       `gorm:"column:success;not null" json:"success"`
	ErrorMessage  string     `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	ExitCode      *int       `gorm:"column:exit_code" json:"exit_code,omitempty"`
	Output        string     `gorm:"column:output;type:text" json:"output,omitempty"`
	StartedAt     time.Time  `gorm:"column:started_at;not null" json:"started_at"`
	CompletedAt   *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Attempt) TableName() string { return "attempts" }
