package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	TaskStatusPending             = "pending"
	TaskStatusInProgress          = "in_progress"
	TaskStatusPassing             = "passing"
	TaskStatusComplete            = "complete"
	TaskStatusBlocked             = "blocked"
	TaskStatusBlockedStaticReview = "blocked-static-review"
)

const (
	ComplexityLow    = "low"
	ComplexityMedium = "medium"
	ComplexityHigh   = "high"
)

// Pipeline stages, in execution order.
const (
	StageRed      = "red"
	StageGreen    = "green"
	StageVerify   = "verify"
	StageFix      = "fix"
	StageRefactor = "refactor"
	StageReVerify = "re_verify"
	StageCommit   = "commit"
)

// Task is one unit of work in a run. (phase, sequence) is the total order
// among ready tasks; version increments by exactly one on every mutation.
type Task struct {
	ID                 uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	TaskKey            string         `gorm:"column:task_key;not null;uniqueIndex" json:"task_key"`
	SpecID             *uuid.UUID     `gorm:"type:uuid;column:spec_id;index" json:"spec_id,omitempty"`
	Title              string         `gorm:"column:title;not null" json:"title"`
	Goal               string         `gorm:"column:goal;type:text" json:"goal,omitempty"`
	Phase              int            `gorm:"column:phase;not null;index" json:"phase"`
	Sequence           int            `gorm:"column:sequence;not null;index" json:"sequence"`
	Complexity         string         `gorm:"column:complexity;index" json:"complexity,omitempty"`
	TestFile           string         `gorm:"column:test_file" json:"test_file,omitempty"`
	ImplFile           string         `gorm:"column:impl_file" json:"impl_file,omitempty"`
	VerifyCommand      string         `gorm:"column:verify_command" json:"verify_command,omitempty"`
	DoneCriteria       string         `gorm:"column:done_criteria;type:text" json:"done_criteria,omitempty"`
	AcceptanceCriteria datatypes.JSON `gorm:"column:acceptance_criteria" json:"acceptance_criteria,omitempty"`
	ModuleExports      datatypes.JSON `gorm:"column:module_exports" json:"module_exports,omitempty"`
	DependsOn          datatypes.JSON `gorm:"column:depends_on" json:"depends_on,omitempty"`
	Subtasks           datatypes.JSON `gorm:"column:subtasks" json:"subtasks,omitempty"`
	Config             datatypes.JSON `gorm:"column:config" json:"config,omitempty"`
	TestOutput         datatypes.JSON `gorm:"column:test_output" json:"test_output,omitempty"`
	ErrorInfo          datatypes.JSON `gorm:"column:error_info" json:"error_info,omitempty"`
	Status             string         `gorm:"column:status;not null;index" json:"status"`
	ClaimedBy          *string        `gorm:"column:claimed_by;index" json:"claimed_by,omitempty"`
	ClaimedAt          *time.Time     `gorm:"column:claimed_at" json:"claimed_at,omitempty"`
	ClaimExpiresAt     *time.Time     `gorm:"column:claim_expires_at;index" json:"claim_expires_at,omitempty"`
	Version            int            `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt          time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"not null;index" json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }

// DependencySatisfied reports whether a dependency with the given status
// gates this task open. Both passing and complete count as done.
func DependencySatisfied(status string) bool {
	return status == TaskStatusPassing || status == TaskStatusComplete
}

// RetryableStatus reports whether POST /tasks/{key}/retry may reset the task.
func RetryableStatus(status string) bool {
	return status == TaskStatusBlocked || status == TaskStatusBlockedStaticReview
}

func ValidTaskStatus(status string) bool {
	switch status {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusPassing,
		TaskStatusComplete, TaskStatusBlocked, TaskStatusBlockedStaticReview:
		return true
	}
	return false
}

func ValidComplexity(complexity string) bool {
	switch complexity {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return true
	}
	return false
}
