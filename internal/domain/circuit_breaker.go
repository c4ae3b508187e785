package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	CircuitLevelStage  = "stage"
	CircuitLevelWorker = "worker"
	CircuitLevelSystem = "system"
)

const (
	CircuitStateClosed   = "closed"
	CircuitStateOpen     = "open"
	CircuitStateHalfOpen = "half_open"
)

const (
	CircuitEventFailureRecorded   = "failure_recorded"
	CircuitEventSuccessRecorded   = "success_recorded"
	CircuitEventThresholdReached  = "threshold_reached"
	CircuitEventRecoveryStarted   = "recovery_started"
	CircuitEventRecoverySucceeded = "recovery_succeeded"
	CircuitEventRecoveryFailed    = "recovery_failed"
	CircuitEventExtensionApplied  = "extension_applied"
	CircuitEventManualReset       = "manual_reset"
)

// CircuitBreaker is the persisted circuit row. version is the optimistic
// lock; all state changes go through a version-conditional update.
type CircuitBreaker struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Level             string         `gorm:"column:level;not null;uniqueIndex:idx_circuit_level_identifier,priority:1" json:"level"`
	Identifier        string         `gorm:"column:identifier;not null;uniqueIndex:idx_circuit_level_identifier,priority:2" json:"identifier"`
	State             string         `gorm:"column:state;not null;index" json:"state"`
	Version           int            `gorm:"column:version;not null;default:1" json:"version"`
	FailureCount      int            `gorm:"column:failure_count;not null;default:0" json:"failure_count"`
	SuccessCount      int            `gorm:"column:success_count;not null;default:0" json:"success_count"`
	HalfOpenRequests  int            `gorm:"column:half_open_requests;not null;default:0" json:"half_open_requests"`
	ExtensionsCount   int            `gorm:"column:extensions_count;not null;default:0" json:"extensions_count"`
	OpenedAt          *time.Time     `gorm:"column:opened_at" json:"opened_at,omitempty"`
	LastFailureAt     *time.Time     `gorm:"column:last_failure_at" json:"last_failure_at,omitempty"`
	LastSuccessAt     *time.Time     `gorm:"column:last_success_at" json:"last_success_at,omitempty"`
	LastStateChangeAt *time.Time     `gorm:"column:last_state_change_at" json:"last_state_change_at,omitempty"`
	RunID             *uuid.UUID     `gorm:"type:uuid;column:run_id;index" json:"run_id,omitempty"`
	ConfigSnapshot    datatypes.JSON `gorm:"column:config_snapshot" json:"config_snapshot,omitempty"`
	CreatedAt         time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null" json:"updated_at"`
}

func (CircuitBreaker) TableName() string { return "circuit_breakers" }

// CircuitBreakerEvent is the append-only transition/outcome audit.
type CircuitBreakerEvent struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	CircuitID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"circuit_id"`
	RunID        *uuid.UUID     `gorm:"type:uuid;column:run_id;index" json:"run_id,omitempty"`
	EventType    string         `gorm:"column:event_type;not null;index" json:"event_type"`
	FromState    string         `gorm:"column:from_state" json:"from_state,omitempty"`
	ToState      string         `gorm:"column:to_state" json:"to_state,omitempty"`
	ErrorContext datatypes.JSON `gorm:"column:error_context" json:"error_context,omitempty"`
	CreatedAt    time.Time      `gorm:"not null;index" json:"created_at"`
}

func (CircuitBreakerEvent) TableName() string { return "circuit_breaker_events" }
