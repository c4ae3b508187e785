package domain

import "time"

// ConfigEntry is a durable key/value orchestration tunable. Known numeric
// keys are clamped to their bounds at read time by the config repo.
type ConfigEntry struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"column:value;not null" json:"value"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (ConfigEntry) TableName() string { return "config" }

const (
	ConfigMaxGreenAttempts         = "max_green_attempts"
	ConfigGreenRetryDelayMs        = "green_retry_delay_ms"
	ConfigMaxGreenRetryTimeSeconds = "max_green_retry_time_seconds"
	ConfigMaxInvocationsPerSession = "max_invocations_per_session"
	ConfigBudgetWarningThreshold   = "budget_warning_threshold"
)
