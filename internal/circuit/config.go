package circuit

import "time"

// Config carries the tunables for all three circuit levels. Zero values are
// replaced by defaults via Normalize.
type Config struct {
	StageMaxFailures     int
	StageRecoveryTimeout time.Duration

	WorkerMaxFailures     int
	WorkerRecoveryTimeout time.Duration
	WorkerMaxExtensions   int

	SystemWindow            time.Duration
	SystemFailurePercent    float64
	SystemMinWorkers        int
	SystemRecoveryTimeout   time.Duration
	SystemAutoRecovery      bool
	GracefulShutdownTimeout time.Duration

	StageCacheSize int
}

func DefaultConfig() Config {
	return Config{
		StageMaxFailures:     3,
		StageRecoveryTimeout: 300 * time.Second,

		WorkerMaxFailures:     3,
		WorkerRecoveryTimeout: 300 * time.Second,
		WorkerMaxExtensions:   3,

		SystemWindow:            300 * time.Second,
		SystemFailurePercent:    50,
		SystemMinWorkers:        2,
		SystemRecoveryTimeout:   600 * time.Second,
		SystemAutoRecovery:      true,
		GracefulShutdownTimeout: 60 * time.Second,

		StageCacheSize: 1000,
	}
}

func (c Config) Normalize() Config {
	def := DefaultConfig()
	if c.StageMaxFailures <= 0 {
		c.StageMaxFailures = def.StageMaxFailures
	}
	if c.StageRecoveryTimeout <= 0 {
		c.StageRecoveryTimeout = def.StageRecoveryTimeout
	}
	if c.WorkerMaxFailures <= 0 {
		c.WorkerMaxFailures = def.WorkerMaxFailures
	}
	if c.WorkerRecoveryTimeout <= 0 {
		c.WorkerRecoveryTimeout = def.WorkerRecoveryTimeout
	}
	if c.WorkerMaxExtensions <= 0 {
		c.WorkerMaxExtensions = def.WorkerMaxExtensions
	}
	if c.SystemWindow <= 0 {
		c.SystemWindow = def.SystemWindow
	}
	if c.SystemFailurePercent <= 0 {
		c.SystemFailurePercent = def.SystemFailurePercent
	}
	if c.SystemMinWorkers <= 0 {
		c.SystemMinWorkers = def.SystemMinWorkers
	}
	if c.SystemRecoveryTimeout <= 0 {
		c.SystemRecoveryTimeout = def.SystemRecoveryTimeout
	}
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = def.GracefulShutdownTimeout
	}
	if c.StageCacheSize <= 0 {
		c.StageCacheSize = def.StageCacheSize
	}
	return c
}
