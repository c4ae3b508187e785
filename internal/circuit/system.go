package circuit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tddforge/tddforge-backend/internal/data/repos/circuits"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

const systemIdentifier = "system"

// SystemCircuit halts the whole run when too large a fraction of the worker
// fleet is failing inside a sliding window. Failure timestamps live in memory
// per worker; only state transitions are persisted.
type SystemCircuit struct {
	mu  sync.Mutex
	b   *breaker
	cfg Config

	totalWorkers int
	// most recent failure per worker inside the window
	failures map[string]time.Time
	inFlight sync.WaitGroup
}

func NewSystemCircuit(ctx context.Context, repo circuits.CircuitRepo, log *logger.Logger, runID *uuid.UUID, cfg Config) (*SystemCircuit, error) {
	b, err := newBreaker(ctx, repo, log, types.CircuitLevelSystem, systemIdentifier, runID)
	if err != nil {
		return nil, err
	}
	return &SystemCircuit{
		b:        b,
		cfg:      cfg.Normalize(),
		failures: make(map[string]time.Time),
	}, nil
}

func (c *SystemCircuit) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.row.State
}

func (c *SystemCircuit) Row() types.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.Snapshot()
}

// SetTotalWorkers records the fleet size used as the trip denominator.
func (c *SystemCircuit) SetTotalWorkers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalWorkers = n
}

// TrackInFlight registers one task execution that a halt must wait for.
func (c *SystemCircuit) TrackInFlight() { c.inFlight.Add(1) }

// DoneInFlight marks one tracked execution finished.
func (c *SystemCircuit) DoneInFlight() { c.inFlight.Done() }

// WaitForInFlight blocks until all tracked executions finish or the grace
// period elapses. Returns true when the drain completed in time.
func (c *SystemCircuit) WaitForInFlight(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		c.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(c.cfg.GracefulShutdownTimeout):
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *SystemCircuit) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.SystemWindow)
	for id, ts := range c.failures {
		if ts.Before(cutoff) {
			delete(c.failures, id)
		}
	}
}

// RecordWorkerFailure notes that a worker failed a task just now. Trip
// evaluation happens in ShouldHalt, not here.
func (c *SystemCircuit) RecordWorkerFailure(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now().UTC()
	c.failures[workerID] = now
	c.pruneLocked(now)
}

// RecordWorkerSuccess clears a worker from the failing set. A worker that
// recovers stops counting against the fleet immediately.
func (c *SystemCircuit) RecordWorkerSuccess(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, workerID)
}

// ShouldHalt evaluates the fleet-wide trip condition and returns true when
// new work must stop. In open state it also drives auto-recovery once the
// recovery window has elapsed.
func (c *SystemCircuit) ShouldHalt(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.b.reload(ctx); err != nil {
		return false, err
	}
	now := time.Now().UTC()

	switch c.b.row.State {
	case types.CircuitStateOpen:
		if !c.cfg.SystemAutoRecovery || c.b.timeUntilRetry(c.cfg.SystemRecoveryTimeout) > 0 {
			return true, nil
		}
		// Recovery probe: the window is re-evaluated rather than cleared.
		// Workers still failing inside the window keep the circuit open and
		// restart the recovery timeout.
		c.pruneLocked(now)
		failing := len(c.failures)
		if c.totalWorkers >= c.cfg.SystemMinWorkers &&
			float64(failing)/float64(c.totalWorkers)*100 >= c.cfg.SystemFailurePercent {
			err := c.b.transition(ctx, types.CircuitStateOpen, types.CircuitEventRecoveryFailed,
				func() map[string]interface{} {
					return map[string]interface{}{
						"opened_at":       now,
						"last_failure_at": now,
					}
				}, nil)
			if err != nil {
				return true, err
			}
			c.b.log.Warn("system circuit recovery failed, fleet still above threshold",
				"failing_workers", failing,
				"total_workers", c.totalWorkers)
			return true, nil
		}
		err := c.b.transition(ctx, types.CircuitStateClosed, types.CircuitEventRecoverySucceeded,
			func() map[string]interface{} {
				return map[string]interface{}{
					"failure_count":   0,
					"opened_at":       nil,
					"last_success_at": now,
				}
			}, nil)
		if err != nil {
			return true, err
		}
		c.b.log.Info("system circuit auto-recovered, resuming dispatch")
		return false, nil
	case types.CircuitStateClosed:
		c.pruneLocked(now)
		failing := len(c.failures)
		if c.totalWorkers < c.cfg.SystemMinWorkers {
			return false, nil
		}
		percent := float64(failing) / float64(c.totalWorkers) * 100
		if percent < c.cfg.SystemFailurePercent {
			return false, nil
		}
		snapshot, _ := json.Marshal(map[string]interface{}{
			"failing_workers":   failing,
			"total_workers":     c.totalWorkers,
			"failure_percent":   percent,
			"window_seconds":    int(c.cfg.SystemWindow.Seconds()),
			"threshold_percent": c.cfg.SystemFailurePercent,
			"tripped_at":        now.Format(time.RFC3339),
		})
		err := c.b.transition(ctx, types.CircuitStateOpen, types.CircuitEventThresholdReached,
			func() map[string]interface{} {
				return map[string]interface{}{
					"failure_count":   failing,
					"opened_at":       now,
					"last_failure_at": now,
					"config_snapshot": snapshot,
				}
			}, snapshot)
		if err != nil {
			return true, err
		}
		c.b.log.Warn("system circuit tripped",
			"failing_workers", failing,
			"total_workers", c.totalWorkers,
			"failure_percent", percent)
		return true, nil
	default:
		// half_open is not used at system level; treat as open.
		return true, nil
	}
}

// Reset forces the circuit closed and clears the failure window.
func (c *SystemCircuit) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.b.reload(ctx); err != nil {
		return err
	}
	c.failures = make(map[string]time.Time)
	return c.b.transition(ctx, types.CircuitStateClosed, types.CircuitEventManualReset,
		func() map[string]interface{} {
			return map[string]interface{}{
				"failure_count": 0,
				"opened_at":     nil,
			}
		}, nil)
}
