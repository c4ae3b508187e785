package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tddforge/tddforge-backend/internal/data/repos/circuits"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

// StageCircuit guards one (task, stage) pair so a single stage cannot burn
// unbounded retries. Failure counting is consecutive: a success in closed
// state resets the count.
type StageCircuit struct {
	mu  sync.Mutex
	b   *breaker
	cfg Config
}

func StageIdentifier(taskID uuid.UUID, stage string) string {
	return fmt.Sprintf("%s:%s", taskID, stage)
}

func NewStageCircuit(ctx context.Context, repo circuits.CircuitRepo, log *logger.Logger, taskID uuid.UUID, stage string, runID *uuid.UUID, cfg Config) (*StageCircuit, error) {
	b, err := newBreaker(ctx, repo, log, types.CircuitLevelStage, StageIdentifier(taskID, stage), runID)
	if err != nil {
		return nil, err
	}
	return &StageCircuit{b: b, cfg: cfg.Normalize()}, nil
}

func (c *StageCircuit) Identifier() string { return c.b.row.Identifier }

func (c *StageCircuit) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.row.State
}

func (c *StageCircuit) Row() types.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.Snapshot()
}

// CheckAndAllow re-reads persisted state and decides whether one request
// may proceed. In open state it self-transitions to half_open once the
// recovery window has elapsed and admits the caller as the probe; in
// half_open only a single in-flight probe is admitted.
func (c *StageCircuit) CheckAndAllow(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.b.reload(ctx); err != nil {
		return false, err
	}
	switch c.b.row.State {
	case types.CircuitStateClosed:
		return true, nil
	case types.CircuitStateOpen:
		if c.b.timeUntilRetry(c.cfg.StageRecoveryTimeout) > 0 {
			return false, &OpenError{
				Identifier:     c.b.row.Identifier,
				TimeUntilRetry: c.b.timeUntilRetry(c.cfg.StageRecoveryTimeout),
			}
		}
		err := c.b.transition(ctx, types.CircuitStateHalfOpen, types.CircuitEventRecoveryStarted,
			func() map[string]interface{} {
				return map[string]interface{}{"half_open_requests": 1}
			}, nil)
		if err != nil {
			return false, err
		}
		return true, nil
	case types.CircuitStateHalfOpen:
		if c.b.row.HalfOpenRequests > 0 {
			return false, &OpenError{Identifier: c.b.row.Identifier}
		}
		if err := c.b.apply(ctx, func() map[string]interface{} {
			return map[string]interface{}{"half_open_requests": 1}
		}); err != nil {
			return false, err
		}
		return true, nil
	default:
		return false, fmt.Errorf("circuit %s: unknown state %q", c.b.row.Identifier, c.b.row.State)
	}
}

func (c *StageCircuit) RecordSuccess(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.b.reload(ctx); err != nil {
		return err
	}
	now := time.Now().UTC()
	switch c.b.row.State {
	case types.CircuitStateHalfOpen:
		// Probe succeeded, close.
		return c.b.transition(ctx, types.CircuitStateClosed, types.CircuitEventRecoverySucceeded,
			func() map[string]interface{} {
				return map[string]interface{}{
					"failure_count":      0,
					"success_count":      c.b.row.SuccessCount + 1,
					"half_open_requests": 0,
					"opened_at":          nil,
					"last_success_at":    now,
				}
			}, nil)
	default:
		if err := c.b.apply(ctx, func() map[string]interface{} {
			return map[string]interface{}{
				"failure_count":   0,
				"success_count":   c.b.row.SuccessCount + 1,
				"last_success_at": now,
			}
		}); err != nil {
			return err
		}
		c.b.event(ctx, types.CircuitEventSuccessRecorded, c.b.row.State, c.b.row.State, nil)
		return nil
	}
}

// RecordFailure records one failed stage execution. Returns true when the
// failure tripped (or re-tripped) the circuit open.
func (c *StageCircuit) RecordFailure(ctx context.Context, errorContext []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.b.reload(ctx); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	switch c.b.row.State {
	case types.CircuitStateHalfOpen:
		// Probe failed, reopen and restart the recovery window.
		err := c.b.transition(ctx, types.CircuitStateOpen, types.CircuitEventRecoveryFailed,
			func() map[string]interface{} {
				return map[string]interface{}{
					"failure_count":      c.b.row.FailureCount + 1,
					"half_open_requests": 0,
					"opened_at":          now,
					"last_failure_at":    now,
				}
			}, errorContext)
		return true, err
	case types.CircuitStateOpen:
		// Late failure report while already open; count it, nothing trips.
		if err := c.b.apply(ctx, func() map[string]interface{} {
			return map[string]interface{}{
				"failure_count":   c.b.row.FailureCount + 1,
				"last_failure_at": now,
			}
		}); err != nil {
			return false, err
		}
		c.b.event(ctx, types.CircuitEventFailureRecorded, c.b.row.State, c.b.row.State, errorContext)
		return false, nil
	default:
		if c.b.row.FailureCount+1 >= c.cfg.StageMaxFailures {
			err := c.b.transition(ctx, types.CircuitStateOpen, types.CircuitEventThresholdReached,
				func() map[string]interface{} {
					return map[string]interface{}{
						"failure_count":   c.b.row.FailureCount + 1,
						"opened_at":       now,
						"last_failure_at": now,
					}
				}, errorContext)
			return true, err
		}
		if err := c.b.apply(ctx, func() map[string]interface{} {
			return map[string]interface{}{
				"failure_count":   c.b.row.FailureCount + 1,
				"last_failure_at": now,
			}
		}); err != nil {
			return false, err
		}
		c.b.event(ctx, types.CircuitEventFailureRecorded, c.b.row.State, c.b.row.State, errorContext)
		return false, nil
	}
}

// Reset forces the circuit closed. Used by POST /circuits/{id}/reset.
func (c *StageCircuit) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.b.reload(ctx); err != nil {
		return err
	}
	return c.b.transition(ctx, types.CircuitStateClosed, types.CircuitEventManualReset,
		func() map[string]interface{} {
			return map[string]interface{}{
				"failure_count":      0,
				"half_open_requests": 0,
				"opened_at":          nil,
			}
		}, nil)
}
