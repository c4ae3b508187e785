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

// WorkerCircuit pauses a worker that strings together consecutive task
// failures. Unlike the stage circuit, a failed half-open probe extends the
// pause instead of merely reopening, and after max_extensions the circuit
// is permanently open until a manual reset.
type WorkerCircuit struct {
	mu  sync.Mutex
	b   *breaker
	cfg Config
}

func WorkerIdentifier(workerID string) string {
	return fmt.Sprintf("worker_%s", workerID)
}

func NewWorkerCircuit(ctx context.Context, repo circuits.CircuitRepo, log *logger.Logger, workerID string, runID *uuid.UUID, cfg Config) (*WorkerCircuit, error) {
	b, err := newBreaker(ctx, repo, log, types.CircuitLevelWorker, WorkerIdentifier(workerID), runID)
	if err != nil {
		return nil, err
	}
	return &WorkerCircuit{b: b, cfg: cfg.Normalize()}, nil
}

func (c *WorkerCircuit) Identifier() string { return c.b.row.Identifier }

func (c *WorkerCircuit) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.row.State
}

func (c *WorkerCircuit) Row() types.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.b.Snapshot()
}

func (c *WorkerCircuit) permanentlyOpen() bool {
	return c.b.row.ExtensionsCount >= c.cfg.WorkerMaxExtensions
}

func (c *WorkerCircuit) CheckAndAllow(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.b.reload(ctx); err != nil {
		return false, err
	}
	switch c.b.row.State {
	case types.CircuitStateClosed:
		return true, nil
	case types.CircuitStateOpen:
		if c.permanentlyOpen() {
			return false, &OpenError{Identifier: c.b.row.Identifier}
		}
		if c.b.timeUntilRetry(c.cfg.WorkerRecoveryTimeout) > 0 {
			return false, &OpenError{
				Identifier:     c.b.row.Identifier,
				TimeUntilRetry: c.b.timeUntilRetry(c.cfg.WorkerRecoveryTimeout),
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

// RecordSuccess marks one completed task. Recovery from half_open resets
// extensions_count so a recovered worker starts with a clean slate.
func (c *WorkerCircuit) RecordSuccess(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.b.reload(ctx); err != nil {
		return err
	}
	now := time.Now().UTC()
	switch c.b.row.State {
	case types.CircuitStateHalfOpen:
		return c.b.transition(ctx, types.CircuitStateClosed, types.CircuitEventRecoverySucceeded,
			func() map[string]interface{} {
				return map[string]interface{}{
					"failure_count":      0,
					"success_count":      c.b.row.SuccessCount + 1,
					"half_open_requests": 0,
					"extensions_count":   0,
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

// RecordFailure marks one failed task. Returns true when the worker is now
// paused (open).
func (c *WorkerCircuit) RecordFailure(ctx context.Context, errorContext []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.b.reload(ctx); err != nil {
		return false, err
	}
	now := time.Now().UTC()
	switch c.b.row.State {
	case types.CircuitStateHalfOpen:
		// Probe failed: extend the pause rather than simply reopening.
		err := c.b.transition(ctx, types.CircuitStateOpen, types.CircuitEventExtensionApplied,
			func() map[string]interface{} {
				return map[string]interface{}{
					"failure_count":      c.b.row.FailureCount + 1,
					"half_open_requests": 0,
					"extensions_count":   c.b.row.ExtensionsCount + 1,
					"opened_at":          now,
					"last_failure_at":    now,
				}
			}, errorContext)
		return true, err
	case types.CircuitStateOpen:
		if err := c.b.apply(ctx, func() map[string]interface{} {
			return map[string]interface{}{
				"failure_count":   c.b.row.FailureCount + 1,
				"last_failure_at": now,
			}
		}); err != nil {
			return false, err
		}
		c.b.event(ctx, types.CircuitEventFailureRecorded, c.b.row.State, c.b.row.State, errorContext)
		return true, nil
	default:
		if c.b.row.FailureCount+1 >= c.cfg.WorkerMaxFailures {
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

// ReleaseProbe returns an admitted half-open probe slot unused. Called when
// the admitted worker found no task to run, so the slot is not stranded.
func (c *WorkerCircuit) ReleaseProbe(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.b.reload(ctx); err != nil {
		return err
	}
	if c.b.row.State != types.CircuitStateHalfOpen || c.b.row.HalfOpenRequests == 0 {
		return nil
	}
	return c.b.apply(ctx, func() map[string]interface{} {
		return map[string]interface{}{"half_open_requests": 0}
	})
}

func (c *WorkerCircuit) Reset(ctx context.Context) error {
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
				"extensions_count":   0,
				"opened_at":          nil,
			}
		}, nil)
}
