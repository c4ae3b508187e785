package circuit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tddforge/tddforge-backend/internal/data/repos/circuits"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/observability"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

const casRetries = 5

// breaker is the persistence base shared by all three circuit levels.
// It holds the cached row and the version-CAS write loop; the level-specific
// types own the trip and recovery predicates. Callers hold the per-instance
// mutex of the owning circuit while using these methods.
type breaker struct {
	repo    circuits.CircuitRepo
	log     *logger.Logger
	runID   *uuid.UUID
	row     *types.CircuitBreaker
	metrics *observability.Metrics
}

func newBreaker(ctx context.Context, repo circuits.CircuitRepo, log *logger.Logger, level, identifier string, runID *uuid.UUID) (*breaker, error) {
	row, err := repo.GetOrCreate(dbctx.New(ctx), level, identifier, runID)
	if err != nil {
		return nil, fmt.Errorf("load circuit %s/%s: %w", level, identifier, err)
	}
	return &breaker{
		repo:  repo,
		log:   log.With("circuit", identifier),
		runID: runID,
		row:   row,
	}, nil
}

// reload re-reads the persisted row. Every decision re-reads first so a
// circuit instance evicted and recreated elsewhere stays coherent.
func (b *breaker) reload(ctx context.Context) error {
	row, err := b.repo.GetByID(dbctx.New(ctx), b.row.ID)
	if err != nil {
		return err
	}
	if row != nil {
		b.row = row
	}
	return nil
}

// apply writes the fields produced by compute under the optimistic version
// lock, re-reading and retrying on a lost update. compute runs against the
// current row on every pass: after a lost update the counters are derived
// from the winner's values, not the ones read before the conflict. Lost
// updates are contention, not errors.
func (b *breaker) apply(ctx context.Context, compute func() map[string]interface{}) error {
	for i := 0; i < casRetries; i++ {
		ok, err := b.repo.UpdateWithVersion(dbctx.New(ctx), b.row.ID, b.row.Version, compute())
		if err != nil {
			return err
		}
		if ok {
			return b.reload(ctx)
		}
		if err := b.reload(ctx); err != nil {
			return err
		}
	}
	return fmt.Errorf("circuit %s: lost update %d times", b.row.Identifier, casRetries)
}

func (b *breaker) event(ctx context.Context, eventType, fromState, toState string, errorContext []byte) {
	ev := &types.CircuitBreakerEvent{
		CircuitID: b.row.ID,
		RunID:     b.runID,
		EventType: eventType,
		FromState: fromState,
		ToState:   toState,
	}
	if len(errorContext) > 0 {
		ev.ErrorContext = errorContext
	}
	if err := b.repo.RecordEvent(dbctx.New(ctx), ev); err != nil {
		b.log.Warn("failed to record circuit event", "event_type", eventType, "error", err)
	}
}

// transition moves the row to a new state, appending the audit event and
// mirroring the new state into the circuit_open gauge.
func (b *breaker) transition(ctx context.Context, toState, eventType string, compute func() map[string]interface{}, errorContext []byte) error {
	var from string
	err := b.apply(ctx, func() map[string]interface{} {
		from = b.row.State
		merged := map[string]interface{}{
			"state":                toState,
			"last_state_change_at": time.Now().UTC(),
		}
		for k, v := range compute() {
			merged[k] = v
		}
		return merged
	})
	if err != nil {
		return err
	}
	b.event(ctx, eventType, from, toState, errorContext)
	b.metrics.SetCircuitOpen(b.row.Level, b.row.Identifier, toState != types.CircuitStateClosed)
	return nil
}

func (b *breaker) timeUntilRetry(recoveryTimeout time.Duration) time.Duration {
	if b.row.OpenedAt == nil {
		return 0
	}
	remaining := recoveryTimeout - time.Since(*b.row.OpenedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Snapshot returns a copy of the current persisted row.
func (b *breaker) Snapshot() types.CircuitBreaker {
	return *b.row
}
