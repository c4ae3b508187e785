package circuit

import (
	"context"

	"github.com/google/uuid"

	"github.com/tddforge/tddforge-backend/internal/data/repos/circuits"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/observability"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

// ResetByID forces an arbitrary persisted circuit closed. The manual reset
// endpoint addresses circuits by row id rather than level and identifier, so
// it bypasses the per-run registry and works straight off the store.
// Returns nil without error when the id is unknown.
func ResetByID(ctx context.Context, repo circuits.CircuitRepo, log *logger.Logger, m *observability.Metrics, id uuid.UUID) (*types.CircuitBreaker, error) {
	row, err := repo.GetByID(dbctx.New(ctx), id)
	if err != nil || row == nil {
		return nil, err
	}
	b := &breaker{
		repo:    repo,
		log:     log.With("circuit", row.Identifier),
		runID:   row.RunID,
		row:     row,
		metrics: m,
	}
	if err := b.transition(ctx, types.CircuitStateClosed, types.CircuitEventManualReset,
		func() map[string]interface{} {
			return map[string]interface{}{
				"failure_count":      0,
				"extensions_count":   0,
				"half_open_requests": 0,
				"opened_at":          nil,
			}
		}, nil); err != nil {
		return nil, err
	}
	return b.row, nil
}
