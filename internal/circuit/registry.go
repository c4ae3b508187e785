package circuit

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/tddforge/tddforge-backend/internal/data/repos/circuits"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/observability"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

// Registry hands out circuit instances for the three levels. Stage circuits
// are cached in an LRU because their population grows with tasks*stages;
// eviction is safe since state lives in the store and a recreated instance
// rehydrates from its row.
type Registry struct {
	repo  circuits.CircuitRepo
	log   *logger.Logger
	cfg   Config
	runID *uuid.UUID

	stages  *lru.Cache
	mu      sync.Mutex
	metrics *observability.Metrics
	workers map[string]*WorkerCircuit
	system  *SystemCircuit
}

func NewRegistry(ctx context.Context, repo circuits.CircuitRepo, log *logger.Logger, runID *uuid.UUID, cfg Config) (*Registry, error) {
	cfg = cfg.Normalize()
	cache, err := lru.New(cfg.StageCacheSize)
	if err != nil {
		return nil, err
	}
	system, err := NewSystemCircuit(ctx, repo, log, runID, cfg)
	if err != nil {
		return nil, err
	}
	return &Registry{
		repo:    repo,
		log:     log.With("component", "circuit_registry"),
		cfg:     cfg,
		runID:   runID,
		stages:  cache,
		workers: make(map[string]*WorkerCircuit),
		system:  system,
	}, nil
}

// SetMetrics attaches the gauge mirroring circuit state. Covers the system
// singleton immediately and every circuit created afterwards.
func (r *Registry) SetMetrics(m *observability.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
	r.system.b.metrics = m
}

func (r *Registry) getMetrics() *observability.Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics
}

// GetStageCircuit returns the circuit for a (task, stage) pair, creating or
// rehydrating it as needed.
func (r *Registry) GetStageCircuit(ctx context.Context, taskID uuid.UUID, stage string) (*StageCircuit, error) {
	key := StageIdentifier(taskID, stage)
	if v, ok := r.stages.Get(key); ok {
		return v.(*StageCircuit), nil
	}
	c, err := NewStageCircuit(ctx, r.repo, r.log, taskID, stage, r.runID, r.cfg)
	if err != nil {
		return nil, err
	}
	c.b.metrics = r.getMetrics()
	// Another goroutine may have raced the create; keep whichever landed
	// first so both callers share one mutex.
	if existing, ok, _ := r.stages.PeekOrAdd(key, c); ok {
		return existing.(*StageCircuit), nil
	}
	return c, nil
}

func (r *Registry) GetWorkerCircuit(ctx context.Context, workerID string) (*WorkerCircuit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.workers[workerID]; ok {
		return c, nil
	}
	c, err := NewWorkerCircuit(ctx, r.repo, r.log, workerID, r.runID, r.cfg)
	if err != nil {
		return nil, err
	}
	c.b.metrics = r.metrics
	r.workers[workerID] = c
	return c, nil
}

func (r *Registry) System() *SystemCircuit { return r.system }

func (r *Registry) SetTotalWorkers(n int) { r.system.SetTotalWorkers(n) }

// CleanupCompletedTasks drops the cached stage circuits of a finished task.
// The persisted rows stay for audit.
func (r *Registry) CleanupCompletedTasks(taskID uuid.UUID) {
	prefix := taskID.String() + ":"
	for _, k := range r.stages.Keys() {
		if key, ok := k.(string); ok && strings.HasPrefix(key, prefix) {
			r.stages.Remove(k)
		}
	}
}

// AllOpenCircuits lists every persisted circuit not currently closed, across
// all levels. Backs the health endpoint.
func (r *Registry) AllOpenCircuits(ctx context.Context) ([]*types.CircuitBreaker, error) {
	rows, err := r.repo.List(dbctx.New(ctx), "", "")
	if err != nil {
		return nil, err
	}
	open := make([]*types.CircuitBreaker, 0, len(rows))
	for _, row := range rows {
		if row.State != types.CircuitStateClosed {
			open = append(open, row)
		}
	}
	return open, nil
}
