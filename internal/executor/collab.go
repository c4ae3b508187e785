package executor

import (
	"context"

	types "github.com/tddforge/tddforge-backend/internal/domain"
)

// ReviewResult is the outcome of a static review over a task's GREEN output.
type ReviewResult struct {
	Passed     bool
	Score      float64
	Violations []string
}

// StaticReviewer inspects the code a task produced after GREEN. A failed
// review marks the task blocked-static-review instead of passing.
type StaticReviewer interface {
	Review(ctx context.Context, task *types.Task) (ReviewResult, error)
}

// GitClient is the per-worker branch/stash boundary. Implementations manage
// one branch per worker; the orchestrator only records what happened.
type GitClient interface {
	EnsureBranch(ctx context.Context, workerID string) (branch string, err error)
	StashChanges(ctx context.Context, workerID string) error
}

// NopReviewer approves everything. The default when no reviewer is wired.
type NopReviewer struct{}

func (NopReviewer) Review(context.Context, *types.Task) (ReviewResult, error) {
	return ReviewResult{Passed: true, Score: 1}, nil
}

// NopGitClient does nothing. The default when workers share a workspace.
type NopGitClient struct{}

func (NopGitClient) EnsureBranch(_ context.Context, workerID string) (string, error) {
	return "", nil
}

func (NopGitClient) StashChanges(context.Context, string) error { return nil }
