package executor

import (
	"context"

	types "github.com/tddforge/tddforge-backend/internal/domain"
)

// MaxTestOutputSize caps the previous-failure context fed back into a retry.
// Only the feedback is truncated; recorded attempts keep full output.
const MaxTestOutputSize = 10000

// Request carries everything an external stage executor needs for one
// invocation.
type Request struct {
	Task            *types.Task
	Stage           string
	AttemptNumber   int
	PreviousFailure string
}

// StageResult is the outcome of one external stage invocation. Error holds
// the diagnostic message when Success is false; ExitCode is nil when the
// executor does not expose one.
type StageResult struct {
	Success  bool
	Output   string
	Error    string
	ExitCode *int
}

// StageExecutor is the boundary to whatever actually writes and runs code
// for a stage. The orchestrator never interprets Output beyond feeding it
// back as previous-failure context.
type StageExecutor interface {
	ExecuteStage(ctx context.Context, req Request) (StageResult, error)
}

// Truncate clips s to at most max bytes. Used on feedback context only.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max]
}
