package run

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	types "github.com/tddforge/tddforge-backend/internal/domain"
)

// FileDecomposer loads a pre-decomposed task list from a JSON file. It
// stands in for the agent-backed decomposition service in local and CI
// setups where the task breakdown is prepared ahead of time.
type FileDecomposer struct {
	// Path overrides the spec path as the task list source when set.
	Path string
}

func (d *FileDecomposer) Decompose(_ context.Context, specPath string) ([]*types.Task, error) {
	path := d.Path
	if path == "" {
		path = specPath
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task list: %w", err)
	}
	var out []*types.Task
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse task list %s: %w", path, err)
	}
	for i, t := range out {
		if t.TaskKey == "" {
			return nil, fmt.Errorf("task %d in %s has no task_key", i, path)
		}
		if t.Sequence == 0 {
			t.Sequence = i + 1
		}
	}
	return out, nil
}
