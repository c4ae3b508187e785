package executor

import (
	"context"
	"sync"
)

// Stub is a scripted executor for tests and dry runs. Outcomes are keyed by
// stage; per-stage scripts are consumed in order, with the last entry
// repeating once exhausted. A stage with no script succeeds.
type Stub struct {
	mu      sync.Mutex
	scripts map[string][]StageResult
	calls   []Request
}

func NewStub() *Stub {
	return &Stub{scripts: make(map[string][]StageResult)}
}

// Script queues the given results for a stage, in call order.
func (s *Stub) Script(stage string, results ...StageResult) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[stage] = append(s.scripts[stage], results...)
	return s
}

// FailStage queues n failures for a stage followed by a success.
func (s *Stub) FailStage(stage string, n int) *Stub {
	for i := 0; i < n; i++ {
		s.Script(stage, StageResult{Success: false, Output: "stub failure", Error: "stub failure"})
	}
	return s.Script(stage, StageResult{Success: true, Output: "stub success"})
}

// AlwaysFail makes every invocation of a stage fail.
func (s *Stub) AlwaysFail(stage string) *Stub {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[stage] = []StageResult{{Success: false, Output: "stub failure", Error: "stub failure"}}
	return s
}

func (s *Stub) ExecuteStage(_ context.Context, req Request) (StageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	queue, ok := s.scripts[req.Stage]
	if !ok || len(queue) == 0 {
		return StageResult{Success: true, Output: "stub success"}, nil
	}
	result := queue[0]
	if len(queue) > 1 {
		s.scripts[req.Stage] = queue[1:]
	}
	return result, nil
}

// Calls returns a copy of every request seen so far.
func (s *Stub) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.calls))
	copy(out, s.calls)
	return out
}

// StageCalls returns the requests seen for one stage.
func (s *Stub) StageCalls(stage string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, c := range s.calls {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}
