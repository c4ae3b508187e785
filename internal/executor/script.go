package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/tddforge/tddforge-backend/internal/platform/logger"
)

// ScriptExecutor shells out to a configured command once per stage. The
// request travels in TDDFORGE_* environment variables; the exit code decides
// success. Per-stage wall time is the script's own responsibility, so the
// command only runs under the caller's context.
type ScriptExecutor struct {
	command string
	args    []string
	workdir string
	log     *logger.Logger
}

func NewScriptExecutor(command string, args []string, workdir string, baseLog *logger.Logger) *ScriptExecutor {
	return &ScriptExecutor{
		command: command,
		args:    args,
		workdir: workdir,
		log:     baseLog.With("component", "script_executor"),
	}
}

func (e *ScriptExecutor) ExecuteStage(ctx context.Context, req Request) (StageResult, error) {
	if req.Task == nil {
		return StageResult{}, fmt.Errorf("execute stage: nil task")
	}
	cmd := exec.CommandContext(ctx, e.command, e.args...)
	cmd.Dir = e.workdir
	cmd.Env = append(cmd.Environ(),
		"TDDFORGE_TASK_KEY="+req.Task.TaskKey,
		"TDDFORGE_STAGE="+req.Stage,
		"TDDFORGE_ATTEMPT="+strconv.Itoa(req.AttemptNumber),
		"TDDFORGE_TEST_FILE="+req.Task.TestFile,
		"TDDFORGE_IMPL_FILE="+req.Task.ImplFile,
		"TDDFORGE_VERIFY_COMMAND="+req.Task.VerifyCommand,
		"TDDFORGE_PREVIOUS_FAILURE="+req.PreviousFailure,
	)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	result := StageResult{Output: out.String()}

	if err == nil {
		result.Success = true
		zero := 0
		result.ExitCode = &zero
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		result.ExitCode = &code
		result.Error = fmt.Sprintf("stage %s exited %d", req.Stage, code)
		e.log.Debug("stage script failed",
			"task_key", req.Task.TaskKey, "stage", req.Stage, "exit_code", code)
		return result, nil
	}

	// Spawn failure (missing binary, context cancelled): a real error, not a
	// stage failure.
	return StageResult{}, fmt.Errorf("run stage %s for %s: %w", req.Stage, req.Task.TaskKey, err)
}
