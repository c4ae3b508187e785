package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tddforge/tddforge-backend/internal/data/repos/testutil"
	types "github.com/tddforge/tddforge-backend/internal/domain"
)

func scriptRequest(stage string) Request {
	return Request{
		Task:          &types.Task{TaskKey: "1.1", TestFile: "foo_test.go"},
		Stage:         stage,
		AttemptNumber: 1,
	}
}

func TestScriptExecutorSuccessAndEnv(t *testing.T) {
	exec := NewScriptExecutor("sh", []string{"-c", `echo "stage=$TDDFORGE_STAGE attempt=$TDDFORGE_ATTEMPT"`}, t.TempDir(), testutil.Logger(t))

	res, err := exec.ExecuteStage(context.Background(), scriptRequest(types.StageGreen))
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 0, *res.ExitCode)
	assert.Contains(t, res.Output, "stage=green attempt=1")
}

func TestScriptExecutorNonZeroExitIsFailureNotError(t *testing.T) {
	exec := NewScriptExecutor("sh", []string{"-c", "echo boom >&2; exit 3"}, t.TempDir(), testutil.Logger(t))

	res, err := exec.ExecuteStage(context.Background(), scriptRequest(types.StageVerify))
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.ExitCode)
	assert.Equal(t, 3, *res.ExitCode)
	assert.Contains(t, res.Output, "boom", "stderr is captured with stdout")
}

func TestScriptExecutorSpawnFailureIsError(t *testing.T) {
	exec := NewScriptExecutor("/no/such/binary", nil, "", testutil.Logger(t))

	_, err := exec.ExecuteStage(context.Background(), scriptRequest(types.StageRed))
	require.Error(t, err)
}

func TestTruncateCapsFeedback(t *testing.T) {
	long := make([]byte, MaxTestOutputSize+500)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, Truncate(string(long), MaxTestOutputSize), MaxTestOutputSize)
	assert.Equal(t, "short", Truncate("short", MaxTestOutputSize))
}
