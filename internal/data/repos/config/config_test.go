package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tddforge/tddforge-backend/internal/data/repos/testutil"
	types "github.com/tddforge/tddforge-backend/internal/domain"
	"github.com/tddforge/tddforge-backend/internal/platform/dbctx"
)

func TestGetIntDefaultsAndClamps(t *testing.T) {
	repo := NewConfigRepo(testutil.DB(t), testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	// Unset keys fall back to their defaults.
	assert.Equal(t, 2, repo.GetInt(dbc, types.ConfigMaxGreenAttempts))
	assert.Equal(t, 1800, repo.GetInt(dbc, types.ConfigMaxGreenRetryTimeSeconds))

	require.NoError(t, repo.Set(dbc, types.ConfigMaxGreenAttempts, "50"))
	assert.Equal(t, 10, repo.GetInt(dbc, types.ConfigMaxGreenAttempts), "above max clamps down")

	require.NoError(t, repo.Set(dbc, types.ConfigMaxGreenAttempts, "0"))
	assert.Equal(t, 1, repo.GetInt(dbc, types.ConfigMaxGreenAttempts), "below min clamps up")

	require.NoError(t, repo.Set(dbc, types.ConfigMaxGreenAttempts, "7"))
	assert.Equal(t, 7, repo.GetInt(dbc, types.ConfigMaxGreenAttempts))

	require.NoError(t, repo.Set(dbc, types.ConfigGreenRetryDelayMs, "not-a-number"))
	assert.Equal(t, 1000, repo.GetInt(dbc, types.ConfigGreenRetryDelayMs))

	// Budget keys carry no bounds.
	require.NoError(t, repo.Set(dbc, types.ConfigMaxInvocationsPerSession, "100000"))
	assert.Equal(t, 100000, repo.GetInt(dbc, types.ConfigMaxInvocationsPerSession))

	assert.Equal(t, 0, repo.GetInt(dbc, "no_such_key"))
}

func TestSetOverwrites(t *testing.T) {
	repo := NewConfigRepo(testutil.DB(t), testutil.Logger(t))
	dbc := dbctx.New(context.Background())

	require.NoError(t, repo.Set(dbc, types.ConfigGreenRetryDelayMs, "250"))
	require.NoError(t, repo.Set(dbc, types.ConfigGreenRetryDelayMs, "750"))
	assert.Equal(t, 750, repo.GetInt(dbc, types.ConfigGreenRetryDelayMs))
	assert.Equal(t, "750", repo.GetString(dbc, types.ConfigGreenRetryDelayMs, ""))
}
