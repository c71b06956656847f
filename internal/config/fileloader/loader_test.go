package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	t.Parallel()

	raw := `
api:
  port: "9090"
dispatch:
  batch_size_ceiling: 1048576
  pacing_delay: 5s
executor:
  backoff_base: 100ms
  max_auth_attempts: 2
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := NewFileLoader(path).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.API.Port)
	assert.Equal(t, int64(1048576), cfg.Dispatch.BatchSizeCeiling)
	assert.Equal(t, 5*time.Second, cfg.Dispatch.PacingDelay.Std())
	assert.Equal(t, 100*time.Millisecond, cfg.Executor.BackoffBase.Std())
	assert.Equal(t, 2, cfg.Executor.MaxAuthAttempts)

	// Untouched values keep the reference defaults.
	assert.Equal(t, 24*time.Hour, cfg.Credential.Cooldown.Std())
	assert.Equal(t, int64(32<<20), cfg.Reputation.MaxFileSize)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewFileLoader(filepath.Join(t.TempDir(), "nope.yaml")).Load(context.Background())
	assert.Error(t, err)
}
