package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsForZeroFields(t *testing.T) {
	path := writeConfig(t, `
model:
  provider: anthropic
  model: claude-opus-4-1-20250805
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 8, cfg.Dispatch.Workers, "left unset in the file, falls back to the default")
	require.Equal(t, 1024, cfg.Dispatch.QueueDepth)
	require.Equal(t, 8, cfg.Scheduler.ParallelLimit)
	require.Equal(t, 50, cfg.Model.MaxSteps)
	require.Equal(t, "claude-opus-4-1-20250805", cfg.Model.Model)
}

func TestLoadHonorsExplicitOverrides(t *testing.T) {
	path := writeConfig(t, `
dispatch:
  workers: 4
  queue_depth: 64
  submit_rate_limit: 10
  submit_burst: 2
scheduler:
  parallel_limit: 2
model:
  max_steps: 5
  timeout: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 4, cfg.Dispatch.Workers)
	require.Equal(t, 64, cfg.Dispatch.QueueDepth)
	require.Equal(t, 10.0, cfg.Dispatch.SubmitRateLimit)
	require.Equal(t, 2, cfg.Dispatch.SubmitBurst)
	require.Equal(t, 2, cfg.Scheduler.ParallelLimit)
	require.Equal(t, 5, cfg.Model.MaxSteps)
	require.Equal(t, 30*time.Second, cfg.Model.Timeout)
}

func TestLoadReturnsErrorForMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}
