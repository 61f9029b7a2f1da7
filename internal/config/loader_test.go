package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/orchestra/internal/model"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchestra.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
engine:
  max_concurrent_tasks: 2
  poll_interval_ms: 50
  enable_auto_retry: true
  enable_metrics: true
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Engine.MaxConcurrentTasks)
	assert.Equal(t, 50, cfg.Engine.PollIntervalMs)
	assert.True(t, cfg.Engine.EnableAutoRetry)
	assert.True(t, cfg.Engine.EnableMetrics)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Absent fields fall back to defaults.
	assert.Equal(t, model.DefaultTimeoutMs, cfg.Engine.DefaultTimeoutMs)
	assert.Equal(t, model.DefaultMaxRetries, cfg.Engine.DefaultMaxRetries)
}

func TestLoadEmptyFileYieldsDefaults(t *testing.T) {
	path := writeConfig(t, "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultConfig().Engine, cfg.Engine)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "engine: [not a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsNegativeValues(t *testing.T) {
	path := writeConfig(t, `
engine:
  poll_interval_ms: -5
`)
	_, err := Load(path)
	assert.Error(t, err)
}
