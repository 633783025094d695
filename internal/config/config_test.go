package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 50, cfg.Loop.MaxTurns)
	assert.Equal(t, 60*time.Minute, cfg.Loop.MaxDuration)
	assert.Equal(t, 5, cfg.Loop.MaxSummaries)
	assert.Equal(t, 5, cfg.Resilience.CircuitThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Resilience.CircuitWindow)
	assert.Equal(t, 300*time.Second, cfg.Resilience.RetryAfter)
	assert.Equal(t, 60, cfg.RateLimit.DefaultPerMinute)
	assert.InDelta(t, 0.8, cfg.Search.HighQuality, 1e-9)
	assert.InDelta(t, 0.4, cfg.Search.AcceptQuality, 1e-9)
	assert.Equal(t, 3, cfg.Resilience.Retry["generation"].MaxRetries)
	assert.InDelta(t, 2.0, cfg.Resilience.Retry["generation"].BackoffFactor, 1e-9)
	assert.Equal(t, "sqlite3", cfg.Store.Driver)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchestrator.yaml")
	doc := `
loop:
  max_turns: 10
resilience:
  circuit_threshold: 7
search:
  high_quality: 0.9
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Loop.MaxTurns)
	assert.Equal(t, 7, cfg.Resilience.CircuitThreshold)
	assert.InDelta(t, 0.9, cfg.Search.HighQuality, 1e-9)
	// Untouched keys keep their defaults.
	assert.Equal(t, 60*time.Minute, cfg.Loop.MaxDuration)
	assert.Equal(t, 300*time.Second, cfg.Resilience.RetryAfter)
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Loop.MaxTurns)
}
