package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	assert.Equal(t, "8091", cfg.Port)
	assert.Equal(t, "last-write-wins", cfg.ConflictPolicy)
	assert.Equal(t, 10000, cfg.ChangeLogCap)
	assert.Equal(t, 10, cfg.ConflictWindow)
	assert.Equal(t, 30*24*time.Hour, cfg.RetentionHorizon)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CHANGE_SYNC_PORT", "9000")
	t.Setenv("CHANGE_SYNC_CHANGE_LOG_CAP", "50")
	t.Setenv("CHANGE_SYNC_SWEEP_INTERVAL", "5m")
	t.Setenv("CHANGE_SYNC_CONFLICT_POLICY", "manual")

	cfg := Load()
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, 50, cfg.ChangeLogCap)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval)
	assert.Equal(t, "manual", cfg.ConflictPolicy)
}

func TestPortEnvWins(t *testing.T) {
	t.Setenv("CHANGE_SYNC_PORT", "9000")
	t.Setenv("PORT", "9001")
	assert.Equal(t, "9001", Load().Port)
}

func TestConfigFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "changesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"port: \"9100\"\nchange_log_cap: 42\nretention_horizon: 72h\n",
	), 0o644))
	t.Setenv("CHANGE_SYNC_CONFIG_FILE", path)
	t.Setenv("CHANGE_SYNC_LOG_LEVEL", "debug")

	cfg := Load()
	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, 42, cfg.ChangeLogCap)
	assert.Equal(t, 72*time.Hour, cfg.RetentionHorizon)
	// Keys the file does not set keep their env/default values.
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 200, cfg.PageLimit)
}
