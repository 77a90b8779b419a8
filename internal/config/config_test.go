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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Orchestrator.MaxMachines)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.IdleTimeout)
	assert.Equal(t, 5*time.Second, cfg.Orchestrator.PollInterval)
	assert.Equal(t, 24*time.Hour, cfg.Orchestrator.JobStatusTTL)
	assert.Equal(t, 3, cfg.Orchestrator.MaxJobRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Orchestrator.BackoffBase)
	assert.Equal(t, 10*time.Second, cfg.Orchestrator.BackoffMax)
	assert.Equal(t, time.Hour, cfg.Orchestrator.PresignedURLExpiry)
	assert.Equal(t, 5*time.Minute, cfg.Orchestrator.UploadingRecoveryBuffer)
	assert.Equal(t, time.Second, cfg.Orchestrator.RateLimitWindow)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestDevModeFromEmptyToken(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.DevMode(), "no provider token means dev mode")

	cfg.Provider.APIToken = "tok"
	assert.False(t, cfg.DevMode())

	cfg.Dev = true
	assert.True(t, cfg.DevMode(), "explicit dev flag wins")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("UPSTREAM_STATE_STORE_URL", "redis://store:6380")
	t.Setenv("PROVIDER_API_TOKEN", "secret")
	t.Setenv("OBJECT_STORE_INPUT_BUCKET", "in-bucket")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "redis://store:6380", cfg.Store.URL)
	assert.Equal(t, "secret", cfg.Provider.APIToken)
	assert.Equal(t, "in-bucket", cfg.ObjectStore.InputBucket)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.DevMode())
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte("orchestrator:\n  max_machines: 3\n  poll_interval: 1s\nserver:\n  addr: \":9999\"\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Orchestrator.MaxMachines)
	assert.Equal(t, time.Second, cfg.Orchestrator.PollInterval)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	// Untouched keys keep their defaults.
	assert.Equal(t, 3, cfg.Orchestrator.MaxJobRetries)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Orchestrator.MaxMachines = 0
	assert.Error(t, Validate(cfg))

	cfg, _ = Load("")
	cfg.Orchestrator.BackoffMax = cfg.Orchestrator.BackoffBase / 2
	assert.Error(t, Validate(cfg))

	cfg, _ = Load("")
	cfg.Store.URL = ""
	assert.Error(t, Validate(cfg))
}
