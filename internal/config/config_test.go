package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_MatchesSettingsTable(t *testing.T) {
	c := Default()

	assert.Equal(t, 2, c.Pool.MinWorkers)
	assert.Equal(t, 10, c.Pool.MaxWorkers)
	assert.Equal(t, 300, c.Pool.ExecutionTimeoutSeconds)
	assert.Equal(t, 5, c.Pool.GracefulShutdownSeconds)
	assert.Equal(t, 0, c.Pool.RecycleAfterExecutions)
	assert.Equal(t, 10, c.Pool.WorkerHeartbeatIntervalSeconds)
	assert.Equal(t, 30, c.Pool.WorkerRegistrationTTLSeconds)
	assert.Equal(t, 1800, c.Submission.SyncWaitCeilingSeconds)
	assert.Equal(t, "memory", c.Ephemeral.Backend)
	assert.Equal(t, "memory", c.DurableQueue.Backend)
	assert.Equal(t, "memory", c.RecordStore.Backend)
}

func TestDefault_DurationHelpers(t *testing.T) {
	c := Default()

	assert.Equal(t, 300*time.Second, c.ExecutionTimeout())
	assert.Equal(t, 5*time.Second, c.GracefulShutdown())
	assert.Equal(t, 10*time.Second, c.HeartbeatInterval())
	assert.Equal(t, 30*time.Second, c.RegistrationTTL())
	assert.Equal(t, 1800*time.Second, c.SyncWaitCeiling())
}

func TestLoad_OverridesDefaultsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bifrost.yaml")
	body := []byte(`
pool:
  min_workers: 4
  max_workers: 20
ephemeral:
  backend: redis
  redis_addr: localhost:6379
record_store:
  backend: postgres
  dsn: postgres://localhost/bifrost
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Pool.MinWorkers)
	assert.Equal(t, 20, cfg.Pool.MaxWorkers)
	// Fields the override omits keep their defaults.
	assert.Equal(t, 300, cfg.Pool.ExecutionTimeoutSeconds)
	assert.Equal(t, "redis", cfg.Ephemeral.Backend)
	assert.Equal(t, "localhost:6379", cfg.Ephemeral.RedisAddr)
	assert.Equal(t, "postgres", cfg.RecordStore.Backend)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pool: [this is not a map"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
