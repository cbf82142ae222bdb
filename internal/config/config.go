// Package config loads the execution engine's YAML configuration,
// mirroring the observable settings table of the platform's external
// interfaces (pool sizing, timeouts, heartbeat cadence, and the backend
// selection for each external collaborator).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete system configuration structure. Every field
// maps to a setting observable via the YAML file.
type Config struct {
	Pool struct {
		MinWorkers                     int `yaml:"min_workers"`
		MaxWorkers                     int `yaml:"max_workers"`
		ExecutionTimeoutSeconds        int `yaml:"execution_timeout_seconds"`
		GracefulShutdownSeconds        int `yaml:"graceful_shutdown_seconds"`
		RecycleAfterExecutions         int `yaml:"recycle_after_executions"`
		WorkerHeartbeatIntervalSeconds int `yaml:"worker_heartbeat_interval_seconds"`
		WorkerRegistrationTTLSeconds   int `yaml:"worker_registration_ttl_seconds"`
	} `yaml:"pool"`

	Submission struct {
		SyncWaitCeilingSeconds int `yaml:"sync_wait_ceiling_seconds"`
	} `yaml:"submission"`

	Ephemeral struct {
		Backend   string `yaml:"backend"` // "memory" or "redis"
		RedisAddr string `yaml:"redis_addr"`
	} `yaml:"ephemeral"`

	DurableQueue struct {
		Backend string   `yaml:"backend"` // "memory" or "kafka"
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
		GroupID string   `yaml:"group_id"`
	} `yaml:"durable_queue"`

	RecordStore struct {
		Backend       string `yaml:"backend"` // "memory" or "postgres"
		DSN           string `yaml:"dsn"`
		MigrationsDir string `yaml:"migrations_dir"`
	} `yaml:"record_store"`

	LogSink struct {
		Dir string `yaml:"dir"`
	} `yaml:"log_sink"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Worker struct {
		BinaryPath string `yaml:"binary_path"`
	} `yaml:"worker"`
}

// Default returns the platform defaults for every setting.
func Default() Config {
	var c Config
	c.Pool.MinWorkers = 2
	c.Pool.MaxWorkers = 10
	c.Pool.ExecutionTimeoutSeconds = 300
	c.Pool.GracefulShutdownSeconds = 5
	c.Pool.RecycleAfterExecutions = 0
	c.Pool.WorkerHeartbeatIntervalSeconds = 10
	c.Pool.WorkerRegistrationTTLSeconds = 30
	c.Submission.SyncWaitCeilingSeconds = 1800
	c.Ephemeral.Backend = "memory"
	c.DurableQueue.Backend = "memory"
	c.DurableQueue.Topic = "bifrost-executions"
	c.DurableQueue.GroupID = "bifrost-dispatcher"
	c.RecordStore.Backend = "memory"
	c.Metrics.Enabled = true
	c.Metrics.Port = 9090
	c.Worker.BinaryPath = "bifrost-worker"
	return c
}

// Load reads and parses a YAML config file, falling back to Default
// for any zero-valued field the file omits.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

// ExecutionTimeout returns the configured default execution deadline.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Pool.ExecutionTimeoutSeconds) * time.Second
}

// GracefulShutdown returns the SIGTERM-to-SIGKILL grace window.
func (c *Config) GracefulShutdown() time.Duration {
	return time.Duration(c.Pool.GracefulShutdownSeconds) * time.Second
}

// HeartbeatInterval returns the pool registration refresh cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Pool.WorkerHeartbeatIntervalSeconds) * time.Second
}

// RegistrationTTL returns the liveness TTL applied to pool:{worker_id}.
func (c *Config) RegistrationTTL() time.Duration {
	return time.Duration(c.Pool.WorkerRegistrationTTLSeconds) * time.Second
}

// SyncWaitCeiling returns the cap on wait_for_result's timeout.
func (c *Config) SyncWaitCeiling() time.Duration {
	return time.Duration(c.Submission.SyncWaitCeilingSeconds) * time.Second
}
