package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level server configuration.
type Config struct {
	Server      ServerConfig           `yaml:"server"`
	Queue       QueueConfig            `yaml:"queue"`
	Session     SessionConfig          `yaml:"session"`
	Coordinator CoordinatorConfig      `yaml:"coordinator"`
	Scheduler   SchedulerConfig        `yaml:"scheduler"`
	Workers     map[string]WorkerPool  `yaml:"workers"`
	Pools       []PoolBootstrap        `yaml:"pools"`
}

// ServerConfig covers the process-level settings.
type ServerConfig struct {
	APIAddr        string `yaml:"api_addr"`
	DataDir        string `yaml:"data_dir"`
	WorkerEndpoint string `yaml:"worker_endpoint"`
	LogLevel       string `yaml:"log_level"`
	LogJSON        bool   `yaml:"log_json"`
}

// QueueConfig bounds and orders the job queue.
type QueueConfig struct {
	MaxSize  int    `yaml:"max_size"`
	Strategy string `yaml:"strategy"`
}

// SessionConfig tunes the worker channel.
type SessionConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	GracePeriodSeconds       int `yaml:"grace_period_seconds"`
}

// HeartbeatInterval returns the heartbeat interval as a duration.
func (c SessionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// GracePeriod returns the cancellation grace period as a duration.
func (c SessionConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// CoordinatorConfig tunes the dispatch loop.
type CoordinatorConfig struct {
	TickMillis         int `yaml:"tick_millis"`
	ReuseWindowSeconds int `yaml:"reuse_window_seconds"`
	TailLines          int `yaml:"tail_lines"`
}

// Tick returns the scheduler tick as a duration.
func (c CoordinatorConfig) Tick() time.Duration {
	return time.Duration(c.TickMillis) * time.Millisecond
}

// ReuseWindow returns how long an idle worker is retained before destruction.
func (c CoordinatorConfig) ReuseWindow() time.Duration {
	return time.Duration(c.ReuseWindowSeconds) * time.Second
}

// SchedulerConfig selects the placement strategy.
type SchedulerConfig struct {
	Strategy string `yaml:"strategy"`
}

// WorkerPool is the per-pool-type worker configuration.
type WorkerPool struct {
	Image                      string            `yaml:"image"`
	Binary                     string            `yaml:"binary"`
	ProvisioningTimeoutSeconds int               `yaml:"provisioning_timeout_seconds"`
	Env                        map[string]string `yaml:"env"`
}

// ProvisioningTimeout returns the per-pool-type provisioning timeout.
func (w WorkerPool) ProvisioningTimeout() time.Duration {
	return time.Duration(w.ProvisioningTimeoutSeconds) * time.Second
}

// PoolBootstrap declares a pool created at startup if absent.
type PoolBootstrap struct {
	Name       string            `yaml:"name"`
	Type       string            `yaml:"type"`
	MaxWorkers int               `yaml:"max_workers"`
	MaxJobs    *int              `yaml:"max_jobs"`
	Labels     map[string]string `yaml:"labels"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			APIAddr:        ":8080",
			DataDir:        "/var/lib/hodei",
			WorkerEndpoint: "ws://127.0.0.1:8080/v1/workers/connect",
			LogLevel:       "info",
		},
		Queue: QueueConfig{
			MaxSize:  1000,
			Strategy: "PRIORITY_BASED",
		},
		Session: SessionConfig{
			HeartbeatIntervalSeconds: 30,
			GracePeriodSeconds:       30,
		},
		Coordinator: CoordinatorConfig{
			TickMillis:         500,
			ReuseWindowSeconds: 60,
			TailLines:          100,
		},
		Scheduler: SchedulerConfig{
			Strategy: "leastloaded",
		},
		Workers: map[string]WorkerPool{
			"kubernetes": {Image: "hodei/worker:latest", Binary: "/usr/local/bin/hodei-worker", ProvisioningTimeoutSeconds: 60},
			"docker":     {Image: "hodei/worker:latest", Binary: "/usr/local/bin/hodei-worker", ProvisioningTimeoutSeconds: 30},
			"local":      {Binary: "hodei-worker", ProvisioningTimeoutSeconds: 10},
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}
