// Copyright 2025 The Agents Dashboard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration from a YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when configuration validation fails.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the complete agentsd configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	RPC       RPCConfig       `yaml:"rpc"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Container ContainerConfig `yaml:"container"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Retention RetentionConfig `yaml:"retention"`
	Alerting  AlertingConfig  `yaml:"alerting"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	Workspace WorkspaceConfig `yaml:"workspace"`
}

// ServerConfig configures the HTTP surface (webhook ingest + metrics).
type ServerConfig struct {
	// WebhookAddr is the address for the webhook ingest listener.
	// Environment: AGENTSD_WEBHOOK_ADDR
	WebhookAddr string `yaml:"webhook_addr,omitempty"`

	// MetricsAddr is the address for the Prometheus /metrics endpoint.
	// Empty disables the metrics listener.
	// Environment: AGENTSD_METRICS_ADDR
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is the log level (trace, debug, info, warn, error).
	Level string `yaml:"level,omitempty"`

	// Format is the log format (json, text).
	Format string `yaml:"format,omitempty"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// DatabaseConfig configures the sqlite run store.
type DatabaseConfig struct {
	// Path is the sqlite database file.
	// Environment: AGENTSD_DB_PATH
	Path string `yaml:"path,omitempty"`

	// BusyTimeout is the sqlite busy handler timeout.
	BusyTimeout time.Duration `yaml:"busy_timeout,omitempty"`
}

// RPCConfig configures the dispatch-plane listener.
type RPCConfig struct {
	// Addr is "tcp:host:port" or "unix:/path/to.sock".
	// Environment: AGENTSD_RPC_ADDR
	Addr string `yaml:"addr,omitempty"`

	// AuthToken, when set, is required in the connection handshake.
	// Environment: AGENTSD_RPC_TOKEN
	AuthToken string `yaml:"auth_token,omitempty"`
}

// DispatchConfig configures run admission and retry.
type DispatchConfig struct {
	// MaxConcurrentRuns is the global concurrency cap.
	// Environment: AGENTSD_MAX_CONCURRENT_RUNS
	MaxConcurrentRuns int `yaml:"max_concurrent_runs,omitempty"`

	// MaxPerProject caps concurrent runs per project. Zero means unlimited.
	MaxPerProject int `yaml:"max_per_project,omitempty"`

	// MaxPerRepository caps concurrent runs per repository. Zero means
	// unlimited, except mutating harnesses in default mode which are
	// always serialised per repository.
	MaxPerRepository int `yaml:"max_per_repository,omitempty"`

	// MaxPerTask caps concurrent runs per task.
	MaxPerTask int `yaml:"max_per_task,omitempty"`

	// WorkerHeartbeatTimeout is how stale a heartbeat may be before the
	// worker stops receiving dispatches.
	WorkerHeartbeatTimeout time.Duration `yaml:"worker_heartbeat_timeout,omitempty"`
}

// SchedulerConfig configures the scheduling loop.
type SchedulerConfig struct {
	// TickInterval is the due-task polling cadence.
	TickInterval time.Duration `yaml:"tick_interval,omitempty"`
}

// ContainerConfig configures the containerd sandbox runtime.
type ContainerConfig struct {
	// SocketPath is the containerd socket.
	// Environment: AGENTSD_CONTAINERD_SOCKET
	SocketPath string `yaml:"socket_path,omitempty"`

	// StopGrace is the SIGTERM grace window before SIGKILL.
	StopGrace time.Duration `yaml:"stop_grace,omitempty"`

	// DefaultCPU is the CPU quota for run sandboxes, in cores.
	DefaultCPU float64 `yaml:"default_cpu,omitempty"`

	// DefaultMemoryBytes is the memory limit for run sandboxes.
	DefaultMemoryBytes int64 `yaml:"default_memory_bytes,omitempty"`
}

// ProxyConfig configures the dev-server proxy route table.
type ProxyConfig struct {
	// SweepInterval is the expired-route sweep cadence.
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
}

// RetentionConfig configures the run pruner.
type RetentionConfig struct {
	// Enabled turns the background pruner on.
	Enabled bool `yaml:"enabled"`

	// Interval is the pruning cadence.
	Interval time.Duration `yaml:"interval,omitempty"`

	// RetainFor is how long terminal runs keep their structured rows.
	RetainFor time.Duration `yaml:"retain_for,omitempty"`

	// MaxRunsPerTask bounds retained terminal runs per task.
	MaxRunsPerTask int `yaml:"max_runs_per_task,omitempty"`
}

// AlertingConfig configures alert rule evaluation.
type AlertingConfig struct {
	// Enabled turns the evaluation loop on.
	Enabled bool `yaml:"enabled"`

	// EvalInterval is the rule evaluation cadence.
	EvalInterval time.Duration `yaml:"eval_interval,omitempty"`
}

// ArtifactsConfig configures the artifact store.
type ArtifactsConfig struct {
	// StoreDir is where extracted run artifacts are kept.
	// Environment: AGENTSD_ARTIFACTS_DIR
	StoreDir string `yaml:"store_dir,omitempty"`
}

// WorkspaceConfig configures run workspaces.
type WorkspaceConfig struct {
	// Dir is the parent directory for per-run clone workspaces.
	// Environment: AGENTSD_WORKSPACE_DIR
	Dir string `yaml:"dir,omitempty"`
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			WebhookAddr:     ":8844",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			Path:        filepath.Join(dataDir, "agentsd.db"),
			BusyTimeout: 5 * time.Second,
		},
		RPC: RPCConfig{
			Addr: "unix:" + filepath.Join(dataDir, "agentsd.sock"),
		},
		Dispatch: DispatchConfig{
			MaxConcurrentRuns:      8,
			MaxPerProject:          4,
			MaxPerTask:             1,
			WorkerHeartbeatTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval: 10 * time.Second,
		},
		Container: ContainerConfig{
			SocketPath:         "/run/containerd/containerd.sock",
			StopGrace:          10 * time.Second,
			DefaultCPU:         1.5,
			DefaultMemoryBytes: 2 << 30,
		},
		Proxy: ProxyConfig{
			SweepInterval: 60 * time.Second,
		},
		Retention: RetentionConfig{
			Enabled:        true,
			Interval:       time.Hour,
			RetainFor:      30 * 24 * time.Hour,
			MaxRunsPerTask: 500,
		},
		Alerting: AlertingConfig{
			Enabled:      true,
			EvalInterval: 30 * time.Second,
		},
		Artifacts: ArtifactsConfig{
			StoreDir: filepath.Join(dataDir, "artifacts"),
		},
		Workspace: WorkspaceConfig{
			Dir: filepath.Join(dataDir, "workspaces"),
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("AGENTSD_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/agentsd"
	}
	return filepath.Join(home, ".agentsd")
}

// Load reads the configuration file at path, applies defaults for unset
// fields, then environment overrides, then validates. A missing file is
// not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults apply.
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromEnv applies environment variable overrides.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("AGENTSD_WEBHOOK_ADDR"); val != "" {
		c.Server.WebhookAddr = val
	}
	if val := os.Getenv("AGENTSD_METRICS_ADDR"); val != "" {
		c.Server.MetricsAddr = val
	}
	if val := os.Getenv("AGENTSD_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("AGENTSD_DB_PATH"); val != "" {
		c.Database.Path = val
	}
	if val := os.Getenv("AGENTSD_RPC_ADDR"); val != "" {
		c.RPC.Addr = val
	}
	if val := os.Getenv("AGENTSD_RPC_TOKEN"); val != "" {
		c.RPC.AuthToken = val
	}
	if val := os.Getenv("AGENTSD_MAX_CONCURRENT_RUNS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Dispatch.MaxConcurrentRuns = n
		}
	}
	if val := os.Getenv("AGENTSD_CONTAINERD_SOCKET"); val != "" {
		c.Container.SocketPath = val
	}
	if val := os.Getenv("AGENTSD_ARTIFACTS_DIR"); val != "" {
		c.Artifacts.StoreDir = val
	}
	if val := os.Getenv("AGENTSD_WORKSPACE_DIR"); val != "" {
		c.Workspace.Dir = val
	}
	if val := os.Getenv("AGENTSD_SHUTDOWN_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Server.ShutdownTimeout = d
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.Log.Level)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.Log.Format)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("%w: database.path is required", ErrInvalidConfig)
	}
	if c.RPC.Addr == "" {
		return fmt.Errorf("%w: rpc.addr is required", ErrInvalidConfig)
	}
	if c.Dispatch.MaxConcurrentRuns < 1 {
		return fmt.Errorf("%w: dispatch.max_concurrent_runs must be at least 1", ErrInvalidConfig)
	}
	if c.Dispatch.MaxPerProject < 0 || c.Dispatch.MaxPerRepository < 0 || c.Dispatch.MaxPerTask < 0 {
		return fmt.Errorf("%w: dispatch caps must not be negative", ErrInvalidConfig)
	}
	if c.Container.DefaultCPU <= 0 {
		return fmt.Errorf("%w: container.default_cpu must be positive", ErrInvalidConfig)
	}
	if c.Container.DefaultMemoryBytes <= 0 {
		return fmt.Errorf("%w: container.default_memory_bytes must be positive", ErrInvalidConfig)
	}
	if c.Retention.Enabled {
		if c.Retention.Interval <= 0 {
			return fmt.Errorf("%w: retention.interval must be positive", ErrInvalidConfig)
		}
		if c.Retention.RetainFor <= 0 {
			return fmt.Errorf("%w: retention.retain_for must be positive", ErrInvalidConfig)
		}
		if c.Retention.MaxRunsPerTask < 1 {
			return fmt.Errorf("%w: retention.max_runs_per_task must be at least 1", ErrInvalidConfig)
		}
	}
	if c.Alerting.Enabled && c.Alerting.EvalInterval <= 0 {
		return fmt.Errorf("%w: alerting.eval_interval must be positive", ErrInvalidConfig)
	}
	return nil
}
