// Copyright 2025 The Trawl Authors
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

	trawlerrors "github.com/trawlhq/trawl/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// TransportMode selects how the worker reaches the master.
type TransportMode string

const (
	// ModeDirect connects the worker straight to Redis Streams.
	ModeDirect TransportMode = "direct"
	// ModeGateway connects the worker through the gRPC gateway.
	ModeGateway TransportMode = "gateway"
)

// Config represents the complete worker configuration.
type Config struct {
	// Name is the human-readable worker name shown in heartbeats.
	// Environment: WORKER_NAME
	Name string `yaml:"name" json:"name"`

	// WorkerID uniquely identifies this worker to the master.
	// Environment: WORKER_ID
	WorkerID string `yaml:"worker_id" json:"worker_id"`

	// Host is the address the worker advertises in heartbeats.
	// Environment: WORKER_HOST
	Host string `yaml:"host" json:"host"`

	// Port is the worker's advertised port.
	// Environment: WORKER_PORT
	// Default: 8711
	Port int `yaml:"port" json:"port"`

	// Region is an optional placement label used by dispatch filters.
	// Environment: WORKER_REGION
	Region string `yaml:"region" json:"region"`

	// Tags are free-form labels used by dispatch filters.
	Tags []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	// DataDir is the root for runtimes, artifacts, WALs and spools.
	// Environment: WORKER_DATA_DIR
	// Default: $XDG_DATA_HOME/trawl or ~/.trawl/data
	DataDir string `yaml:"data_dir" json:"data_dir"`

	Transport TransportConfig `yaml:"transport" json:"transport"`
	Execution ExecutionConfig `yaml:"execution" json:"execution"`
	Runtime   RuntimeConfig   `yaml:"runtime" json:"runtime"`
	Logs      LogPipeConfig   `yaml:"logs" json:"logs"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat" json:"heartbeat"`
	Log       LogConfig       `yaml:"log" json:"log"`

	// Observability configures metrics and tracing.
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// TransportConfig selects and tunes the worker-master channel.
type TransportConfig struct {
	// Mode is "direct" (Redis Streams) or "gateway" (gRPC proxy).
	// Environment: WORKER_TRANSPORT_MODE
	// Default: direct
	Mode TransportMode `yaml:"mode" json:"mode"`

	// Namespace prefixes every Redis key the worker touches.
	// Default: trawl
	Namespace string `yaml:"namespace" json:"namespace"`

	// RedisURL is the Redis connection URL (direct mode only).
	// Environment: WORKER_REDIS_URL
	RedisURL string `yaml:"redis_url,omitempty" json:"redis_url,omitempty"`

	// MasterURL is the master's HTTP base endpoint, used for
	// registration calls (register-direct in direct mode, install-key
	// exchange in gateway mode). Empty disables the HTTP leg of
	// registration in direct mode.
	// Environment: WORKER_MASTER_URL
	MasterURL string `yaml:"master_url,omitempty" json:"master_url,omitempty"`

	// GatewayHost is the gateway address (gateway mode only).
	// Environment: WORKER_GATEWAY_HOST
	GatewayHost string `yaml:"gateway_host,omitempty" json:"gateway_host,omitempty"`

	// GatewayPort is the gateway port (gateway mode only).
	// Environment: WORKER_GATEWAY_PORT
	// Default: 9443
	GatewayPort int `yaml:"gateway_port,omitempty" json:"gateway_port,omitempty"`

	// APIKey authenticates the worker to the gateway.
	// Environment: WORKER_API_KEY
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// TLS configures the gateway channel. Non-TLS is for dev only.
	TLS TLSConfig `yaml:"tls,omitempty" json:"tls,omitempty"`

	// PollTimeout is how long a single task poll blocks.
	// Default: 5s
	PollTimeout time.Duration `yaml:"poll_timeout" json:"poll_timeout"`

	// ConnectTimeout bounds connection establishment.
	// Default: 10s
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`

	// ReclaimInterval is how often the reclaim daemon scans for stale
	// pending entries (direct mode).
	// Default: 30s
	ReclaimInterval time.Duration `yaml:"reclaim_interval" json:"reclaim_interval"`

	// MinIdleTime is how long a delivered-but-unacked entry must sit
	// before another consumer may claim it.
	// Default: 60s
	MinIdleTime time.Duration `yaml:"min_idle_time" json:"min_idle_time"`

	// MaxRetries is the delivery budget before dead-lettering.
	// Default: 3
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// ReceiptTTL bounds the idempotency caches for acks and results.
	// Default: 10m
	ReceiptTTL time.Duration `yaml:"receipt_ttl" json:"receipt_ttl"`
}

// TLSConfig configures TLS for the gateway channel.
type TLSConfig struct {
	// Enabled activates TLS.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// VerifyCertificate controls certificate validation.
	VerifyCertificate bool `yaml:"verify_certificate" json:"verify_certificate"`

	// CACertPath is the path to the CA certificate.
	CACertPath string `yaml:"ca_cert_path,omitempty" json:"ca_cert_path,omitempty"`

	// ClientCertPath and ClientKeyPath enable mTLS when both are set.
	ClientCertPath string `yaml:"client_cert_path,omitempty" json:"client_cert_path,omitempty"`
	ClientKeyPath  string `yaml:"client_key_path,omitempty" json:"client_key_path,omitempty"`
}

// ExecutionConfig tunes the execution engine.
type ExecutionConfig struct {
	// MaxConcurrent is the number of execution slots.
	// Environment: WORKER_MAX_CONCURRENT_TASKS
	// Default: 4
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`

	// MaxQueueSize bounds the scheduler; overflow is rejected.
	// Default: 100
	MaxQueueSize int `yaml:"max_queue_size" json:"max_queue_size"`

	// GracePeriod is the window between polite stop and hard kill.
	// Default: 10s
	GracePeriod time.Duration `yaml:"grace_period" json:"grace_period"`

	// DefaultTimeout applies to tasks that carry no timeout.
	// Default: 1h
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`

	// MaxLineBytes splits longer output lines into multiple entries.
	// Default: 16384
	MaxLineBytes int `yaml:"max_line_bytes" json:"max_line_bytes"`

	// CPULimitSeconds caps child CPU time where the OS supports it.
	// 0 disables the cap.
	CPULimitSeconds int `yaml:"cpu_limit_seconds,omitempty" json:"cpu_limit_seconds,omitempty"`

	// MemoryLimitMB caps child RSS where the OS supports it.
	// 0 disables the cap.
	MemoryLimitMB int `yaml:"memory_limit_mb,omitempty" json:"memory_limit_mb,omitempty"`
}

// RuntimeConfig tunes the runtime resolver.
type RuntimeConfig struct {
	// VenvsDir overrides the environment cache root.
	// Default: <data_dir>/runtimes
	VenvsDir string `yaml:"venvs_dir,omitempty" json:"venvs_dir,omitempty"`

	// PythonPaths are preregistered interpreter paths tried after the
	// version manager and before the system python.
	PythonPaths []string `yaml:"python_paths,omitempty" json:"python_paths,omitempty"`

	// PackageManager installs requirements ("uv" or "pip").
	// Default: uv
	PackageManager string `yaml:"package_manager" json:"package_manager"`

	// BuildTimeout bounds a single environment build.
	// Default: 15m
	BuildTimeout time.Duration `yaml:"build_timeout" json:"build_timeout"`

	// GCMaxAge evicts cached environments unused for this long.
	// Default: 336h (14 days)
	GCMaxAge time.Duration `yaml:"gc_max_age" json:"gc_max_age"`

	// GCInterval is how often the cache sweeper runs. 0 disables it.
	// Default: 6h
	GCInterval time.Duration `yaml:"gc_interval" json:"gc_interval"`
}

// LogPipeConfig tunes the per-run log pipeline.
type LogPipeConfig struct {
	// BatchSize is the maximum entries per send.
	// Default: 100
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// FlushInterval forces a send even when the batch is not full.
	// Default: 1s
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`

	// MaxQueueSize bounds the in-memory ring per run.
	// Default: 10000
	MaxQueueSize int `yaml:"max_queue_size" json:"max_queue_size"`

	// WarningThreshold is the queue fraction that enters WARNING.
	// Default: 0.5
	WarningThreshold float64 `yaml:"warning_threshold" json:"warning_threshold"`

	// CriticalThreshold is the queue fraction that enters CRITICAL.
	// Default: 0.8
	CriticalThreshold float64 `yaml:"critical_threshold" json:"critical_threshold"`

	// DropOnCritical drops new entries while in CRITICAL instead of
	// letting the queue fill to BLOCKED.
	DropOnCritical bool `yaml:"drop_on_critical" json:"drop_on_critical"`

	// RateLimit caps entries per second handed to the transport.
	// 0 disables pacing.
	// Default: 2000
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`

	// RateBurst is the pacing burst size.
	// Default: 500
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`

	// Archive configures optional WAL upload on run completion.
	Archive ArchiveConfig `yaml:"archive,omitempty" json:"archive,omitempty"`
}

// ArchiveConfig configures object-storage upload of completed run logs.
type ArchiveConfig struct {
	// Enabled activates archiving.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Bucket is the destination bucket.
	Bucket string `yaml:"bucket,omitempty" json:"bucket,omitempty"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// Region is the bucket region.
	Region string `yaml:"region,omitempty" json:"region,omitempty"`

	// ForcePathStyle is required by most S3-compatible stores.
	ForcePathStyle bool `yaml:"force_path_style,omitempty" json:"force_path_style,omitempty"`
}

// HeartbeatConfig tunes the heartbeat reporter.
type HeartbeatConfig struct {
	// Interval is the nominal heartbeat period.
	// Environment: WORKER_HEARTBEAT_INTERVAL
	// Default: 30s
	Interval time.Duration `yaml:"interval" json:"interval"`

	// MinInterval is the fast-retry period after a failed send.
	// Default: 5s
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval"`

	// DegradedInterval is the slow period while disconnected.
	// Default: 60s
	DegradedInterval time.Duration `yaml:"degraded_interval" json:"degraded_interval"`

	// MaxConsecutiveFailures triggers degraded mode.
	// Default: 5
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`

	// ReconnectBackoffMax caps the reconnect backoff.
	// Default: 2m
	ReconnectBackoffMax time.Duration `yaml:"reconnect_backoff_max" json:"reconnect_backoff_max"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level" json:"level"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: json
	Format string `yaml:"format" json:"format"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	// Default: false
	AddSource bool `yaml:"add_source" json:"add_source"`
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	// Enabled activates the metrics endpoint and tracing.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// ServiceName identifies this process in traces and metrics.
	// Default: trawl-worker
	ServiceName string `yaml:"service_name,omitempty" json:"service_name,omitempty"`

	// MetricsAddr is the Prometheus scrape address (e.g., ":9090").
	// Empty disables the metrics listener.
	MetricsAddr string `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty"`

	// Tracing configures span export.
	Tracing TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	// Exporter is "stdout", "otlp", "otlp-http" or "none".
	// Default: none
	Exporter string `yaml:"exporter,omitempty" json:"exporter,omitempty"`

	// Endpoint is the OTLP receiver address.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// SampleRate is the fraction of runs traced (0.0 - 1.0).
	// Default: 1.0
	SampleRate float64 `yaml:"sample_rate,omitempty" json:"sample_rate,omitempty"`

	// Insecure disables TLS on the OTLP channel.
	Insecure bool `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Name:    defaultName(),
		Host:    "0.0.0.0",
		Port:    8711,
		DataDir: defaultDataDir(),
		Transport: TransportConfig{
			Mode:            ModeDirect,
			Namespace:       "trawl",
			GatewayPort:     9443,
			PollTimeout:     5 * time.Second,
			ConnectTimeout:  10 * time.Second,
			ReclaimInterval: 30 * time.Second,
			MinIdleTime:     60 * time.Second,
			MaxRetries:      3,
			ReceiptTTL:      10 * time.Minute,
			TLS: TLSConfig{
				Enabled:           false,
				VerifyCertificate: true,
			},
		},
		Execution: ExecutionConfig{
			MaxConcurrent:  4,
			MaxQueueSize:   100,
			GracePeriod:    10 * time.Second,
			DefaultTimeout: time.Hour,
			MaxLineBytes:   16384,
		},
		Runtime: RuntimeConfig{
			PackageManager: "uv",
			BuildTimeout:   15 * time.Minute,
			GCMaxAge:       14 * 24 * time.Hour,
			GCInterval:     6 * time.Hour,
		},
		Logs: LogPipeConfig{
			BatchSize:         100,
			FlushInterval:     time.Second,
			MaxQueueSize:      10000,
			WarningThreshold:  0.5,
			CriticalThreshold: 0.8,
			DropOnCritical:    false,
			RateLimit:         2000,
			RateBurst:         500,
		},
		Heartbeat: HeartbeatConfig{
			Interval:               30 * time.Second,
			MinInterval:            5 * time.Second,
			DegradedInterval:       60 * time.Second,
			MaxConsecutiveFailures: 5,
			ReconnectBackoffMax:    2 * time.Minute,
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "json",
			AddSource: false,
		},
		Observability: ObservabilityConfig{
			Enabled:     false,
			ServiceName: "trawl-worker",
			Tracing: TracingConfig{
				Exporter:   "none",
				SampleRate: 1.0,
			},
		},
	}
}

// Load loads configuration from a YAML file and the environment.
// Later sources override earlier ones: defaults, then file, then
// environment variables. CLI flags are applied by the caller on top.
// If configPath is empty, only defaults and environment are used.
func Load(configPath string) (*Config, error) {
	cfg, err := LoadFile(configPath)
	if err != nil {
		return nil, err
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, &trawlerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}

	return cfg, nil
}

// LoadFile resolves defaults, file and environment without the final
// validation. The command layer uses it when CLI flags still need to
// land on top before the merged result can be judged.
func LoadFile(configPath string) (*Config, error) {
	cfg := Default()

	// Load from file if path provided
	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &trawlerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	// Apply defaults to any zero values (handles minimal configs)
	cfg.applyDefaults()

	// Override with environment variables
	cfg.loadFromEnv()

	return cfg, nil
}

// applyDefaults fills in zero values with sensible defaults.
// This allows minimal configs (e.g., just transport) to work without
// specifying all fields explicitly.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Name == "" {
		c.Name = defaults.Name
	}
	if c.Host == "" {
		c.Host = defaults.Host
	}
	if c.Port == 0 {
		c.Port = defaults.Port
	}
	if c.DataDir == "" {
		c.DataDir = defaults.DataDir
	}

	// Transport defaults
	if c.Transport.Mode == "" {
		c.Transport.Mode = defaults.Transport.Mode
	}
	if c.Transport.Namespace == "" {
		c.Transport.Namespace = defaults.Transport.Namespace
	}
	if c.Transport.GatewayPort == 0 {
		c.Transport.GatewayPort = defaults.Transport.GatewayPort
	}
	if c.Transport.PollTimeout == 0 {
		c.Transport.PollTimeout = defaults.Transport.PollTimeout
	}
	if c.Transport.ConnectTimeout == 0 {
		c.Transport.ConnectTimeout = defaults.Transport.ConnectTimeout
	}
	if c.Transport.ReclaimInterval == 0 {
		c.Transport.ReclaimInterval = defaults.Transport.ReclaimInterval
	}
	if c.Transport.MinIdleTime == 0 {
		c.Transport.MinIdleTime = defaults.Transport.MinIdleTime
	}
	if c.Transport.MaxRetries == 0 {
		c.Transport.MaxRetries = defaults.Transport.MaxRetries
	}
	if c.Transport.ReceiptTTL == 0 {
		c.Transport.ReceiptTTL = defaults.Transport.ReceiptTTL
	}

	// Execution defaults
	if c.Execution.MaxConcurrent == 0 {
		c.Execution.MaxConcurrent = defaults.Execution.MaxConcurrent
	}
	if c.Execution.MaxQueueSize == 0 {
		c.Execution.MaxQueueSize = defaults.Execution.MaxQueueSize
	}
	if c.Execution.GracePeriod == 0 {
		c.Execution.GracePeriod = defaults.Execution.GracePeriod
	}
	if c.Execution.DefaultTimeout == 0 {
		c.Execution.DefaultTimeout = defaults.Execution.DefaultTimeout
	}
	if c.Execution.MaxLineBytes == 0 {
		c.Execution.MaxLineBytes = defaults.Execution.MaxLineBytes
	}

	// Runtime defaults
	if c.Runtime.VenvsDir == "" {
		c.Runtime.VenvsDir = filepath.Join(c.DataDir, "runtimes")
	}
	if c.Runtime.PackageManager == "" {
		c.Runtime.PackageManager = defaults.Runtime.PackageManager
	}
	if c.Runtime.BuildTimeout == 0 {
		c.Runtime.BuildTimeout = defaults.Runtime.BuildTimeout
	}
	if c.Runtime.GCMaxAge == 0 {
		c.Runtime.GCMaxAge = defaults.Runtime.GCMaxAge
	}

	// Log pipeline defaults
	if c.Logs.BatchSize == 0 {
		c.Logs.BatchSize = defaults.Logs.BatchSize
	}
	if c.Logs.FlushInterval == 0 {
		c.Logs.FlushInterval = defaults.Logs.FlushInterval
	}
	if c.Logs.MaxQueueSize == 0 {
		c.Logs.MaxQueueSize = defaults.Logs.MaxQueueSize
	}
	if c.Logs.WarningThreshold == 0 {
		c.Logs.WarningThreshold = defaults.Logs.WarningThreshold
	}
	if c.Logs.CriticalThreshold == 0 {
		c.Logs.CriticalThreshold = defaults.Logs.CriticalThreshold
	}
	if c.Logs.RateLimit == 0 {
		c.Logs.RateLimit = defaults.Logs.RateLimit
	}
	if c.Logs.RateBurst == 0 {
		c.Logs.RateBurst = defaults.Logs.RateBurst
	}

	// Heartbeat defaults
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = defaults.Heartbeat.Interval
	}
	if c.Heartbeat.MinInterval == 0 {
		c.Heartbeat.MinInterval = defaults.Heartbeat.MinInterval
	}
	if c.Heartbeat.DegradedInterval == 0 {
		c.Heartbeat.DegradedInterval = defaults.Heartbeat.DegradedInterval
	}
	if c.Heartbeat.MaxConsecutiveFailures == 0 {
		c.Heartbeat.MaxConsecutiveFailures = defaults.Heartbeat.MaxConsecutiveFailures
	}
	if c.Heartbeat.ReconnectBackoffMax == 0 {
		c.Heartbeat.ReconnectBackoffMax = defaults.Heartbeat.ReconnectBackoffMax
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	// Observability defaults
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = defaults.Observability.ServiceName
	}
	if c.Observability.Tracing.Exporter == "" {
		c.Observability.Tracing.Exporter = defaults.Observability.Tracing.Exporter
	}
	if c.Observability.Tracing.SampleRate == 0 {
		c.Observability.Tracing.SampleRate = defaults.Observability.Tracing.SampleRate
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	// Expand home directory if present
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("WORKER_NAME"); val != "" {
		c.Name = val
	}
	if val := os.Getenv("WORKER_ID"); val != "" {
		c.WorkerID = val
	}
	if val := os.Getenv("WORKER_HOST"); val != "" {
		c.Host = val
	}
	if val := os.Getenv("WORKER_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Port = port
		}
	}
	if val := os.Getenv("WORKER_REGION"); val != "" {
		c.Region = val
	}
	if val := os.Getenv("WORKER_DATA_DIR"); val != "" {
		c.DataDir = val
		if os.Getenv("WORKER_VENVS_DIR") == "" {
			c.Runtime.VenvsDir = filepath.Join(val, "runtimes")
		}
	}

	// Transport
	if val := os.Getenv("WORKER_TRANSPORT_MODE"); val != "" {
		c.Transport.Mode = TransportMode(strings.ToLower(val))
	}
	if val := os.Getenv("WORKER_NAMESPACE"); val != "" {
		c.Transport.Namespace = val
	}
	if val := os.Getenv("WORKER_REDIS_URL"); val != "" {
		c.Transport.RedisURL = val
	}
	if val := os.Getenv("WORKER_MASTER_URL"); val != "" {
		c.Transport.MasterURL = val
	}
	if val := os.Getenv("WORKER_GATEWAY_HOST"); val != "" {
		c.Transport.GatewayHost = val
	}
	if val := os.Getenv("WORKER_GATEWAY_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			c.Transport.GatewayPort = port
		}
	}
	if val := os.Getenv("WORKER_API_KEY"); val != "" {
		c.Transport.APIKey = val
	}
	if val := os.Getenv("WORKER_POLL_TIMEOUT"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Transport.PollTimeout = duration
		}
	}
	if val := os.Getenv("WORKER_MIN_IDLE_TIME"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Transport.MinIdleTime = duration
		}
	}
	if val := os.Getenv("WORKER_MAX_RETRIES"); val != "" {
		if retries, err := strconv.Atoi(val); err == nil {
			c.Transport.MaxRetries = retries
		}
	}

	// Execution
	if val := os.Getenv("WORKER_MAX_CONCURRENT_TASKS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Execution.MaxConcurrent = n
		}
	}
	if val := os.Getenv("WORKER_MAX_QUEUE_SIZE"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Execution.MaxQueueSize = n
		}
	}
	if val := os.Getenv("WORKER_GRACE_PERIOD"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Execution.GracePeriod = duration
		}
	}

	// Runtime
	if val := os.Getenv("WORKER_VENVS_DIR"); val != "" {
		c.Runtime.VenvsDir = val
	}
	if val := os.Getenv("WORKER_PACKAGE_MANAGER"); val != "" {
		c.Runtime.PackageManager = val
	}

	// Heartbeat
	if val := os.Getenv("WORKER_HEARTBEAT_INTERVAL"); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			c.Heartbeat.Interval = duration
		}
	}

	// Log
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}
}

// Validate checks that the configuration is valid. Transport mode
// violations are fatal: a worker with a half-configured channel must
// not start.
func (c *Config) Validate() error {
	var errs []string

	// WorkerID may be empty: the identity manager mints or exchanges
	// one on first boot.
	if c.Port < 1024 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port must be between 1024 and 65535, got %d", c.Port))
	}
	if c.DataDir == "" {
		errs = append(errs, "data_dir must not be empty")
	}

	switch c.Transport.Mode {
	case ModeDirect:
		if c.Transport.RedisURL == "" {
			errs = append(errs, "transport.redis_url is required in direct mode")
		}
		if c.Transport.GatewayHost != "" {
			errs = append(errs, "transport.gateway_host must not be set in direct mode")
		}
	case ModeGateway:
		if c.Transport.GatewayHost == "" {
			errs = append(errs, "transport.gateway_host is required in gateway mode")
		}
		if c.Transport.RedisURL != "" {
			errs = append(errs, "transport.redis_url must not be set in gateway mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("transport.mode must be direct or gateway, got %q", c.Transport.Mode))
	}

	if c.Transport.Namespace == "" {
		errs = append(errs, "transport.namespace must not be empty")
	}
	if c.Transport.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("transport.max_retries must be non-negative, got %d", c.Transport.MaxRetries))
	}

	if c.Execution.MaxConcurrent < 1 {
		errs = append(errs, fmt.Sprintf("execution.max_concurrent must be at least 1, got %d", c.Execution.MaxConcurrent))
	}
	if c.Execution.MaxQueueSize < c.Execution.MaxConcurrent {
		errs = append(errs, fmt.Sprintf("execution.max_queue_size (%d) must be at least execution.max_concurrent (%d)",
			c.Execution.MaxQueueSize, c.Execution.MaxConcurrent))
	}
	if c.Execution.GracePeriod <= 0 {
		errs = append(errs, fmt.Sprintf("execution.grace_period must be positive, got %v", c.Execution.GracePeriod))
	}

	if pm := c.Runtime.PackageManager; pm != "uv" && pm != "pip" {
		errs = append(errs, fmt.Sprintf("runtime.package_manager must be uv or pip, got %q", pm))
	}

	if c.Logs.WarningThreshold <= 0 || c.Logs.WarningThreshold >= 1 {
		errs = append(errs, fmt.Sprintf("logs.warning_threshold must be in (0, 1), got %v", c.Logs.WarningThreshold))
	}
	if c.Logs.CriticalThreshold <= c.Logs.WarningThreshold || c.Logs.CriticalThreshold > 1 {
		errs = append(errs, fmt.Sprintf("logs.critical_threshold must be in (warning_threshold, 1], got %v", c.Logs.CriticalThreshold))
	}
	if c.Logs.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("logs.batch_size must be at least 1, got %d", c.Logs.BatchSize))
	}
	if c.Logs.Archive.Enabled && c.Logs.Archive.Bucket == "" {
		errs = append(errs, "logs.archive.bucket is required when archive is enabled")
	}

	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, fmt.Sprintf("heartbeat.interval must be positive, got %v", c.Heartbeat.Interval))
	}
	if c.Heartbeat.MinInterval > c.Heartbeat.Interval {
		errs = append(errs, fmt.Sprintf("heartbeat.min_interval (%v) must not exceed heartbeat.interval (%v)",
			c.Heartbeat.MinInterval, c.Heartbeat.Interval))
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [trace, debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	switch c.Observability.Tracing.Exporter {
	case "", "none", "stdout", "otlp", "otlp-http":
	default:
		errs = append(errs, fmt.Sprintf("observability.tracing.exporter must be one of [none, stdout, otlp, otlp-http], got %q",
			c.Observability.Tracing.Exporter))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}

	return nil
}

// GatewayEndpoint returns "host:port" for the gateway channel.
func (c *TransportConfig) GatewayEndpoint() string {
	return fmt.Sprintf("%s:%d", c.GatewayHost, c.GatewayPort)
}

// RuntimesDir returns the runtime cache root.
func (c *Config) RuntimesDir() string {
	if c.Runtime.VenvsDir != "" {
		return c.Runtime.VenvsDir
	}
	return filepath.Join(c.DataDir, "runtimes")
}

// ProjectsDir returns the artifact cache root.
func (c *Config) ProjectsDir() string {
	return filepath.Join(c.DataDir, "projects")
}

// WALDir returns the write-ahead-log root for run output.
func (c *Config) WALDir() string {
	return filepath.Join(c.DataDir, "logs", "wal")
}

// SpoolDir returns the spool root for unacked run output.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.DataDir, "logs", "spool")
}

// RunsDir returns the per-run workspace root.
func (c *Config) RunsDir() string {
	return filepath.Join(c.DataDir, "runs")
}

// IdentityPath returns the persisted worker identity file.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.DataDir, "identity", "worker_identity.yaml")
}

// defaultName derives a worker name from the hostname.
func defaultName() string {
	host, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return host
}

// defaultDataDir returns the default data directory.
func defaultDataDir() string {
	// Use XDG_DATA_HOME if available
	if dataHome := os.Getenv("XDG_DATA_HOME"); dataHome != "" {
		return filepath.Join(dataHome, "trawl")
	}

	// Fall back to ~/.trawl/data
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/trawl-data"
	}

	return filepath.Join(homeDir, ".trawl", "data")
}
