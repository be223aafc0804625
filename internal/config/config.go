// Package config loads and validates tracker configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Push channel kinds accepted by backend.stream_kind.
const (
	StreamSSE       = "sse"
	StreamWebSocket = "websocket"
	StreamNone      = "none"
)

// Storage backends accepted by storage.backend.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Tracking  TrackingConfig  `mapstructure:"tracking"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls the relay HTTP server.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines relay API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BackendConfig locates the content-generation backend.
type BackendConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	StreamKind string        `mapstructure:"stream_kind"`
	StreamPath string        `mapstructure:"stream_path"`
	StatusPath string        `mapstructure:"status_path"`
	ResultPath string        `mapstructure:"result_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
	// MaxRPS caps requests per second to the backend host; zero disables it.
	MaxRPS float64 `mapstructure:"max_rps"`
	Burst  int     `mapstructure:"burst"`
}

// TrackingConfig holds coordinator defaults.
type TrackingConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	PollWhileStreaming bool          `mapstructure:"poll_while_streaming"`
	EstimatedTotalTime time.Duration `mapstructure:"estimated_total_time"`
}

// ProgressConfig tunes the record hub.
type ProgressConfig struct {
	BufferSize      int           `mapstructure:"buffer_size"`
	MaxBatchRecords int           `mapstructure:"max_batch_records"`
	MaxBatchWait    time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout     time.Duration `mapstructure:"sink_timeout"`
	LogRecords      bool          `mapstructure:"log_records"`
}

// StorageConfig selects where final results are archived.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the task history database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for terminal notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig controls OpenTelemetry trace propagation.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GENPROGRESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.heartbeat_interval", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.api_key", "")
	v.SetDefault("backend.stream_kind", StreamSSE)
	v.SetDefault("backend.stream_path", "/api/progress/{task_id}")
	v.SetDefault("backend.status_path", "/api/status/{task_id}")
	v.SetDefault("backend.result_path", "")
	v.SetDefault("backend.timeout", "15s")
	v.SetDefault("backend.max_rps", 0)
	v.SetDefault("backend.burst", 1)
	v.SetDefault("tracking.poll_interval", "5s")
	v.SetDefault("tracking.poll_while_streaming", true)
	v.SetDefault("tracking.estimated_total_time", "5m")
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_records", 64)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "5s")
	v.SetDefault("progress.log_records", false)
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "task_runs")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "genprogress")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	switch c.Backend.StreamKind {
	case StreamSSE, StreamWebSocket, StreamNone:
	default:
		return fmt.Errorf("backend.stream_kind must be one of sse, websocket, none")
	}
	if c.Backend.MaxRPS < 0 {
		return fmt.Errorf("backend.max_rps must be >= 0")
	}
	if c.Tracking.PollInterval <= 0 {
		return fmt.Errorf("tracking.poll_interval must be > 0")
	}
	if c.Tracking.EstimatedTotalTime <= 0 {
		return fmt.Errorf("tracking.estimated_total_time must be > 0")
	}
	if c.Progress.BufferSize <= 0 || c.Progress.MaxBatchRecords <= 0 {
		return fmt.Errorf("progress.buffer_size and progress.max_batch_records must be > 0")
	}
	switch c.Storage.Backend {
	case StorageNone, StorageMemory:
	case StorageLocal:
		if strings.TrimSpace(c.Storage.BaseDir) == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case StorageGCS:
		if strings.TrimSpace(c.Storage.GCSBucket) == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of none, memory, local, gcs")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// Addr returns the listen address of the relay server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
