package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, StreamSSE, cfg.Backend.StreamKind)
	require.Equal(t, "/api/progress/{task_id}", cfg.Backend.StreamPath)
	require.Equal(t, "/api/status/{task_id}", cfg.Backend.StatusPath)
	require.Equal(t, 5*time.Second, cfg.Tracking.PollInterval)
	require.True(t, cfg.Tracking.PollWhileStreaming)
	require.Equal(t, 5*time.Minute, cfg.Tracking.EstimatedTotalTime)
	require.Equal(t, StorageNone, cfg.Storage.Backend)
	require.Equal(t, "task_runs", cfg.DB.Table)
	require.Equal(t, ":8080", cfg.Addr())
	require.Zero(t, cfg.Backend.MaxRPS)
	require.False(t, cfg.Telemetry.Enabled)
	require.Equal(t, "genprogress", cfg.Telemetry.ServiceName)
	require.InDelta(t, 1.0, cfg.Telemetry.SampleRatio, 1e-9)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  heartbeat_interval: 2s
auth:
  enabled: true
  api_key: secret
backend:
  base_url: https://gen.example.com
  api_key: backend-key
  stream_kind: websocket
  timeout: 20s
tracking:
  poll_interval: 2s
  poll_while_streaming: false
  estimated_total_time: 10m
progress:
  buffer_size: 16
  max_batch_records: 4
  max_batch_wait: 250ms
storage:
  backend: gcs
  gcs_bucket: results-bucket
  prefix: genprogress/
db:
  dsn: postgres://localhost/genprogress
  max_conns: 8
pubsub:
  project_id: proj
  topic_name: task-finished
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 2*time.Second, cfg.Server.HeartbeatInterval)
	require.True(t, cfg.Auth.Enabled)
	require.Equal(t, "secret", cfg.Auth.APIKey)
	require.Equal(t, "https://gen.example.com", cfg.Backend.BaseURL)
	require.Equal(t, StreamWebSocket, cfg.Backend.StreamKind)
	require.Equal(t, 20*time.Second, cfg.Backend.Timeout)
	require.Equal(t, 2*time.Second, cfg.Tracking.PollInterval)
	require.False(t, cfg.Tracking.PollWhileStreaming)
	require.Equal(t, 10*time.Minute, cfg.Tracking.EstimatedTotalTime)
	require.Equal(t, 250*time.Millisecond, cfg.Progress.MaxBatchWait)
	require.Equal(t, "results-bucket", cfg.Storage.GCSBucket)
	require.EqualValues(t, 8, cfg.DB.MaxConns)
	require.Equal(t, "task-finished", cfg.PubSub.TopicName)
	require.False(t, cfg.Logging.Development)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GENPROGRESS_BACKEND_BASE_URL", "http://backend:9000")
	t.Setenv("GENPROGRESS_TRACKING_POLL_INTERVAL", "750ms")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "http://backend:9000", cfg.Backend.BaseURL)
	require.Equal(t, 750*time.Millisecond, cfg.Tracking.PollInterval)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"missing base url", func(c *Config) { c.Backend.BaseURL = " " }, "backend.base_url"},
		{"bad stream kind", func(c *Config) { c.Backend.StreamKind = "carrier-pigeon" }, "backend.stream_kind"},
		{"zero poll interval", func(c *Config) { c.Tracking.PollInterval = 0 }, "tracking.poll_interval"},
		{"zero estimate", func(c *Config) { c.Tracking.EstimatedTotalTime = 0 }, "tracking.estimated_total_time"},
		{"zero buffer", func(c *Config) { c.Progress.BufferSize = 0 }, "progress.buffer_size"},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = StorageGCS }, "storage.gcs_bucket"},
		{"local without dir", func(c *Config) {
			c.Storage.Backend = StorageLocal
			c.Storage.BaseDir = ""
		}, "storage.base_dir"},
		{"topic without project", func(c *Config) { c.PubSub.TopicName = "t" }, "pubsub.project_id"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"negative rps", func(c *Config) { c.Backend.MaxRPS = -1 }, "backend.max_rps"},
		{"sample ratio above one", func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, "telemetry.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tt.want), "got %v", err)
		})
	}
}
