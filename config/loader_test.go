// Loader and defaults tests.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 10*time.Minute, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, ModeStandalone, cfg.Backend.Mode)
	assert.Equal(t, "file", cfg.Backend.TaskStore)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, "asppd:blob:", cfg.Redis.BlobKeyPrefix)

	assert.Equal(t, int64(4<<30), cfg.Storage.MaxObjectSize)

	assert.Equal(t, 4, cfg.Tasks.Workers)
	assert.Equal(t, 3, cfg.Tasks.MaxRetries)
	assert.True(t, cfg.Tasks.CleanupEnabled)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "asppd", cfg.Telemetry.ServiceName)
}

func TestLoader_LoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, ModeStandalone, cfg.Backend.Mode)
}

func TestLoader_LoadFromYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "asppd.yaml")

	yamlContent := `
server:
  http_port: 8888
  metrics_port: 9999
  read_timeout: 60s

backend:
  mode: "edge"
  task_store: "sqlite"

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

tasks:
  workers: 8
  queue_size: 512

log:
  level: "debug"
  format: "console"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 9999, cfg.Server.MetricsPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, ModeEdge, cfg.Backend.Mode)

	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)

	assert.Equal(t, 8, cfg.Tasks.Workers)
	assert.Equal(t, 512, cfg.Tasks.QueueSize)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)

	// Values absent from the file keep their defaults.
	assert.Equal(t, int64(4<<30), cfg.Storage.MaxObjectSize)
}

func TestLoader_MissingFile(t *testing.T) {
	cfg, err := NewLoader().
		WithConfigPath(filepath.Join(t.TempDir(), "nope.yaml")).
		Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("ASPPD_SERVER_HTTP_PORT", "7777")
	t.Setenv("ASPPD_BACKEND_MODE", "memory")
	t.Setenv("ASPPD_REDIS_ADDR", "env-redis:6379")
	t.Setenv("ASPPD_TASKS_WORKERS", "16")
	t.Setenv("ASPPD_TASKS_RETRY_INITIAL_DELAY", "250ms")
	t.Setenv("ASPPD_LOG_LEVEL", "warn")
	t.Setenv("ASPPD_LOG_OUTPUT_PATHS", "stdout, /var/log/asppd.log")
	t.Setenv("ASPPD_TELEMETRY_ENABLED", "true")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, ModeMemory, cfg.Backend.Mode)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 16, cfg.Tasks.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.Tasks.RetryInitialDelay)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, []string{"stdout", "/var/log/asppd.log"}, cfg.Log.OutputPaths)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "asppd.yaml")

	yamlContent := `
server:
  http_port: 8888
backend:
  mode: "memory"
redis:
  addr: "yaml-redis:6379"
`
	err := os.WriteFile(configPath, []byte(yamlContent), 0644)
	require.NoError(t, err)

	t.Setenv("ASPPD_SERVER_HTTP_PORT", "9999")
	t.Setenv("ASPPD_BACKEND_MODE", "edge")

	cfg, err := NewLoader().
		WithConfigPath(configPath).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, ModeEdge, cfg.Backend.Mode)
	// YAML values not overridden by env survive.
	assert.Equal(t, "yaml-redis:6379", cfg.Redis.Addr)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().
		WithEnvPrefix("MYAPP").
		Load()
	require.NoError(t, err)

	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_WithValidator(t *testing.T) {
	validator := func(cfg *Config) error {
		if cfg.Server.HTTPPort < 1024 {
			return assert.AnError
		}
		return nil
	}

	_, err := NewLoader().WithValidator(validator).Load()
	require.NoError(t, err)

	t.Setenv("ASPPD_SERVER_HTTP_PORT", "80")
	_, err = NewLoader().WithValidator(validator).Load()
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults valid",
			mutate: func(cfg *Config) {},
		},
		{
			name:    "bad http port",
			mutate:  func(cfg *Config) { cfg.Server.HTTPPort = 0 },
			wantErr: "invalid HTTP port",
		},
		{
			name:    "unknown mode",
			mutate:  func(cfg *Config) { cfg.Backend.Mode = "cluster" },
			wantErr: "unknown backend mode",
		},
		{
			name: "standalone without data dir",
			mutate: func(cfg *Config) {
				cfg.Backend.Mode = ModeStandalone
				cfg.Backend.DataDir = ""
			},
			wantErr: "data directory",
		},
		{
			name: "bad task store flavor",
			mutate: func(cfg *Config) {
				cfg.Backend.TaskStore = "mongo"
			},
			wantErr: "task store flavor",
		},
		{
			name:    "zero workers",
			mutate:  func(cfg *Config) { cfg.Tasks.Workers = 0 },
			wantErr: "workers must be positive",
		},
		{
			name:    "bad sample rate",
			mutate:  func(cfg *Config) { cfg.Telemetry.SampleRate = 2 },
			wantErr: "sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestMustLoad(t *testing.T) {
	cfg := MustLoad("")
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}
