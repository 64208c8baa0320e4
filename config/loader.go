// Package config loads the daemon configuration from defaults, an
// optional YAML file, and environment variables, in that order of
// precedence.
//
// Usage:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("asppd.yaml").
//	    WithEnvPrefix("ASPPD").
//	    Load()
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend modes supported by the runtime selector.
const (
	ModeMemory     = "memory"
	ModeStandalone = "standalone"
	ModeEdge       = "edge"
)

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Backend   BackendConfig   `yaml:"backend" env:"BACKEND"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Storage   StorageConfig   `yaml:"storage" env:"STORAGE"`
	Tasks     TasksConfig     `yaml:"tasks" env:"TASKS"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig holds the HTTP boundary settings.
type ServerConfig struct {
	// HTTP port for the API server.
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics port for the Prometheus endpoint.
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// Read timeout. Uploads stream large package bodies, so this is
	// much longer than a typical API server default.
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// Write timeout, sized for artifact downloads.
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// Idle connection timeout.
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	// Graceful shutdown timeout.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Per-client rate limit in requests per second. Zero disables it.
	RateLimitRPS int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// Burst allowance on top of the rate limit.
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// Allowed CORS origins. Empty means same-origin only.
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
}

// BackendConfig selects which store implementations back the daemon.
type BackendConfig struct {
	// Mode: memory, standalone, edge.
	Mode string `yaml:"mode" env:"MODE"`
	// Data directory for the standalone mode.
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
	// Task store flavor in standalone mode: file or sqlite.
	TaskStore string `yaml:"task_store" env:"TASK_STORE"`
}

// RedisConfig holds the shared Redis connection settings used by the
// edge mode stores.
type RedisConfig struct {
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// Key prefix for blob data.
	BlobKeyPrefix string `yaml:"blob_key_prefix" env:"BLOB_KEY_PREFIX"`
	// Key prefix for task records and indexes.
	TaskKeyPrefix string `yaml:"task_key_prefix" env:"TASK_KEY_PREFIX"`
}

// StorageConfig holds the object store limits.
type StorageConfig struct {
	// Maximum accepted object size in bytes.
	MaxObjectSize int64 `yaml:"max_object_size" env:"MAX_OBJECT_SIZE"`
}

// TasksConfig holds the orchestrator settings.
type TasksConfig struct {
	// Worker goroutines draining the queue.
	Workers int `yaml:"workers" env:"WORKERS"`
	// Queue capacity. Submissions beyond it are rejected.
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
	// Storage retry attempts per task before it is failed.
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// Initial backoff delay between retries.
	RetryInitialDelay time.Duration `yaml:"retry_initial_delay" env:"RETRY_INITIAL_DELAY"`
	// Backoff ceiling.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	// Whether expired terminal tasks are purged in the background.
	CleanupEnabled bool `yaml:"cleanup_enabled" env:"CLEANUP_ENABLED"`
	// Purge cadence.
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	// How long terminal tasks are retained.
	TaskRetention time.Duration `yaml:"task_retention" env:"TASK_RETENTION"`
}

// LogConfig holds the logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format: json, console.
	Format string `yaml:"format" env:"FORMAT"`
	// Output paths.
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// Annotate entries with the calling site.
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// Attach stack traces to error entries.
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig holds the tracing settings.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader assembles a Config through the builder pattern.
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader creates a loader with the default environment prefix.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "ASPPD",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath sets the YAML config file path.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator adds a custom validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load resolves the configuration. Precedence: defaults, then the
// YAML file if one was given, then environment variables.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Missing file falls back to defaults.
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv walks the struct recursively, composing env names
// from the prefix and each field's env tag.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// Comma-separated string slices only.
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad loads the configuration or panics.
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}

	switch c.Backend.Mode {
	case ModeMemory, ModeEdge:
	case ModeStandalone:
		if c.Backend.DataDir == "" {
			errs = append(errs, "standalone mode requires a data directory")
		}
		if c.Backend.TaskStore != "file" && c.Backend.TaskStore != "sqlite" {
			errs = append(errs, fmt.Sprintf("unknown task store flavor: %q", c.Backend.TaskStore))
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown backend mode: %q", c.Backend.Mode))
	}

	if c.Storage.MaxObjectSize <= 0 {
		errs = append(errs, "max_object_size must be positive")
	}
	if c.Tasks.Workers <= 0 {
		errs = append(errs, "workers must be positive")
	}
	if c.Tasks.QueueSize <= 0 {
		errs = append(errs, "queue_size must be positive")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "sample_rate must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
