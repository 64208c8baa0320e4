// Sensible defaults for every configuration section.
package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Backend:   DefaultBackendConfig(),
		Redis:     DefaultRedisConfig(),
		Storage:   DefaultStorageConfig(),
		Tasks:     DefaultTasksConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default HTTP boundary settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     10 * time.Minute,
		WriteTimeout:    10 * time.Minute,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultBackendConfig returns the default backend selection.
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		Mode:      ModeStandalone,
		DataDir:   "./data",
		TaskStore: "file",
	}
}

// DefaultRedisConfig returns the default Redis settings.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		Password:      "",
		DB:            0,
		PoolSize:      10,
		MinIdleConns:  2,
		BlobKeyPrefix: "asppd:blob:",
		TaskKeyPrefix: "asppd:task:",
	}
}

// DefaultStorageConfig returns the default object store limits.
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		MaxObjectSize: 4 << 30,
	}
}

// DefaultTasksConfig returns the default orchestrator settings.
func DefaultTasksConfig() TasksConfig {
	return TasksConfig{
		Workers:           4,
		QueueSize:         256,
		MaxRetries:        3,
		RetryInitialDelay: time.Second,
		RetryMaxDelay:     30 * time.Second,
		CleanupEnabled:    true,
		CleanupInterval:   time.Hour,
		TaskRetention:     24 * time.Hour,
	}
}

// DefaultLogConfig returns the default logger settings.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: true,
	}
}

// DefaultTelemetryConfig returns the default tracing settings.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "asppd",
		SampleRate:   1.0,
	}
}
