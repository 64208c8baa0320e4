// Package store provides persistent storage for package processing tasks.
//
// Tasks survive service restarts: the orchestrator re-reads the store on
// startup and resumes or fails what it finds. Supported backends:
//   - Memory: for development and testing (default)
//   - File: single JSON index under the data directory (standalone mode)
//   - SQLite: embedded database under the data directory (standalone mode)
//   - Redis: remote key-value store (edge mode)
//
// All mutating state transitions go through UpdateState, which is conditioned
// on the caller's expected current state. Two concurrent writers racing on
// the same task see exactly one success; the loser gets ErrConflict.
package store

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("task not found")
	ErrAlreadyExists = errors.New("task already exists")
	ErrConflict      = errors.New("task state changed concurrently")
	ErrStoreClosed   = errors.New("store is closed")
	ErrInvalidInput  = errors.New("invalid input")
)

// StoreType represents the type of task storage backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeSQLite StoreType = "sqlite"
	StoreTypeRedis  StoreType = "redis"
)

// CleanupConfig defines retention behavior for terminal tasks.
type CleanupConfig struct {
	// Enabled determines if automatic cleanup is enabled
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Interval is how often cleanup runs (default: 1h)
	Interval time.Duration `json:"interval" yaml:"interval"`

	// TaskRetention is how long to keep terminal tasks (default: 24h)
	TaskRetention time.Duration `json:"task_retention" yaml:"task_retention"`
}

// DefaultCleanupConfig returns the default cleanup configuration.
func DefaultCleanupConfig() CleanupConfig {
	return CleanupConfig{
		Enabled:       true,
		Interval:      1 * time.Hour,
		TaskRetention: 24 * time.Hour,
	}
}

// RedisConfig contains Redis-specific configuration for the edge KV store.
type RedisConfig struct {
	// Addr is the Redis server address (host:port)
	Addr string `json:"addr" yaml:"addr"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	// MinIdleConns is the number of idle connections kept open
	MinIdleConns int `json:"min_idle_conns" yaml:"min_idle_conns"`

	// KeyPrefix is the prefix for all task keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// Config is the configuration shared by all task store implementations.
type Config struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// BaseDir is the base directory for file and sqlite storage
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Cleanup configuration
	Cleanup CleanupConfig `json:"cleanup" yaml:"cleanup"`
}

// DefaultConfig returns the default task store configuration.
func DefaultConfig() Config {
	return Config{
		Type:    StoreTypeMemory,
		BaseDir: "./data/tasks",
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			KeyPrefix:    "asppd:task:",
		},
		Cleanup: DefaultCleanupConfig(),
	}
}

// TaskStore is the task persistence contract.
type TaskStore interface {
	// Create persists a new task. Returns ErrAlreadyExists when a task with
	// the same ID or idempotency key is already stored.
	Create(ctx context.Context, task *Task) error

	// Get retrieves a task by ID.
	Get(ctx context.Context, id string) (*Task, error)

	// FindByIdempotencyKey retrieves the task registered under an
	// idempotency key, or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (*Task, error)

	// UpdateState applies mut to the task if and only if its stored state
	// still equals from. Returns ErrConflict when it does not, ErrNotFound
	// when the task is gone, and ErrInvalidInput when from cannot legally
	// transition to mut.To.
	UpdateState(ctx context.Context, id string, from State, mut Mutation) error

	// SetProgress updates the progress of a running task. Best effort: a
	// task that already left the running state is not touched.
	SetProgress(ctx context.Context, id string, progress float64) error

	// List retrieves tasks matching the filter criteria.
	List(ctx context.Context, filter Filter) ([]*Task, error)

	// Delete removes a task from the store.
	Delete(ctx context.Context, id string) error

	// Cleanup removes terminal tasks older than the specified duration.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns statistics about the task store.
	Stats(ctx context.Context) (*Stats, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}
