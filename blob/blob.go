// Package blob provides key-addressed binary object storage for package
// artifacts (IPA files).
//
// Two production backends are supported, selected once at startup:
//   - Filesystem: artifacts under a local data directory (standalone mode)
//   - Redis: artifacts in a remote key-value bucket (edge mode)
//
// A memory backend exists for development and testing. All backends share the
// same visibility guarantee: a successful Put is immediately observable by
// Get/Exists from any caller. Writes to an existing key are last-writer-wins.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Common errors
var (
	ErrNotFound       = errors.New("object not found")
	ErrInvalidKey     = errors.New("invalid object key")
	ErrObjectTooLarge = errors.New("object exceeds size limit")
	ErrStoreClosed    = errors.New("store is closed")
)

// MaxKeyLength is the maximum accepted key length in bytes. Backends must
// support keys at least this long.
const MaxKeyLength = 1024

// DefaultMaxObjectSize is the default per-object size ceiling (4 GiB),
// sized for mobile app packages.
const DefaultMaxObjectSize = 4 << 30

// StoreType represents the type of blob storage backend.
type StoreType string

const (
	StoreTypeMemory     StoreType = "memory"
	StoreTypeFilesystem StoreType = "filesystem"
	StoreTypeRedis      StoreType = "redis"
)

// Store is the object storage contract. Keys are opaque strings; values are
// immutable after write and only replaced wholesale or deleted.
type Store interface {
	// Put stores the object read from r under key, returning the number of
	// bytes written. Writing the same key twice succeeds; the second write
	// replaces the first (last-writer-wins).
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Get returns a reader over the object bytes and the object size.
	// The caller must close the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Size returns the stored size of an object.
	Size(ctx context.Context, key string) (int64, error)

	// Delete removes an object. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// StorageError wraps a backend I/O failure (connectivity loss, disk error,
// quota). It is never swallowed: callers propagate it and the orchestrator
// marks the owning task as failed after retries are exhausted.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("blob %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// storageErr wraps err as a StorageError unless it is already one of the
// sentinel conditions callers match on.
func storageErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrObjectTooLarge) || errors.Is(err, ErrStoreClosed) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: err}
}

// IsStorageError reports whether err is (or wraps) a backend I/O failure.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// validateKey rejects empty and oversized keys before they reach a backend.
func validateKey(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return ErrInvalidKey
	}
	return nil
}

// RedisConfig contains Redis-specific configuration for the edge bucket.
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

	// KeyPrefix is the prefix for all bucket keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// Config is the configuration shared by all blob store implementations.
type Config struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type"`

	// BaseDir is the artifact directory for the filesystem backend
	BaseDir string `json:"base_dir" yaml:"base_dir"`

	// MaxObjectSize is the per-object size ceiling in bytes
	MaxObjectSize int64 `json:"max_object_size" yaml:"max_object_size"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// DefaultConfig returns the default blob store configuration.
func DefaultConfig() Config {
	return Config{
		Type:          StoreTypeMemory,
		BaseDir:       "./data/artifacts",
		MaxObjectSize: DefaultMaxObjectSize,
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			KeyPrefix:    "asppd:blob:",
		},
	}
}

func (c Config) maxObjectSize() int64 {
	if c.MaxObjectSize <= 0 {
		return DefaultMaxObjectSize
	}
	return c.MaxObjectSize
}
