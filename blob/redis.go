package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisStore is a Redis-backed implementation of Store, standing in for the
// edge deployment's object bucket. Objects are held as single values under a
// prefixed key. Puts buffer the object in memory before writing, so the
// configured size ceiling bounds per-request memory use.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	maxSize   int64
	logger    *zap.Logger
}

// NewRedisStore creates a Redis-backed blob store.
func NewRedisStore(config Config, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Redis.Addr,
		Password:     config.Redis.Password,
		DB:           config.Redis.DB,
		PoolSize:     config.Redis.PoolSize,
		MinIdleConns: config.Redis.MinIdleConns,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := config.Redis.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "asppd:blob:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		maxSize:   config.maxObjectSize(),
		logger:    logger.With(zap.String("component", "blob_redis")),
	}, nil
}

func (s *RedisStore) objectKey(key string) string {
	return s.keyPrefix + "data:" + key
}

// Put stores the object bytes under the prefixed key.
func (s *RedisStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, s.maxSize+1))
	if err != nil {
		return 0, storageErr("put", key, err)
	}
	if n > s.maxSize {
		return 0, ErrObjectTooLarge
	}

	if err := s.client.Set(ctx, s.objectKey(key), buf.Bytes(), 0).Err(); err != nil {
		return 0, storageErr("put", key, err)
	}

	s.logger.Debug("object written",
		zap.String("key", key),
		zap.Int64("size", n),
	)
	return n, nil
}

// Get returns a reader over the object bytes.
func (s *RedisStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := validateKey(key); err != nil {
		return nil, 0, err
	}

	data, err := s.client.Get(ctx, s.objectKey(key)).Bytes()
	if err == redis.Nil {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, storageErr("get", key, err)
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Size returns the stored size of an object.
func (s *RedisStore) Size(ctx context.Context, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	n, err := s.client.StrLen(ctx, s.objectKey(key)).Result()
	if err != nil {
		return 0, storageErr("size", key, err)
	}
	if n == 0 {
		// StrLen returns 0 for a missing key; disambiguate.
		exists, err := s.client.Exists(ctx, s.objectKey(key)).Result()
		if err != nil {
			return 0, storageErr("size", key, err)
		}
		if exists == 0 {
			return 0, ErrNotFound
		}
	}
	return n, nil
}

// Delete removes an object.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	deleted, err := s.client.Del(ctx, s.objectKey(key)).Result()
	if err != nil {
		return storageErr("delete", key, err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	return nil
}

// Exists reports whether an object is present.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	count, err := s.client.Exists(ctx, s.objectKey(key)).Result()
	if err != nil {
		return false, storageErr("exists", key, err)
	}
	return count > 0, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ensure RedisStore implements Store
var _ Store = (*RedisStore)(nil)
