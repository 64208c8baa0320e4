package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTaskStore is a Redis-based implementation of TaskStore, the edge
// deployment's KV namespace. Task bodies are JSON values; sorted sets index
// tasks by state and by owner, scored by creation time.
//
// Conditioned updates run under WATCH so that two writers racing on the same
// task resolve to exactly one winner.
type RedisTaskStore struct {
	client    *redis.Client
	keyPrefix string
	config    Config
}

// NewRedisTaskStore creates a new Redis-based task store.
func NewRedisTaskStore(config Config) (*RedisTaskStore, error) {
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
		keyPrefix = "asppd:task:"
	}

	return &RedisTaskStore{
		client:    client,
		keyPrefix: keyPrefix,
		config:    config,
	}, nil
}

// Close closes the store.
func (s *RedisTaskStore) Close() error {
	return s.client.Close()
}

// Ping checks if the store is healthy.
func (s *RedisTaskStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// taskKey returns the Redis key for a task body.
func (s *RedisTaskStore) taskKey(id string) string {
	return s.keyPrefix + "data:" + id
}

// idemKey returns the Redis key mapping an idempotency key to a task ID.
func (s *RedisTaskStore) idemKey(key string) string {
	return s.keyPrefix + "idem:" + key
}

// stateKey returns the Redis key for a state index.
func (s *RedisTaskStore) stateKey(state State) string {
	return s.keyPrefix + "state:" + string(state)
}

// ownerKey returns the Redis key for an owner's task index.
func (s *RedisTaskStore) ownerKey(ownerHash string) string {
	return s.keyPrefix + "owner:" + ownerHash
}

// allTasksKey returns the Redis key for the all-tasks index.
func (s *RedisTaskStore) allTasksKey() string {
	return s.keyPrefix + "all"
}

// Create persists a new task.
func (s *RedisTaskStore) Create(ctx context.Context, task *Task) error {
	if err := validateTask(task); err != nil {
		return err
	}

	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.State == "" {
		task.State = StatePending
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	// Claim the idempotency key first. SETNX makes concurrent resubmission
	// of the same payload register exactly one task.
	claimed, err := s.client.SetNX(ctx, s.idemKey(task.IdempotencyKey), task.ID, 0).Result()
	if err != nil {
		return err
	}
	if !claimed {
		return ErrAlreadyExists
	}

	created, err := s.client.SetNX(ctx, s.taskKey(task.ID), data, 0).Result()
	if err != nil {
		s.client.Del(ctx, s.idemKey(task.IdempotencyKey))
		return err
	}
	if !created {
		s.client.Del(ctx, s.idemKey(task.IdempotencyKey))
		return ErrAlreadyExists
	}

	score := float64(task.CreatedAt.UnixNano())
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, s.stateKey(task.State), redis.Z{Score: score, Member: task.ID})
	pipe.ZAdd(ctx, s.ownerKey(task.OwnerHash), redis.Z{Score: score, Member: task.ID})
	pipe.ZAdd(ctx, s.allTasksKey(), redis.Z{Score: score, Member: task.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Get retrieves a task by ID.
func (s *RedisTaskStore) Get(ctx context.Context, id string) (*Task, error) {
	data, err := s.client.Get(ctx, s.taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// FindByIdempotencyKey retrieves the task registered under an idempotency key.
func (s *RedisTaskStore) FindByIdempotencyKey(ctx context.Context, key string) (*Task, error) {
	id, err := s.client.Get(ctx, s.idemKey(key)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// UpdateState applies mut if the stored state still equals from. The read,
// compare and write run under WATCH: if any other writer touches the task
// between our read and the MULTI commit, the transaction aborts and the
// caller gets ErrConflict.
func (s *RedisTaskStore) UpdateState(ctx context.Context, id string, from State, mut Mutation) error {
	if err := validateTransition(from, mut); err != nil {
		return err
	}

	key := s.taskKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if task.State != from {
			return ErrConflict
		}

		mut.apply(&task, time.Now())

		out, err := json.Marshal(&task)
		if err != nil {
			return err
		}

		score := float64(task.CreatedAt.UnixNano())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			pipe.ZRem(ctx, s.stateKey(from), id)
			pipe.ZAdd(ctx, s.stateKey(task.State), redis.Z{Score: score, Member: id})
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		// A concurrent writer won the race.
		return ErrConflict
	}
	return err
}

// SetProgress updates the progress of a running task.
func (s *RedisTaskStore) SetProgress(ctx context.Context, id string, progress float64) error {
	key := s.taskKey(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var task Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if task.State != StateRunning {
			return nil
		}

		task.Progress = progress
		task.UpdatedAt = time.Now()

		out, err := json.Marshal(&task)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Progress is best effort; the state writer that beat us wins.
		return nil
	}
	return err
}

// List retrieves tasks matching the filter criteria.
func (s *RedisTaskStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	var ids []string
	var err error

	// Pick the narrowest index available.
	switch {
	case len(filter.States) == 1:
		ids, err = s.client.ZRange(ctx, s.stateKey(filter.States[0]), 0, -1).Result()
	case len(filter.OwnerHashes) == 1:
		ids, err = s.client.ZRange(ctx, s.ownerKey(filter.OwnerHashes[0]), 0, -1).Result()
	case len(filter.OwnerHashes) > 1:
		for _, h := range filter.OwnerHashes {
			ownerIDs, zerr := s.client.ZRange(ctx, s.ownerKey(h), 0, -1).Result()
			if zerr != nil {
				return nil, zerr
			}
			ids = append(ids, ownerIDs...)
		}
	default:
		ids, err = s.client.ZRange(ctx, s.allTasksKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	result := make([]*Task, 0)
	for _, id := range ids {
		task, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if filter.matches(task) {
			result = append(result, task)
		}
	}

	sortTasks(result, filter.OrderBy, filter.OrderDesc)
	return window(result, filter.Offset, filter.Limit), nil
}

// Delete removes a task from the store.
func (s *RedisTaskStore) Delete(ctx context.Context, id string) error {
	task, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.taskKey(id))
	pipe.Del(ctx, s.idemKey(task.IdempotencyKey))
	pipe.ZRem(ctx, s.stateKey(task.State), id)
	pipe.ZRem(ctx, s.ownerKey(task.OwnerHash), id)
	pipe.ZRem(ctx, s.allTasksKey(), id)
	_, err = pipe.Exec(ctx)
	return err
}

// Cleanup removes terminal tasks older than the specified duration. Uses the
// state indexes scored by creation time; the completion timestamp on the
// task body is the authoritative age check.
func (s *RedisTaskStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	count := 0

	for _, state := range []State{StateSucceeded, StateFailed} {
		ids, err := s.client.ZRangeByScore(ctx, s.stateKey(state), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoff.UnixNano(), 10),
		}).Result()
		if err != nil {
			return count, err
		}

		for _, id := range ids {
			task, err := s.Get(ctx, id)
			if err != nil {
				continue
			}
			checkTime := task.UpdatedAt
			if task.CompletedAt != nil {
				checkTime = *task.CompletedAt
			}
			if !checkTime.Before(cutoff) {
				continue
			}
			if err := s.Delete(ctx, id); err == nil {
				count++
			}
		}
	}

	return count, nil
}

// Stats returns statistics about the task store.
func (s *RedisTaskStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		StateCounts: make(map[State]int64),
	}

	total, err := s.client.ZCard(ctx, s.allTasksKey()).Result()
	if err != nil {
		return nil, err
	}
	stats.TotalTasks = total

	for _, state := range []State{StatePending, StateRunning, StateSucceeded, StateFailed} {
		count, err := s.client.ZCard(ctx, s.stateKey(state)).Result()
		if err != nil {
			return nil, err
		}
		stats.StateCounts[state] = count
		switch state {
		case StatePending:
			stats.PendingTasks = count
		case StateRunning:
			stats.RunningTasks = count
		case StateSucceeded:
			stats.SucceededTasks = count
		case StateFailed:
			stats.FailedTasks = count
		}
	}

	oldest, err := s.client.ZRangeWithScores(ctx, s.stateKey(StatePending), 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		ts := time.Unix(0, int64(oldest[0].Score))
		stats.OldestPendingAge = time.Since(ts)
	}

	return stats, nil
}

// Ensure RedisTaskStore implements TaskStore
var _ TaskStore = (*RedisTaskStore)(nil)
