package store

import (
	"context"
	"sync"
	"time"
)

// MemoryTaskStore is an in-memory implementation of TaskStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryTaskStore struct {
	tasks  map[string]*Task
	idem   map[string]string // idempotency key -> task ID
	mu     sync.RWMutex
	closed bool
	config Config
}

// NewMemoryTaskStore creates a new in-memory task store.
func NewMemoryTaskStore(config Config) *MemoryTaskStore {
	store := &MemoryTaskStore{
		tasks:  make(map[string]*Task),
		idem:   make(map[string]string),
		config: config,
	}

	if config.Cleanup.Enabled {
		go store.cleanupLoop(config.Cleanup.Interval)
	}

	return store
}

// Close closes the store.
func (s *MemoryTaskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy.
func (s *MemoryTaskStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Create persists a new task.
func (s *MemoryTaskStore) Create(ctx context.Context, task *Task) error {
	if err := validateTask(task); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	if _, ok := s.tasks[task.ID]; ok {
		return ErrAlreadyExists
	}
	if _, ok := s.idem[task.IdempotencyKey]; ok {
		return ErrAlreadyExists
	}

	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	if task.State == "" {
		task.State = StatePending
	}

	s.tasks[task.ID] = task.Clone()
	s.idem[task.IdempotencyKey] = task.ID

	return nil
}

// Get retrieves a task by ID.
func (s *MemoryTaskStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

// FindByIdempotencyKey retrieves the task registered under an idempotency key.
func (s *MemoryTaskStore) FindByIdempotencyKey(ctx context.Context, key string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	id, ok := s.idem[key]
	if !ok {
		return nil, ErrNotFound
	}
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return task.Clone(), nil
}

// UpdateState applies mut if the stored state still equals from.
func (s *MemoryTaskStore) UpdateState(ctx context.Context, id string, from State, mut Mutation) error {
	if err := validateTransition(from, mut); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.State != from {
		return ErrConflict
	}

	mut.apply(task, time.Now())
	return nil
}

// SetProgress updates the progress of a running task.
func (s *MemoryTaskStore) SetProgress(ctx context.Context, id string, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.State != StateRunning {
		return nil
	}

	task.Progress = progress
	task.UpdatedAt = time.Now()
	return nil
}

// List retrieves tasks matching the filter criteria.
func (s *MemoryTaskStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*Task, 0)
	for _, task := range s.tasks {
		if filter.matches(task) {
			result = append(result, task.Clone())
		}
	}

	sortTasks(result, filter.OrderBy, filter.OrderDesc)
	return window(result, filter.Offset, filter.Limit), nil
}

// Delete removes a task from the store.
func (s *MemoryTaskStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}

	delete(s.idem, task.IdempotencyKey)
	delete(s.tasks, id)
	return nil
}

// Cleanup removes terminal tasks older than the specified duration.
func (s *MemoryTaskStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrStoreClosed
	}

	cutoff := time.Now().Add(-olderThan)
	count := 0

	for id, task := range s.tasks {
		if !task.State.IsTerminal() {
			continue
		}

		checkTime := task.UpdatedAt
		if task.CompletedAt != nil {
			checkTime = *task.CompletedAt
		}

		if checkTime.Before(cutoff) {
			delete(s.idem, task.IdempotencyKey)
			delete(s.tasks, id)
			count++
		}
	}

	return count, nil
}

// Stats returns statistics about the task store.
func (s *MemoryTaskStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	stats := &Stats{
		StateCounts: make(map[State]int64),
	}

	var oldestPending time.Time
	var totalCompletionTime time.Duration
	var succeededCount int64

	for _, task := range s.tasks {
		stats.TotalTasks++
		stats.StateCounts[task.State]++

		switch task.State {
		case StatePending:
			stats.PendingTasks++
			if oldestPending.IsZero() || task.CreatedAt.Before(oldestPending) {
				oldestPending = task.CreatedAt
			}
		case StateRunning:
			stats.RunningTasks++
		case StateSucceeded:
			stats.SucceededTasks++
			if task.StartedAt != nil && task.CompletedAt != nil {
				totalCompletionTime += task.CompletedAt.Sub(*task.StartedAt)
				succeededCount++
			}
		case StateFailed:
			stats.FailedTasks++
		}
	}

	if !oldestPending.IsZero() {
		stats.OldestPendingAge = time.Since(oldestPending)
	}
	if succeededCount > 0 {
		stats.AverageCompletionTime = totalCompletionTime / time.Duration(succeededCount)
	}

	return stats, nil
}

// cleanupLoop runs periodic cleanup.
func (s *MemoryTaskStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()

		if closed {
			return
		}

		_, _ = s.Cleanup(context.Background(), s.config.Cleanup.TaskRetention)
	}
}

// Ensure MemoryTaskStore implements TaskStore
var _ TaskStore = (*MemoryTaskStore)(nil)
