package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileTaskStore is a file-backed implementation of TaskStore.
// Suitable for single-node standalone deployments. All tasks live in one
// JSON index that is rewritten atomically on every mutation; the in-memory
// map is the source of truth between writes.
type FileTaskStore struct {
	baseDir string
	tasks   map[string]*Task
	idem    map[string]string
	mu      sync.RWMutex
	closed  bool
	config  Config
}

// NewFileTaskStore creates a file-backed task store under config.BaseDir.
func NewFileTaskStore(config Config) (*FileTaskStore, error) {
	baseDir := filepath.Join(config.BaseDir, "tasks")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create task store directory: %w", err)
	}

	store := &FileTaskStore{
		baseDir: baseDir,
		tasks:   make(map[string]*Task),
		idem:    make(map[string]string),
		config:  config,
	}

	if err := store.loadFromDisk(); err != nil {
		return nil, fmt.Errorf("failed to load tasks from disk: %w", err)
	}

	if config.Cleanup.Enabled {
		go store.cleanupLoop(config.Cleanup.Interval)
	}

	return store, nil
}

func (s *FileTaskStore) indexPath() string {
	return filepath.Join(s.baseDir, "index.json")
}

// loadFromDisk loads all tasks into memory and rebuilds the idempotency
// index.
func (s *FileTaskStore) loadFromDisk() error {
	data, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var tasks map[string]*Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return err
	}
	if tasks == nil {
		tasks = make(map[string]*Task)
	}

	s.tasks = tasks
	for id, task := range tasks {
		if task.IdempotencyKey != "" {
			s.idem[task.IdempotencyKey] = id
		}
	}
	return nil
}

// saveToDisk persists all tasks. Writes a temp file then renames so a crash
// mid-write never corrupts the index. Caller holds the write lock.
func (s *FileTaskStore) saveToDisk() error {
	data, err := json.MarshalIndent(s.tasks, "", "  ")
	if err != nil {
		return err
	}

	tempPath := s.indexPath() + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tempPath, s.indexPath())
}

// Close flushes and closes the store.
func (s *FileTaskStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.saveToDisk()
}

// Ping checks if the store is healthy.
func (s *FileTaskStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	if _, err := os.Stat(s.baseDir); err != nil {
		return err
	}
	return nil
}

// Create persists a new task.
func (s *FileTaskStore) Create(ctx context.Context, task *Task) error {
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

	if err := s.saveToDisk(); err != nil {
		delete(s.idem, task.IdempotencyKey)
		delete(s.tasks, task.ID)
		return err
	}
	return nil
}

// Get retrieves a task by ID.
func (s *FileTaskStore) Get(ctx context.Context, id string) (*Task, error) {
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
func (s *FileTaskStore) FindByIdempotencyKey(ctx context.Context, key string) (*Task, error) {
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
func (s *FileTaskStore) UpdateState(ctx context.Context, id string, from State, mut Mutation) error {
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

	before := *task
	mut.apply(task, time.Now())

	if err := s.saveToDisk(); err != nil {
		*task = before
		return err
	}
	return nil
}

// SetProgress updates the progress of a running task.
func (s *FileTaskStore) SetProgress(ctx context.Context, id string, progress float64) error {
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
	return s.saveToDisk()
}

// List retrieves tasks matching the filter criteria.
func (s *FileTaskStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
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
func (s *FileTaskStore) Delete(ctx context.Context, id string) error {
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
	return s.saveToDisk()
}

// Cleanup removes terminal tasks older than the specified duration.
func (s *FileTaskStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
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

	if count > 0 {
		if err := s.saveToDisk(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// Stats returns statistics about the task store.
func (s *FileTaskStore) Stats(ctx context.Context) (*Stats, error) {
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
func (s *FileTaskStore) cleanupLoop(interval time.Duration) {
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

// Ensure FileTaskStore implements TaskStore
var _ TaskStore = (*FileTaskStore)(nil)
