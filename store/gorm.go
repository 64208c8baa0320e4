package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// taskRecord is the database row for a task.
type taskRecord struct {
	ID             string `gorm:"primaryKey;size:64"`
	IdempotencyKey string `gorm:"uniqueIndex;size:128;not null"`
	OwnerHash      string `gorm:"index;size:128;not null"`
	State          string `gorm:"index;size:16;not null"`
	ArtifactKey    string `gorm:"size:1024"`
	Name           string `gorm:"size:255"`
	ContentType    string `gorm:"size:128"`
	Size           int64
	Progress       float64
	Error          string
	Attempts       int
	CreatedAt      time.Time `gorm:"index"`
	UpdatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

func (taskRecord) TableName() string {
	return "tasks"
}

func recordFromTask(t *Task) *taskRecord {
	return &taskRecord{
		ID:             t.ID,
		IdempotencyKey: t.IdempotencyKey,
		OwnerHash:      t.OwnerHash,
		State:          string(t.State),
		ArtifactKey:    t.ArtifactKey,
		Name:           t.Name,
		ContentType:    t.ContentType,
		Size:           t.Size,
		Progress:       t.Progress,
		Error:          t.Error,
		Attempts:       t.Attempts,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		StartedAt:      t.StartedAt,
		CompletedAt:    t.CompletedAt,
	}
}

func (r *taskRecord) toTask() *Task {
	return &Task{
		ID:             r.ID,
		IdempotencyKey: r.IdempotencyKey,
		OwnerHash:      r.OwnerHash,
		State:          State(r.State),
		ArtifactKey:    r.ArtifactKey,
		Name:           r.Name,
		ContentType:    r.ContentType,
		Size:           r.Size,
		Progress:       r.Progress,
		Error:          r.Error,
		Attempts:       r.Attempts,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
	}
}

// GormTaskStore is an embedded-database implementation of TaskStore backed by
// SQLite. Suitable for single-node standalone deployments that outgrow the
// JSON index. Conditioned updates rely on the database: the UPDATE is scoped
// to the expected state and the affected row count decides the winner.
type GormTaskStore struct {
	db     *gorm.DB
	config Config
}

// NewGormTaskStore opens (or creates) the SQLite database under
// config.BaseDir and migrates the schema.
func NewGormTaskStore(config Config) (*GormTaskStore, error) {
	if err := os.MkdirAll(config.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create task store directory: %w", err)
	}

	dbPath := filepath.Join(config.BaseDir, "tasks.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&taskRecord{}); err != nil {
		return nil, fmt.Errorf("failed to auto migrate: %w", err)
	}

	store := &GormTaskStore{
		db:     db,
		config: config,
	}

	if config.Cleanup.Enabled {
		go store.cleanupLoop(config.Cleanup.Interval)
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *GormTaskStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks if the store is healthy.
func (s *GormTaskStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Create persists a new task.
func (s *GormTaskStore) Create(ctx context.Context, task *Task) error {
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

	err := s.db.WithContext(ctx).Create(recordFromTask(task)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

// isUniqueViolation matches the SQLite constraint error text, which the
// driver does not map to gorm.ErrDuplicatedKey.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Get retrieves a task by ID.
func (s *GormTaskStore) Get(ctx context.Context, id string) (*Task, error) {
	var record taskRecord
	err := s.db.WithContext(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record.toTask(), nil
}

// FindByIdempotencyKey retrieves the task registered under an idempotency key.
func (s *GormTaskStore) FindByIdempotencyKey(ctx context.Context, key string) (*Task, error) {
	var record taskRecord
	err := s.db.WithContext(ctx).First(&record, "idempotency_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return record.toTask(), nil
}

// UpdateState applies mut if the stored state still equals from. The UPDATE
// is scoped to both the task ID and the expected state; zero affected rows
// means either the task is gone or another writer changed it first.
func (s *GormTaskStore) UpdateState(ctx context.Context, id string, from State, mut Mutation) error {
	if err := validateTransition(from, mut); err != nil {
		return err
	}

	now := time.Now()
	updates := map[string]interface{}{
		"state":      string(mut.To),
		"updated_at": now,
	}
	if mut.To == StateRunning {
		updates["started_at"] = now
	}
	if mut.To.IsTerminal() {
		updates["completed_at"] = now
	}
	if mut.ArtifactKey != "" {
		updates["artifact_key"] = mut.ArtifactKey
	}
	if mut.Size > 0 {
		updates["size"] = mut.Size
	}
	switch mut.To {
	case StateFailed:
		updates["error"] = mut.Error
	case StateSucceeded:
		updates["error"] = ""
		updates["progress"] = 100.0
	}
	if mut.IncAttempts {
		updates["attempts"] = gorm.Expr("attempts + 1")
	}

	res := s.db.WithContext(ctx).Model(&taskRecord{}).
		Where("id = ? AND state = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Distinguish a missing task from a lost race.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

// SetProgress updates the progress of a running task.
func (s *GormTaskStore) SetProgress(ctx context.Context, id string, progress float64) error {
	res := s.db.WithContext(ctx).Model(&taskRecord{}).
		Where("id = ? AND state = ?", id, string(StateRunning)).
		Updates(map[string]interface{}{
			"progress":   progress,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		// Task left the running state; progress no longer matters.
	}
	return nil
}

// List retrieves tasks matching the filter criteria.
func (s *GormTaskStore) List(ctx context.Context, filter Filter) ([]*Task, error) {
	q := s.db.WithContext(ctx).Model(&taskRecord{})

	if len(filter.OwnerHashes) > 0 {
		q = q.Where("owner_hash IN ?", filter.OwnerHashes)
	}
	if len(filter.States) > 0 {
		states := make([]string, len(filter.States))
		for i, st := range filter.States {
			states[i] = string(st)
		}
		q = q.Where("state IN ?", states)
	}
	if filter.CreatedAfter != nil {
		q = q.Where("created_at >= ?", *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q = q.Where("created_at <= ?", *filter.CreatedBefore)
	}

	orderBy := filter.OrderBy
	switch orderBy {
	case "updated_at", "progress":
	default:
		orderBy = "created_at"
	}
	if filter.OrderDesc {
		orderBy += " DESC"
	}
	q = q.Order(orderBy)

	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var records []taskRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}

	result := make([]*Task, 0, len(records))
	for i := range records {
		result = append(result, records[i].toTask())
	}
	return result, nil
}

// Delete removes a task from the store.
func (s *GormTaskStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&taskRecord{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Cleanup removes terminal tasks older than the specified duration.
func (s *GormTaskStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	res := s.db.WithContext(ctx).
		Where("state IN ? AND completed_at < ?", []string{string(StateSucceeded), string(StateFailed)}, cutoff).
		Delete(&taskRecord{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// Stats returns statistics about the task store.
func (s *GormTaskStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		StateCounts: make(map[State]int64),
	}

	type stateCount struct {
		State string
		Count int64
	}
	var counts []stateCount
	err := s.db.WithContext(ctx).Model(&taskRecord{}).
		Select("state, count(*) as count").
		Group("state").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}

	for _, c := range counts {
		stats.TotalTasks += c.Count
		stats.StateCounts[State(c.State)] = c.Count
		switch State(c.State) {
		case StatePending:
			stats.PendingTasks = c.Count
		case StateRunning:
			stats.RunningTasks = c.Count
		case StateSucceeded:
			stats.SucceededTasks = c.Count
		case StateFailed:
			stats.FailedTasks = c.Count
		}
	}

	var oldest taskRecord
	err = s.db.WithContext(ctx).
		Where("state = ?", string(StatePending)).
		Order("created_at").
		First(&oldest).Error
	if err == nil {
		stats.OldestPendingAge = time.Since(oldest.CreatedAt)
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return stats, nil
}

// cleanupLoop runs periodic cleanup.
func (s *GormTaskStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		sqlDB, err := s.db.DB()
		if err != nil || sqlDB.Ping() != nil {
			return
		}
		_, _ = s.Cleanup(context.Background(), s.config.Cleanup.TaskRetention)
	}
}

// Ensure GormTaskStore implements TaskStore
var _ TaskStore = (*GormTaskStore)(nil)
