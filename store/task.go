package store

import (
	"fmt"
	"sort"
	"time"
)

// State represents the lifecycle state of a task.
type State string

const (
	// StatePending indicates the task is queued and waiting for a worker
	StatePending State = "pending"

	// StateRunning indicates a worker is processing the task
	StateRunning State = "running"

	// StateSucceeded indicates processing finished and the artifact is stored
	StateSucceeded State = "succeeded"

	// StateFailed indicates processing failed permanently
	StateFailed State = "failed"
)

// IsTerminal returns true if the state is a terminal state.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// CanTransitionTo reports whether the state machine permits moving from s to
// to. Transitions are forward-only; terminal states never change again.
func (s State) CanTransitionTo(to State) bool {
	switch s {
	case StatePending:
		return to == StateRunning || to == StateFailed
	case StateRunning:
		return to == StateSucceeded || to == StateFailed
	default:
		return false
	}
}

// Task represents one package processing job and its outcome.
type Task struct {
	// ID is the unique identifier for the task
	ID string `json:"id"`

	// IdempotencyKey deduplicates resubmissions of the same payload
	IdempotencyKey string `json:"idempotency_key"`

	// OwnerHash is the account hash that owns this task
	OwnerHash string `json:"owner_hash"`

	// State is the current lifecycle state
	State State `json:"state"`

	// ArtifactKey is the object store key of the result (when succeeded)
	ArtifactKey string `json:"artifact_key,omitempty"`

	// Name is the client-supplied package name
	Name string `json:"name"`

	// ContentType is the payload media type
	ContentType string `json:"content_type,omitempty"`

	// Size is the payload size in bytes
	Size int64 `json:"size"`

	// Progress is the processing progress (0-100)
	Progress float64 `json:"progress"`

	// Error contains the sanitized failure detail (when failed)
	Error string `json:"error,omitempty"`

	// Attempts is the number of processing attempts made
	Attempts int `json:"attempts"`

	// CreatedAt is when the task was created
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the task was last updated
	UpdatedAt time.Time `json:"updated_at"`

	// StartedAt is when processing first started
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the task reached a terminal state
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	return t.State.IsTerminal()
}

// Duration returns the processing duration, or time since start if the task
// is still running.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	if t.CompletedAt != nil {
		return t.CompletedAt.Sub(*t.StartedAt)
	}
	return time.Since(*t.StartedAt)
}

// Clone returns a deep copy. Stores hand out copies so callers can never
// mutate stored state without going through UpdateState.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Mutation describes the changes applied by a conditioned state update.
type Mutation struct {
	// To is the target state
	To State

	// ArtifactKey records the stored artifact key (set on success)
	ArtifactKey string

	// Size records the final artifact size (set on success)
	Size int64

	// Error is the sanitized failure detail (set on failure)
	Error string

	// IncAttempts increments the attempt counter
	IncAttempts bool
}

// apply writes the mutation into the task. The caller has already verified
// the transition is legal and holds whatever lock the backend requires.
func (m Mutation) apply(t *Task, now time.Time) {
	t.State = m.To
	t.UpdatedAt = now

	if m.To == StateRunning && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if m.To.IsTerminal() && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	if m.ArtifactKey != "" {
		t.ArtifactKey = m.ArtifactKey
	}
	if m.Size > 0 {
		t.Size = m.Size
	}
	switch m.To {
	case StateFailed:
		t.Error = m.Error
	case StateSucceeded:
		t.Error = ""
		t.Progress = 100
	}
	if m.IncAttempts {
		t.Attempts++
	}
}

// validateTransition rejects illegal state machine moves before any backend
// work happens.
func validateTransition(from State, mut Mutation) error {
	if !from.CanTransitionTo(mut.To) {
		return fmt.Errorf("%w: transition %s -> %s not allowed", ErrInvalidInput, from, mut.To)
	}
	return nil
}

// validateTask checks the invariants Create requires.
func validateTask(t *Task) error {
	if t == nil {
		return ErrInvalidInput
	}
	if t.ID == "" {
		return fmt.Errorf("%w: task ID is required", ErrInvalidInput)
	}
	if t.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}
	if t.OwnerHash == "" {
		return fmt.Errorf("%w: owner hash is required", ErrInvalidInput)
	}
	return nil
}

// Filter defines criteria for listing tasks.
type Filter struct {
	// OwnerHashes filters by owning accounts (any match)
	OwnerHashes []string `json:"owner_hashes,omitempty"`

	// States filters by state (can be multiple)
	States []State `json:"states,omitempty"`

	// CreatedAfter filters tasks created after this time
	CreatedAfter *time.Time `json:"created_after,omitempty"`

	// CreatedBefore filters tasks created before this time
	CreatedBefore *time.Time `json:"created_before,omitempty"`

	// Limit is the maximum number of tasks to return
	Limit int `json:"limit,omitempty"`

	// Offset is the number of tasks to skip
	Offset int `json:"offset,omitempty"`

	// OrderBy specifies the sort field (created_at, updated_at, progress)
	OrderBy string `json:"order_by,omitempty"`

	// OrderDesc specifies descending order
	OrderDesc bool `json:"order_desc,omitempty"`
}

// matches checks if a task matches the filter criteria.
func (f Filter) matches(task *Task) bool {
	if len(f.OwnerHashes) > 0 {
		found := false
		for _, h := range f.OwnerHashes {
			if task.OwnerHash == h {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(f.States) > 0 {
		found := false
		for _, s := range f.States {
			if task.State == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if f.CreatedAfter != nil && task.CreatedAt.Before(*f.CreatedAfter) {
		return false
	}

	if f.CreatedBefore != nil && task.CreatedAt.After(*f.CreatedBefore) {
		return false
	}

	return true
}

// sortTasks sorts tasks by the filter's sort field.
func sortTasks(tasks []*Task, orderBy string, desc bool) {
	if orderBy == "" {
		orderBy = "created_at"
	}

	sort.Slice(tasks, func(i, j int) bool {
		var less bool
		switch orderBy {
		case "updated_at":
			less = tasks[i].UpdatedAt.Before(tasks[j].UpdatedAt)
		case "progress":
			less = tasks[i].Progress < tasks[j].Progress
		default:
			less = tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}

		if desc {
			return !less
		}
		return less
	})
}

// window applies the filter's offset and limit to a sorted result.
func window(tasks []*Task, offset, limit int) []*Task {
	if offset > 0 {
		if offset >= len(tasks) {
			return []*Task{}
		}
		tasks = tasks[offset:]
	}
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks
}

// Stats contains statistics about the task store.
type Stats struct {
	// TotalTasks is the total number of tasks in the store
	TotalTasks int64 `json:"total_tasks"`

	// PendingTasks is the number of pending tasks
	PendingTasks int64 `json:"pending_tasks"`

	// RunningTasks is the number of running tasks
	RunningTasks int64 `json:"running_tasks"`

	// SucceededTasks is the number of succeeded tasks
	SucceededTasks int64 `json:"succeeded_tasks"`

	// FailedTasks is the number of failed tasks
	FailedTasks int64 `json:"failed_tasks"`

	// StateCounts is the task count per state
	StateCounts map[State]int64 `json:"state_counts"`

	// AverageCompletionTime is the average time from start to success
	AverageCompletionTime time.Duration `json:"average_completion_time"`

	// OldestPendingAge is the age of the oldest pending task
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}
