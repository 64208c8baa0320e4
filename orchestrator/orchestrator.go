// Package orchestrator accepts package submissions, tracks them through
// the task state machine, and drives processing on a worker pool.
//
// A submission stages its payload in the blob store, records a pending
// task, and enqueues the task ID. Workers claim tasks with conditioned
// state transitions, so a task is processed at most once even when
// several orchestrator instances share a store.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/AprilNEA/AssppWeb/blob"
	"github.com/AprilNEA/AssppWeb/internal/metrics"
	"github.com/AprilNEA/AssppWeb/internal/retry"
	"github.com/AprilNEA/AssppWeb/store"
)

var (
	// ErrEmptyPayload is returned when a submission carries no bytes.
	ErrEmptyPayload = errors.New("payload is empty")
	// ErrInvalidOwnerHash is returned when the owner hash is too short.
	ErrInvalidOwnerHash = errors.New("owner hash must be at least 8 characters")
	// ErrQueueFull is returned when the work queue cannot accept a task.
	ErrQueueFull = errors.New("task queue is full")
	// ErrOwnershipDenied is returned when a task belongs to another owner.
	ErrOwnershipDenied = errors.New("task belongs to a different owner")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("orchestrator is closed")
)

const (
	minOwnerHashLength = 8
	maxErrorDetail     = 512
	stagingPrefix      = "staging/"
)

// Config holds the orchestrator settings.
type Config struct {
	// Workers is the number of goroutines draining the queue.
	Workers int
	// QueueSize bounds the number of tasks awaiting a worker.
	QueueSize int
	// MaxRetries bounds storage retries per processing attempt.
	MaxRetries int
	// RetryInitialDelay is the first backoff delay.
	RetryInitialDelay time.Duration
	// RetryMaxDelay is the backoff ceiling.
	RetryMaxDelay time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		QueueSize:         256,
		MaxRetries:        3,
		RetryInitialDelay: time.Second,
		RetryMaxDelay:     30 * time.Second,
	}
}

// Submission is a request to process one package payload.
type Submission struct {
	// Payload is the package bytes. Read exactly once.
	Payload io.Reader
	// Name is the human-readable package name.
	Name string
	// ContentType of the payload, if known.
	ContentType string
	// OwnerHash identifies the submitting account.
	OwnerHash string
	// IdempotencyKey deduplicates resubmissions. When empty a key is
	// derived from the owner hash and the payload digest.
	IdempotencyKey string
}

// Orchestrator owns the submission pipeline and the worker pool.
type Orchestrator struct {
	config    Config
	tasks     store.TaskStore
	blobs     blob.Store
	processor Processor
	retryer   retry.Retryer
	collector *metrics.Collector
	logger    *zap.Logger

	queue   chan string
	queueMu sync.RWMutex
	group   *errgroup.Group
	cancel  context.CancelFunc
	closed  atomic.Bool
}

// New creates an orchestrator. The collector may be nil.
func New(config Config, tasks store.TaskStore, blobs blob.Store, processor Processor, collector *metrics.Collector, logger *zap.Logger) *Orchestrator {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultConfig().QueueSize
	}

	policy := &retry.Policy{
		MaxRetries:   config.MaxRetries,
		InitialDelay: config.RetryInitialDelay,
		MaxDelay:     config.RetryMaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
		RetryIf:      blob.IsStorageError,
	}

	return &Orchestrator{
		config:    config,
		tasks:     tasks,
		blobs:     blobs,
		processor: processor,
		retryer:   retry.NewBackoffRetryer(policy, logger),
		collector: collector,
		logger:    logger.With(zap.String("component", "orchestrator")),
		queue:     make(chan string, config.QueueSize),
	}
}

// Start launches the worker pool. It returns immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < o.config.Workers; i++ {
		o.group.Go(func() error {
			o.worker(ctx)
			return nil
		})
	}

	o.logger.Info("worker pool started", zap.Int("workers", o.config.Workers))
}

// Close stops accepting submissions and waits for in-flight work.
func (o *Orchestrator) Close() error {
	o.queueMu.Lock()
	if o.closed.Swap(true) {
		o.queueMu.Unlock()
		return nil
	}
	close(o.queue)
	o.queueMu.Unlock()
	if o.group != nil {
		if err := o.group.Wait(); err != nil {
			return err
		}
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.logger.Info("worker pool stopped")
	return nil
}

// Submit validates a submission, stages its payload, and enqueues a
// pending task. A resubmission under an already-known idempotency key
// returns the existing task without writing a second payload.
func (o *Orchestrator) Submit(ctx context.Context, req Submission) (*store.Task, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	if len(req.OwnerHash) < minOwnerHashLength {
		o.recordSubmitted("rejected")
		return nil, ErrInvalidOwnerHash
	}
	if req.Payload == nil {
		o.recordSubmitted("rejected")
		return nil, ErrEmptyPayload
	}

	// A caller-provided key can short-circuit before the payload is read.
	if req.IdempotencyKey != "" {
		if existing, err := o.tasks.FindByIdempotencyKey(ctx, req.IdempotencyKey); err == nil {
			o.recordSubmitted("deduplicated")
			return existing, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	id := uuid.New().String()
	staging := stagingKey(id)

	hasher := sha256.New()
	size, err := o.blobs.Put(ctx, staging, io.TeeReader(req.Payload, hasher))
	if err != nil {
		o.recordSubmitted("rejected")
		return nil, err
	}
	if size == 0 {
		o.discardStaging(ctx, staging)
		o.recordSubmitted("rejected")
		return nil, ErrEmptyPayload
	}

	key := req.IdempotencyKey
	if key == "" {
		// Scoped to the owner so identical payloads from different
		// accounts never alias to the same task.
		hasher.Write([]byte(req.OwnerHash))
		key = hex.EncodeToString(hasher.Sum(nil))
	}

	if existing, err := o.tasks.FindByIdempotencyKey(ctx, key); err == nil {
		o.discardStaging(ctx, staging)
		o.recordSubmitted("deduplicated")
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		o.discardStaging(ctx, staging)
		return nil, err
	}

	task := &store.Task{
		ID:             id,
		IdempotencyKey: key,
		OwnerHash:      req.OwnerHash,
		Name:           req.Name,
		ContentType:    req.ContentType,
		Size:           size,
	}

	if err := o.tasks.Create(ctx, task); err != nil {
		o.discardStaging(ctx, staging)
		if errors.Is(err, store.ErrAlreadyExists) {
			// Lost the race to a concurrent identical submission.
			if existing, findErr := o.tasks.FindByIdempotencyKey(ctx, key); findErr == nil {
				o.recordSubmitted("deduplicated")
				return existing, nil
			}
		}
		return nil, err
	}

	if err := o.enqueue(id); err != nil {
		o.discardStaging(ctx, staging)
		if delErr := o.tasks.Delete(ctx, id); delErr != nil && !errors.Is(delErr, store.ErrNotFound) {
			o.logger.Warn("failed to remove rejected task", zap.String("task_id", id), zap.Error(delErr))
		}
		o.recordSubmitted("rejected")
		return nil, err
	}

	o.recordSubmitted("created")
	o.setQueueDepth()

	o.logger.Info("task submitted",
		zap.String("task_id", id),
		zap.String("name", req.Name),
		zap.Int64("size", size),
	)

	created, err := o.tasks.Get(ctx, id)
	if err != nil {
		return task, nil
	}
	return created, nil
}

// Status returns the task after checking ownership.
func (o *Orchestrator) Status(ctx context.Context, id, ownerHash string) (*store.Task, error) {
	task, err := o.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.OwnerHash != ownerHash {
		return nil, ErrOwnershipDenied
	}
	return task, nil
}

// List returns the tasks owned by any of the given accounts, newest
// first. An empty owner set yields an empty list.
func (o *Orchestrator) List(ctx context.Context, ownerHashes []string) ([]*store.Task, error) {
	if len(ownerHashes) == 0 {
		return []*store.Task{}, nil
	}
	return o.tasks.List(ctx, store.Filter{
		OwnerHashes: ownerHashes,
		OrderBy:     "created_at",
		OrderDesc:   true,
	})
}

// Delete removes a task and, when no other task references it, the
// task's artifact.
func (o *Orchestrator) Delete(ctx context.Context, id, ownerHash string) error {
	task, err := o.tasks.Get(ctx, id)
	if err != nil {
		return err
	}
	if task.OwnerHash != ownerHash {
		return ErrOwnershipDenied
	}

	if err := o.tasks.Delete(ctx, id); err != nil {
		return err
	}
	o.discardStaging(ctx, stagingKey(id))

	if task.ArtifactKey != "" {
		shared, err := o.artifactShared(ctx, task.ArtifactKey)
		if err != nil {
			o.logger.Warn("failed to check artifact references",
				zap.String("artifact_key", task.ArtifactKey), zap.Error(err))
			return nil
		}
		if !shared {
			if err := o.blobs.Delete(ctx, task.ArtifactKey); err != nil && !errors.Is(err, blob.ErrNotFound) {
				o.logger.Warn("failed to remove artifact",
					zap.String("artifact_key", task.ArtifactKey), zap.Error(err))
			}
		}
	}

	return nil
}

// Artifact resolves an artifact key to its stream, enforcing ownership
// through the tasks that reference it.
func (o *Orchestrator) Artifact(ctx context.Context, key, ownerHash string) (io.ReadCloser, int64, *store.Task, error) {
	owner, err := o.artifactOwner(ctx, key, ownerHash)
	if err != nil {
		return nil, 0, nil, err
	}

	rc, size, err := o.blobs.Get(ctx, key)
	if err != nil {
		return nil, 0, nil, err
	}
	return rc, size, owner, nil
}

// Recover re-enqueues tasks that were pending when the process last
// stopped and fails tasks caught mid-processing. Their payload streams
// cannot be resumed, so a running task is unrecoverable.
func (o *Orchestrator) Recover(ctx context.Context) error {
	running, err := o.tasks.List(ctx, store.Filter{States: []store.State{store.StateRunning}})
	if err != nil {
		return fmt.Errorf("failed to list running tasks: %w", err)
	}
	for _, task := range running {
		mut := store.Mutation{To: store.StateFailed, Error: "processing interrupted by restart"}
		if err := o.tasks.UpdateState(ctx, task.ID, store.StateRunning, mut); err != nil && !errors.Is(err, store.ErrConflict) {
			o.logger.Warn("failed to fail orphaned task", zap.String("task_id", task.ID), zap.Error(err))
			continue
		}
		o.recordTransition(store.StateRunning, store.StateFailed)
		o.discardStaging(ctx, stagingKey(task.ID))
	}

	pending, err := o.tasks.List(ctx, store.Filter{
		States:  []store.State{store.StatePending},
		OrderBy: "created_at",
	})
	if err != nil {
		return fmt.Errorf("failed to list pending tasks: %w", err)
	}
	requeued := 0
	for _, task := range pending {
		if err := o.enqueue(task.ID); err != nil {
			if errors.Is(err, ErrQueueFull) {
				o.logger.Warn("queue full during recovery", zap.Int("requeued", requeued), zap.Int("pending", len(pending)))
				o.setQueueDepth()
				return nil
			}
			return err
		}
		requeued++
	}
	o.setQueueDepth()

	if len(running) > 0 || requeued > 0 {
		o.logger.Info("recovery complete",
			zap.Int("requeued", requeued),
			zap.Int("failed_orphans", len(running)),
		)
	}
	return nil
}

// enqueue performs a non-blocking send. The lock is shared with Close so
// the queue channel can never close between the check and the send.
func (o *Orchestrator) enqueue(id string) error {
	o.queueMu.RLock()
	defer o.queueMu.RUnlock()
	if o.closed.Load() {
		return ErrClosed
	}
	select {
	case o.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case id, ok := <-o.queue:
			if !ok {
				return
			}
			o.setQueueDepth()
			o.process(ctx, id)
		case <-ctx.Done():
			return
		}
	}
}

// process claims and runs one task. A conflict on any transition means
// another worker owns the task and the attempt is abandoned quietly.
func (o *Orchestrator) process(ctx context.Context, id string) {
	claim := store.Mutation{To: store.StateRunning, IncAttempts: true}
	if err := o.tasks.UpdateState(ctx, id, store.StatePending, claim); err != nil {
		if errors.Is(err, store.ErrConflict) {
			o.recordConflict()
		} else if !errors.Is(err, store.ErrNotFound) {
			o.logger.Warn("failed to claim task", zap.String("task_id", id), zap.Error(err))
		}
		return
	}
	o.recordTransition(store.StatePending, store.StateRunning)

	task, err := o.tasks.Get(ctx, id)
	if err != nil {
		o.logger.Warn("claimed task vanished", zap.String("task_id", id), zap.Error(err))
		return
	}

	started := time.Now()
	result, err := o.runProcessor(ctx, task)
	if err != nil {
		o.fail(ctx, id, err)
		return
	}

	done := store.Mutation{
		To:          store.StateSucceeded,
		ArtifactKey: result.ArtifactKey,
		Size:        result.Size,
	}
	if err := o.tasks.UpdateState(ctx, id, store.StateRunning, done); err != nil {
		if errors.Is(err, store.ErrConflict) {
			o.recordConflict()
		} else {
			o.logger.Error("failed to complete task", zap.String("task_id", id), zap.Error(err))
		}
		return
	}
	o.recordTransition(store.StateRunning, store.StateSucceeded)
	o.recordProcessed(time.Since(started))
	o.discardStaging(ctx, stagingKey(id))

	o.logger.Info("task succeeded",
		zap.String("task_id", id),
		zap.String("artifact_key", result.ArtifactKey),
		zap.Duration("elapsed", time.Since(started)),
	)
}

// runProcessor executes the processor with storage-aware retries. The
// staged payload is reopened on every attempt so a half-read stream
// never leaks into a retry.
func (o *Orchestrator) runProcessor(ctx context.Context, task *store.Task) (*Result, error) {
	staging := stagingKey(task.ID)
	report := func(progress float64) {
		if err := o.tasks.SetProgress(ctx, task.ID, progress); err != nil {
			o.logger.Debug("progress update dropped", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	var result *Result
	attempts := 0
	err := o.retryer.Do(ctx, func() error {
		if attempts++; attempts > 1 {
			o.recordRetry()
		}

		payload, _, err := o.blobs.Get(ctx, staging)
		if err != nil {
			return err
		}
		defer payload.Close()

		result, err = o.processor.Process(ctx, task, payload, report)
		return err
	})
	return result, err
}

func (o *Orchestrator) fail(ctx context.Context, id string, cause error) {
	mut := store.Mutation{To: store.StateFailed, Error: sanitizeError(cause)}
	if err := o.tasks.UpdateState(ctx, id, store.StateRunning, mut); err != nil {
		if errors.Is(err, store.ErrConflict) {
			o.recordConflict()
		} else {
			o.logger.Error("failed to record task failure", zap.String("task_id", id), zap.Error(err))
		}
		return
	}
	o.recordTransition(store.StateRunning, store.StateFailed)
	o.discardStaging(ctx, stagingKey(id))

	o.logger.Warn("task failed", zap.String("task_id", id), zap.Error(cause))
}

// artifactShared reports whether any remaining task references the key.
func (o *Orchestrator) artifactShared(ctx context.Context, key string) (bool, error) {
	tasks, err := o.tasks.List(ctx, store.Filter{})
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.ArtifactKey == key {
			return true, nil
		}
	}
	return false, nil
}

// artifactOwner finds a task owned by ownerHash that references the
// key. Keys nobody references are treated as absent.
func (o *Orchestrator) artifactOwner(ctx context.Context, key, ownerHash string) (*store.Task, error) {
	tasks, err := o.tasks.List(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}
	referenced := false
	for _, t := range tasks {
		if t.ArtifactKey != key {
			continue
		}
		referenced = true
		if t.OwnerHash == ownerHash {
			return t, nil
		}
	}
	if referenced {
		return nil, ErrOwnershipDenied
	}
	return nil, store.ErrNotFound
}

func (o *Orchestrator) discardStaging(ctx context.Context, key string) {
	if err := o.blobs.Delete(ctx, key); err != nil && !errors.Is(err, blob.ErrNotFound) {
		o.logger.Warn("failed to discard staged payload", zap.String("key", key), zap.Error(err))
	}
}

func stagingKey(id string) string {
	return stagingPrefix + id
}

// sanitizeError flattens an error chain into a bounded single line fit
// for storage and API responses.
func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.Join(strings.Fields(err.Error()), " ")
	if len(msg) > maxErrorDetail {
		msg = msg[:maxErrorDetail]
	}
	return msg
}

func (o *Orchestrator) recordSubmitted(result string) {
	if o.collector != nil {
		o.collector.RecordTaskSubmitted(result)
	}
}

func (o *Orchestrator) recordTransition(from, to store.State) {
	if o.collector != nil {
		o.collector.RecordTaskTransition(string(from), string(to))
	}
}

func (o *Orchestrator) recordProcessed(d time.Duration) {
	if o.collector != nil {
		o.collector.RecordTaskProcessed(d)
	}
}

func (o *Orchestrator) recordRetry() {
	if o.collector != nil {
		o.collector.RecordTaskRetry()
	}
}

func (o *Orchestrator) recordConflict() {
	if o.collector != nil {
		o.collector.RecordTaskConflict()
	}
}

func (o *Orchestrator) setQueueDepth() {
	if o.collector != nil {
		o.collector.SetQueueDepth(len(o.queue))
	}
}
