package orchestrator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/AprilNEA/AssppWeb/blob"
	"github.com/AprilNEA/AssppWeb/store"
)

// ProgressFunc reports processing progress in the range [0, 100].
// Implementations may call it at any cadence; reports are best effort.
type ProgressFunc func(progress float64)

// Result describes the outcome of a successful processing run.
type Result struct {
	// ArtifactKey locates the produced artifact in the blob store.
	ArtifactKey string
	// Size is the artifact size in bytes.
	Size int64
}

// Processor turns a staged payload into a stored artifact. The payload
// reader is valid only for the duration of the call and is reopened
// between retries, so implementations must not retain it.
type Processor interface {
	Process(ctx context.Context, task *store.Task, payload io.Reader, progress ProgressFunc) (*Result, error)
}

// ContentProcessor stores payloads under content-addressed keys of the
// form sha256/<hex digest>. Identical payloads share one artifact.
type ContentProcessor struct {
	blobs  blob.Store
	logger *zap.Logger
}

// NewContentProcessor creates the default processor.
func NewContentProcessor(blobs blob.Store, logger *zap.Logger) *ContentProcessor {
	return &ContentProcessor{
		blobs:  blobs,
		logger: logger.With(zap.String("component", "content_processor")),
	}
}

var _ Processor = (*ContentProcessor)(nil)

// Process hashes the payload, then stores it unless an identical
// artifact already exists.
func (p *ContentProcessor) Process(ctx context.Context, task *store.Task, payload io.Reader, progress ProgressFunc) (*Result, error) {
	progress(0)

	var buf bytes.Buffer
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(hasher, &buf), payload)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	progress(50)

	key := "sha256/" + hex.EncodeToString(hasher.Sum(nil))

	exists, err := p.blobs.Exists(ctx, key)
	if err != nil {
		return nil, err
	}
	if !exists {
		if _, err := p.blobs.Put(ctx, key, &buf); err != nil {
			return nil, err
		}
	} else {
		p.logger.Debug("artifact already stored",
			zap.String("task_id", task.ID),
			zap.String("artifact_key", key),
		)
	}
	progress(100)

	return &Result{ArtifactKey: key, Size: n}, nil
}
