package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// FSStore is a filesystem-backed implementation of Store.
// Suitable for single-node (standalone) deployments. Each object lives in one
// file named by the encoded key; writes go through a temp file and a rename
// so a successful Put is atomic and immediately visible.
type FSStore struct {
	baseDir string
	maxSize int64
	logger  *zap.Logger
	mu      sync.RWMutex
	closed  bool
}

// NewFSStore creates a filesystem blob store rooted at config.BaseDir.
func NewFSStore(config Config, logger *zap.Logger) (*FSStore, error) {
	if err := os.MkdirAll(config.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return &FSStore{
		baseDir: config.BaseDir,
		maxSize: config.maxObjectSize(),
		logger:  logger.With(zap.String("component", "blob_fs")),
	}, nil
}

func (s *FSStore) objectPath(key string) string {
	return filepath.Join(s.baseDir, EncodeKey(key))
}

func (s *FSStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Put streams r into a temp file, then renames it over the final path.
func (s *FSStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(s.baseDir, ".put-*")
	if err != nil {
		return 0, storageErr("put", key, err)
	}
	tmpPath := tmp.Name()

	// +1 so a source exactly at the limit is distinguishable from one over it
	n, err := io.Copy(tmp, io.LimitReader(r, s.maxSize+1))
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, storageErr("put", key, err)
	}
	if n > s.maxSize {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, ErrObjectTooLarge
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, storageErr("put", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, storageErr("put", key, err)
	}

	if err := os.Rename(tmpPath, s.objectPath(key)); err != nil {
		os.Remove(tmpPath)
		return 0, storageErr("put", key, err)
	}

	s.logger.Debug("object written",
		zap.String("key", key),
		zap.Int64("size", n),
	)
	return n, nil
}

// Get opens the object file for reading.
func (s *FSStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := validateKey(key); err != nil {
		return nil, 0, err
	}
	if err := s.checkOpen(); err != nil {
		return nil, 0, err
	}

	f, err := os.Open(s.objectPath(key))
	if os.IsNotExist(err) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, storageErr("get", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, storageErr("get", key, err)
	}
	return f, info.Size(), nil
}

// Size returns the stored size of an object.
func (s *FSStore) Size(ctx context.Context, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	info, err := os.Stat(s.objectPath(key))
	if os.IsNotExist(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, storageErr("size", key, err)
	}
	return info.Size(), nil
}

// Delete removes the object file.
func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := s.checkOpen(); err != nil {
		return err
	}

	err := os.Remove(s.objectPath(key))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return storageErr("delete", key, err)
}

// Exists reports whether the object file is present.
func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	_, err := os.Stat(s.objectPath(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("exists", key, err)
	}
	return true, nil
}

// Ping checks if the store is healthy.
func (s *FSStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := os.Stat(s.baseDir); err != nil {
		return storageErr("ping", "", err)
	}
	return nil
}

// Close marks the store closed.
func (s *FSStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ensure FSStore implements Store
var _ Store = (*FSStore)(nil)
