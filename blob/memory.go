package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	objects map[string][]byte
	maxSize int64
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryStore creates a new in-memory blob store.
func NewMemoryStore(config Config) *MemoryStore {
	return &MemoryStore{
		objects: make(map[string][]byte),
		maxSize: config.maxObjectSize(),
	}
}

// Put stores a copy of the bytes read from r.
func (s *MemoryStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	s.objects[key] = buf.Bytes()
	return n, nil
}

// Get returns a reader over a copy of the object bytes.
func (s *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	if err := validateKey(key); err != nil {
		return nil, 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, ErrStoreClosed
	}

	data, ok := s.objects[key]
	if !ok {
		return nil, 0, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Size returns the stored size of an object.
func (s *MemoryStore) Size(ctx context.Context, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	data, ok := s.objects[key]
	if !ok {
		return 0, ErrNotFound
	}
	return int64(len(data)), nil
}

// Delete removes an object.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if _, ok := s.objects[key]; !ok {
		return ErrNotFound
	}
	delete(s.objects, key)
	return nil
}

// Exists reports whether an object is present.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	_, ok := s.objects[key]
	return ok, nil
}

// Ping checks if the store is healthy.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
