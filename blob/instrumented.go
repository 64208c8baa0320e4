package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// OpRecorder receives per-operation metrics from an instrumented store.
// *metrics.Collector satisfies it.
type OpRecorder interface {
	RecordBlobOp(operation, status string, duration time.Duration)
	RecordBlobBytes(direction string, n int64)
}

// Instrument decorates a store so every operation reports its outcome and
// latency, and Put/Get report the bytes moved. A nil recorder returns the
// store unwrapped.
func Instrument(next Store, rec OpRecorder) Store {
	if rec == nil {
		return next
	}
	return &instrumentedStore{next: next, rec: rec}
}

type instrumentedStore struct {
	next Store
	rec  OpRecorder
}

func opStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

func (s *instrumentedStore) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	started := time.Now()
	n, err := s.next.Put(ctx, key, r)
	s.rec.RecordBlobOp("put", opStatus(err), time.Since(started))
	if n > 0 {
		s.rec.RecordBlobBytes("in", n)
	}
	return n, err
}

// Get records the open; the bytes actually read are reported when the
// caller closes the stream.
func (s *instrumentedStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	started := time.Now()
	rc, size, err := s.next.Get(ctx, key)
	s.rec.RecordBlobOp("get", opStatus(err), time.Since(started))
	if err != nil {
		return nil, 0, err
	}
	return &countingReadCloser{ReadCloser: rc, rec: s.rec}, size, nil
}

func (s *instrumentedStore) Size(ctx context.Context, key string) (int64, error) {
	started := time.Now()
	n, err := s.next.Size(ctx, key)
	s.rec.RecordBlobOp("size", opStatus(err), time.Since(started))
	return n, err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	started := time.Now()
	err := s.next.Delete(ctx, key)
	s.rec.RecordBlobOp("delete", opStatus(err), time.Since(started))
	return err
}

func (s *instrumentedStore) Exists(ctx context.Context, key string) (bool, error) {
	started := time.Now()
	ok, err := s.next.Exists(ctx, key)
	s.rec.RecordBlobOp("exists", opStatus(err), time.Since(started))
	return ok, err
}

func (s *instrumentedStore) Ping(ctx context.Context) error {
	started := time.Now()
	err := s.next.Ping(ctx)
	s.rec.RecordBlobOp("ping", opStatus(err), time.Since(started))
	return err
}

func (s *instrumentedStore) Close() error {
	return s.next.Close()
}

type countingReadCloser struct {
	io.ReadCloser
	rec  OpRecorder
	read int64
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.read += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	if c.read > 0 {
		c.rec.RecordBlobBytes("out", c.read)
		c.read = 0
	}
	return c.ReadCloser.Close()
}

// Ensure instrumentedStore implements Store
var _ Store = (*instrumentedStore)(nil)
