package blob

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedOp struct {
	op     string
	status string
}

type fakeRecorder struct {
	ops   []recordedOp
	bytes map[string]int64
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{bytes: make(map[string]int64)}
}

func (r *fakeRecorder) RecordBlobOp(op, status string, _ time.Duration) {
	r.ops = append(r.ops, recordedOp{op: op, status: status})
}

func (r *fakeRecorder) RecordBlobBytes(direction string, n int64) {
	r.bytes[direction] += n
}

func TestInstrumentRecordsOps(t *testing.T) {
	ctx := context.Background()
	rec := newFakeRecorder()
	store := Instrument(newTestMemoryStore(1<<20), rec)
	defer store.Close()

	payload := []byte("instrumented payload")
	n, err := store.Put(ctx, "k", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), rec.bytes["in"])

	rc, size, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, n, size)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// Read bytes are reported on Close, not on the open.
	assert.Zero(t, rec.bytes["out"])
	require.NoError(t, rc.Close())
	assert.Equal(t, int64(len(payload)), rec.bytes["out"])

	_, err = store.Size(ctx, "k")
	require.NoError(t, err)
	exists, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Delete(ctx, "k"))

	want := []recordedOp{
		{"put", "ok"},
		{"get", "ok"},
		{"size", "ok"},
		{"exists", "ok"},
		{"ping", "ok"},
		{"delete", "ok"},
	}
	assert.Equal(t, want, rec.ops)
}

func TestInstrumentRecordsFailures(t *testing.T) {
	ctx := context.Background()
	rec := newFakeRecorder()
	store := Instrument(newTestMemoryStore(8), rec)
	defer store.Close()

	_, _, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	err = store.Delete(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Put(ctx, "big", strings.NewReader("over the tiny limit"))
	assert.ErrorIs(t, err, ErrObjectTooLarge)

	want := []recordedOp{
		{"get", "not_found"},
		{"delete", "not_found"},
		{"put", "error"},
	}
	assert.Equal(t, want, rec.ops)
	assert.Zero(t, rec.bytes["in"])
	assert.Zero(t, rec.bytes["out"])
}

func TestInstrumentNilRecorder(t *testing.T) {
	inner := newTestMemoryStore(1 << 20)
	defer inner.Close()

	if got := Instrument(inner, nil); got != Store(inner) {
		t.Error("nil recorder should return the store unwrapped")
	}
}
