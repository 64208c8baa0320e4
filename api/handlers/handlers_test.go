package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AprilNEA/AssppWeb/blob"
	"github.com/AprilNEA/AssppWeb/orchestrator"
	"github.com/AprilNEA/AssppWeb/store"
)

const testOwner = "owner-hash-0001"

type testEnv struct {
	mux   *http.ServeMux
	tasks store.TaskStore
	blobs blob.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	storeCfg := store.DefaultConfig()
	storeCfg.Type = store.StoreTypeMemory
	storeCfg.Cleanup.Enabled = false
	tasks := store.NewMemoryTaskStore(storeCfg)
	t.Cleanup(func() { tasks.Close() })

	blobCfg := blob.DefaultConfig()
	blobCfg.Type = blob.StoreTypeMemory
	blobs := blob.NewMemoryStore(blobCfg)
	t.Cleanup(func() { blobs.Close() })

	logger := zap.NewNop()
	orchCfg := orchestrator.DefaultConfig()
	orchCfg.Workers = 2
	orchCfg.RetryInitialDelay = time.Millisecond
	orch := orchestrator.New(orchCfg, tasks, blobs, orchestrator.NewContentProcessor(blobs, logger), nil, logger)
	orch.Start(context.Background())
	t.Cleanup(func() { orch.Close() })

	taskHandler := NewTaskHandler(orch, logger)
	artifactHandler := NewArtifactHandler(orch, logger)
	healthHandler := NewHealthHandler(logger)
	healthHandler.RegisterCheck(NewPingCheck("task_store", tasks.Ping))
	healthHandler.RegisterCheck(NewPingCheck("blob_store", blobs.Ping))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", taskHandler.HandleSubmit)
	mux.HandleFunc("GET /api/v1/tasks", taskHandler.HandleList)
	mux.HandleFunc("GET /api/v1/tasks/{id}", taskHandler.HandleStatus)
	mux.HandleFunc("DELETE /api/v1/tasks/{id}", taskHandler.HandleDelete)
	mux.HandleFunc("GET /api/v1/artifacts/{key...}", artifactHandler.HandleDownload)
	mux.HandleFunc("GET /health", healthHandler.HandleHealth)
	mux.HandleFunc("GET /healthz", healthHandler.HandleHealthz)
	mux.HandleFunc("GET /ready", healthHandler.HandleReady)
	mux.HandleFunc("GET /version", healthHandler.HandleVersion("1.0.0", "abcdef0"))

	return &testEnv{mux: mux, tasks: tasks, blobs: blobs}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *ErrorInfo      `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.False(t, env.Timestamp.IsZero())
	return env
}

func decodeTask(t *testing.T, rec *httptest.ResponseRecorder) *store.Task {
	t.Helper()
	env := decodeEnvelope(t, rec)
	require.True(t, env.Success, "body: %s", rec.Body.String())
	var task store.Task
	require.NoError(t, json.Unmarshal(env.Data, &task))
	return &task
}

func submitRaw(t *testing.T, e *testEnv, payload, owner, name string) *store.Task {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Account-Hash", owner)
	req.Header.Set("X-Package-Name", name)

	rec := e.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())
	return decodeTask(t, rec)
}

func waitSucceeded(t *testing.T, e *testEnv, id string) *store.Task {
	t.Helper()
	var got *store.Task
	require.Eventually(t, func() bool {
		task, err := e.tasks.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = task
		return task.State == store.StateSucceeded
	}, 5*time.Second, 5*time.Millisecond)
	return got
}

func TestSubmitRawBody(t *testing.T) {
	e := newTestEnv(t)

	task := submitRaw(t, e, "raw package bytes", testOwner, "app.ipa")
	assert.Equal(t, store.StatePending, task.State)
	assert.Equal(t, "app.ipa", task.Name)
	assert.Equal(t, testOwner, task.OwnerHash)
	assert.Equal(t, int64(len("raw package bytes")), task.Size)
}

func TestSubmitMultipart(t *testing.T) {
	e := newTestEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "upload.ipa")
	require.NoError(t, err)
	_, err = part.Write([]byte("multipart package bytes"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("name", "renamed.ipa"))
	require.NoError(t, mw.WriteField("accountHash", testOwner))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := e.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())

	task := decodeTask(t, rec)
	assert.Equal(t, "renamed.ipa", task.Name)
	assert.Equal(t, testOwner, task.OwnerHash)

	done := waitSucceeded(t, e, task.ID)
	assert.True(t, strings.HasPrefix(done.ArtifactKey, "sha256/"))
}

func TestSubmitLargePayloadEndToEnd(t *testing.T) {
	e := newTestEnv(t)

	payload := make([]byte, 10<<20)
	for i := range payload {
		payload[i] = byte(i*31 + 7)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Account-Hash", testOwner)
	req.Header.Set("X-Package-Name", "big.ipa")
	rec := e.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code, "body: %s", rec.Body.String())
	task := decodeTask(t, rec)
	assert.Equal(t, int64(len(payload)), task.Size)

	// Poll over the API rather than the store, as a client would.
	var done store.Task
	require.Eventually(t, func() bool {
		rec := e.do(httptest.NewRequest(http.MethodGet,
			fmt.Sprintf("/api/v1/tasks/%s?accountHash=%s", task.ID, testOwner), nil))
		if rec.Code != http.StatusOK {
			return false
		}
		var env envelope
		if json.Unmarshal(rec.Body.Bytes(), &env) != nil || !env.Success {
			return false
		}
		if json.Unmarshal(env.Data, &done) != nil {
			return false
		}
		return done.State == store.StateSucceeded
	}, 30*time.Second, 20*time.Millisecond, "task never succeeded")

	require.NotEmpty(t, done.ArtifactKey)
	assert.Equal(t, int64(len(payload)), done.Size)

	rec = e.do(httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/v1/artifacts/%s?accountHash=%s", done.ArtifactKey, url.QueryEscape(testOwner)), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fmt.Sprint(len(payload)), rec.Header().Get("Content-Length"))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Equal(t, len(payload), len(body))
	assert.True(t, bytes.Equal(payload, body), "downloaded bytes differ from the submitted payload")
}

func TestSubmitIdempotencyKeyHeader(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("v1"))
	req.Header.Set("X-Account-Hash", testOwner)
	req.Header.Set("Idempotency-Key", "client-key")
	first := decodeTask(t, e.do(req))

	req = httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("v2"))
	req.Header.Set("X-Account-Hash", testOwner)
	req.Header.Set("Idempotency-Key", "client-key")
	rec := e.do(req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	second := decodeTask(t, rec)

	assert.Equal(t, first.ID, second.ID)
}

func TestSubmitValidationErrors(t *testing.T) {
	e := newTestEnv(t)

	// Owner hash too short.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader("bytes"))
	req.Header.Set("X-Account-Hash", "short")
	rec := e.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeValidation, env.Error.Code)

	// Empty payload.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(""))
	req.Header.Set("X-Account-Hash", testOwner)
	rec = e.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatusEndpoint(t *testing.T) {
	e := newTestEnv(t)
	task := submitRaw(t, e, "status bytes", testOwner, "s.ipa")

	rec := e.do(httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/v1/tasks/%s?accountHash=%s", task.ID, testOwner), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeTask(t, rec)
	assert.Equal(t, task.ID, got.ID)

	// Wrong owner.
	rec = e.do(httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/v1/tasks/%s?accountHash=owner-hash-0002", task.ID), nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, CodeForbidden, env.Error.Code)

	// Unknown task.
	rec = e.do(httptest.NewRequest(http.MethodGet,
		"/api/v1/tasks/unknown?accountHash="+testOwner, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Missing accountHash.
	rec = e.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+task.ID, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEndpoint(t *testing.T) {
	e := newTestEnv(t)

	// No accounts yields an empty array, not null.
	rec := e.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.JSONEq(t, "[]", string(env.Data))

	a := submitRaw(t, e, "payload a", "owner-hash-aaaa", "a.ipa")
	submitRaw(t, e, "payload b", "owner-hash-bbbb", "b.ipa")

	rec = e.do(httptest.NewRequest(http.MethodGet,
		"/api/v1/tasks?accountHashes=owner-hash-aaaa", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	var tasks []*store.Task
	require.NoError(t, json.Unmarshal(env.Data, &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, a.ID, tasks[0].ID)
}

func TestDeleteEndpoint(t *testing.T) {
	e := newTestEnv(t)
	task := submitRaw(t, e, "delete bytes", testOwner, "d.ipa")
	waitSucceeded(t, e, task.ID)

	rec := e.do(httptest.NewRequest(http.MethodDelete,
		fmt.Sprintf("/api/v1/tasks/%s?accountHash=owner-hash-0002", task.ID), nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(httptest.NewRequest(http.MethodDelete,
		fmt.Sprintf("/api/v1/tasks/%s?accountHash=%s", task.ID, testOwner), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)

	rec = e.do(httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/v1/tasks/%s?accountHash=%s", task.ID, testOwner), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestArtifactDownload(t *testing.T) {
	e := newTestEnv(t)
	task := submitRaw(t, e, "artifact payload", testOwner, "app.ipa")
	done := waitSucceeded(t, e, task.ID)

	target := fmt.Sprintf("/api/v1/artifacts/%s?accountHash=%s",
		done.ArtifactKey, url.QueryEscape(testOwner))
	rec := e.do(httptest.NewRequest(http.MethodGet, target, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "artifact payload", string(body))
	assert.Equal(t, fmt.Sprint(len(body)), rec.Header().Get("Content-Length"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "app.ipa")
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))

	// Wrong owner.
	rec = e.do(httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/api/v1/artifacts/%s?accountHash=owner-hash-0002", done.ArtifactKey), nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Unknown key.
	rec = e.do(httptest.NewRequest(http.MethodGet,
		"/api/v1/artifacts/sha256/ffff?accountHash="+testOwner, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Missing accountHash.
	rec = e.do(httptest.NewRequest(http.MethodGet, "/api/v1/artifacts/"+done.ArtifactKey, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	e := newTestEnv(t)

	for _, path := range []string{"/health", "/healthz", "/ready"} {
		rec := e.do(httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	rec := e.do(httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	var info map[string]string
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, "1.0.0", info["version"])
}

func TestReadyFailsWhenDependencyDown(t *testing.T) {
	logger := zap.NewNop()
	handler := NewHealthHandler(logger)
	handler.RegisterCheck(NewPingCheck("task_store", func(ctx context.Context) error {
		return errors.New("connection refused")
	}))

	rec := httptest.NewRecorder()
	handler.HandleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "fail", status.Checks["task_store"].Status)
}
