package handlers

import (
	"context"
	"io"
	"mime"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/AprilNEA/AssppWeb/orchestrator"
	"github.com/AprilNEA/AssppWeb/store"
)

// multipartMemoryLimit bounds how much of a multipart body is held in
// memory before spilling to temp files.
const multipartMemoryLimit = 32 << 20

// TaskService is the slice of the orchestrator the HTTP boundary needs.
type TaskService interface {
	Submit(ctx context.Context, req orchestrator.Submission) (*store.Task, error)
	Status(ctx context.Context, id, ownerHash string) (*store.Task, error)
	List(ctx context.Context, ownerHashes []string) ([]*store.Task, error)
	Delete(ctx context.Context, id, ownerHash string) error
	Artifact(ctx context.Context, key, ownerHash string) (io.ReadCloser, int64, *store.Task, error)
}

// TaskHandler serves the task endpoints.
type TaskHandler struct {
	service TaskService
	logger  *zap.Logger
}

// NewTaskHandler creates a task handler.
func NewTaskHandler(service TaskService, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		service: service,
		logger:  logger.With(zap.String("component", "task_handler")),
	}
}

// HandleSubmit accepts a package submission and answers 202 with the
// pending task. Two shapes are accepted: multipart/form-data with a
// "file" part plus "name" and "accountHash" fields, or a raw body with
// X-Account-Hash and X-Package-Name headers.
func (h *TaskHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	sub, cleanup, err := h.parseSubmission(r)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), h.logger)
		return
	}
	defer cleanup()

	task, err := h.service.Submit(r.Context(), *sub)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}

	WriteSuccessStatus(w, r, http.StatusAccepted, task)
}

// HandleList answers the tasks owned by the accounts named in the
// accountHashes query parameter. No accounts means an empty list.
func (h *TaskHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	owners := splitOwners(r.URL.Query().Get("accountHashes"))

	tasks, err := h.service.List(r.Context(), owners)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}

	WriteSuccess(w, r, tasks)
}

// HandleStatus answers a single task, ownership checked.
func (h *TaskHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("accountHash")
	if owner == "" {
		WriteError(w, r, http.StatusBadRequest, CodeValidation, "accountHash is required", h.logger)
		return
	}

	task, err := h.service.Status(r.Context(), r.PathValue("id"), owner)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}

	WriteSuccess(w, r, task)
}

// HandleDelete removes a task and its unshared artifact.
func (h *TaskHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("accountHash")
	if owner == "" {
		WriteError(w, r, http.StatusBadRequest, CodeValidation, "accountHash is required", h.logger)
		return
	}

	if err := h.service.Delete(r.Context(), r.PathValue("id"), owner); err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}

	WriteSuccess(w, r, nil)
}

// parseSubmission extracts a Submission from either request shape. The
// returned cleanup must run after the payload has been consumed.
func (h *TaskHandler) parseSubmission(r *http.Request) (*orchestrator.Submission, func(), error) {
	noop := func() {}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
			return nil, noop, err
		}
		cleanup := func() {
			if r.MultipartForm != nil {
				r.MultipartForm.RemoveAll()
			}
		}

		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, cleanup, err
		}

		name := r.FormValue("name")
		if name == "" {
			name = header.Filename
		}

		return &orchestrator.Submission{
			Payload:        file,
			Name:           name,
			ContentType:    header.Header.Get("Content-Type"),
			OwnerHash:      r.FormValue("accountHash"),
			IdempotencyKey: r.Header.Get("Idempotency-Key"),
		}, func() { file.Close(); cleanup() }, nil
	}

	return &orchestrator.Submission{
		Payload:        r.Body,
		Name:           r.Header.Get("X-Package-Name"),
		ContentType:    r.Header.Get("Content-Type"),
		OwnerHash:      r.Header.Get("X-Account-Hash"),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	}, noop, nil
}

func splitOwners(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	owners := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			owners = append(owners, p)
		}
	}
	return owners
}
