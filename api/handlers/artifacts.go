package handlers

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"

	"go.uber.org/zap"
)

// ArtifactHandler streams stored artifacts.
type ArtifactHandler struct {
	service TaskService
	logger  *zap.Logger
}

// NewArtifactHandler creates an artifact handler.
func NewArtifactHandler(service TaskService, logger *zap.Logger) *ArtifactHandler {
	return &ArtifactHandler{
		service: service,
		logger:  logger.With(zap.String("component", "artifact_handler")),
	}
}

// HandleDownload streams the artifact bytes. Ownership is enforced
// through the task that produced the artifact.
func (h *ArtifactHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("accountHash")
	if owner == "" {
		WriteError(w, r, http.StatusBadRequest, CodeValidation, "accountHash is required", h.logger)
		return
	}

	key := r.PathValue("key")
	rc, size, task, err := h.service.Artifact(r.Context(), key, owner)
	if err != nil {
		WriteDomainError(w, r, err, h.logger)
		return
	}
	defer rc.Close()

	contentType := task.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	filename := task.Name
	if filename == "" {
		filename = path.Base(key)
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	if _, err := io.Copy(w, rc); err != nil {
		// Headers are flushed, the client sees a truncated body.
		h.logger.Warn("artifact stream interrupted",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}
