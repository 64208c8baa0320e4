package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/AprilNEA/AssppWeb/blob"
	"github.com/AprilNEA/AssppWeb/orchestrator"
	"github.com/AprilNEA/AssppWeb/store"
)

// Response is the envelope every JSON endpoint returns.
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *ErrorInfo  `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ErrorInfo carries a machine-readable error code and a message.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes surfaced by the API.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeOverloaded      = "OVERLOADED"
	CodeInternal        = "INTERNAL_ERROR"
)

// WriteJSON writes a JSON response body.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// The status line is already out, nothing left to do.
		return
	}
}

// WriteSuccess writes a 200 envelope.
func WriteSuccess(w http.ResponseWriter, r *http.Request, data interface{}) {
	WriteSuccessStatus(w, r, http.StatusOK, data)
}

// WriteSuccessStatus writes a success envelope with an explicit status.
func WriteSuccessStatus(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	WriteJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// WriteError writes an error envelope.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string, logger *zap.Logger) {
	if logger != nil && status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("code", code),
			zap.String("message", message),
			zap.Int("status", status),
		)
	}

	WriteJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorInfo{Code: code, Message: message},
		Timestamp: time.Now(),
		RequestID: requestID(r),
	})
}

// WriteDomainError maps orchestrator, store, and blob errors onto the
// API taxonomy. Conflicts are an internal coordination detail and are
// deliberately absent from the mapping.
func WriteDomainError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidOwnerHash),
		errors.Is(err, orchestrator.ErrEmptyPayload),
		errors.Is(err, store.ErrInvalidInput),
		errors.Is(err, blob.ErrInvalidKey):
		WriteError(w, r, http.StatusBadRequest, CodeValidation, err.Error(), logger)
	case errors.Is(err, orchestrator.ErrOwnershipDenied):
		WriteError(w, r, http.StatusForbidden, CodeForbidden, "access denied", logger)
	case errors.Is(err, store.ErrNotFound), errors.Is(err, blob.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, CodeNotFound, "not found", logger)
	case errors.Is(err, blob.ErrObjectTooLarge):
		WriteError(w, r, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, "payload exceeds the size limit", logger)
	case errors.Is(err, orchestrator.ErrQueueFull), errors.Is(err, orchestrator.ErrClosed):
		WriteError(w, r, http.StatusServiceUnavailable, CodeOverloaded, "service is not accepting submissions", logger)
	default:
		if logger != nil {
			logger.Error("unhandled error", zap.Error(err))
		}
		WriteError(w, r, http.StatusInternalServerError, CodeInternal, "internal error", logger)
	}
}

func requestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	return r.Header.Get("X-Request-ID")
}
