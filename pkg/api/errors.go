package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/hodei-pipelines/hodei/pkg/queue"
	"github.com/hodei-pipelines/hodei/pkg/types"
)

// ErrorEnvelope is the uniform error body for every non-2xx response.
type ErrorEnvelope struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"traceId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

// writeError maps domain errors onto HTTP statuses and the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"

	var (
		ve  *types.ValidationError
		bre *types.BusinessRuleError
		dup *queue.AlreadyQueuedError
		ful *queue.QueueFullError
	)
	switch {
	case errors.As(err, &ve):
		status, code = http.StatusBadRequest, "VALIDATION"
	case errors.As(err, &bre):
		status, code = http.StatusConflict, "BUSINESS_RULE"
	case errors.As(err, &dup):
		status, code = http.StatusConflict, "ALREADY_QUEUED"
	case errors.As(err, &ful):
		status, code = http.StatusTooManyRequests, "QUEUE_FULL"
	case errors.Is(err, types.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, types.ErrConflict):
		status, code = http.StatusConflict, "CONFLICT"
	}

	writeJSON(w, status, ErrorEnvelope{
		Code:      code,
		Message:   err.Error(),
		Timestamp: time.Now(),
		TraceID:   traceID(r),
	})
}
