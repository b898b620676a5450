package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/aristath/taskengine/internal/scheduler"
	"github.com/aristath/taskengine/internal/task"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// retryAfterSeconds is advertised on 429 responses.
const retryAfterSeconds = "1"

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Error("encoding response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, status int, message, field string) {
	s.respondJSON(w, status, ErrorResponse{
		Error:     message,
		Field:     field,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// respondEngineError maps engine errors onto status codes. Unknown errors
// are logged and hidden behind a generic 500.
func (s *Server) respondEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *task.ValidationError
	switch {
	case errors.As(err, &verr):
		s.respondError(w, r, http.StatusBadRequest, verr.Reason, verr.Field)
	case errors.Is(err, task.ErrQueueFull):
		w.Header().Set("Retry-After", retryAfterSeconds)
		s.respondError(w, r, http.StatusTooManyRequests, err.Error(), "")
	case errors.Is(err, task.ErrShuttingDown):
		s.respondError(w, r, http.StatusServiceUnavailable, err.Error(), "")
	case errors.Is(err, task.ErrNotFound):
		s.respondError(w, r, http.StatusNotFound, err.Error(), "")
	case errors.Is(err, scheduler.ErrAlreadyFinished):
		s.respondError(w, r, http.StatusConflict, err.Error(), "")
	default:
		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
		}).WithError(err).Error("request failed")
		s.respondError(w, r, http.StatusInternalServerError, "internal error", "")
	}
}
