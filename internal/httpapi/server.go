// Package httpapi exposes the engine to producers over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/aristath/taskengine/internal/supervisor"
	"github.com/aristath/taskengine/internal/task"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// Engine is the part of the supervisor the API needs.
type Engine interface {
	Submit(ctx context.Context, spec task.Spec) (string, error)
	SubmitBatch(ctx context.Context, specs []task.Spec) ([]string, error)
	Get(ctx context.Context, id string) (*task.Record, error)
	Cancel(ctx context.Context, id string) error
	DeadLetters(ctx context.Context, limit int) ([]*task.DeadLetter, error)
	DeadLetter(ctx context.Context, id string) (*task.DeadLetter, error)
	Redrive(ctx context.Context, id string) (string, error)
	Stats() supervisor.Stats
	Pause()
	Resume()
}

// Server serves the producer API.
type Server struct {
	engine   Engine
	log      logrus.FieldLogger
	validate *validator.Validate
}

// NewServer creates a server for engine.
func NewServer(engine Engine, log logrus.FieldLogger) *Server {
	return &Server{
		engine:   engine,
		log:      log,
		validate: validator.New(),
	}
}

// Routes returns the router with all endpoints and middleware.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/tasks", s.submitTask)
		r.Post("/tasks/batch", s.submitBatch)
		r.Get("/tasks/{id}", s.getTask)
		r.Delete("/tasks/{id}", s.cancelTask)

		r.Get("/deadletters", s.listDeadLetters)
		r.Get("/deadletters/{id}", s.getDeadLetter)
		r.Post("/deadletters/{id}/redrive", s.redrive)

		r.Get("/stats", s.stats)
		r.Post("/pause", s.pause)
		r.Post("/resume", s.resume)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			s.log.WithError(err).Debug("writing health check response")
		}
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.log.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

// decode reads and validates a JSON body. It writes the error response
// itself and reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.respondError(w, r, http.StatusBadRequest, "invalid request body", "")
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		field := ""
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			field = verrs[0].Namespace()
		}
		s.respondError(w, r, http.StatusBadRequest, "validation failed: "+err.Error(), field)
		return false
	}
	return true
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !s.decode(w, r, &req) {
		return
	}
	spec, err := req.spec()
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}

	id, err := s.engine.Submit(r.Context(), spec)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, SubmitResponse{ID: id})
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	specs, err := req.specs()
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}

	ids, err := s.engine.SubmitBatch(r.Context(), specs)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, BatchResponse{IDs: ids})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, taskToResponse(rec))
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.respondError(w, r, http.StatusBadRequest, err.Error(), "limit")
		return
	}

	dls, err := s.engine.DeadLetters(r.Context(), limit)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	resp := make([]DeadLetterResponse, len(dls))
	for i, dl := range dls {
		resp[i] = deadLetterToResponse(dl)
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	dl, err := s.engine.DeadLetter(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, deadLetterToResponse(dl))
}

func (s *Server) redrive(w http.ResponseWriter, r *http.Request) {
	id, err := s.engine.Redrive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, SubmitResponse{ID: id})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.engine.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	s.engine.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}
