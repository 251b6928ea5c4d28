// Package api exposes the HTTP interface for the ingestion engine: job
// submission and inspection, queue statistics, and read access to series
// state, attempt history, and observations.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/econgraph/seriesd/internal/attempts"
	"github.com/econgraph/seriesd/internal/engine"
	"github.com/econgraph/seriesd/internal/metrics"
	"github.com/econgraph/seriesd/internal/observations"
	"github.com/econgraph/seriesd/internal/queue"
)

// Server wires HTTP handlers to the queue and the stores.
type Server struct {
	router   chi.Router
	manager  queue.Manager
	obs      observations.Store
	attempts attempts.Store
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(manager queue.Manager, obs observations.Store, attemptStore attempts.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager:  manager,
		obs:      obs,
		attempts: attemptStore,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.enqueueJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.cancelJob)
			})
		})
		r.Get("/queue/stats", s.queueStats)
		r.Route("/series/{source}/{external_id}", func(r chi.Router) {
			r.Get("/state", s.getSeriesState)
			r.Get("/attempts", s.listSeriesAttempts)
			r.Get("/observations/{date}", s.getObservation)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The queue backend is the only hard dependency.
	if _, err := s.manager.Stats(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type enqueueRequest struct {
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
	Priority   int    `json:"priority"`
}

func (s *Server) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Source == "" || req.ExternalID == "" {
		s.writeError(w, http.StatusBadRequest, "source and external_id are required")
		return
	}
	if req.Priority == 0 {
		req.Priority = 5
	}
	if req.Priority < 1 || req.Priority > 10 {
		s.writeError(w, http.StatusBadRequest, "priority must be between 1 and 10")
		return
	}

	job, err := s.manager.Enqueue(r.Context(), req.Source, req.ExternalID, req.Priority)
	if errors.Is(err, engine.ErrDuplicateActiveJob) {
		s.writeError(w, http.StatusConflict, "active job already exists for series")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Get(r.Context(), chi.URLParam(r, "job_id"))
	if errors.Is(err, engine.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	err := s.manager.Cancel(r.Context(), jobID)
	if errors.Is(err, engine.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": string(engine.JobStatusCancelled),
	})
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) getSeriesState(w http.ResponseWriter, r *http.Request) {
	seriesID := seriesIDFromRequest(r)
	state, found, err := s.attempts.GetState(r.Context(), seriesID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "series not tracked")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"state": state})
}

func (s *Server) listSeriesAttempts(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	recorded, err := s.attempts.ListAttempts(r.Context(), seriesIDFromRequest(r), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"attempts": recorded})
}

func (s *Server) getObservation(w http.ResponseWriter, r *http.Request) {
	seriesID := seriesIDFromRequest(r)
	date, err := time.Parse("2006-01-02", chi.URLParam(r, "date"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid date, expected YYYY-MM-DD")
		return
	}

	if r.URL.Query().Get("history") == "true" {
		history, err := s.obs.History(r.Context(), seriesID, date)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"history": history})
		return
	}

	var asOf *time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid as_of, expected YYYY-MM-DD")
			return
		}
		asOf = &parsed
	}

	obs, err := s.obs.Latest(r.Context(), seriesID, date, asOf)
	if errors.Is(err, engine.ErrObservationNotFound) {
		s.writeError(w, http.StatusNotFound, "observation not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"observation": obs})
}

func seriesIDFromRequest(r *http.Request) string {
	return engine.SeriesKey(chi.URLParam(r, "source"), chi.URLParam(r, "external_id"))
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
