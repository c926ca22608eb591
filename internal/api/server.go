package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/config"
	"github.com/JakeFAU/crawl-scheduler/internal/dispatcher"
	"github.com/JakeFAU/crawl-scheduler/internal/engine"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	memorypublisher "github.com/JakeFAU/crawl-scheduler/internal/publisher/memory"
	"github.com/JakeFAU/crawl-scheduler/internal/schedule"
)

const (
	defaultPreviewCount = 5
	maxPreviewCount     = 100
	readyTimeout        = 2 * time.Second
)

// Store is the subset of schedule.Store the handlers read from.
type Store interface {
	FindScheduleByID(ctx context.Context, id string) (schedule.Schedule, error)
	CountActiveJobs(ctx context.Context) (int, error)
}

// Engine is the scheduling surface exposed over HTTP. *engine.Engine satisfies it.
type Engine interface {
	Stats() engine.Stats
	Registered() []string
	NextFire(id string) (time.Time, bool)
	UpdateSchedule(s schedule.Schedule) error
	RemoveSchedule(id string) bool
	RequestExecution(id string) dispatcher.Admission
	Preview(s schedule.Schedule, from time.Time, n int) ([]time.Time, error)
}

// EventLog exposes recently published firing events.
type EventLog interface {
	Messages() []memorypublisher.PublishedMessage
}

// Option customizes a Server.
type Option func(*Server)

// WithEventLog serves events from log on GET /v1/events.
func WithEventLog(log EventLog) Option {
	return func(s *Server) {
		s.events = log
	}
}

// Server wires HTTP handlers to the engine and store.
type Server struct {
	router chi.Router
	store  Store
	engine Engine
	events EventLog
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store Store, eng Engine, cfg config.Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:  store,
		engine: eng,
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/engine", s.engineStats)
		r.Get("/events", s.listEvents)
		r.Route("/schedules", func(r chi.Router) {
			r.Post("/preview", s.previewSchedule)
			r.Route("/{schedule_id}", func(r chi.Router) {
				r.Post("/reload", s.reloadSchedule)
				r.Post("/run", s.runSchedule)
				r.Delete("/", s.removeSchedule)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	active, err := s.store.CountActiveJobs(ctx)
	if err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		s.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "active_jobs": active})
}

type scheduleView struct {
	ID         string     `json:"id"`
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`
}

type engineView struct {
	engine.Stats
	Schedules []scheduleView `json:"schedules"`
}

func (s *Server) engineStats(w http.ResponseWriter, _ *http.Request) {
	view := engineView{Stats: s.engine.Stats(), Schedules: []scheduleView{}}
	for _, id := range s.engine.Registered() {
		sv := scheduleView{ID: id}
		if at, ok := s.engine.NextFire(id); ok {
			sv.NextFireAt = &at
		}
		view.Schedules = append(view.Schedules, sv)
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) listEvents(w http.ResponseWriter, _ *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusNotFound, "events are published to pubsub")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": s.events.Messages()})
}

func (s *Server) reloadSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "schedule_id")
	sc, err := s.store.FindScheduleByID(r.Context(), id)
	if errors.Is(err, schedule.ErrNotFound) {
		removed := s.engine.RemoveSchedule(id)
		s.writeJSON(w, http.StatusOK, map[string]any{"schedule_id": id, "status": "removed", "removed": removed})
		return
	}
	if err != nil {
		s.logger.Error("reload schedule lookup failed", zap.String("schedule_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}
	if !sc.Enabled {
		removed := s.engine.RemoveSchedule(id)
		s.writeJSON(w, http.StatusOK, map[string]any{"schedule_id": id, "status": "disabled", "removed": removed})
		return
	}
	if err := s.engine.UpdateSchedule(sc); err != nil {
		status := http.StatusUnprocessableEntity
		if errors.Is(err, engine.ErrStopped) {
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, status, err.Error())
		return
	}
	resp := map[string]any{"schedule_id": id, "status": "registered"}
	if at, ok := s.engine.NextFire(id); ok {
		resp["next_fire_at"] = at
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) removeSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "schedule_id")
	if !s.engine.RemoveSchedule(id) {
		s.writeError(w, http.StatusNotFound, "schedule not registered")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"schedule_id": id, "removed": true})
}

func (s *Server) runSchedule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "schedule_id")
	admission := s.engine.RequestExecution(id)
	status := http.StatusAccepted
	if admission == dispatcher.Dropped {
		status = http.StatusConflict
	}
	s.writeJSON(w, status, map[string]string{"schedule_id": id, "admission": admission.String()})
}

type previewRequest struct {
	Schedule schedule.Schedule `json:"schedule"`
	From     *time.Time        `json:"from"`
	Count    int               `json:"count"`
}

func (s *Server) previewSchedule(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	count := req.Count
	if count <= 0 {
		count = defaultPreviewCount
	}
	if count > maxPreviewCount {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("count must be <= %d", maxPreviewCount))
		return
	}
	var from time.Time
	if req.From != nil {
		from = *req.From
	}
	upcoming, err := s.engine.Preview(req.Schedule, from, count)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if upcoming == nil {
		upcoming = []time.Time{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"upcoming": upcoming})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}`))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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
