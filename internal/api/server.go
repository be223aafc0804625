package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/genprogress/internal/config"
	"github.com/JakeFAU/genprogress/internal/metrics"
	"github.com/JakeFAU/genprogress/internal/tracker"
)

const (
	defaultRequestTimeout    = 30 * time.Second
	defaultHeartbeatInterval = 15 * time.Second
)

// Server wires HTTP handlers to the tracker and the history stores.
type Server struct {
	router  chi.Router
	tracker *tracker.Tracker
	history *HistoryHandler
	cfg     config.Config
	logger  *zap.Logger

	baseCtx   context.Context
	heartbeat time.Duration
}

// Option customizes a Server.
type Option func(*Server)

// WithHistory mounts the run history routes.
func WithHistory(h *HistoryHandler) Option {
	return func(s *Server) { s.history = h }
}

// WithBaseContext sets the context tracked attempts are bound to. Cancelling
// it abandons every attempt started through the API.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.baseCtx = ctx }
}

// NewServer constructs a Server with middleware and routes.
func NewServer(tr *tracker.Tracker, cfg config.Config, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tracker:   tr,
		cfg:       cfg,
		logger:    logger,
		baseCtx:   context.Background(),
		heartbeat: cfg.Server.HeartbeatInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.heartbeat <= 0 {
		s.heartbeat = defaultHeartbeatInterval
	}
	timeout := cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	metrics.Init()
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}

		// Event streams are long-lived and must not be wrapped in a timeout.
		r.Get("/v1/tasks/{task_id}/events", s.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Get("/v1/tasks", s.listTracked)
			r.Post("/v1/tasks/{task_id}/track", s.trackTask)
			r.Get("/v1/tasks/{task_id}", s.getTask)
			r.Delete("/v1/tasks/{task_id}", s.abandonTask)
			r.Get("/v1/tasks/{task_id}/previews/{phase_id}", s.getPreview)
			if s.history != nil {
				r.Get("/api/tasks", s.history.ListTasks)
				r.Get("/api/tasks/{task_id}", s.history.GetTask)
				r.Get("/api/tasks/{task_id}/result", s.history.GetResult)
			}
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
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ready",
		"active_tasks": s.tracker.Active(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
