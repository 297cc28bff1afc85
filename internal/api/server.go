package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-orchestrator/internal/crawler"
	"github.com/JakeFAU/crawl-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/crawl-orchestrator/internal/health"
	"github.com/JakeFAU/crawl-orchestrator/internal/keywords"
	"github.com/JakeFAU/crawl-orchestrator/internal/metrics"
	"github.com/JakeFAU/crawl-orchestrator/internal/orchestrator"
	"github.com/JakeFAU/crawl-orchestrator/internal/scheduler"
	"github.com/JakeFAU/crawl-orchestrator/internal/store"
)

const defaultRequestTimeout = 60 * time.Second

// Orchestrator is the service surface served over HTTP.
type Orchestrator interface {
	QueueStatus(ctx context.Context) (orchestrator.QueueStatus, error)
	TaskStatus() orchestrator.TaskStatus
	JobStates(ctx context.Context) ([]crawler.JobState, error)
	RateLimitStatus(ctx context.Context, platform string) (map[string]crawler.RateLimitStatus, error)
	ErrorStats(platform string, windowHours float64) (crawler.ErrorWindowStat, error)
	HealthScore(ctx context.Context, platform string) (health.Report, error)
	TopKeywords(platform string, windowHours float64, limit int) ([]crawler.KeywordStat, error)
	KeywordRollup(platform string, windowHours float64, by keywords.GroupBy) ([]keywords.Rollup, error)
	Dispatch(ctx context.Context, req scheduler.Request) (dispatcher.Result, error)
	StopAll(kind crawler.PoolKind) (int, error)
	Resume(kind crawler.PoolKind) error
}

// ReadyFunc reports whether downstream dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Config controls server middleware.
type Config struct {
	AuthEnabled    bool
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the orchestrator service.
type Server struct {
	router chi.Router
	svc    Orchestrator
	runs   *RunsHandler
	ready  ReadyFunc
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. runs and ready
// may be nil.
func NewServer(svc Orchestrator, runs store.RunRepository, ready ReadyFunc, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		svc:    svc,
		ready:  ready,
		logger: logger.Named("api"),
	}
	if runs != nil {
		s.runs = NewRunsHandler(runs, logger)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))
	if cfg.AuthEnabled {
		r.Use(apiKeyMiddleware(cfg.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/queue", s.queueStatus)
		r.Get("/tasks", s.taskStatus)
		r.Get("/jobs", s.jobStates)
		r.Route("/platforms/{platform}", func(r chi.Router) {
			r.Get("/rate-limits", s.rateLimits)
			r.Get("/errors", s.errorStats)
			r.Get("/health", s.health)
		})
		r.Get("/keywords/top", s.topKeywords)
		r.Get("/keywords/rollup", s.keywordRollup)
		r.Post("/dispatch", s.dispatch)
		r.Post("/pools/{pool}/stop", s.stopPool)
		r.Post("/pools/{pool}/resume", s.resumePool)
		if s.runs != nil {
			r.Get("/runs", s.runs.ListRuns)
			r.Get("/runs/{run_id}", s.runs.GetRun)
		}
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeServiceError maps orchestrator errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case crawler.IsConfigurationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
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
