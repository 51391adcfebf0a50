// Package observability serves conductor's health, metrics and status API.
package observability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/aixgo-dev/conductor/internal/pipeline"
	"github.com/aixgo-dev/conductor/internal/resilience"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	unmatched         = "unmatched"
)

// Server wraps the chi router and the components it reports on.
type Server struct {
	router    *chi.Mux
	exec      *resilience.Executor
	pipelines *pipeline.Engine
	health    *HealthChecker
	metrics   *Metrics
	logger    *slog.Logger
	addr      string
	origins   []string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPipelines adds the pipeline routes.
func WithPipelines(engine *pipeline.Engine) ServerOption {
	return func(s *Server) {
		s.pipelines = engine
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCORSOrigins restricts cross-origin access; the default allows any.
func WithCORSOrigins(origins ...string) ServerOption {
	return func(s *Server) {
		if len(origins) > 0 {
			s.origins = origins
		}
	}
}

// NewServer creates and configures the status server.
func NewServer(addr string, exec *resilience.Executor, health *HealthChecker, metrics *Metrics, opts ...ServerOption) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		exec:    exec,
		health:  health,
		metrics: metrics,
		logger:  slog.Default(),
		addr:    addr,
		origins: []string{"*"},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/health/live", s.handleLive)
	s.router.Get("/health/ready", s.handleReady)
	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/stats/retries", s.handleRetryStats)
		r.Get("/breakers", s.handleListBreakers)
		r.Get("/breakers/{agent}", s.handleGetBreaker)
		r.Post("/breakers/{agent}/reset", s.handleResetBreaker)
		r.Get("/agents/{agent}/errors", s.handleErrorHistory)

		r.Get("/pipelines", s.handleListPipelines)
		r.Get("/pipelines/history", s.handlePipelineHistory)
		r.Get("/pipelines/{name}/metrics", s.handlePipelineMetrics)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("status server stopped")
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// metricsMiddleware labels by chi route pattern to bound cardinality.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		path := unmatched
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		s.metrics.RecordHTTPRequest(r.Method, path, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := s.health.Check(r.Context())
	status := http.StatusOK
	if resp.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := s.health.Check(r.Context())
	if resp.Status == HealthStatusUnhealthy {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleRetryStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.exec.RetryStats())
}

func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	statuses := s.exec.CircuitStatuses()
	if statuses == nil {
		statuses = []resilience.CircuitStatus{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"breakers": statuses})
}

func (s *Server) handleGetBreaker(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.exec.CircuitStatus(chi.URLParam(r, "agent")))
}

func (s *Server) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	agent := chi.URLParam(r, "agent")
	reset := s.exec.ResetCircuit(agent)
	s.logger.Info("circuit breaker reset requested", "agent_id", agent, "reset", reset)
	s.writeJSON(w, http.StatusOK, map[string]any{"agent_id": agent, "reset": reset})
}

func (s *Server) handleErrorHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := s.exec.ErrorHistory(r.Context(), chi.URLParam(r, "agent"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []resilience.RetryEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"errors": entries})
}

type pipelineSummary struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Stages      int              `json:"stages"`
	Metrics     pipeline.Metrics `json:"metrics"`
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	if s.pipelines == nil {
		s.writeError(w, http.StatusNotFound, "pipelines are not enabled")
		return
	}
	out := []pipelineSummary{}
	for _, name := range s.pipelines.Definitions() {
		def, ok := s.pipelines.Definition(name)
		if !ok {
			continue
		}
		out = append(out, pipelineSummary{
			Name:        name,
			Description: def.Description,
			Stages:      len(def.Stages),
			Metrics:     s.pipelines.Metrics(name),
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pipelines": out})
}

func (s *Server) handlePipelineMetrics(w http.ResponseWriter, r *http.Request) {
	if s.pipelines == nil {
		s.writeError(w, http.StatusNotFound, "pipelines are not enabled")
		return
	}
	name := chi.URLParam(r, "name")
	if _, ok := s.pipelines.Definition(name); !ok && name != pipeline.AdHocName {
		s.writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	s.writeJSON(w, http.StatusOK, s.pipelines.Metrics(name))
}

func (s *Server) handlePipelineHistory(w http.ResponseWriter, r *http.Request) {
	if s.pipelines == nil {
		s.writeError(w, http.StatusNotFound, "pipelines are not enabled")
		return
	}
	history := s.pipelines.History()
	if history == nil {
		history = []*pipeline.Execution{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"executions": history})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
