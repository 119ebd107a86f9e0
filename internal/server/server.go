// Package server provides the status HTTP server and the gRPC health
// endpoint of batchd.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/limiquantix/batchd/internal/config"
	"github.com/limiquantix/batchd/internal/scheduler"
)

// ReportSource exposes the engine state the server reports on.
type ReportSource interface {
	LastReport() *scheduler.Report
	IsRunning() bool
	RunID() string
}

// HealthChecker is an infrastructure dependency that can be probed.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// LeaderLookup reports which candidate currently holds leadership.
type LeaderLookup interface {
	CurrentLeader(ctx context.Context) (string, error)
}

// Server represents the status HTTP server.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	mux        *http.ServeMux

	engine ReportSource
	events *EventHub

	// Optional infrastructure, probed by /ready.
	components map[string]HealthChecker
	leader     scheduler.LeaderChecker
	lookup     LeaderLookup
	version    string
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithComponent registers an infrastructure dependency for readiness checks.
func WithComponent(name string, c HealthChecker) ServerOption {
	return func(s *Server) {
		s.components[name] = c
	}
}

// WithLeader reports leadership state in the info endpoint.
func WithLeader(l scheduler.LeaderChecker) ServerOption {
	return func(s *Server) {
		s.leader = l
	}
}

// WithLeaderLookup reports the current leader's identity in the info endpoint.
func WithLeaderLookup(l LeaderLookup) ServerOption {
	return func(s *Server) {
		s.lookup = l
	}
}

// WithVersion sets the version reported by the info endpoint.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance.
func New(cfg *config.Config, engine ReportSource, events *EventHub, logger *zap.Logger, opts ...ServerOption) *Server {
	mux := http.NewServeMux()

	s := &Server{
		config:     cfg,
		logger:     logger.With(zap.String("component", "server")),
		mux:        mux,
		engine:     engine,
		events:     events,
		components: make(map[string]HealthChecker),
		version:    "dev",
	}

	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.setupMiddleware(mux),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// Handler returns the server's HTTP handler including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// registerRoutes registers all HTTP routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)

	s.mux.HandleFunc("GET /api/v1/info", s.infoHandler)
	s.mux.HandleFunc("GET /api/v1/report", s.reportHandler)
	s.mux.HandleFunc("GET /api/v1/targets", s.targetsHandler)
	s.mux.HandleFunc("GET /api/v1/targets/{id}", s.targetHandler)

	if s.events != nil {
		s.events.RegisterRoutes(s.mux)
	}
}

// setupMiddleware configures middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400,
	})

	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Skip logging for health checks
		if r.URL.Path == "/health" || r.URL.Path == "/healthz" || r.URL.Path == "/ready" || r.URL.Path == "/live" {
			return
		}

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap returns the wrapped writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Hijack implements http.Hijacker for WebSocket upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "batchd"})
}

// readyHandler reports ready once the engine has completed a tick and every
// registered component is healthy.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	details := map[string]string{}

	if s.engine.IsRunning() && s.engine.LastReport() != nil {
		details["scheduler"] = "running"
	} else {
		ready = false
		details["scheduler"] = "starting"
	}

	for name, c := range s.components {
		if err := c.Health(ctx); err != nil {
			ready = false
			details[name] = "unhealthy"
		} else {
			details[name] = "healthy"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": ready, "components": details})
}

// liveHandler returns liveness status.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

// infoHandler returns API information.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	leader := true
	if s.leader != nil {
		leader = s.leader.IsLeader()
	}

	components := make([]string, 0, len(s.components))
	for name := range s.components {
		components = append(components, name)
	}

	info := map[string]any{
		"name":         "batchd",
		"version":      s.version,
		"api_version":  "v1",
		"run_id":       s.engine.RunID(),
		"leader":       leader,
		"extract_only": s.config.Scheduler.ExtractOnly,
		"components":   components,
	}

	if s.lookup != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		id, err := s.lookup.CurrentLeader(ctx)
		if err != nil {
			s.logger.Debug("Failed to look up leader", zap.Error(err))
		} else {
			info["leader_id"] = id
		}
	}

	writeJSON(w, http.StatusOK, info)
}

// reportHandler returns the last tick report.
func (s *Server) reportHandler(w http.ResponseWriter, r *http.Request) {
	report := s.engine.LastReport()
	if report == nil {
		writeError(w, http.StatusServiceUnavailable, "no tick completed yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// targetsHandler handles GET /api/v1/targets, optionally filtered by ?state=.
func (s *Server) targetsHandler(w http.ResponseWriter, r *http.Request) {
	report := s.engine.LastReport()
	if report == nil {
		writeError(w, http.StatusServiceUnavailable, "no tick completed yet")
		return
	}

	state := r.URL.Query().Get("state")
	targets := make([]scheduler.TargetReport, 0, len(report.Targets))
	for _, t := range report.Targets {
		if state != "" && string(t.State) != state {
			continue
		}
		targets = append(targets, t)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tick":    report.Tick,
		"targets": targets,
		"total":   len(targets),
	})
}

// targetHandler handles GET /api/v1/targets/{id}.
func (s *Server) targetHandler(w http.ResponseWriter, r *http.Request) {
	report := s.engine.LastReport()
	if report == nil {
		writeError(w, http.StatusServiceUnavailable, "no tick completed yet")
		return
	}

	t, ok := report.Target(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Run starts the HTTP server and blocks until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting status server",
		zap.String("address", s.config.Server.Address()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	return s.Shutdown()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	s.logger.Info("Status server stopped")
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
