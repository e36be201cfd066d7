// Package web provides the read-only ops HTTP server: health, readiness,
// metrics and per-version ingestion results.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/schedule-ingest/internal/config"
	"github.com/JonMunkholm/schedule-ingest/internal/core"
	weblog "github.com/JonMunkholm/schedule-ingest/internal/web/middleware"
)

// Pinger reports database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// VersionReader loads version summaries.
type VersionReader interface {
	Summary(ctx context.Context, id int64) (core.Version, error)
}

// RunReader loads run history.
type RunReader interface {
	Latest(ctx context.Context, versionID int64) (core.RunRecord, error)
	ListByVersion(ctx context.Context, versionID int64) ([]core.RunRecord, error)
}

// IssueReader loads quality findings.
type IssueReader interface {
	ListByVersion(ctx context.Context, versionID int64, issueType core.IssueType) ([]core.QualityIssue, error)
	CountByType(ctx context.Context, versionID int64) (map[core.IssueType]int64, error)
}

// RequestObserver records request metrics.
type RequestObserver interface {
	ObserveHTTPRequest(method, route string, status int, duration time.Duration)
	Handler() http.Handler
}

// Deps wires the server to storage and the worker.
type Deps struct {
	DB       Pinger
	Versions VersionReader
	Runs     RunReader
	Issues   IssueReader
	Limiter  *core.RunLimiter
	Metrics  RequestObserver

	// NotFound reports whether err means the requested row does not exist.
	NotFound func(err error) bool
}

// Server is the ops HTTP server of the worker.
type Server struct {
	deps   Deps
	cfg    config.ServerConfig
	router *chi.Mux
	server *http.Server
}

// NewServer creates a new Server instance.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	if deps.NotFound == nil {
		deps.NotFound = func(error) bool { return false }
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(weblog.Logger)
	s.router.Use(s.observe)
	s.router.Use(middleware.Recoverer)
	if s.cfg.RequestTimeout > 0 {
		s.router.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}
	s.router.Use(securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/worker", s.handleWorkerStatus)

		r.Route("/versions/{versionID}", func(r chi.Router) {
			r.Get("/", s.handleVersion)
			r.Get("/runs", s.handleVersionRuns)
			r.Get("/issues", s.handleVersionIssues)
		})
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	slog.Info("starting ops server", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// observe records request metrics under the matched route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.deps.Metrics.ObserveHTTPRequest(r.Method, route, status, time.Since(start))
	})
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// writeJSON encodes v as JSON with the given status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
