package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/daoistvideo/platform/internal/auth"
	"github.com/daoistvideo/platform/internal/config"
	"github.com/daoistvideo/platform/internal/monitoring"
	"github.com/daoistvideo/platform/internal/observability"
)

// Deps are the services the server's middleware and built-in routes use.
// Any of them may be nil.
type Deps struct {
	Issuer      *auth.Issuer
	Metrics     *observability.Metrics
	Performance *monitoring.PerformanceMonitor
	Requests    *monitoring.RequestMetrics
	Errors      *monitoring.ErrorReporter
	Health      *monitoring.HealthChecker
}

// Server wraps the HTTP server and related dependencies.
type Server struct {
	cfg    config.Config
	logger *slog.Logger
	deps   Deps
	server *http.Server
	router *mux.Router
}

// New constructs a server with base routes and middleware wiring.
func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	s := &Server{cfg: cfg, logger: logger, deps: deps, router: mux.NewRouter()}

	if deps.Issuer != nil {
		s.router.Use(auth.Authenticate(deps.Issuer))
	}
	// instrument wraps recoverer so panicked requests are timed as 500s.
	s.router.Use(s.instrument, s.recoverer)

	s.router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	s.router.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now().Unix()})
	}).Methods(http.MethodGet)
	if deps.Health != nil {
		s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
		s.router.HandleFunc("/health/ready", s.handleReady).Methods(http.MethodGet)
	}
	if deps.Metrics != nil {
		s.router.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the full handler chain: CORS, proxy headers, tracing and
// trailing slash normalisation around the router.
func (s *Server) Handler() http.Handler {
	var h http.Handler = stripTrailingSlash(s.router)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}))
	h = handlers.ProxyHeaders(h)
	return handlers.CORS(
		handlers.AllowedOrigins(s.cfg.CORSAllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "Range"}),
		handlers.ExposedHeaders([]string{"X-Response-Time", "X-Composition-Response-Time", "X-Performance-Requirement", "X-Performance-Met", "Content-Range"}),
	)(h)
}

// Run starts the HTTP server and blocks until it exits or errors.
func (s *Server) Run() error {
	s.logger.Info("api server listening", "addr", s.server.Addr, "env", s.cfg.Env)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server within the provided context timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// Router exposes the underlying router for route registration by other packages.
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep := s.deps.Health.Health(r.Context())
	status := http.StatusOK
	if rep.Status != monitoring.StatusHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	rep := s.deps.Health.Ready(r.Context())
	status := http.StatusOK
	if rep.Status != "ready" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, rep)
}

func stripTrailingSlash(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := r.URL.Path; len(p) > 1 && strings.HasSuffix(p, "/") {
			r2 := r.Clone(r.Context())
			r2.URL.Path = strings.TrimRight(p, "/")
			if r2.URL.Path == "" {
				r2.URL.Path = "/"
			}
			r2.URL.RawPath = ""
			r = r2
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}
