// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the engine over HTTP: workflow and network
// catalogs, start and resume with server-sent event streams, run
// inspection, live watch over SSE or websocket, and the MCP endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/flowline/pkg/auth"
	"github.com/kadirpekel/flowline/pkg/config"
	"github.com/kadirpekel/flowline/pkg/engine"
	"github.com/kadirpekel/flowline/pkg/observability"
	"github.com/kadirpekel/flowline/pkg/ratelimit"
)

// HeartbeatInterval is how often idle streams receive a comment line.
var HeartbeatInterval = 15 * time.Second

// Server is the flowline HTTP server.
type Server struct {
	engine *engine.Engine
	cfg    config.ServerConfig

	validator     *auth.Validator
	excludedPaths []string
	resumeRoles   []string

	metrics *observability.Metrics
	tracer  *observability.Tracer
	mcp     http.Handler
	limiter *ratelimit.Limiter

	mu     sync.Mutex
	server *http.Server
}

// Option configures the server.
type Option func(*Server)

// WithAuth requires a valid bearer token on every path except excluded.
// Resume endpoints additionally require one of resumeRoles when set.
func WithAuth(v *auth.Validator, excluded []string, resumeRoles []string) Option {
	return func(s *Server) {
		s.validator = v
		s.excludedPaths = excluded
		s.resumeRoles = resumeRoles
	}
}

// WithObservability traces and measures requests and serves /metrics.
func WithObservability(tracer *observability.Tracer, metrics *observability.Metrics) Option {
	return func(s *Server) {
		s.tracer = tracer
		s.metrics = metrics
	}
}

// WithRateLimit applies per-caller quotas to the endpoints that start or
// resume runs.
func WithRateLimit(l *ratelimit.Limiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithMCP mounts an MCP handler at /mcp.
func WithMCP(h http.Handler) Option {
	return func(s *Server) {
		s.mcp = h
	}
}

func New(e *engine.Engine, cfg config.ServerConfig, opts ...Option) *Server {
	cfg.SetDefaults()
	s := &Server{engine: e, cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Observability is outermost so every request is traced and measured.
	if s.tracer != nil || s.metrics != nil {
		r.Use(observability.HTTPMiddleware(s.tracer, s.metrics))
	}
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	r.Use(s.corsMiddleware)
	if s.validator != nil {
		r.Use(auth.ExceptPaths(s.validator.HTTPMiddleware, s.excludedPaths...))
		slog.Info("Authentication enabled", "excluded_paths", s.excludedPaths)
	}

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Get("/workflows", s.handleListWorkflows)
	r.Get("/workflows/{workflowID}", s.handleGetWorkflow)
	r.Get("/networks", s.handleListNetworks)

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(ratelimit.Middleware(s.limiter, ratelimit.CallerIdentifier))
		}
		r.Post("/workflows/{workflowID}/start", s.handleStart)
		r.With(s.resumeGate()).Post("/workflows/{workflowID}/resume", s.handleResume)
		r.Post("/workflow/{workflowID}", s.handleCompat)
		r.Post("/networks/{name}", s.handleStartNetwork)
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Get("/{runID}", s.handleGetRun)
		r.Delete("/{runID}", s.handleDeleteRun)
		r.Get("/{runID}/records", s.handleRecords)
		r.Get("/{runID}/stream", s.handleWatchSSE)
		r.Get("/{runID}/ws", s.handleWatchWS)
	})

	if s.mcp != nil {
		r.Handle("/mcp", s.mcp)
		r.Handle("/mcp/*", s.mcp)
	}
	return r
}

// resumeGate restricts resume to the configured roles when auth is on.
func (s *Server) resumeGate() func(http.Handler) http.Handler {
	if s.validator == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return auth.RequireRole(s.resumeRoles...)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	slog.Info("HTTP server starting", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	}
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	slog.Info("HTTP server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}
	return nil
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origins := s.cfg.CORS.AllowedOrigins
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(origins) == 0 {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin := r.Header.Get("Origin"); origin != "" && s.allowOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		w.Header().Set("Access-Control-Expose-Headers", "X-Run-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowOrigin(origin string) bool {
	if len(s.cfg.CORS.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.CORS.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// loggingMiddleware does not wrap the writer, so streaming keeps working.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"workflows": len(s.engine.Workflows()),
		"networks":  len(s.engine.Networks()),
	})
}
