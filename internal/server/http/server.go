// Package httpserver provides the HTTP API for the evidence pipeline: the
// SSE query endpoint, backend status, and health probes.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/clinagent/evidence-service/internal/domain"
	"github.com/clinagent/evidence-service/internal/embedding"
	"github.com/clinagent/evidence-service/internal/llm"
	"github.com/clinagent/evidence-service/internal/observability"
	"github.com/clinagent/evidence-service/internal/pipeline"
	"github.com/clinagent/evidence-service/internal/vectorstore"
)

// Runner executes one evidence query. Pipeline satisfies it.
type Runner interface {
	Run(ctx context.Context, queryText string, hooks pipeline.Hooks) (domain.Answer, []domain.Paper, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// ProgressBuffer is the capacity of the per-request progress relay.
	ProgressBuffer int
	// ProgressWait is the window after which a synthetic still-waiting
	// event is streamed.
	ProgressWait time.Duration
}

// Server is the HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	cfg        Config

	runner   Runner
	store    vectorstore.Store
	embedder embedding.Embedder
	// probe is a single-attempt completer used for connectivity checks, so
	// a sleeping endpoint reports as sleeping instead of blocking on retries.
	probe llm.Completer

	validate *validator.Validate
	logger   zerolog.Logger
	metrics  *observability.Metrics
}

// NewServer creates the HTTP server with all dependencies. metrics may be nil.
func NewServer(
	cfg Config,
	runner Runner,
	store vectorstore.Store,
	embedder embedding.Embedder,
	probe llm.Completer,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Server {
	s := &Server{
		cfg:      cfg,
		runner:   runner,
		store:    store,
		embedder: embedder,
		probe:    probe,
		validate: validator.New(),
		logger:   logger.With().Str("component", "http-server").Logger(),
		metrics:  metrics,
	}

	s.router = s.buildRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// buildRouter creates the chi router with all middleware and routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(s.requestLogMiddleware)

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readinessHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/query", s.queryHandler)
		r.Get("/status", s.statusHandler)
	})

	return r
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthHandler returns basic liveness status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readinessHandler reports readiness: the vector store must be reachable.
// The inference endpoint being asleep does not block readiness, it wakes on
// the first query.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if _, err := s.store.Collections(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "ready",
		"vector_store": "healthy",
	})
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort; headers already sent.
		_ = err
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
