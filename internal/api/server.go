// Package api exposes the Kestrel pipeline over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	if deps.MaxUploadBytes <= 0 && cfg.MaxUploadMB > 0 {
		deps.MaxUploadBytes = int64(cfg.MaxUploadMB) << 20
	}
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)                      // CORS for browser clients
	router.Use(RecoverMiddleware)                   // Recover from panics
	router.Use(TracingMiddleware(deps.ServiceName)) // OpenTelemetry tracing
	router.Use(LoggingMiddleware)                   // Request logging
	router.Use(middleware.RealIP)                   // Extract real IP
	router.Use(middleware.Compress(5))              // Gzip compression

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	router.Route("/testsets", func(r chi.Router) {
		r.Post("/", handler.CreateTestSet)
		r.Get("/", handler.ListTestSets)

		r.Route("/{id}", func(r chi.Router) {
			r.Use(TestSetMiddleware)

			r.Get("/", handler.GetTestSet)
			r.Delete("/", handler.DeleteTestSet)
			r.Put("/kpis", handler.PutKPIs)

			r.Post("/evaluate", handler.Evaluate)
			r.Post("/records/{msid}/reevaluate", handler.ReEvaluate)

			r.Get("/results", handler.Results)
			r.Get("/summary", handler.Summary)
			r.Post("/ask", handler.Ask)
		})
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
