package http

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/longregen/promptlab/internal/adapters/http/handlers"
	"github.com/longregen/promptlab/internal/adapters/http/middleware"
	"github.com/longregen/promptlab/internal/application/services"
	"github.com/longregen/promptlab/internal/config"
	"github.com/longregen/promptlab/internal/ports"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	config     *config.Config
	router     *chi.Mux
	httpServer *http.Server
	lineages   *services.LineageService
	versions   ports.VersionManager
	optimizer  ports.Optimizer
	checks     map[string]handlers.Pinger
	version    string
}

// NewServer wires the HTTP API. checks are pinged by /health; the map may be nil.
func NewServer(
	cfg *config.Config,
	lineages *services.LineageService,
	versions ports.VersionManager,
	optimizer ports.Optimizer,
	checks map[string]handlers.Pinger,
	version string,
) *Server {
	s := &Server{
		config:    cfg,
		lineages:  lineages,
		versions:  versions,
		optimizer: optimizer,
		checks:    checks,
		version:   version,
	}

	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS(s.config.Server.CORSOrigins))
	r.Use(middleware.Metrics)

	healthHandler := handlers.NewHealthHandler(s.version, s.checks)
	r.Get("/health", healthHandler.Handle)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		lineagesHandler := handlers.NewLineagesHandler(s.lineages, s.versions)
		r.Post("/lineages", lineagesHandler.Create)
		r.Get("/lineages", lineagesHandler.List)
		r.Post("/lineages/import", lineagesHandler.Import)
		r.Get("/lineages/{id}", lineagesHandler.Get)
		r.Delete("/lineages/{id}", lineagesHandler.Delete)
		r.Post("/lineages/{id}/versions", lineagesHandler.RegisterVersion)
		r.Get("/lineages/{id}/versions/{version}", lineagesHandler.GetVersion)
		r.Post("/lineages/{id}/rollback", lineagesHandler.Rollback)
		r.Post("/lineages/{id}/examples", lineagesHandler.AddExamples)
		r.Post("/lineages/{id}/corrections", lineagesHandler.Correct)
		r.Get("/lineages/{id}/diff", lineagesHandler.Diff)
		r.Get("/lineages/{id}/export", lineagesHandler.Export)
		r.Get("/stats", lineagesHandler.Stats)

		optimizationsHandler := handlers.NewOptimizationsHandler(s.optimizer, s.config.Server.CORSOrigins)
		r.Post("/lineages/{id}/optimizations", optimizationsHandler.Create)
		r.Get("/optimizations/{id}", optimizationsHandler.Get)
		r.Get("/optimizations/{id}/ws", optimizationsHandler.Stream)
	})

	s.router = r
}

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for WebSocket streaming
		IdleTimeout:  120 * time.Second,
	}

	log.Printf("Starting HTTP server on %s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}

	log.Println("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Router() *chi.Mux {
	return s.router
}
