package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/longregen/promptlab/internal/adapters/http"
	"github.com/longregen/promptlab/internal/adapters/http/handlers"
	"github.com/longregen/promptlab/internal/adapters/tracing"
	"github.com/spf13/cobra"
)

// serveCmd starts the HTTP API server
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the promptlab HTTP API server.

The server exposes lineage management and asynchronous optimization over REST,
with optimization progress streamed over WebSocket.

Required configuration:
  - LLM endpoint (PROMPTLAB_LLM_URL)

Optional:
  - PostgreSQL (PROMPTLAB_DB_DRIVER=postgres, PROMPTLAB_DATABASE_URL);
    SQLite at PROMPTLAB_SQLITE_PATH is used otherwise
  - OpenTelemetry tracing to stdout (PROMPTLAB_TRACING=true)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// runServer initializes and starts the HTTP API server
func runServer(ctx context.Context) error {
	log.Println("Starting promptlab API server...")
	log.Printf("  HTTP:     http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.Printf("  LLM:      %s (model %s, key %s)", cfg.LLM.URL, cfg.LLM.Model, maskSecret(cfg.LLM.APIKey))
	log.Printf("  Database: %s", cfg.Database.Driver)
	log.Println()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracer("promptlab", tracing.WithVersion(version), tracing.WithWriter(os.Stderr))
		if err != nil {
			log.Printf("Warning: Failed to initialize tracing: %v", err)
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error shutting down tracer: %v", err)
				}
			}()
			log.Println("OpenTelemetry tracing initialized")
		}
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.db.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Println("Database connection established")

	server := http.NewServer(cfg, a.lineages, a.versions, a.optimizer,
		map[string]handlers.Pinger{"database": a.db}, version)

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s:%d", cfg.Server.Host, cfg.Server.Port)
		serverErrors <- server.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		log.Printf("Received signal: %v", sig)
		log.Println("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		log.Println("Server stopped")
		return nil
	}
}
