package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/longregen/promptlab/internal/adapters/circuitbreaker"
	"github.com/longregen/promptlab/internal/adapters/id"
	"github.com/longregen/promptlab/internal/adapters/postgres"
	"github.com/longregen/promptlab/internal/adapters/retry"
	"github.com/longregen/promptlab/internal/adapters/sqlite"
	"github.com/longregen/promptlab/internal/application/services"
	"github.com/longregen/promptlab/internal/config"
	"github.com/longregen/promptlab/internal/domain"
	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/longregen/promptlab/internal/llm"
	"github.com/longregen/promptlab/internal/ports"
)

// Version information (set via ldflags)
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

// Shared global variables
var (
	cfg        *config.Config
	jsonOutput bool
)

// pinger is satisfied by both stores
type pinger interface {
	Ping(ctx context.Context) error
}

// app holds the wired services for one command invocation
type app struct {
	db        pinger
	versions  *services.VersionManager
	lineages  *services.LineageService
	runner    *services.PromptRunner
	optimizer *services.OptimizationOrchestrator
	closeDB   func()
}

// openStore connects to the configured lineage store
func openStore(ctx context.Context) (ports.LineageStore, ports.TransactionManager, pinger, func(), error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := postgres.Connect(ctx, postgres.ConnectConfig{URL: cfg.Database.URL})
		if err != nil {
			return nil, nil, nil, nil, err
		}
		if cfg.Database.AutoMigrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, nil, nil, err
			}
		}
		return postgres.NewLineageRepository(pool), postgres.NewTransactionManager(pool), pool, pool.Close, nil
	default:
		store, err := sqlite.Open(ctx, cfg.Database.SQLitePath)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		closeFn := func() {
			if err := store.Close(); err != nil {
				log.Printf("Warning: failed to close database: %v", err)
			}
		}
		return store, sqlite.NewTransactionManager(store), store, closeFn, nil
	}
}

// newLLMService builds the rate-limited, circuit-broken LLM service
func newLLMService() *llm.Service {
	client := llm.NewClient(
		cfg.LLM.URL,
		cfg.LLM.APIKey,
		llm.WithModel(cfg.LLM.Model),
		llm.WithMaxTokens(cfg.LLM.MaxTokens),
		llm.WithTemperature(float32(cfg.LLM.Temperature)),
		llm.WithTimeout(cfg.LLM.Timeout.Std()),
	)
	return llm.NewService(client,
		llm.WithRateLimit(cfg.LLM.RequestsPerSecond, cfg.LLM.Burst),
		llm.WithRequestTimeout(cfg.LLM.Timeout.Std()),
		llm.WithBreaker(circuitbreaker.New(5, 30*time.Second, circuitbreaker.WithFailurePredicate(domain.IsTransient))),
	)
}

// optimizationConfig maps the file/env settings onto the orchestrator's
func optimizationConfig(c config.OptimizationConfig) services.OptimizationConfig {
	out := services.DefaultOptimizationConfig()
	out.Thresholds = c.Thresholds
	out.StrategyTimeout = c.StrategyTimeout.Std()
	out.MaxLLMRetries = c.MaxLLMRetries
	out.MaxDemos = c.MaxDemos
	out.SearchTrials = c.SearchTrials
	out.HoldoutFraction = c.HoldoutFraction
	out.FuzzyThreshold = c.FuzzyMatchThreshold
	out.FullGenerations = c.FullGenerations
	out.FullPopulation = c.FullPopulation
	out.ScoreCandidates = c.ScoreCandidates
	if len(c.StrategyTimeouts) > 0 {
		out.StrategyTimeouts = make(map[models.Strategy]time.Duration, len(c.StrategyTimeouts))
		for name, d := range c.StrategyTimeouts {
			if s, err := models.ParseStrategy(name); err == nil {
				out.StrategyTimeouts[s] = d.Std()
			}
		}
	}
	return out
}

// openApp wires the store, LLM and services from cfg
func openApp(ctx context.Context) (*app, error) {
	store, tx, db, closeDB, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	idGen := id.New()
	limits := services.Limits(cfg.Limits)
	versions := services.NewVersionManager(store, tx, idGen,
		services.WithAllocationRetries(cfg.Optimization.AllocationRetries))

	llmService := newLLMService()
	retrying := services.NewRetryingLLM(llmService, retry.LLMConfig(cfg.LLM.MaxRetries))

	return &app{
		db:       db,
		versions: versions,
		lineages: services.NewLineageService(versions, store, tx, services.NewPromptGenerator(retrying), limits),
		runner:   services.NewPromptRunner(versions, retrying),
		optimizer: services.NewOptimizationOrchestrator(versions, llmService, llmService.Model(), idGen,
			optimizationConfig(cfg.Optimization),
			services.WithValidator(services.NewTrainingDataValidator(limits)),
		),
		closeDB: closeDB,
	}, nil
}

// Close stops in-flight optimizations, then releases the database
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.optimizer.Close(ctx); err != nil {
		log.Printf("Warning: optimizations did not stop cleanly: %v", err)
	}
	a.closeDB()
}

// withApp runs fn with a freshly wired app and closes it afterwards
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// printJSON writes v as indented JSON to stdout
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput returns the file contents, or stdin for "-"
func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// maskSecret masks a secret string for display
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return "(set)"
	}
	return s[:4] + "..." + s[len(s)-4:]
}
