package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/longregen/promptlab/internal/config"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

func main() {
	var (
		configPath string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:   "promptlab",
		Short: "promptlab - versioned prompt lineages with feedback-driven optimization",
		Long: `promptlab keeps every prompt you ship as an immutable, numbered version
in a lineage, collects training examples and corrections against it, and
asks an LLM to produce the next version when you request an optimization.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadFrom(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			setupLogging(cfg)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a JSON or YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	rootCmd.AddCommand(
		createCmd(),
		generateCmd(),
		registerCmd(),
		showCmd(),
		listCmd(),
		rollbackCmd(),
		feedbackCmd(),
		optimizeCmd(),
		testCmd(),
		diffCmd(),
		statsCmd(),
		exportCmd(),
		importCmd(),
		deleteCmd(),
		migrateCmd(),
		serveCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// setupLogging installs the default slog logger; logs go to stderr so
// --json output on stdout stays parseable.
func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}
