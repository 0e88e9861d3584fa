package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/longregen/promptlab/internal/adapters/postgres"
	"github.com/longregen/promptlab/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// configCmd prints the effective configuration
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			redacted := cfg.Redacted()
			if jsonOutput {
				return printJSON(redacted)
			}
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(redacted)
		},
	})

	return cmd
}

// migrateCmd applies the schema to the configured database
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if cfg.Database.Driver == config.DriverPostgres {
				pool, err := postgres.Connect(ctx, postgres.ConnectConfig{URL: cfg.Database.URL})
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := postgres.Migrate(ctx, pool); err != nil {
					return err
				}
				fmt.Println("PostgreSQL schema is up to date")
				return nil
			}

			// SQLite migrates when opened
			_, _, _, closeDB, err := openStore(ctx)
			if err != nil {
				return err
			}
			closeDB()
			fmt.Printf("SQLite schema is up to date (%s)\n", cfg.Database.SQLitePath)
			return nil
		},
	}
}

// versionCmd prints build information
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return printJSON(map[string]string{
					"version":    version,
					"commit":     commit,
					"build_date": buildDate,
					"go":         runtime.Version(),
				})
			}
			fmt.Printf("promptlab %s (commit %s, built %s, %s)\n", version, commit, buildDate, runtime.Version())
			return nil
		},
	}
}

