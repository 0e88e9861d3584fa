package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/longregen/promptlab/internal/adapters/retry"
	"github.com/longregen/promptlab/internal/application/services"
	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/spf13/cobra"
)

// printPrompt shows one version, or its JSON with --json
func printPrompt(p *models.Prompt, heading string) error {
	if jsonOutput {
		return printJSON(p)
	}
	fmt.Printf("%s %s v%d\n", heading, p.LineageID, p.Version)
	fmt.Printf("Model:   %s\n", p.Model)
	if p.Metadata.Source != "" {
		fmt.Printf("Source:  %s\n", p.Metadata.Source)
	}
	fmt.Printf("Created: %s\n", p.CreatedAt.Format(time.RFC3339))
	fmt.Println("---")
	fmt.Println(p.PromptText)
	fmt.Println("---")
	return nil
}

func parseVersion(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimPrefix(s, "v"))
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	return v, nil
}

// createCmd starts a new lineage
func createCmd() *cobra.Command {
	var (
		model    string
		generate bool
	)

	cmd := &cobra.Command{
		Use:   "create <task> [prompt]",
		Short: "Create a lineage from a prompt, or generate its first prompt",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if model == "" {
				model = cfg.LLM.Model
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if generate || len(args) == 1 {
					p, fallback, err := a.lineages.Generate(ctx, args[0], model)
					if err != nil {
						return err
					}
					if fallback && !jsonOutput {
						fmt.Fprintln(os.Stderr, "Warning: generation failed, the fallback template was used")
					}
					return printPrompt(p, "Created lineage")
				}
				p, err := a.lineages.CreateLineage(ctx, args[0], args[1], model)
				if err != nil {
					return err
				}
				return printPrompt(p, "Created lineage")
			})
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "Model recorded on the version (default: llm.model)")
	cmd.Flags().BoolVarP(&generate, "generate", "g", false, "Generate the initial prompt with the LLM")

	return cmd
}

// generateCmd prints a generated prompt without storing it
func generateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate <task>",
		Short: "Generate a prompt template for a task without creating a lineage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, fallback := services.NewPromptGenerator(services.NewRetryingLLM(newLLMService(), retry.LLMConfig(cfg.LLM.MaxRetries))).GenerateInitialPrompt(cmd.Context(), args[0])
			if jsonOutput {
				return printJSON(map[string]any{"prompt_text": text, "fallback": fallback})
			}
			fmt.Println(text)
			return nil
		},
	}
}

// registerCmd appends a hand-written version
func registerCmd() *cobra.Command {
	var (
		model        string
		file         string
		trainingFile string
	)

	cmd := &cobra.Command{
		Use:   "register <lineage-id> [prompt]",
		Short: "Register a new version of a lineage",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var text string
			switch {
			case len(args) == 2:
				text = args[1]
			case file != "":
				data, err := readInput(file)
				if err != nil {
					return err
				}
				text = string(data)
			default:
				return fmt.Errorf("prompt text is required (argument or --file)")
			}

			var training []byte
			if trainingFile != "" {
				var err error
				if training, err = readInput(trainingFile); err != nil {
					return err
				}
			}
			if model == "" {
				model = cfg.LLM.Model
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				p, err := a.lineages.RegisterVersion(ctx, args[0], text, model, training)
				if err != nil {
					return err
				}
				return printPrompt(p, "Registered")
			})
		},
	}

	cmd.Flags().StringVarP(&model, "model", "m", "", "Model recorded on the version (default: llm.model)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the prompt text from a file (- for stdin)")
	cmd.Flags().StringVarP(&trainingFile, "training", "t", "", "JSON file with training examples for the version")

	return cmd
}

// showCmd prints a lineage's history or a single version
func showCmd() *cobra.Command {
	var versionFlag string

	cmd := &cobra.Command{
		Use:   "show <lineage-id>",
		Short: "Show the versions of a lineage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if versionFlag != "" {
					v, err := parseVersion(versionFlag)
					if err != nil {
						return err
					}
					p, err := a.versions.GetVersion(ctx, args[0], v)
					if err != nil {
						return err
					}
					return printPrompt(p, "Lineage")
				}

				info, err := a.versions.GetLineageInfo(ctx, args[0])
				if err != nil {
					return err
				}
				prompts, err := a.versions.GetLineage(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]any{"lineage": info, "versions": prompts})
				}

				fmt.Printf("Lineage: %s\n", info.ID)
				fmt.Printf("Task:    %s\n", info.TaskDescription)
				fmt.Println()
				fmt.Println(services.FormatLineageTable(prompts))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&versionFlag, "version", "v", "", "Show a single version in full")

	return cmd
}

// listCmd lists lineage summaries
func listCmd() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lineages, most recently changed first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				summaries, err := a.lineages.ListLineages(ctx, limit, offset)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(summaries)
				}
				if len(summaries) == 0 {
					fmt.Println("No lineages found.")
					return nil
				}

				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTASK\tVERSIONS\tMODEL\tUPDATED")
				fmt.Fprintln(w, "--\t----\t--------\t-----\t-------")
				for _, s := range summaries {
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
						s.ID,
						truncate(s.TaskDescription, 40),
						s.LatestVersion,
						s.LatestModel,
						s.UpdatedAt.Format("2006-01-02 15:04"),
					)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", 50, "Maximum number of lineages to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of lineages to skip")

	return cmd
}

// rollbackCmd re-registers an earlier version as the newest one
func rollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <lineage-id> <version>",
		Short: "Restore an earlier version as a new version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				p, err := a.versions.Rollback(ctx, args[0], v)
				if err != nil {
					return err
				}
				return printPrompt(p, fmt.Sprintf("Restored v%d as", v))
			})
		},
	}
}

// diffCmd compares two versions line by line
func diffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <lineage-id> <from> <to>",
		Short: "Show a line diff between two versions",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseVersion(args[1])
			if err != nil {
				return err
			}
			to, err := parseVersion(args[2])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				d, err := a.lineages.Diff(ctx, args[0], from, to)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(d)
				}
				if !d.Changed() {
					fmt.Printf("v%d and v%d are identical\n", from, to)
					return nil
				}
				fmt.Print(d.Unified)
				fmt.Printf("\n%d line(s) added, %d removed\n", len(d.Added), len(d.Removed))
				return nil
			})
		},
	}
}

// statsCmd prints store-wide counts
func statsCmd() *cobra.Command {
	var top int

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show lineage statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				stats, err := a.lineages.Stats(ctx, top)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(stats)
				}

				fmt.Printf("Lineages:             %d\n", stats.TotalLineages)
				fmt.Printf("Versions:             %d\n", stats.TotalPrompts)
				fmt.Printf("Training examples:    %d\n", stats.TotalExamples)
				fmt.Printf("Versions per lineage: %.2f\n", stats.AvgVersionsPerLineage)
				if len(stats.TopLineages) > 0 {
					fmt.Println()
					fmt.Println("Most revised:")
					for _, s := range stats.TopLineages {
						fmt.Printf("  %s  %3d versions  %s\n", s.ID, s.VersionCount, truncate(s.TaskDescription, 50))
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&top, "top", 5, "Number of most revised lineages to show")

	return cmd
}

// exportCmd writes a lineage bundle
func exportCmd() *cobra.Command {
	var (
		format string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export <lineage-id>",
		Short: "Export a lineage with all versions and examples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				bundle, err := a.lineages.Export(ctx, args[0])
				if err != nil {
					return err
				}

				var buf bytes.Buffer
				if err := services.EncodeBundle(&buf, bundle, format); err != nil {
					return err
				}
				if output == "" || output == "-" {
					_, err = os.Stdout.Write(buf.Bytes())
					return err
				}
				if err := os.WriteFile(output, buf.Bytes(), 0o600); err != nil {
					return fmt.Errorf("write %s: %w", output, err)
				}
				fmt.Fprintf(os.Stderr, "Exported %d version(s) to %s\n", len(bundle.Versions), output)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", services.FormatJSON, "Bundle format (json or msgpack)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")

	return cmd
}

// importCmd replays a bundle into a new lineage
func importCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a lineage bundle under a new id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			if format == "" {
				format = services.FormatJSON
				if strings.HasSuffix(args[0], ".msgpack") || strings.HasSuffix(args[0], ".mpk") {
					format = services.FormatMsgpack
				}
			}
			bundle, err := services.DecodeBundle(bytes.NewReader(data), format)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				p, err := a.lineages.Import(ctx, bundle)
				if err != nil {
					return err
				}
				return printPrompt(p, "Imported as")
			})
		},
	}

	cmd.Flags().StringVar(&format, "format", "", "Bundle format (json or msgpack; default from extension)")

	return cmd
}

// deleteCmd removes a lineage and all of its versions
func deleteCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <lineage-id>",
		Short: "Delete a lineage with all versions and examples",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !force {
				return fmt.Errorf("deleting %s removes every version; pass --force to confirm", args[0])
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if err := a.versions.DeleteLineage(ctx, args[0]); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]any{"deleted": args[0]})
				}
				fmt.Printf("Deleted lineage %s\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Confirm deletion")

	return cmd
}

// truncate shortens s to max runes with a trailing ellipsis
func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
