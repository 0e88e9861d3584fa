package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// feedbackCmd groups the commands that attach training data to a lineage
func feedbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feedback",
		Short: "Attach training examples and corrections to a lineage",
		Long: `Attach training examples and corrections to the latest version of a lineage.

Examples are stored against the version they were collected on and feed the
next optimization. The number of examples decides which strategy runs.

Subcommands:
  add      Add examples from a JSON array of {"input", "output"} objects
  correct  Record a bad output together with the output you wanted`,
	}

	cmd.AddCommand(feedbackAddCmd(), feedbackCorrectCmd())

	return cmd
}

func feedbackAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <lineage-id> <file>",
		Short: "Add training examples from a JSON file (- for stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[1])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				version, err := a.lineages.AddTrainingExamples(ctx, args[0], data)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]any{"lineage_id": args[0], "version": version})
				}
				fmt.Printf("Added examples to %s v%d\n", args[0], version)
				return nil
			})
		},
	}
}

func feedbackCorrectCmd() *cobra.Command {
	var input, bad, desired, critique string

	cmd := &cobra.Command{
		Use:   "correct <lineage-id>",
		Short: "Record a correction as a training example",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				ex, err := a.lineages.RecordCorrection(ctx, args[0], input, bad, desired, critique)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(map[string]any{"lineage_id": args[0], "example": ex})
				}
				fmt.Printf("Recorded correction on %s\n", args[0])
				fmt.Printf("  input:    %s\n", truncate(ex.Input, 60))
				fmt.Printf("  output:   %s\n", truncate(ex.Output, 60))
				fmt.Printf("  critique: %s\n", truncate(ex.Critique, 60))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Input that produced the bad output")
	cmd.Flags().StringVarP(&bad, "bad", "b", "", "Output the prompt produced")
	cmd.Flags().StringVarP(&desired, "desired", "d", "", "Output that was wanted")
	cmd.Flags().StringVarP(&critique, "critique", "c", "", "What was wrong with the bad output")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("bad")
	_ = cmd.MarkFlagRequired("desired")

	return cmd
}
