package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/longregen/promptlab/internal/domain"
	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/spf13/cobra"
)

// optimizeCmd runs one optimization attempt and waits for its outcome
func optimizeCmd() *cobra.Command {
	var (
		feedback     string
		feedbackFile string
		timeout      time.Duration
		quiet        bool
		async        bool
		serverURL    string
	)

	cmd := &cobra.Command{
		Use:   "optimize <lineage-id>",
		Short: "Optimize the latest version of a lineage",
		Long: `Request an optimization of the latest version of a lineage and wait for it.

The strategy is chosen from the number of training examples collected on the
lineage. A candidate that passes validation is committed as a new version;
otherwise the lineage is left untouched. Progress events are printed to stderr.

Optimizations run inside the process that requested them. With --async the
request is sent to a running "promptlab serve" instead, and the command prints
the request id and returns at once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if feedbackFile != "" {
				data, err := readInput(feedbackFile)
				if err != nil {
					return err
				}
				feedback = string(data)
			}

			ctx := cmd.Context()
			if async {
				if serverURL == "" {
					serverURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
				}
				return requestRemote(ctx, serverURL, args[0], feedback)
			}
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			return withApp(ctx, func(ctx context.Context, a *app) error {
				req, err := a.optimizer.RequestOptimization(ctx, args[0], feedback)
				if err != nil {
					return err
				}

				events, unsubscribe := a.optimizer.Subscribe(req.ID)
				defer unsubscribe()
				printed := make(chan struct{})
				go func() {
					defer close(printed)
					if quiet || jsonOutput {
						for range events {
						}
						return
					}
					printEvents(events)
				}()

				final, runErr := a.optimizer.Wait(ctx, req.ID)
				select {
				case <-printed:
				case <-time.After(time.Second):
				}
				if final == nil {
					return runErr
				}
				if jsonOutput {
					if err := printJSON(final); err != nil {
						return err
					}
					return runErr
				}
				printOutcome(final)
				return runErr
			})
		},
	}

	cmd.Flags().StringVarP(&feedback, "feedback", "f", "", "Free-text feedback guiding the optimization")
	cmd.Flags().StringVar(&feedbackFile, "feedback-file", "", "Read feedback from a file (- for stdin)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Give up after this long (0 waits indefinitely)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress events")
	cmd.Flags().BoolVar(&async, "async", false, "Hand the request to a running server and return")
	cmd.Flags().StringVar(&serverURL, "server", "", "Server base URL for --async (default from server.host and server.port)")

	return cmd
}

// requestRemote starts an optimization on a running server
func requestRemote(ctx context.Context, baseURL, lineageID, feedback string) error {
	body, err := json.Marshal(map[string]string{"feedback": feedback})
	if err != nil {
		return err
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/api/v1/lineages/" + url.PathEscape(lineageID) + "/optimizations"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request optimization: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("server returned %d: %s %s", resp.StatusCode, errResp.Error, errResp.Message)
	}

	var r models.OptimizationRequest
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if jsonOutput {
		return printJSON(&r)
	}
	fmt.Printf("Request:  %s\n", r.ID)
	fmt.Printf("Status:   %s\n", strings.TrimRight(baseURL, "/")+resp.Header.Get("Location"))
	return nil
}

func printEvents(events <-chan models.OptimizationEvent) {
	for ev := range events {
		line := fmt.Sprintf("[%s] %-14s %s", ev.Timestamp.Format("15:04:05"), ev.State, ev.Message)
		if ev.Strategy != "" {
			line += fmt.Sprintf(" (strategy: %s)", ev.Strategy)
		}
		fmt.Fprintln(os.Stderr, line)
	}
}

func printOutcome(r *models.OptimizationRequest) {
	fmt.Printf("Request:  %s\n", r.ID)
	fmt.Printf("Lineage:  %s (base v%d, %d examples)\n", r.LineageID, r.BaseVersion, r.ExampleCount)
	fmt.Printf("State:    %s\n", r.State)
	if r.SelectedStrategy != "" {
		fmt.Printf("Strategy: %s\n", r.SelectedStrategy)
	}

	switch r.State {
	case models.OptimizationStateCommitted:
		fmt.Printf("Committed version %d\n", r.CommittedVersion)
		if r.Result != nil {
			if r.Result.Degraded {
				fmt.Printf("Note: fell back to %s\n", r.Result.StrategyUsed)
			}
			if r.Result.Score != nil {
				fmt.Printf("Score:    %.3f\n", *r.Result.Score)
			}
			fmt.Println("---")
			fmt.Println(r.Result.Text)
			fmt.Println("---")
		}
	case models.OptimizationStateNoImprovement:
		fmt.Printf("No new version: %s\n", r.Detail)
	case models.OptimizationStateFailed:
		fmt.Printf("Failed at %s: %s\n", r.FailedStage, r.Error)
	}
}

// testCmd runs a prompt version against one input
func testCmd() *cobra.Command {
	var (
		versionFlag string
		stream      bool
	)

	cmd := &cobra.Command{
		Use:   "test <lineage-id> <input>",
		Short: "Run a prompt version against an input",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v := 0
			if versionFlag != "" {
				var err error
				if v, err = parseVersion(versionFlag); err != nil {
					return err
				}
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				if !stream || jsonOutput {
					out, err := a.runner.TestPrompt(ctx, args[0], v, args[1])
					if err != nil {
						return err
					}
					if jsonOutput {
						return printJSON(map[string]any{"lineage_id": args[0], "version": v, "output": out})
					}
					fmt.Println(out)
					return nil
				}

				chunks, err := a.runner.TestPromptStream(ctx, args[0], v, args[1])
				if err != nil {
					return err
				}
				for chunk := range chunks {
					if chunk.Error != nil {
						fmt.Println()
						return chunk.Error
					}
					fmt.Print(chunk.Content)
					if chunk.Done {
						break
					}
				}
				fmt.Println()
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&versionFlag, "version", "v", "", "Version to run (default latest)")
	cmd.Flags().BoolVarP(&stream, "stream", "s", false, "Stream tokens as they arrive")

	return cmd
}

// exitCode maps typed failures onto process exit codes
func exitCode(err error) int {
	var optErr *domain.OptimizationFailure
	switch {
	case err == nil:
		return 0
	case errors.Is(err, domain.ErrNotFound):
		return 3
	case errors.Is(err, domain.ErrInvalidInput):
		return 2
	case errors.As(err, &optErr):
		return 4
	default:
		return 1
	}
}
