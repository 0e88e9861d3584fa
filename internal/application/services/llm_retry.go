package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/longregen/promptlab/internal/adapters/metrics"
	"github.com/longregen/promptlab/internal/adapters/retry"
	"github.com/longregen/promptlab/internal/domain"
	"github.com/longregen/promptlab/internal/ports"
)

// retryingLLM retries transient Chat failures within a single strategy
// attempt. Fatal errors are returned on first sight.
type retryingLLM struct {
	next    ports.LLMService
	backoff retry.BackoffConfig
}

var _ ports.LLMService = (*retryingLLM)(nil)

func newRetryingLLM(next ports.LLMService, backoff retry.BackoffConfig) *retryingLLM {
	return &retryingLLM{next: next, backoff: backoff}
}

// NewRetryingLLM wraps next so transient Chat failures are retried with backoff
func NewRetryingLLM(next ports.LLMService, backoff retry.BackoffConfig) ports.LLMService {
	return newRetryingLLM(next, backoff)
}

func (r *retryingLLM) Chat(ctx context.Context, messages []ports.LLMMessage) (*ports.LLMResponse, error) {
	var resp *ports.LLMResponse
	err := retry.WithBackoff(ctx, r.backoff, func() error {
		var err error
		resp, err = r.next.Chat(ctx, messages)
		return err
	},
		retry.WithRetryable(domain.IsTransient),
		retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			metrics.LLMRetriesTotal.Inc()
			slog.DebugContext(ctx, "transient llm error, retrying", "attempt", attempt, "wait", wait, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ChatStream is not retried; a partially consumed stream cannot be replayed.
func (r *retryingLLM) ChatStream(ctx context.Context, messages []ports.LLMMessage) (<-chan ports.LLMStreamChunk, error) {
	return r.next.ChatStream(ctx, messages)
}
