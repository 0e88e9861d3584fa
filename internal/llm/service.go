package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/longregen/promptlab/internal/adapters/circuitbreaker"
	"github.com/longregen/promptlab/internal/adapters/metrics"
	"github.com/longregen/promptlab/internal/adapters/retry"
	"github.com/longregen/promptlab/internal/domain"
	"github.com/longregen/promptlab/internal/ports"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

const (
	// LLMTimeout is the maximum time to wait for LLM responses
	LLMTimeout = 2 * time.Minute
)

// Service implements ports.LLMService using the OpenAI-compatible client.
// Every failure it returns is a *domain.LLMError.
type Service struct {
	client  *Client
	breaker *circuitbreaker.CircuitBreaker
	limiter *rate.Limiter
	timeout time.Duration
}

type ServiceOption func(*Service)

// WithRateLimit caps outgoing requests per second. Zero or less disables it.
func WithRateLimit(rps float64, burst int) ServiceOption {
	return func(s *Service) {
		if rps <= 0 {
			s.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithRequestTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithBreaker(cb *circuitbreaker.CircuitBreaker) ServiceOption {
	return func(s *Service) { s.breaker = cb }
}

var _ ports.LLMService = (*Service)(nil)

// NewService creates a new LLM service
func NewService(client *Client, opts ...ServiceOption) *Service {
	s := &Service{
		client: client,
		// Only transient failures count: a bad request says nothing about provider health.
		breaker: circuitbreaker.New(5, 30*time.Second, circuitbreaker.WithFailurePredicate(domain.IsTransient)),
		timeout: LLMTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Model returns the model name requests are sent to
func (s *Service) Model() string {
	return s.client.Model()
}

// Chat sends a non-streaming chat request
func (s *Service) Chat(ctx context.Context, messages []ports.LLMMessage) (*ports.LLMResponse, error) {
	var result *ports.LLMResponse
	err := s.breaker.Execute(func() error {
		var err error
		result, err = s.doChat(ctx, messages)
		return err
	})
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		metrics.LLMRequestsTotal.WithLabelValues(s.Model(), "circuit_open").Inc()
		return nil, &domain.LLMError{Err: fmt.Errorf("%w: %w", domain.ErrLLMUnavailable, err)}
	}
	return result, err
}

func (s *Service) doChat(ctx context.Context, messages []ports.LLMMessage) (*ports.LLMResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	response, err := s.client.CreateChatCompletion(ctx, convertMessages(messages))
	metrics.LLMRequestDuration.WithLabelValues(s.Model()).Observe(time.Since(start).Seconds())
	if err != nil {
		classified := classifyError(err)
		metrics.LLMRequestsTotal.WithLabelValues(s.Model(), statusLabel(classified)).Inc()
		slog.WarnContext(ctx, "llm chat failed", "model", s.Model(), "transient", classified.Transient, "error", err)
		return nil, classified
	}

	if len(response.Choices) == 0 || strings.TrimSpace(response.Choices[0].Message.Content) == "" {
		metrics.LLMRequestsTotal.WithLabelValues(s.Model(), "empty").Inc()
		return nil, &domain.LLMError{Err: domain.ErrLLMEmptyResponse}
	}

	metrics.LLMRequestsTotal.WithLabelValues(s.Model(), "success").Inc()
	model := response.Model
	if model == "" {
		model = s.Model()
	}
	return &ports.LLMResponse{
		Content: response.Choices[0].Message.Content,
		Model:   model,
	}, nil
}

// ChatStream sends a streaming chat request. The returned channel is closed
// after a Done chunk or an Error chunk.
func (s *Service) ChatStream(parentCtx context.Context, messages []ports.LLMMessage) (<-chan ports.LLMStreamChunk, error) {
	ctx, cancel := context.WithTimeout(parentCtx, s.timeout)

	if err := s.wait(ctx); err != nil {
		cancel()
		return nil, err
	}

	stream, err := s.client.CreateChatCompletionStream(ctx, convertMessages(messages))
	if err != nil {
		cancel()
		classified := classifyError(err)
		metrics.LLMRequestsTotal.WithLabelValues(s.Model(), statusLabel(classified)).Inc()
		return nil, classified
	}
	metrics.LLMRequestsTotal.WithLabelValues(s.Model(), "stream").Inc()

	out := make(chan ports.LLMStreamChunk, 10)
	go func() {
		defer cancel()
		defer close(out)
		defer stream.Close()

		send := func(chunk ports.LLMStreamChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				send(ports.LLMStreamChunk{Done: true})
				return
			}
			if err != nil {
				send(ports.LLMStreamChunk{Error: classifyError(err)})
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(ports.LLMStreamChunk{Content: resp.Choices[0].Delta.Content}) {
				return
			}
		}
	}()

	return out, nil
}

func (s *Service) wait(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return &domain.LLMError{Err: fmt.Errorf("rate limiter: %w", err)}
	}
	return nil
}

func convertMessages(messages []ports.LLMMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		out[i] = openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content}
	}
	return out
}

// classifyError maps provider and transport failures to transient or fatal.
// Rate limits, 5xx, request timeouts and network errors are transient;
// other HTTP statuses and a cancelled caller are fatal.
func classifyError(err error) *domain.LLMError {
	var llmErr *domain.LLMError
	if errors.As(err, &llmErr) {
		return llmErr
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &domain.LLMError{
			Transient:  retry.IsRetryableHTTPStatus(apiErr.HTTPStatusCode),
			StatusCode: apiErr.HTTPStatusCode,
			Err:        err,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &domain.LLMError{
			Transient:  retry.IsRetryableHTTPStatus(reqErr.HTTPStatusCode),
			StatusCode: reqErr.HTTPStatusCode,
			Err:        err,
		}
	}

	if errors.Is(err, context.Canceled) {
		return &domain.LLMError{Err: err}
	}
	// Our own per-request timeout expiring is worth another try.
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.LLMError{Transient: true, Err: err}
	}

	return &domain.LLMError{Transient: retry.IsRetryableError(err), Err: err}
}

func statusLabel(err *domain.LLMError) string {
	if err.Transient {
		return "transient_error"
	}
	return "error"
}
