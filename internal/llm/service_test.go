package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longregen/promptlab/internal/adapters/circuitbreaker"
	"github.com/longregen/promptlab/internal/domain"
	"github.com/longregen/promptlab/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
	})
	return string(body)
}

func newTestService(t *testing.T, handler http.HandlerFunc, opts ...ServiceOption) *Service {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(srv.URL+"/v1", "test-key", WithModel("test-model"), WithTimeout(5*time.Second))
	return NewService(client, opts...)
}

func TestService_Chat(t *testing.T) {
	var gotAuth, gotModel string
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotModel = req.Model
		assert.Len(t, req.Messages, 2)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("Improved prompt"))
	})

	resp, err := svc.Chat(context.Background(), []ports.LLMMessage{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Improved prompt", resp.Content)
	assert.Equal(t, "test-model", resp.Model)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotModel)
}

func TestService_Chat_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		transient bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, `{"error":{"message":"nope","type":"test_error"}}`)
			})

			_, err := svc.Chat(context.Background(), []ports.LLMMessage{{Role: "user", Content: "hi"}})
			require.Error(t, err)

			var llmErr *domain.LLMError
			require.ErrorAs(t, err, &llmErr)
			assert.Equal(t, tt.transient, llmErr.Transient)
			assert.Equal(t, tt.status, llmErr.StatusCode)
			assert.Equal(t, tt.transient, domain.IsTransient(err))
			assert.ErrorIs(t, err, domain.ErrLLMRequestFailed)
		})
	}
}

func TestService_Chat_EmptyResponse(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionBody("   "))
	})

	_, err := svc.Chat(context.Background(), []ports.LLMMessage{{Role: "user", Content: "hi"}})
	assert.ErrorIs(t, err, domain.ErrLLMEmptyResponse)
	assert.False(t, domain.IsTransient(err))
}

func TestService_Chat_BreakerOpensOnTransientOnly(t *testing.T) {
	var calls atomic.Int32
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"down"}}`)
	}, WithBreaker(circuitbreaker.New(2, time.Minute, circuitbreaker.WithFailurePredicate(domain.IsTransient))))

	msgs := []ports.LLMMessage{{Role: "user", Content: "hi"}}
	_, _ = svc.Chat(context.Background(), msgs)
	_, _ = svc.Chat(context.Background(), msgs)
	_, err := svc.Chat(context.Background(), msgs)

	assert.ErrorIs(t, err, domain.ErrLLMUnavailable)
	assert.False(t, domain.IsTransient(err))
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not reach the provider")
}

func TestService_Chat_RateLimitHonorsContext(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, completionBody("ok"))
	}, WithRateLimit(0.001, 1))

	msgs := []ports.LLMMessage{{Role: "user", Content: "hi"}}
	_, err := svc.Chat(context.Background(), msgs)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = svc.Chat(ctx, msgs)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLLMRequestFailed)
}

func TestService_ChatStream(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			chunk, _ := json.Marshal(map[string]any{
				"id":      "chatcmpl-1",
				"object":  "chat.completion.chunk",
				"model":   "test-model",
				"choices": []map[string]any{{"index": 0, "delta": map[string]string{"content": part}}},
			})
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := svc.ChatStream(context.Background(), []ports.LLMMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)

	var sb strings.Builder
	var done bool
	for chunk := range stream {
		require.NoError(t, chunk.Error)
		sb.WriteString(chunk.Content)
		done = done || chunk.Done
	}
	assert.Equal(t, "Hello", sb.String())
	assert.True(t, done)
}

func TestService_ChatStream_ConnectError(t *testing.T) {
	svc := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	})

	_, err := svc.ChatStream(context.Background(), []ports.LLMMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestClassifyError(t *testing.T) {
	assert.False(t, classifyError(context.Canceled).Transient)
	assert.True(t, classifyError(context.DeadlineExceeded).Transient)
	assert.False(t, classifyError(errors.New("weird")).Transient)

	already := &domain.LLMError{Transient: true, Err: errors.New("x")}
	assert.Same(t, already, classifyError(fmt.Errorf("wrapped: %w", already)))
}
