package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/longregen/promptlab/internal/adapters/http/handlers"
	"github.com/longregen/promptlab/internal/adapters/id"
	"github.com/longregen/promptlab/internal/adapters/sqlite"
	"github.com/longregen/promptlab/internal/application/services"
	"github.com/longregen/promptlab/internal/config"
	"github.com/longregen/promptlab/internal/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoLLM struct{}

func (echoLLM) Chat(context.Context, []ports.LLMMessage) (*ports.LLMResponse, error) {
	return &ports.LLMResponse{Content: "Respond: {input}"}, nil
}

func (echoLLM) ChatStream(context.Context, []ports.LLMMessage) (<-chan ports.LLMStreamChunk, error) {
	ch := make(chan ports.LLMStreamChunk)
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idGen := id.New()
	tx := sqlite.NewTransactionManager(store)
	vm := services.NewVersionManager(store, tx, idGen)
	lineages := services.NewLineageService(vm, store, tx, services.NewPromptGenerator(echoLLM{}), services.DefaultLimits())
	optimizer := services.NewOptimizationOrchestrator(vm, echoLLM{}, "m", idGen, services.DefaultOptimizationConfig())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = optimizer.Close(ctx)
	})

	return NewServer(config.DefaultConfig(), lineages, vm, optimizer, map[string]handlers.Pinger{"database": store}, "test")
}

func TestServer_Routes(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{"GET", "/health", "", http.StatusOK},
		{"GET", "/metrics", "", http.StatusOK},
		{"GET", "/api/v1/lineages", "", http.StatusOK},
		{"GET", "/api/v1/stats", "", http.StatusOK},
		{"POST", "/api/v1/lineages", `{"task":"greet","prompt_text":"Greet {input}"}`, http.StatusCreated},
		{"GET", "/api/v1/lineages/lin_nope", "", http.StatusNotFound},
		{"GET", "/api/v1/optimizations/opt_nope", "", http.StatusNotFound},
		{"GET", "/nowhere", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			s.Router().ServeHTTP(rr, req)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestServer_CORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/api/v1/lineages", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_StopBeforeStart(t *testing.T) {
	s := newTestServer(t)
	assert.NoError(t, s.Stop(context.Background()))
}
