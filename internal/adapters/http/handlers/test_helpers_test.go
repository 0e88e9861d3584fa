package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/longregen/promptlab/internal/adapters/id"
	"github.com/longregen/promptlab/internal/adapters/sqlite"
	"github.com/longregen/promptlab/internal/application/services"
	"github.com/longregen/promptlab/internal/ports"
	"github.com/stretchr/testify/require"
)

// setURLParam adds a URL parameter to the request context (chi router style)
func setURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

// fixedLLM answers every chat with the same text
type fixedLLM struct {
	text string
}

func (f fixedLLM) Chat(context.Context, []ports.LLMMessage) (*ports.LLMResponse, error) {
	return &ports.LLMResponse{Content: f.text}, nil
}

func (f fixedLLM) ChatStream(ctx context.Context, messages []ports.LLMMessage) (<-chan ports.LLMStreamChunk, error) {
	resp, _ := f.Chat(ctx, messages)
	ch := make(chan ports.LLMStreamChunk, 1)
	ch <- ports.LLMStreamChunk{Content: resp.Content, Done: true}
	close(ch)
	return ch, nil
}

type apiFixture struct {
	router    *chi.Mux
	versions  *services.VersionManager
	lineages  *services.LineageService
	optimizer *services.OptimizationOrchestrator
	store     *sqlite.Store
}

// newAPIFixture serves the handlers over a real SQLite store. The LLM
// replies with llmText to every request.
func newAPIFixture(t *testing.T, llmText string) *apiFixture {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idGen := id.New()
	tx := sqlite.NewTransactionManager(store)
	vm := services.NewVersionManager(store, tx, idGen)
	llm := fixedLLM{text: llmText}
	lineages := services.NewLineageService(vm, store, tx, services.NewPromptGenerator(llm), services.DefaultLimits())
	optimizer := services.NewOptimizationOrchestrator(vm, llm, "opt-model", idGen, services.DefaultOptimizationConfig())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = optimizer.Close(ctx)
	})

	r := chi.NewRouter()
	lh := NewLineagesHandler(lineages, vm)
	oh := NewOptimizationsHandler(optimizer, []string{"http://localhost:3000"})
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/lineages", lh.Create)
		r.Get("/lineages", lh.List)
		r.Post("/lineages/import", lh.Import)
		r.Get("/lineages/{id}", lh.Get)
		r.Delete("/lineages/{id}", lh.Delete)
		r.Post("/lineages/{id}/versions", lh.RegisterVersion)
		r.Get("/lineages/{id}/versions/{version}", lh.GetVersion)
		r.Post("/lineages/{id}/rollback", lh.Rollback)
		r.Post("/lineages/{id}/examples", lh.AddExamples)
		r.Post("/lineages/{id}/corrections", lh.Correct)
		r.Get("/lineages/{id}/diff", lh.Diff)
		r.Get("/lineages/{id}/export", lh.Export)
		r.Get("/stats", lh.Stats)
		r.Post("/lineages/{id}/optimizations", oh.Create)
		r.Get("/optimizations/{id}", oh.Get)
		r.Get("/optimizations/{id}/ws", oh.Stream)
	})

	return &apiFixture{router: r, versions: vm, lineages: lineages, optimizer: optimizer, store: store}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}
