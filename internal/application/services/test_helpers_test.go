package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/longregen/promptlab/internal/adapters/sqlite"
	"github.com/longregen/promptlab/internal/domain"
	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/longregen/promptlab/internal/ports"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Shared mock implementations for testing

type mockIDGenerator struct {
	mu                  sync.Mutex
	lineageCounter      int
	optimizationCounter int
}

func (m *mockIDGenerator) GenerateLineageID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lineageCounter++
	return fmt.Sprintf("lin_test%d", m.lineageCounter)
}

func (m *mockIDGenerator) GenerateOptimizationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optimizationCounter++
	return fmt.Sprintf("opt_test%d", m.optimizationCounter)
}

// mockTransactionManager runs fn inline and counts invocations
type mockTransactionManager struct {
	calls int
}

func (m *mockTransactionManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	return fn(ctx)
}

// MockLineageStore is a mock implementation of ports.LineageStore
type MockLineageStore struct {
	mock.Mock
}

func (m *MockLineageStore) CreateLineage(ctx context.Context, lineage *models.Lineage) error {
	args := m.Called(ctx, lineage)
	return args.Error(0)
}

func (m *MockLineageStore) GetLineageInfo(ctx context.Context, lineageID string) (*models.Lineage, error) {
	args := m.Called(ctx, lineageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Lineage), args.Error(1)
}

func (m *MockLineageStore) BeginVersionAllocation(ctx context.Context, lineageID string) (int, error) {
	args := m.Called(ctx, lineageID)
	return args.Int(0), args.Error(1)
}

func (m *MockLineageStore) CommitPrompt(ctx context.Context, prompt *models.Prompt) error {
	args := m.Called(ctx, prompt)
	return args.Error(0)
}

func (m *MockLineageStore) GetLineage(ctx context.Context, lineageID string) ([]*models.Prompt, error) {
	args := m.Called(ctx, lineageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Prompt), args.Error(1)
}

func (m *MockLineageStore) GetVersion(ctx context.Context, lineageID string, version int) (*models.Prompt, error) {
	args := m.Called(ctx, lineageID, version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Prompt), args.Error(1)
}

func (m *MockLineageStore) AddTrainingExamples(ctx context.Context, lineageID string, version int, examples []models.TrainingExample) error {
	args := m.Called(ctx, lineageID, version, examples)
	return args.Error(0)
}

func (m *MockLineageStore) DeleteLineage(ctx context.Context, lineageID string) error {
	args := m.Called(ctx, lineageID)
	return args.Error(0)
}

func (m *MockLineageStore) ListLineages(ctx context.Context, limit, offset int) ([]*models.LineageSummary, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.LineageSummary), args.Error(1)
}

func (m *MockLineageStore) Stats(ctx context.Context, topN int) (*models.LineageStats, error) {
	args := m.Called(ctx, topN)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.LineageStats), args.Error(1)
}

// scriptedLLM answers Chat with fn and counts calls
type scriptedLLM struct {
	fn    func(ctx context.Context, messages []ports.LLMMessage) (*ports.LLMResponse, error)
	calls atomic.Int32
}

func newScriptedLLM(fn func(ctx context.Context, messages []ports.LLMMessage) (*ports.LLMResponse, error)) *scriptedLLM {
	return &scriptedLLM{fn: fn}
}

// replyLLM always answers with text
func replyLLM(text string) *scriptedLLM {
	return newScriptedLLM(func(context.Context, []ports.LLMMessage) (*ports.LLMResponse, error) {
		return &ports.LLMResponse{Content: text}, nil
	})
}

func (s *scriptedLLM) Chat(ctx context.Context, messages []ports.LLMMessage) (*ports.LLMResponse, error) {
	s.calls.Add(1)
	return s.fn(ctx, messages)
}

func (s *scriptedLLM) ChatStream(ctx context.Context, messages []ports.LLMMessage) (<-chan ports.LLMStreamChunk, error) {
	resp, err := s.Chat(ctx, messages)
	if err != nil {
		return nil, err
	}
	ch := make(chan ports.LLMStreamChunk, 2)
	ch <- ports.LLMStreamChunk{Content: resp.Content}
	ch <- ports.LLMStreamChunk{Done: true}
	close(ch)
	return ch, nil
}

// newTestStore opens a real SQLite store in a temp dir. Callers that check for
// goroutine leaks must close it before the check runs.
func newTestStore(t *testing.T) (*sqlite.Store, *sqlite.TransactionManager) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "promptlab.db"))
	require.NoError(t, err)
	return store, sqlite.NewTransactionManager(store)
}

// newTestVersionManager wires a version manager over a fresh SQLite store
func newTestVersionManager(t *testing.T) (*VersionManager, *sqlite.Store) {
	t.Helper()
	store, tx := newTestStore(t)
	t.Cleanup(func() { _ = store.Close() })
	return NewVersionManager(store, tx, &mockIDGenerator{}), store
}

// failingCommitStore fails CommitPrompt for one version number
type failingCommitStore struct {
	ports.LineageStore
	version int
}

func (s *failingCommitStore) CommitPrompt(ctx context.Context, p *models.Prompt) error {
	if p.Version == s.version {
		return domain.NewPersistenceError("commit prompt", errors.New("disk full"))
	}
	return s.LineageStore.CommitPrompt(ctx, p)
}

// qaExamples returns the examples qN -> aN for N from..to
func qaExamples(from, to int) []models.TrainingExample {
	examples := make([]models.TrainingExample, 0, max(to-from+1, 0))
	for i := from; i <= to; i++ {
		examples = append(examples, models.TrainingExample{Input: fmt.Sprintf("q%d", i), Output: fmt.Sprintf("a%d", i)})
	}
	return examples
}

// answerAfter replies "aN" when the user message contains marker followed by
// "qN", and falls back to a reply no metric accepts.
func answerAfter(user, marker string) *ports.LLMResponse {
	if i := strings.LastIndex(user, marker+"q"); i >= 0 {
		return &ports.LLMResponse{Content: "a" + user[i+len(marker)+1:]}
	}
	return &ports.LLMResponse{Content: "something unrelated entirely"}
}
