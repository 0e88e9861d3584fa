package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/longregen/promptlab/internal/domain"
	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestVersionManager_CreateInitialVersion(t *testing.T) {
	repo := new(MockLineageStore)
	txm := &mockTransactionManager{}
	vm := NewVersionManager(repo, txm, &mockIDGenerator{})
	ctx := context.Background()

	repo.On("CreateLineage", ctx, mock.MatchedBy(func(l *models.Lineage) bool {
		return l.ID == "lin_test1" && l.TaskDescription == "summarize articles"
	})).Return(nil)
	repo.On("BeginVersionAllocation", ctx, "lin_test1").Return(1, nil)
	repo.On("CommitPrompt", ctx, mock.AnythingOfType("*models.Prompt")).Return(nil)

	p, err := vm.CreateInitialVersion(ctx, "  summarize articles ", "Summarize: {input}", "gpt-4o-mini")

	require.NoError(t, err)
	assert.Equal(t, "lin_test1", p.LineageID)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, models.SourceInitial, p.Metadata.Source)
	assert.Equal(t, 1, txm.calls)
	repo.AssertExpectations(t)
}

func TestVersionManager_CreateInitialVersion_Validation(t *testing.T) {
	vm := NewVersionManager(new(MockLineageStore), &mockTransactionManager{}, &mockIDGenerator{})

	_, err := vm.CreateInitialVersion(context.Background(), "", "text", "m")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = vm.CreateInitialVersion(context.Background(), "task", "  ", "m")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestVersionManager_RegisterPrompt_ChecksContiguity(t *testing.T) {
	repo := new(MockLineageStore)
	vm := NewVersionManager(repo, &mockTransactionManager{}, &mockIDGenerator{})
	ctx := context.Background()

	repo.On("BeginVersionAllocation", ctx, "lin_a").Return(3, nil)
	repo.On("GetLineage", ctx, "lin_a").Return([]*models.Prompt{
		{LineageID: "lin_a", Version: 1},
		{LineageID: "lin_a", Version: 3},
	}, nil)

	_, err := vm.RegisterPrompt(ctx, "lin_a", "new text", "m", nil, models.PromptMetadata{})

	var integrity *domain.IntegrityError
	require.True(t, errors.As(err, &integrity))
	assert.Equal(t, 2, integrity.Expected)
	assert.Equal(t, 3, integrity.Found)
	repo.AssertNotCalled(t, "CommitPrompt", mock.Anything, mock.Anything)
}

func TestVersionManager_RegisterPrompt_RetriesConflict(t *testing.T) {
	repo := new(MockLineageStore)
	txm := &mockTransactionManager{}
	vm := NewVersionManager(repo, txm, &mockIDGenerator{}, WithAllocationRetries(2))
	ctx := context.Background()

	conflict := &domain.ConcurrencyConflict{LineageID: "lin_a", Version: 2}
	repo.On("BeginVersionAllocation", ctx, "lin_a").Return(2, nil)
	repo.On("GetLineage", ctx, "lin_a").Return([]*models.Prompt{{LineageID: "lin_a", Version: 1}}, nil)
	repo.On("CommitPrompt", ctx, mock.Anything).Return(conflict).Once()
	repo.On("CommitPrompt", ctx, mock.Anything).Return(nil).Once()

	p, err := vm.RegisterPrompt(ctx, "lin_a", "v2 text", "m", nil, models.PromptMetadata{Source: models.SourceOptimization})

	require.NoError(t, err)
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, 2, txm.calls)
	repo.AssertExpectations(t)
}

func TestVersionManager_RegisterPrompt_ConflictExhausted(t *testing.T) {
	repo := new(MockLineageStore)
	vm := NewVersionManager(repo, &mockTransactionManager{}, &mockIDGenerator{}, WithAllocationRetries(1))
	ctx := context.Background()

	repo.On("BeginVersionAllocation", ctx, "lin_a").Return(2, nil)
	repo.On("GetLineage", ctx, "lin_a").Return([]*models.Prompt{{LineageID: "lin_a", Version: 1}}, nil)
	repo.On("CommitPrompt", ctx, mock.Anything).Return(&domain.ConcurrencyConflict{LineageID: "lin_a", Version: 2})

	_, err := vm.RegisterPrompt(ctx, "lin_a", "v2 text", "m", nil, models.PromptMetadata{})

	var conflict *domain.ConcurrencyConflict
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, 2, conflict.Attempts)
	repo.AssertNumberOfCalls(t, "CommitPrompt", 2)
}

func TestVersionManager_RegisterPrompt_PersistenceErrorNotRetried(t *testing.T) {
	repo := new(MockLineageStore)
	vm := NewVersionManager(repo, &mockTransactionManager{}, &mockIDGenerator{})
	ctx := context.Background()

	repo.On("BeginVersionAllocation", ctx, "lin_a").Return(2, nil)
	repo.On("GetLineage", ctx, "lin_a").Return([]*models.Prompt{{LineageID: "lin_a", Version: 1}}, nil)
	repo.On("CommitPrompt", ctx, mock.Anything).Return(domain.NewPersistenceError("insert version", errors.New("disk full")))

	_, err := vm.RegisterPrompt(ctx, "lin_a", "v2 text", "m", nil, models.PromptMetadata{})

	assert.ErrorIs(t, err, domain.ErrPersistence)
	repo.AssertNumberOfCalls(t, "CommitPrompt", 1)
}

func TestVersionManager_GetLineage_IntegrityError(t *testing.T) {
	repo := new(MockLineageStore)
	vm := NewVersionManager(repo, &mockTransactionManager{}, &mockIDGenerator{})
	ctx := context.Background()

	repo.On("GetLineage", ctx, "lin_a").Return([]*models.Prompt{
		{LineageID: "lin_a", Version: 2},
	}, nil)

	_, err := vm.GetLineage(ctx, "lin_a")
	assert.ErrorIs(t, err, domain.ErrIntegrity)
}

func TestVersionManager_SQLite_RollbackAppends(t *testing.T) {
	vm, _ := newTestVersionManager(t)
	ctx := context.Background()

	v1, err := vm.CreateInitialVersion(ctx, "translate to french", "Translate: {input}", "m1")
	require.NoError(t, err)
	_, err = vm.RegisterPrompt(ctx, v1.LineageID, "Translate carefully: {input}", "m2", nil, models.PromptMetadata{Source: models.SourceOptimization})
	require.NoError(t, err)

	v3, err := vm.Rollback(ctx, v1.LineageID, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Version)
	assert.Equal(t, "Translate: {input}", v3.PromptText)
	assert.Equal(t, "m1", v3.Model)
	assert.Equal(t, models.SourceRollback, v3.Metadata.Source)
	assert.Equal(t, 1, v3.Metadata.RestoredFrom)

	lineage, err := vm.GetLineage(ctx, v1.LineageID)
	require.NoError(t, err)
	require.Len(t, lineage, 3)
	assert.Equal(t, "Translate carefully: {input}", lineage[1].PromptText, "history is never rewritten")

	_, err = vm.Rollback(ctx, v1.LineageID, 9)
	assert.ErrorIs(t, err, domain.ErrVersionNotFound)
}

func TestVersionManager_SQLite_ConcurrentRegister(t *testing.T) {
	vm, _ := newTestVersionManager(t)
	ctx := context.Background()

	v1, err := vm.CreateInitialVersion(ctx, "classify tickets", "Classify: {input}", "m")
	require.NoError(t, err)

	const writers = 12
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := vm.RegisterPrompt(ctx, v1.LineageID, "Classify v"+strings.Repeat("!", i+1), "m", nil, models.PromptMetadata{})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	lineage, err := vm.GetLineage(ctx, v1.LineageID)
	require.NoError(t, err)
	require.Len(t, lineage, writers+1)
	for i, p := range lineage {
		assert.Equal(t, i+1, p.Version)
	}
}

func TestVersionManager_SQLite_UnknownLineage(t *testing.T) {
	vm, _ := newTestVersionManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := vm.RegisterPrompt(ctx, "lin_missing", "text", "m", nil, models.PromptMetadata{})
	assert.ErrorIs(t, err, domain.ErrLineageNotFound)

	_, err = vm.GetLatest(ctx, "lin_missing")
	assert.ErrorIs(t, err, domain.ErrLineageNotFound)

	assert.ErrorIs(t, vm.DeleteLineage(ctx, "lin_missing"), domain.ErrLineageNotFound)
}

func TestFormatLineageTable(t *testing.T) {
	assert.Equal(t, "No lineage found.", FormatLineageTable(nil))

	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	table := FormatLineageTable([]*models.Prompt{
		{Version: 1, PromptText: "line one\nline two", CreatedAt: created},
		{Version: 2, PromptText: strings.Repeat("x", 100), CreatedAt: created},
	})

	lines := strings.Split(table, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "| Version | Prompt Snippet | Created At |", lines[0])
	assert.Equal(t, "| `v1` | `line one line two` | `2025-03-01T12:00:00Z` |", lines[2])
	assert.Contains(t, lines[3], "`"+strings.Repeat("x", 80)+"...`")
}
