package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/longregen/promptlab/internal/adapters/metrics"
	"github.com/longregen/promptlab/internal/adapters/retry"
	"github.com/longregen/promptlab/internal/domain"
	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/longregen/promptlab/internal/ports"
)

// VersionManager appends immutable versions to lineages. Every write
// allocates the next version number and commits it in one transaction, so a
// lineage's versions are always exactly 1..N.
type VersionManager struct {
	store      ports.LineageStore
	txManager  ports.TransactionManager
	idGen      ports.IDGenerator
	maxRetries int
}

var _ ports.VersionManager = (*VersionManager)(nil)

type VersionManagerOption func(*VersionManager)

// WithAllocationRetries bounds how often a concurrency conflict is retried
func WithAllocationRetries(n int) VersionManagerOption {
	return func(vm *VersionManager) {
		if n >= 0 {
			vm.maxRetries = n
		}
	}
}

func NewVersionManager(store ports.LineageStore, txManager ports.TransactionManager, idGen ports.IDGenerator, opts ...VersionManagerOption) *VersionManager {
	vm := &VersionManager{
		store:      store,
		txManager:  txManager,
		idGen:      idGen,
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(vm)
	}
	return vm
}

// CreateInitialVersion creates a lineage and commits its version 1
func (vm *VersionManager) CreateInitialVersion(ctx context.Context, taskDescription, promptText, model string) (*models.Prompt, error) {
	return vm.CreateInitialVersionWithMeta(ctx, taskDescription, promptText, model, nil, models.PromptMetadata{Source: models.SourceInitial})
}

// CreateInitialVersionWithMeta creates a lineage whose version 1 carries the
// given examples and metadata.
func (vm *VersionManager) CreateInitialVersionWithMeta(ctx context.Context, taskDescription, promptText, model string, examples []models.TrainingExample, meta models.PromptMetadata) (*models.Prompt, error) {
	if err := ValidateRequired(taskDescription, "task description"); err != nil {
		return nil, err
	}
	if err := ValidateRequired(promptText, "prompt text"); err != nil {
		return nil, err
	}
	if meta.Source == "" {
		meta.Source = models.SourceInitial
	}

	var created *models.Prompt
	err := vm.withConflictRetry(ctx, "", func() error {
		lineage := models.NewLineage(vm.idGen.GenerateLineageID(), taskDescription)
		return vm.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			if err := vm.store.CreateLineage(txCtx, lineage); err != nil {
				return err
			}
			version, err := vm.store.BeginVersionAllocation(txCtx, lineage.ID)
			if err != nil {
				return err
			}
			if version != 1 {
				return &domain.IntegrityError{LineageID: lineage.ID, Expected: 1, Found: version}
			}

			p := models.NewPrompt(lineage.ID, promptText, model, examples, meta)
			p.Version = version
			if err := vm.store.CommitPrompt(txCtx, p); err != nil {
				return err
			}
			created = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.VersionsCommittedTotal.WithLabelValues(meta.Source).Inc()
	slog.InfoContext(ctx, "lineage created", "lineage_id", created.LineageID, "source", meta.Source)
	return created, nil
}

// RegisterPrompt appends version N+1 to the lineage
func (vm *VersionManager) RegisterPrompt(ctx context.Context, lineageID, promptText, model string, examples []models.TrainingExample, meta models.PromptMetadata) (*models.Prompt, error) {
	if err := ValidateID(lineageID, "lineage"); err != nil {
		return nil, err
	}
	if err := ValidateRequired(promptText, "prompt text"); err != nil {
		return nil, err
	}

	var committed *models.Prompt
	err := vm.withConflictRetry(ctx, lineageID, func() error {
		return vm.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
			version, err := vm.store.BeginVersionAllocation(txCtx, lineageID)
			if err != nil {
				return err
			}

			// The counter row is locked by now, so the stored versions
			// cannot move until this transaction ends.
			if version > 1 {
				existing, err := vm.store.GetLineage(txCtx, lineageID)
				if err != nil {
					return err
				}
				if err := checkContiguity(lineageID, existing); err != nil {
					return err
				}
				if len(existing)+1 != version {
					return &domain.IntegrityError{LineageID: lineageID, Expected: len(existing) + 1, Found: version}
				}
			}

			p := models.NewPrompt(lineageID, promptText, model, examples, meta)
			p.Version = version
			if err := vm.store.CommitPrompt(txCtx, p); err != nil {
				return err
			}
			committed = p
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.VersionsCommittedTotal.WithLabelValues(sourceLabel(meta.Source)).Inc()
	slog.InfoContext(ctx, "version committed",
		"lineage_id", lineageID, "version", committed.Version, "source", meta.Source, "strategy", meta.Strategy)
	return committed, nil
}

// Rollback appends a new version carrying the text of targetVersion.
// Existing versions are never modified.
func (vm *VersionManager) Rollback(ctx context.Context, lineageID string, targetVersion int) (*models.Prompt, error) {
	if err := ValidatePositive(targetVersion, "target version"); err != nil {
		return nil, err
	}
	target, err := vm.GetVersion(ctx, lineageID, targetVersion)
	if err != nil {
		return nil, err
	}

	return vm.RegisterPrompt(ctx, lineageID, target.PromptText, target.Model, nil, models.PromptMetadata{
		Source:       models.SourceRollback,
		RestoredFrom: targetVersion,
	})
}

// GetLineage returns every version of the lineage, verifying contiguity
func (vm *VersionManager) GetLineage(ctx context.Context, lineageID string) ([]*models.Prompt, error) {
	if err := ValidateID(lineageID, "lineage"); err != nil {
		return nil, err
	}
	prompts, err := vm.store.GetLineage(ctx, lineageID)
	if err != nil {
		return nil, err
	}
	if err := checkContiguity(lineageID, prompts); err != nil {
		return nil, err
	}
	return prompts, nil
}

func (vm *VersionManager) GetLineageInfo(ctx context.Context, lineageID string) (*models.Lineage, error) {
	if err := ValidateID(lineageID, "lineage"); err != nil {
		return nil, err
	}
	return vm.store.GetLineageInfo(ctx, lineageID)
}

// GetLatest returns the highest version of the lineage
func (vm *VersionManager) GetLatest(ctx context.Context, lineageID string) (*models.Prompt, error) {
	prompts, err := vm.GetLineage(ctx, lineageID)
	if err != nil {
		return nil, err
	}
	return prompts[len(prompts)-1], nil
}

func (vm *VersionManager) GetVersion(ctx context.Context, lineageID string, version int) (*models.Prompt, error) {
	if err := ValidateID(lineageID, "lineage"); err != nil {
		return nil, err
	}
	if err := ValidatePositive(version, "version"); err != nil {
		return nil, err
	}
	return vm.store.GetVersion(ctx, lineageID, version)
}

func (vm *VersionManager) DeleteLineage(ctx context.Context, lineageID string) error {
	if err := ValidateID(lineageID, "lineage"); err != nil {
		return err
	}
	return vm.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		return vm.store.DeleteLineage(txCtx, lineageID)
	})
}

// withConflictRetry reruns fn while it fails with a concurrency conflict.
// Once the budget is spent the last conflict is returned with the attempt count.
func (vm *VersionManager) withConflictRetry(ctx context.Context, lineageID string, fn func() error) error {
	err := retry.WithBackoff(ctx, retry.AllocationConfig(vm.maxRetries), fn,
		retry.WithRetryable(func(err error) bool {
			return errors.Is(err, domain.ErrConcurrencyConflict)
		}),
		retry.WithOnRetry(func(attempt int, err error, wait time.Duration) {
			metrics.AllocationConflictsTotal.Inc()
			slog.WarnContext(ctx, "version allocation conflict, retrying",
				"lineage_id", lineageID, "attempt", attempt, "wait", wait, "error", err)
		}),
	)
	if err == nil || !errors.Is(err, retry.ErrRetriesExhausted) {
		return err
	}

	var conflict *domain.ConcurrencyConflict
	if errors.As(err, &conflict) {
		return &domain.ConcurrencyConflict{
			LineageID: conflict.LineageID,
			Version:   conflict.Version,
			Attempts:  vm.maxRetries + 1,
			Err:       conflict.Err,
		}
	}
	return err
}

// checkContiguity verifies prompts are ordered with versions exactly 1..N
func checkContiguity(lineageID string, prompts []*models.Prompt) error {
	for i, p := range prompts {
		if p.Version != i+1 {
			return &domain.IntegrityError{LineageID: lineageID, Expected: i + 1, Found: p.Version}
		}
	}
	return nil
}

func sourceLabel(source string) string {
	if source == "" {
		return "unknown"
	}
	return source
}

// FormatLineageTable renders versions as a markdown table for terminal output
func FormatLineageTable(prompts []*models.Prompt) string {
	if len(prompts) == 0 {
		return "No lineage found."
	}

	rows := make([]string, 0, len(prompts)+2)
	rows = append(rows, "| Version | Prompt Snippet | Created At |", "|---|---|---|")
	for _, p := range prompts {
		rows = append(rows, fmt.Sprintf("| `v%d` | `%s` | `%s` |",
			p.Version, snippet(p.PromptText, 80), p.CreatedAt.Format(time.RFC3339)))
	}
	return strings.Join(rows, "\n")
}

// snippet flattens newlines and truncates text to max characters
func snippet(text string, max int) string {
	flat := strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", " "), "\n", " ")
	runes := []rune(flat)
	if len(runes) <= max {
		return flat
	}
	return string(runes[:max]) + "..."
}
