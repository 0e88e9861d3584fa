package ports

import (
	"context"

	"github.com/longregen/promptlab/internal/domain/models"
)

// LineageStore persists lineages, their immutable prompt versions and the
// training examples attached to them.
type LineageStore interface {
	// CreateLineage inserts the lineage row with its version counter at 1.
	CreateLineage(ctx context.Context, lineage *models.Lineage) error

	// GetLineageInfo returns the lineage row without its versions
	GetLineageInfo(ctx context.Context, lineageID string) (*models.Lineage, error)

	// BeginVersionAllocation reserves the next version number for the
	// lineage. It must run inside a transaction; the reservation is released
	// if that transaction rolls back.
	BeginVersionAllocation(ctx context.Context, lineageID string) (int, error)

	// CommitPrompt writes a version row and its training examples.
	CommitPrompt(ctx context.Context, prompt *models.Prompt) error

	// GetLineage returns every version ascending by version number
	GetLineage(ctx context.Context, lineageID string) ([]*models.Prompt, error)

	// GetVersion returns a single version
	GetVersion(ctx context.Context, lineageID string, version int) (*models.Prompt, error)

	// AddTrainingExamples appends examples to an existing version
	AddTrainingExamples(ctx context.Context, lineageID string, version int, examples []models.TrainingExample) error

	// DeleteLineage removes the lineage with all versions and examples
	DeleteLineage(ctx context.Context, lineageID string) error

	ListLineages(ctx context.Context, limit, offset int) ([]*models.LineageSummary, error)
	Stats(ctx context.Context, topN int) (*models.LineageStats, error)
}

// TransactionManager handles database transactions
type TransactionManager interface {
	// WithTransaction executes a function within a database transaction
	// If the function returns an error, the transaction is rolled back
	// Otherwise, the transaction is committed
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// IDGenerator generates unique IDs for entities
type IDGenerator interface {
	// GenerateLineageID generates a new lineage ID (lin_xxx)
	GenerateLineageID() string

	// GenerateOptimizationID generates a new optimization request ID (opt_xxx)
	GenerateOptimizationID() string
}
