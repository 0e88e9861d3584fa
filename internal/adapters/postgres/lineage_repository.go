package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/longregen/promptlab/internal/domain"
	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/longregen/promptlab/internal/ports"
)

// ErrNoTransaction is returned by operations that must run inside WithTransaction
var ErrNoTransaction = errors.New("operation requires a transaction")

// LineageRepository implements ports.LineageStore
type LineageRepository struct {
	BaseRepository
}

var _ ports.LineageStore = (*LineageRepository)(nil)

// NewLineageRepository creates a new lineage repository
func NewLineageRepository(db DB) *LineageRepository {
	return &LineageRepository{BaseRepository: NewBaseRepository(db)}
}

// CreateLineage inserts a lineage with its version counter at 1
func (r *LineageRepository) CreateLineage(ctx context.Context, lineage *models.Lineage) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		INSERT INTO prompt_lineages (id, task_description, next_version, created_at, updated_at)
		VALUES ($1, $2, 1, $3, $3)`

	if _, err := r.conn(ctx).Exec(ctx, query, lineage.ID, lineage.TaskDescription, lineage.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return &domain.ConcurrencyConflict{LineageID: lineage.ID, Err: err}
		}
		return domain.NewPersistenceError("create lineage", err)
	}
	return nil
}

// GetLineageInfo retrieves the lineage row
func (r *LineageRepository) GetLineageInfo(ctx context.Context, lineageID string) (*models.Lineage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `SELECT id, task_description, created_at FROM prompt_lineages WHERE id = $1`

	var l models.Lineage
	err := r.conn(ctx).QueryRow(ctx, query, lineageID).Scan(&l.ID, &l.TaskDescription, &l.CreatedAt)
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.ErrLineageNotFound
		}
		return nil, domain.NewPersistenceError("get lineage", err)
	}
	return &l, nil
}

// BeginVersionAllocation increments the lineage's counter and returns the
// reserved number. The row lock taken by the UPDATE serializes concurrent
// allocators on the same lineage until the transaction ends.
func (r *LineageRepository) BeginVersionAllocation(ctx context.Context, lineageID string) (int, error) {
	if GetTx(ctx) == nil {
		return 0, ErrNoTransaction
	}

	query := `
		UPDATE prompt_lineages
		SET next_version = next_version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING next_version - 1`

	var version int
	if err := r.conn(ctx).QueryRow(ctx, query, lineageID).Scan(&version); err != nil {
		if checkNoRows(err) {
			return 0, domain.ErrLineageNotFound
		}
		return 0, domain.NewPersistenceError("allocate version", err)
	}
	return version, nil
}

// CommitPrompt writes the version row and its training examples
func (r *LineageRepository) CommitPrompt(ctx context.Context, prompt *models.Prompt) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	metadata, err := marshalJSONField(&prompt.Metadata)
	if err != nil {
		return domain.NewPersistenceError("encode metadata", err)
	}

	query := `
		INSERT INTO prompt_versions (lineage_id, version, prompt_text, model, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = r.conn(ctx).Exec(ctx, query,
		prompt.LineageID,
		prompt.Version,
		prompt.PromptText,
		prompt.Model,
		metadata,
		prompt.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.ConcurrencyConflict{LineageID: prompt.LineageID, Version: prompt.Version, Err: err}
		}
		return domain.NewPersistenceError("insert version", err)
	}

	if err := r.insertExamples(ctx, prompt.LineageID, prompt.Version, prompt.TrainingData); err != nil {
		return domain.NewPersistenceError("insert training examples", err)
	}
	return nil
}

// AddTrainingExamples appends examples after the version's existing ones
func (r *LineageRepository) AddTrainingExamples(ctx context.Context, lineageID string, version int, examples []models.TrainingExample) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM prompt_versions WHERE lineage_id = $1 AND version = $2)`,
		lineageID, version,
	).Scan(&exists)
	if err != nil {
		return domain.NewPersistenceError("check version", err)
	}
	if !exists {
		return domain.ErrVersionNotFound
	}

	if err := r.insertExamples(ctx, lineageID, version, examples); err != nil {
		return domain.NewPersistenceError("insert training examples", err)
	}
	return nil
}

func (r *LineageRepository) insertExamples(ctx context.Context, lineageID string, version int, examples []models.TrainingExample) error {
	if len(examples) == 0 {
		return nil
	}

	inputs := make([]string, len(examples))
	outputs := make([]string, len(examples))
	critiques := make([]string, len(examples))
	for i, ex := range examples {
		inputs[i] = ex.Input
		outputs[i] = ex.Output
		critiques[i] = ex.Critique
	}

	query := `
		INSERT INTO prompt_training_examples (lineage_id, version, position, input, output, critique)
		SELECT $1, $2, (base.n + e.ord)::int, e.input, e.output, e.critique
		FROM unnest($3::text[], $4::text[], $5::text[]) WITH ORDINALITY AS e(input, output, critique, ord),
		     (SELECT COALESCE(MAX(position), 0) AS n
		      FROM prompt_training_examples
		      WHERE lineage_id = $1 AND version = $2) AS base`

	_, err := r.conn(ctx).Exec(ctx, query, lineageID, version, inputs, outputs, critiques)
	return err
}

// GetLineage retrieves all versions ascending, each with its training data
func (r *LineageRepository) GetLineage(ctx context.Context, lineageID string) ([]*models.Prompt, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT lineage_id, version, prompt_text, model, metadata, created_at
		FROM prompt_versions
		WHERE lineage_id = $1
		ORDER BY version ASC`

	rows, err := r.conn(ctx).Query(ctx, query, lineageID)
	if err != nil {
		return nil, domain.NewPersistenceError("query versions", err)
	}
	prompts, err := r.scanPrompts(rows)
	if err != nil {
		return nil, domain.NewPersistenceError("scan versions", err)
	}
	if len(prompts) == 0 {
		return nil, domain.ErrLineageNotFound
	}

	examples, err := r.loadExamples(ctx, lineageID, 0)
	if err != nil {
		return nil, domain.NewPersistenceError("query training examples", err)
	}
	for _, p := range prompts {
		if ex, ok := examples[p.Version]; ok {
			p.TrainingData = ex
		}
	}

	return prompts, nil
}

// GetVersion retrieves a single version with its training data
func (r *LineageRepository) GetVersion(ctx context.Context, lineageID string, version int) (*models.Prompt, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT lineage_id, version, prompt_text, model, metadata, created_at
		FROM prompt_versions
		WHERE lineage_id = $1 AND version = $2`

	p, err := r.scanPrompt(r.conn(ctx).QueryRow(ctx, query, lineageID, version))
	if err != nil {
		if checkNoRows(err) {
			return nil, domain.ErrVersionNotFound
		}
		return nil, domain.NewPersistenceError("get version", err)
	}

	examples, err := r.loadExamples(ctx, lineageID, version)
	if err != nil {
		return nil, domain.NewPersistenceError("query training examples", err)
	}
	if ex, ok := examples[version]; ok {
		p.TrainingData = ex
	}
	return p, nil
}

// loadExamples groups examples by version. A zero version loads the whole lineage.
func (r *LineageRepository) loadExamples(ctx context.Context, lineageID string, version int) (map[int][]models.TrainingExample, error) {
	query := `
		SELECT version, input, output, critique
		FROM prompt_training_examples
		WHERE lineage_id = $1 AND ($2 = 0 OR version = $2)
		ORDER BY version, position, id`

	rows, err := r.conn(ctx).Query(ctx, query, lineageID, version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[int][]models.TrainingExample)
	for rows.Next() {
		var v int
		var ex models.TrainingExample
		if err := rows.Scan(&v, &ex.Input, &ex.Output, &ex.Critique); err != nil {
			return nil, err
		}
		result[v] = append(result[v], ex)
	}
	return result, rows.Err()
}

// DeleteLineage removes the lineage; versions and examples cascade
func (r *LineageRepository) DeleteLineage(ctx context.Context, lineageID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	result, err := r.conn(ctx).Exec(ctx, `DELETE FROM prompt_lineages WHERE id = $1`, lineageID)
	if err != nil {
		return domain.NewPersistenceError("delete lineage", err)
	}
	if result.RowsAffected() == 0 {
		return domain.ErrLineageNotFound
	}
	return nil
}

const summaryQuery = `
	SELECT l.id, l.task_description, l.created_at,
	       COUNT(v.version),
	       COALESCE(MAX(v.version), 0),
	       COALESCE((SELECT model FROM prompt_versions pv
	                 WHERE pv.lineage_id = l.id ORDER BY pv.version DESC LIMIT 1), ''),
	       COALESCE(MAX(v.created_at), l.created_at)
	FROM prompt_lineages l
	LEFT JOIN prompt_versions v ON v.lineage_id = l.id
	GROUP BY l.id`

// ListLineages lists lineages, most recently changed first
func (r *LineageRepository) ListLineages(ctx context.Context, limit, offset int) ([]*models.LineageSummary, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return r.querySummaries(ctx, summaryQuery+`
	ORDER BY 7 DESC, l.id
	LIMIT $1 OFFSET $2`, limit, offset)
}

// Stats aggregates counts across all lineages
func (r *LineageRepository) Stats(ctx context.Context, topN int) (*models.LineageStats, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `
		SELECT
			(SELECT COUNT(*) FROM prompt_lineages),
			(SELECT COUNT(*) FROM prompt_versions),
			(SELECT COUNT(*) FROM prompt_training_examples)`

	var stats models.LineageStats
	err := r.conn(ctx).QueryRow(ctx, query).Scan(&stats.TotalLineages, &stats.TotalPrompts, &stats.TotalExamples)
	if err != nil {
		return nil, domain.NewPersistenceError("query stats", err)
	}
	if stats.TotalLineages > 0 {
		stats.AvgVersionsPerLineage = float64(stats.TotalPrompts) / float64(stats.TotalLineages)
	}

	if topN > 0 {
		top, err := r.querySummaries(ctx, summaryQuery+`
	ORDER BY 4 DESC, l.id
	LIMIT $1`, topN)
		if err != nil {
			return nil, err
		}
		stats.TopLineages = top
	}

	return &stats, nil
}

func (r *LineageRepository) querySummaries(ctx context.Context, query string, args ...any) ([]*models.LineageSummary, error) {
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, domain.NewPersistenceError("list lineages", err)
	}
	defer rows.Close()

	summaries := make([]*models.LineageSummary, 0)
	for rows.Next() {
		var s models.LineageSummary
		if err := rows.Scan(&s.ID, &s.TaskDescription, &s.CreatedAt, &s.VersionCount, &s.LatestVersion, &s.LatestModel, &s.UpdatedAt); err != nil {
			return nil, domain.NewPersistenceError("scan lineage summary", err)
		}
		summaries = append(summaries, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("list lineages", err)
	}
	return summaries, nil
}

func (r *LineageRepository) scanPrompt(row pgx.Row) (*models.Prompt, error) {
	var p models.Prompt
	var metadata []byte
	var createdAt time.Time

	if err := row.Scan(&p.LineageID, &p.Version, &p.PromptText, &p.Model, &metadata, &createdAt); err != nil {
		return nil, err
	}
	if err := unmarshalJSONField(metadata, &p.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for version %d: %w", p.Version, err)
	}
	p.CreatedAt = createdAt.UTC()
	p.TrainingData = []models.TrainingExample{}
	return &p, nil
}

func (r *LineageRepository) scanPrompts(rows pgx.Rows) ([]*models.Prompt, error) {
	defer rows.Close()

	var prompts []*models.Prompt
	for rows.Next() {
		p, err := r.scanPrompt(rows)
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, p)
	}
	return prompts, rows.Err()
}
