package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/longregen/promptlab/internal/domain"
	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/longregen/promptlab/internal/ports"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNoTransaction is returned by operations that must run inside WithTransaction
var ErrNoTransaction = errors.New("operation requires a transaction")

var _ ports.LineageStore = (*Store)(nil)

func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

func toUnix(t time.Time) int64 { return t.UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

func (s *Store) CreateLineage(ctx context.Context, lineage *models.Lineage) error {
	ts := toUnix(lineage.CreatedAt)
	_, err := s.conn(ctx).ExecContext(ctx, `
INSERT INTO prompt_lineages (id, task_description, next_version, created_at, updated_at)
VALUES (?, ?, 1, ?, ?)`, lineage.ID, lineage.TaskDescription, ts, ts)
	if err != nil {
		if isConstraintViolation(err) {
			return &domain.ConcurrencyConflict{LineageID: lineage.ID, Err: err}
		}
		return domain.NewPersistenceError("create lineage", err)
	}
	return nil
}

func (s *Store) GetLineageInfo(ctx context.Context, lineageID string) (*models.Lineage, error) {
	var l models.Lineage
	var created int64
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT id, task_description, created_at FROM prompt_lineages WHERE id = ?`, lineageID,
	).Scan(&l.ID, &l.TaskDescription, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrLineageNotFound
		}
		return nil, domain.NewPersistenceError("get lineage", err)
	}
	l.CreatedAt = fromUnix(created)
	return &l, nil
}

// BeginVersionAllocation reserves the next version inside the caller's transaction
func (s *Store) BeginVersionAllocation(ctx context.Context, lineageID string) (int, error) {
	tx := txFrom(ctx)
	if tx == nil {
		return 0, ErrNoTransaction
	}

	var version int
	err := tx.QueryRowContext(ctx, `
UPDATE prompt_lineages
SET next_version = next_version + 1, updated_at = ?
WHERE id = ?
RETURNING next_version - 1`, toUnix(time.Now()), lineageID).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrLineageNotFound
		}
		return 0, domain.NewPersistenceError("allocate version", err)
	}
	return version, nil
}

func (s *Store) CommitPrompt(ctx context.Context, prompt *models.Prompt) error {
	metadata, err := json.Marshal(prompt.Metadata)
	if err != nil {
		return domain.NewPersistenceError("encode metadata", err)
	}

	_, err = s.conn(ctx).ExecContext(ctx, `
INSERT INTO prompt_versions (lineage_id, version, prompt_text, model, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		prompt.LineageID, prompt.Version, prompt.PromptText, prompt.Model, string(metadata), toUnix(prompt.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return &domain.ConcurrencyConflict{LineageID: prompt.LineageID, Version: prompt.Version, Err: err}
		}
		return domain.NewPersistenceError("insert version", err)
	}

	if err := s.insertExamples(ctx, prompt.LineageID, prompt.Version, prompt.TrainingData); err != nil {
		return domain.NewPersistenceError("insert training examples", err)
	}
	return nil
}

func (s *Store) AddTrainingExamples(ctx context.Context, lineageID string, version int, examples []models.TrainingExample) error {
	var exists int
	err := s.conn(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prompt_versions WHERE lineage_id = ? AND version = ?`, lineageID, version,
	).Scan(&exists)
	if err != nil {
		return domain.NewPersistenceError("check version", err)
	}
	if exists == 0 {
		return domain.ErrVersionNotFound
	}

	if err := s.insertExamples(ctx, lineageID, version, examples); err != nil {
		return domain.NewPersistenceError("insert training examples", err)
	}
	return nil
}

func (s *Store) insertExamples(ctx context.Context, lineageID string, version int, examples []models.TrainingExample) error {
	if len(examples) == 0 {
		return nil
	}

	q := s.conn(ctx)
	var base int
	if err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position), 0) FROM prompt_training_examples WHERE lineage_id = ? AND version = ?`,
		lineageID, version,
	).Scan(&base); err != nil {
		return err
	}

	for i, ex := range examples {
		_, err := q.ExecContext(ctx, `
INSERT INTO prompt_training_examples (lineage_id, version, position, input, output, critique)
VALUES (?, ?, ?, ?, ?, ?)`, lineageID, version, base+i+1, ex.Input, ex.Output, ex.Critique)
		if err != nil {
			return fmt.Errorf("example %d: %w", i, err)
		}
	}
	return nil
}

const selectVersion = `SELECT lineage_id, version, prompt_text, model, metadata, created_at FROM prompt_versions`

func scanPrompt(scan func(dest ...any) error) (*models.Prompt, error) {
	var p models.Prompt
	var metadata string
	var created int64
	if err := scan(&p.LineageID, &p.Version, &p.PromptText, &p.Model, &metadata, &created); err != nil {
		return nil, err
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for version %d: %w", p.Version, err)
		}
	}
	p.CreatedAt = fromUnix(created)
	p.TrainingData = []models.TrainingExample{}
	return &p, nil
}

func (s *Store) GetLineage(ctx context.Context, lineageID string) ([]*models.Prompt, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, selectVersion+` WHERE lineage_id = ? ORDER BY version ASC`, lineageID)
	if err != nil {
		return nil, domain.NewPersistenceError("query versions", err)
	}
	var prompts []*models.Prompt
	for rows.Next() {
		p, err := scanPrompt(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, domain.NewPersistenceError("scan versions", err)
		}
		prompts = append(prompts, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, domain.NewPersistenceError("scan versions", err)
	}
	rows.Close()

	if len(prompts) == 0 {
		return nil, domain.ErrLineageNotFound
	}

	examples, err := s.loadExamples(ctx, lineageID, 0)
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

func (s *Store) GetVersion(ctx context.Context, lineageID string, version int) (*models.Prompt, error) {
	row := s.conn(ctx).QueryRowContext(ctx, selectVersion+` WHERE lineage_id = ? AND version = ?`, lineageID, version)
	p, err := scanPrompt(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrVersionNotFound
		}
		return nil, domain.NewPersistenceError("get version", err)
	}

	examples, err := s.loadExamples(ctx, lineageID, version)
	if err != nil {
		return nil, domain.NewPersistenceError("query training examples", err)
	}
	if ex, ok := examples[version]; ok {
		p.TrainingData = ex
	}
	return p, nil
}

// loadExamples groups examples by version. A zero version loads the whole lineage.
func (s *Store) loadExamples(ctx context.Context, lineageID string, version int) (map[int][]models.TrainingExample, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
SELECT version, input, output, critique
FROM prompt_training_examples
WHERE lineage_id = ? AND (? = 0 OR version = ?)
ORDER BY version, position, id`, lineageID, version, version)
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

func (s *Store) DeleteLineage(ctx context.Context, lineageID string) error {
	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM prompt_lineages WHERE id = ?`, lineageID)
	if err != nil {
		return domain.NewPersistenceError("delete lineage", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.NewPersistenceError("delete lineage", err)
	}
	if n == 0 {
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
       COALESCE(MAX(v.created_at), l.created_at) AS last_change
FROM prompt_lineages l
LEFT JOIN prompt_versions v ON v.lineage_id = l.id
GROUP BY l.id`

func (s *Store) ListLineages(ctx context.Context, limit, offset int) ([]*models.LineageSummary, error) {
	return s.querySummaries(ctx, summaryQuery+` ORDER BY last_change DESC, l.id LIMIT ? OFFSET ?`, limit, offset)
}

func (s *Store) Stats(ctx context.Context, topN int) (*models.LineageStats, error) {
	var stats models.LineageStats
	err := s.conn(ctx).QueryRowContext(ctx, `
SELECT
  (SELECT COUNT(*) FROM prompt_lineages),
  (SELECT COUNT(*) FROM prompt_versions),
  (SELECT COUNT(*) FROM prompt_training_examples)`,
	).Scan(&stats.TotalLineages, &stats.TotalPrompts, &stats.TotalExamples)
	if err != nil {
		return nil, domain.NewPersistenceError("query stats", err)
	}
	if stats.TotalLineages > 0 {
		stats.AvgVersionsPerLineage = float64(stats.TotalPrompts) / float64(stats.TotalLineages)
	}

	if topN > 0 {
		top, err := s.querySummaries(ctx, summaryQuery+` ORDER BY COUNT(v.version) DESC, l.id LIMIT ?`, topN)
		if err != nil {
			return nil, err
		}
		stats.TopLineages = top
	}
	return &stats, nil
}

func (s *Store) querySummaries(ctx context.Context, query string, args ...any) ([]*models.LineageSummary, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewPersistenceError("list lineages", err)
	}
	defer rows.Close()

	summaries := make([]*models.LineageSummary, 0)
	for rows.Next() {
		var sm models.LineageSummary
		var created, updated int64
		if err := rows.Scan(&sm.ID, &sm.TaskDescription, &created, &sm.VersionCount, &sm.LatestVersion, &sm.LatestModel, &updated); err != nil {
			return nil, domain.NewPersistenceError("scan lineage summary", err)
		}
		sm.CreatedAt = fromUnix(created)
		sm.UpdatedAt = fromUnix(updated)
		summaries = append(summaries, &sm)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewPersistenceError("list lineages", err)
	}
	return summaries, nil
}
