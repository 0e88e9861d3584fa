package postgres

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS prompt_lineages (
    id               TEXT PRIMARY KEY,
    task_description TEXT NOT NULL,
    next_version     INTEGER NOT NULL DEFAULT 1 CHECK (next_version > 0),
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS prompt_versions (
    lineage_id  TEXT NOT NULL REFERENCES prompt_lineages(id) ON DELETE CASCADE,
    version     INTEGER NOT NULL CHECK (version > 0),
    prompt_text TEXT NOT NULL,
    model       TEXT NOT NULL DEFAULT '',
    metadata    JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (lineage_id, version)
);

CREATE TABLE IF NOT EXISTS prompt_training_examples (
    id         BIGSERIAL PRIMARY KEY,
    lineage_id TEXT NOT NULL,
    version    INTEGER NOT NULL,
    position   INTEGER NOT NULL,
    input      TEXT NOT NULL,
    output     TEXT NOT NULL,
    critique   TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    FOREIGN KEY (lineage_id, version) REFERENCES prompt_versions(lineage_id, version) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_prompt_training_examples_version
    ON prompt_training_examples(lineage_id, version, position);
`

// Migrate creates the lineage tables if they do not exist
func Migrate(ctx context.Context, db DB) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}
