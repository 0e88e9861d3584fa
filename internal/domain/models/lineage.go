package models

import (
	"strings"
	"time"
)

// Lineage is the version history of prompts addressing one fixed task.
// Both fields are immutable once the first version exists.
type Lineage struct {
	ID              string    `json:"id" msgpack:"id"`
	TaskDescription string    `json:"task_description" msgpack:"task_description"`
	CreatedAt       time.Time `json:"created_at" msgpack:"created_at"`
}

func NewLineage(id, taskDescription string) *Lineage {
	return &Lineage{
		ID:              id,
		TaskDescription: strings.TrimSpace(taskDescription),
		CreatedAt:       time.Now().UTC(),
	}
}

// LineageSummary is the listing view of a lineage
type LineageSummary struct {
	ID              string    `json:"id"`
	TaskDescription string    `json:"task_description"`
	VersionCount    int       `json:"version_count"`
	LatestVersion   int       `json:"latest_version"`
	LatestModel     string    `json:"latest_model,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// LineageStats aggregates counts across every lineage in the store
type LineageStats struct {
	TotalLineages         int               `json:"total_lineages"`
	TotalPrompts          int               `json:"total_prompts"`
	TotalExamples         int               `json:"total_examples"`
	AvgVersionsPerLineage float64           `json:"avg_versions_per_lineage"`
	TopLineages           []*LineageSummary `json:"top_lineages,omitempty"`
}

// Bundle is the portable export format of a lineage.
type Bundle struct {
	FormatVersion int       `json:"format_version" msgpack:"format_version"`
	Lineage       Lineage   `json:"lineage" msgpack:"lineage"`
	Versions      []*Prompt `json:"versions" msgpack:"versions"`
	ExportedAt    time.Time `json:"exported_at" msgpack:"exported_at"`
}

const BundleFormatVersion = 1

// VersionDiff is a line-level comparison of two versions of a lineage
type VersionDiff struct {
	LineageID string   `json:"lineage_id"`
	From      int      `json:"from"`
	To        int      `json:"to"`
	Added     []string `json:"added"`
	Removed   []string `json:"removed"`
	Unified   string   `json:"unified"`
}

// Changed reports whether the two texts differ line-wise
func (d *VersionDiff) Changed() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0
}
