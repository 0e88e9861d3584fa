package dto

import (
	"encoding/json"

	"github.com/longregen/promptlab/internal/domain/models"
)

// CreateLineageRequest starts a lineage from a given prompt, or from a
// generated one when Generate is set.
type CreateLineageRequest struct {
	Task       string `json:"task" validate:"required"`
	PromptText string `json:"prompt_text" validate:"required_unless=Generate true"`
	Model      string `json:"model,omitempty"`
	Generate   bool   `json:"generate,omitempty"`
}

func (r *CreateLineageRequest) Validate() error {
	return validate.Struct(r)
}

type RegisterVersionRequest struct {
	PromptText   string          `json:"prompt_text" validate:"required"`
	Model        string          `json:"model,omitempty"`
	TrainingData json.RawMessage `json:"training_data,omitempty"`
}

func (r *RegisterVersionRequest) Validate() error {
	return validate.Struct(r)
}

type RollbackRequest struct {
	Version int `json:"version" validate:"required,gt=0"`
}

func (r *RollbackRequest) Validate() error {
	return validate.Struct(r)
}

// CorrectionRequest records a bad output along with the output that was wanted.
type CorrectionRequest struct {
	Input         string `json:"input" validate:"required"`
	BadOutput     string `json:"bad_output" validate:"required"`
	DesiredOutput string `json:"desired_output" validate:"required"`
	Critique      string `json:"critique,omitempty"`
}

func (r *CorrectionRequest) Validate() error {
	return validate.Struct(r)
}

type CreateLineageResponse struct {
	Prompt    *models.Prompt `json:"prompt"`
	Generated bool           `json:"generated,omitempty"`
	Fallback  bool           `json:"fallback,omitempty"`
}

type LineageResponse struct {
	Lineage  *models.Lineage  `json:"lineage"`
	Versions []*models.Prompt `json:"versions"`
	Latest   int              `json:"latest"`
}

type LineageListResponse struct {
	Lineages []*models.LineageSummary `json:"lineages"`
	Count    int                      `json:"count"`
	Limit    int                      `json:"limit"`
	Offset   int                      `json:"offset"`
}

type ExamplesAddedResponse struct {
	LineageID string `json:"lineage_id"`
	Version   int    `json:"version"`
}

type CorrectionResponse struct {
	LineageID string                  `json:"lineage_id"`
	Example   *models.TrainingExample `json:"example"`
}
