package models

import (
	"strings"
	"time"
)

// Version sources
const (
	SourceInitial      = "initial"
	SourceManual       = "manual"
	SourceImport       = "import"
	SourceOptimization = "optimization"
	SourceRollback     = "rollback"
)

// PromptMetadata records how a version came to exist. It is written with the
// version and never updated.
type PromptMetadata struct {
	Source       string   `json:"source,omitempty" msgpack:"source,omitempty"`
	Strategy     Strategy `json:"strategy,omitempty" msgpack:"strategy,omitempty"`
	Degraded     bool     `json:"degraded,omitempty" msgpack:"degraded,omitempty"`
	Feedback     string   `json:"feedback,omitempty" msgpack:"feedback,omitempty"`
	ExamplesUsed int      `json:"examples_used,omitempty" msgpack:"examples_used,omitempty"`
	Score        *float64 `json:"score,omitempty" msgpack:"score,omitempty"`
	RestoredFrom int      `json:"restored_from,omitempty" msgpack:"restored_from,omitempty"`
	RequestID    string   `json:"request_id,omitempty" msgpack:"request_id,omitempty"`
}

// Prompt is one immutable version within a lineage.
type Prompt struct {
	LineageID    string            `json:"lineage_id" msgpack:"lineage_id"`
	Version      int               `json:"version" msgpack:"version"`
	PromptText   string            `json:"prompt_text" msgpack:"prompt_text"`
	Model        string            `json:"model" msgpack:"model"`
	CreatedAt    time.Time         `json:"created_at" msgpack:"created_at"`
	TrainingData []TrainingExample `json:"training_data" msgpack:"training_data"`
	Metadata     PromptMetadata    `json:"metadata" msgpack:"metadata"`
}

// NewPrompt builds an unversioned prompt. The version is assigned by the
// version manager at commit time.
func NewPrompt(lineageID, promptText, model string, examples []TrainingExample, meta PromptMetadata) *Prompt {
	if examples == nil {
		examples = []TrainingExample{}
	}
	return &Prompt{
		LineageID:    lineageID,
		PromptText:   promptText,
		Model:        model,
		CreatedAt:    time.Now().UTC(),
		TrainingData: examples,
		Metadata:     meta,
	}
}

// InputPlaceholder is substituted with user input when a prompt is run
const InputPlaceholder = "{input}"

// Render substitutes input into the prompt text. Text without a placeholder
// gets the input appended on its own paragraph.
func (p *Prompt) Render(input string) string {
	if strings.Contains(p.PromptText, InputPlaceholder) {
		return strings.ReplaceAll(p.PromptText, InputPlaceholder, input)
	}
	return p.PromptText + "\n\n" + input
}

// SameText reports whether two prompt texts are equal after trimming.
func SameText(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}
