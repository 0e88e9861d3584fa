package ports

import (
	"context"

	"github.com/longregen/promptlab/internal/domain/models"
)

// LLMMessage represents a message in the LLM conversation context
type LLMMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// LLMResponse represents a response from the LLM
type LLMResponse struct {
	Content string `json:"content,omitempty"`
	Model   string `json:"model,omitempty"`
}

// LLMStreamChunk represents a streaming chunk from the LLM
type LLMStreamChunk struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done"`
	Error   error  `json:"error,omitempty"`
}

// LLMService is the opaque completion capability. Implementations classify
// failures with domain.LLMError so callers can tell transient from fatal.
type LLMService interface {
	Chat(ctx context.Context, messages []LLMMessage) (*LLMResponse, error)
	ChatStream(ctx context.Context, messages []LLMMessage) (<-chan LLMStreamChunk, error)
}

// VersionManager owns version contiguity and immutability for lineages
type VersionManager interface {
	CreateInitialVersion(ctx context.Context, taskDescription, promptText, model string) (*models.Prompt, error)
	CreateInitialVersionWithMeta(ctx context.Context, taskDescription, promptText, model string, examples []models.TrainingExample, meta models.PromptMetadata) (*models.Prompt, error)
	RegisterPrompt(ctx context.Context, lineageID, promptText, model string, examples []models.TrainingExample, meta models.PromptMetadata) (*models.Prompt, error)
	Rollback(ctx context.Context, lineageID string, targetVersion int) (*models.Prompt, error)
	GetLineage(ctx context.Context, lineageID string) ([]*models.Prompt, error)
	GetLineageInfo(ctx context.Context, lineageID string) (*models.Lineage, error)
	GetLatest(ctx context.Context, lineageID string) (*models.Prompt, error)
	GetVersion(ctx context.Context, lineageID string, version int) (*models.Prompt, error)
	DeleteLineage(ctx context.Context, lineageID string) error
}

// Optimizer drives asynchronous optimization attempts
type Optimizer interface {
	RequestOptimization(ctx context.Context, lineageID, feedback string) (*models.OptimizationRequest, error)
	GetRequest(requestID string) (*models.OptimizationRequest, error)
	Wait(ctx context.Context, requestID string) (*models.OptimizationRequest, error)
	Subscribe(requestID string) (<-chan models.OptimizationEvent, func())
}

// OptimizationEventPublisher receives every optimization state change
type OptimizationEventPublisher interface {
	Publish(event models.OptimizationEvent)
}
