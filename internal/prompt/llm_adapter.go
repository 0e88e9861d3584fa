package prompt

import (
	"context"
	"errors"
	"fmt"

	"github.com/XiaoConstantine/dspy-go/pkg/core"
	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/longregen/promptlab/internal/ports"
)

// ErrUnsupported is returned by core.LLM methods optimizers never call
var ErrUnsupported = errors.New("not supported by the promptlab LLM adapter")

// LLMServiceAdapter adapts ports.LLMService to dspy-go's core.LLM
type LLMServiceAdapter struct {
	service ports.LLMService
	model   string
}

var _ core.LLM = (*LLMServiceAdapter)(nil)

// NewLLMServiceAdapter creates a new LLM service adapter
func NewLLMServiceAdapter(service ports.LLMService, model string) *LLMServiceAdapter {
	return &LLMServiceAdapter{service: service, model: model}
}

// Generate implements the dspy-go LLM interface
func (a *LLMServiceAdapter) Generate(ctx context.Context, prompt string, opts ...core.GenerateOption) (*core.LLMResponse, error) {
	resp, err := a.service.Chat(ctx, []ports.LLMMessage{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, fmt.Errorf("llm service chat failed: %w", err)
	}

	return &core.LLMResponse{
		Content: resp.Content,
	}, nil
}

func (a *LLMServiceAdapter) GenerateWithJSON(ctx context.Context, prompt string, opts ...core.GenerateOption) (map[string]interface{}, error) {
	return nil, fmt.Errorf("GenerateWithJSON: %w", ErrUnsupported)
}

func (a *LLMServiceAdapter) GenerateWithFunctions(ctx context.Context, prompt string, functions []map[string]interface{}, opts ...core.GenerateOption) (map[string]interface{}, error) {
	return nil, fmt.Errorf("GenerateWithFunctions: %w", ErrUnsupported)
}

func (a *LLMServiceAdapter) CreateEmbedding(ctx context.Context, input string, opts ...core.EmbeddingOption) (*core.EmbeddingResult, error) {
	return nil, fmt.Errorf("CreateEmbedding: %w", ErrUnsupported)
}

func (a *LLMServiceAdapter) CreateEmbeddings(ctx context.Context, inputs []string, opts ...core.EmbeddingOption) (*core.BatchEmbeddingResult, error) {
	return nil, fmt.Errorf("CreateEmbeddings: %w", ErrUnsupported)
}

// StreamGenerate is unsupported: optimization runs in batch mode.
// Streaming callers use ports.LLMService.ChatStream directly.
func (a *LLMServiceAdapter) StreamGenerate(ctx context.Context, prompt string, opts ...core.GenerateOption) (*core.StreamResponse, error) {
	return nil, fmt.Errorf("StreamGenerate: %w", ErrUnsupported)
}

func (a *LLMServiceAdapter) GenerateWithContent(ctx context.Context, content []core.ContentBlock, opts ...core.GenerateOption) (*core.LLMResponse, error) {
	return nil, fmt.Errorf("GenerateWithContent: %w", ErrUnsupported)
}

func (a *LLMServiceAdapter) StreamGenerateWithContent(ctx context.Context, content []core.ContentBlock, opts ...core.GenerateOption) (*core.StreamResponse, error) {
	return nil, fmt.Errorf("StreamGenerateWithContent: %w", ErrUnsupported)
}

func (a *LLMServiceAdapter) ProviderName() string {
	return "promptlab"
}

func (a *LLMServiceAdapter) ModelID() string {
	if a.model == "" {
		return "promptlab-llm-service"
	}
	return a.model
}

func (a *LLMServiceAdapter) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityChat, core.CapabilityCompletion}
}

// DatasetAdapter exposes training examples as a dspy-go core.Dataset
type DatasetAdapter struct {
	examples []Example
	index    int
}

func NewDatasetAdapter(examples []models.TrainingExample) *DatasetAdapter {
	converted := make([]Example, len(examples))
	for i, ex := range examples {
		converted[i] = ExampleFromTraining(ex)
	}
	return &DatasetAdapter{examples: converted}
}

// Next returns the next example in the dataset
func (d *DatasetAdapter) Next() (core.Example, bool) {
	if d.index >= len(d.examples) {
		return core.Example{}, false
	}
	ex := d.examples[d.index]
	d.index++

	return core.Example{
		Inputs:  ex.Inputs,
		Outputs: ex.Outputs,
	}, true
}

// Reset resets the dataset iterator
func (d *DatasetAdapter) Reset() {
	d.index = 0
}

// Len returns the number of examples
func (d *DatasetAdapter) Len() int {
	return len(d.examples)
}

// MetricAdapter adapts a Metric to dspy-go's core.Metric function type
type MetricAdapter struct {
	metric Metric
}

func NewMetricAdapter(metric Metric) *MetricAdapter {
	return &MetricAdapter{metric: metric}
}

// ToCoreMetric converts to the dspy-go core.Metric function type.
// Metric errors score zero.
func (m *MetricAdapter) ToCoreMetric() core.Metric {
	return func(expected, actual map[string]interface{}) float64 {
		gold := Example{Inputs: expected, Outputs: expected}
		pred := Example{Inputs: actual, Outputs: actual}

		result, err := m.metric.Score(context.Background(), gold, pred)
		if err != nil {
			return 0.0
		}
		return result.Score
	}
}
