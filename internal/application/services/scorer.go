package services

import (
	"context"
	"fmt"
	"math"

	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/longregen/promptlab/internal/ports"
	"github.com/longregen/promptlab/internal/prompt"
	"golang.org/x/sync/errgroup"
)

// Scorer measures how well a prompt text reproduces the expected outputs of
// a set of examples.
type Scorer struct {
	llm         ports.LLMService
	metric      prompt.Metric
	concurrency int
}

func NewScorer(llm ports.LLMService, metric prompt.Metric, concurrency int) *Scorer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Scorer{llm: llm, metric: metric, concurrency: concurrency}
}

// Score runs text over every example and returns the mean metric score.
// Any failed completion fails the whole evaluation.
func (s *Scorer) Score(ctx context.Context, text string, examples []models.TrainingExample) (float64, error) {
	if len(examples) == 0 {
		return 0, fmt.Errorf("no examples to score against")
	}

	candidate := &models.Prompt{PromptText: text}
	scores := make([]float64, len(examples))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, ex := range examples {
		g.Go(func() error {
			resp, err := s.llm.Chat(gctx, []ports.LLMMessage{{Role: "user", Content: candidate.Render(ex.Input)}})
			if err != nil {
				return fmt.Errorf("score example %d: %w", i, err)
			}
			result, err := s.metric.Score(gctx, prompt.ExampleFromTraining(ex), prompt.Example{
				Outputs: map[string]any{prompt.OutputField: resp.Content},
			})
			if err != nil {
				return fmt.Errorf("score example %d: %w", i, err)
			}
			scores[i] = result.Score
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	var sum float64
	for _, v := range scores {
		sum += v
	}
	return sum / float64(len(scores)), nil
}

// splitHoldout keeps the last fraction of examples (at least one) for
// evaluation and returns the rest for training. The split is deterministic.
func splitHoldout(examples []models.TrainingExample, fraction float64) (train, holdout []models.TrainingExample) {
	if len(examples) < 2 {
		return examples, nil
	}
	n := int(math.Ceil(float64(len(examples)) * fraction))
	if n < 1 {
		n = 1
	}
	if n >= len(examples) {
		n = len(examples) - 1
	}
	cut := len(examples) - n
	return examples[:cut], examples[cut:]
}
