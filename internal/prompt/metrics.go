package prompt

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/longregen/promptlab/internal/domain/models"
)

// Metric defines an evaluation function for prompt optimization
type Metric interface {
	// Score evaluates a prediction against gold truth, returning 0..1 and
	// feedback usable for reflection
	Score(ctx context.Context, gold, pred Example) (ScoreWithFeedback, error)
}

// Example is one input/output pair in dspy field form
type Example struct {
	Inputs  map[string]any
	Outputs map[string]any
}

// ExampleFromTraining converts a stored training example
func ExampleFromTraining(ex models.TrainingExample) Example {
	return Example{
		Inputs:  map[string]any{InputField: ex.Input},
		Outputs: map[string]any{OutputField: ex.Output},
	}
}

// ScoreWithFeedback combines numeric score with textual feedback
type ScoreWithFeedback struct {
	Score    float64
	Feedback string
}

func outputOf(e Example) (string, bool) {
	s, ok := e.Outputs[OutputField].(string)
	return s, ok
}

// ExactMatchMetric compares normalized outputs
type ExactMatchMetric struct{}

func (m *ExactMatchMetric) Score(ctx context.Context, gold, pred Example) (ScoreWithFeedback, error) {
	expected, ok := outputOf(gold)
	if !ok {
		return ScoreWithFeedback{}, fmt.Errorf("expected output not a string")
	}
	actual, _ := outputOf(pred)

	if normalize(expected) == normalize(actual) {
		return ScoreWithFeedback{Score: 1.0, Feedback: "Correct!"}, nil
	}
	return ScoreWithFeedback{
		Score:    0.0,
		Feedback: fmt.Sprintf("Expected: %v, Got: %v", expected, actual),
	}, nil
}

// FuzzyMatchMetric scores by word overlap. Similarities at or above the
// threshold count as a full match.
type FuzzyMatchMetric struct {
	threshold float64
}

func NewFuzzyMatchMetric(threshold float64) *FuzzyMatchMetric {
	return &FuzzyMatchMetric{threshold: threshold}
}

func (m *FuzzyMatchMetric) Score(ctx context.Context, gold, pred Example) (ScoreWithFeedback, error) {
	expected, ok := outputOf(gold)
	if !ok {
		return ScoreWithFeedback{}, fmt.Errorf("expected output not a string")
	}
	actual, _ := outputOf(pred)

	similarity := FuzzySimilarity(expected, actual)
	score := similarity
	if similarity >= m.threshold {
		score = 1.0
	}
	return ScoreWithFeedback{
		Score:    score,
		Feedback: fmt.Sprintf("String similarity: %.2f\nExpected: %s\nActual: %s", similarity, expected, actual),
	}, nil
}

// FuzzySimilarity is the Jaccard similarity of the normalized word sets
func FuzzySimilarity(a, b string) float64 {
	a = normalize(a)
	b = normalize(b)

	if a == b {
		return 1.0
	}

	setA := make(map[string]bool)
	for _, word := range strings.Fields(a) {
		setA[word] = true
	}
	setB := make(map[string]bool)
	for _, word := range strings.Fields(b) {
		setB[word] = true
	}

	intersection := 0
	for word := range setA {
		if setB[word] {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}
	return float64(intersection) / float64(union)
}

// normalize lowercases, drops punctuation and collapses whitespace
func normalize(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return ' '
		}
		return unicode.ToLower(r)
	}, s)
	return strings.Join(strings.Fields(s), " ")
}
