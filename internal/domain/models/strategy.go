package models

import "fmt"

// Strategy is the algorithm used to produce a candidate prompt
type Strategy string

const (
	StrategyDirectImprovement Strategy = "direct_improvement"
	StrategyFewShotBootstrap  Strategy = "few_shot_bootstrap"
	StrategyFewShotWithSearch Strategy = "few_shot_with_search"
	StrategyFullOptimization  Strategy = "full_optimization"
)

// AllStrategies lists strategies from weakest to strongest
var AllStrategies = []Strategy{
	StrategyDirectImprovement,
	StrategyFewShotBootstrap,
	StrategyFewShotWithSearch,
	StrategyFullOptimization,
}

func (s Strategy) String() string { return string(s) }

func (s Strategy) Valid() bool {
	switch s {
	case StrategyDirectImprovement, StrategyFewShotBootstrap, StrategyFewShotWithSearch, StrategyFullOptimization:
		return true
	}
	return false
}

// ParseStrategy parses a strategy name
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(name)
	if !s.Valid() {
		return "", fmt.Errorf("unknown strategy %q", name)
	}
	return s, nil
}

// StrategyThresholds are the minimum example counts for each strategy above
// DirectImprovement.
type StrategyThresholds struct {
	FewShotMin int `json:"few_shot_min" yaml:"few_shot_min"`
	SearchMin  int `json:"search_min" yaml:"search_min"`
	FullMin    int `json:"full_min" yaml:"full_min"`
}

func DefaultStrategyThresholds() StrategyThresholds {
	return StrategyThresholds{
		FewShotMin: 1,
		SearchMin:  10,
		FullMin:    50,
	}
}

// Validate checks the thresholds form a non-decreasing ladder
func (t StrategyThresholds) Validate() error {
	if t.FewShotMin < 1 {
		return fmt.Errorf("few_shot_min must be at least 1, got %d", t.FewShotMin)
	}
	if t.SearchMin < t.FewShotMin {
		return fmt.Errorf("search_min (%d) must not be below few_shot_min (%d)", t.SearchMin, t.FewShotMin)
	}
	if t.FullMin < t.SearchMin {
		return fmt.Errorf("full_min (%d) must not be below search_min (%d)", t.FullMin, t.SearchMin)
	}
	return nil
}

// SelectStrategy picks a strategy from the number of validated examples.
func SelectStrategy(n int, t StrategyThresholds) Strategy {
	switch {
	case n >= t.FullMin:
		return StrategyFullOptimization
	case n >= t.SearchMin:
		return StrategyFewShotWithSearch
	case n >= t.FewShotMin:
		return StrategyFewShotBootstrap
	default:
		return StrategyDirectImprovement
	}
}
