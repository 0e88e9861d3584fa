package models

import (
	"testing"
)

func TestSelectStrategy_DefaultLadder(t *testing.T) {
	thresholds := DefaultStrategyThresholds()

	tests := []struct {
		n    int
		want Strategy
	}{
		{0, StrategyDirectImprovement},
		{1, StrategyFewShotBootstrap},
		{9, StrategyFewShotBootstrap},
		{10, StrategyFewShotWithSearch},
		{12, StrategyFewShotWithSearch},
		{49, StrategyFewShotWithSearch},
		{50, StrategyFullOptimization},
		{500, StrategyFullOptimization},
	}

	for _, tt := range tests {
		if got := SelectStrategy(tt.n, thresholds); got != tt.want {
			t.Errorf("SelectStrategy(%d) = %s, want %s", tt.n, got, tt.want)
		}
	}
}

func TestSelectStrategy_CustomThresholds(t *testing.T) {
	thresholds := StrategyThresholds{FewShotMin: 3, SearchMin: 5, FullMin: 8}

	if got := SelectStrategy(2, thresholds); got != StrategyDirectImprovement {
		t.Errorf("expected direct improvement below few_shot_min, got %s", got)
	}
	if got := SelectStrategy(5, thresholds); got != StrategyFewShotWithSearch {
		t.Errorf("expected search at search_min, got %s", got)
	}
	if got := SelectStrategy(8, thresholds); got != StrategyFullOptimization {
		t.Errorf("expected full optimization at full_min, got %s", got)
	}
}

func TestSelectStrategy_CollapsedRungs(t *testing.T) {
	// search_min == full_min skips the search rung entirely
	thresholds := StrategyThresholds{FewShotMin: 1, SearchMin: 10, FullMin: 10}

	if got := SelectStrategy(10, thresholds); got != StrategyFullOptimization {
		t.Errorf("expected full optimization, got %s", got)
	}
	if got := SelectStrategy(9, thresholds); got != StrategyFewShotBootstrap {
		t.Errorf("expected few-shot bootstrap, got %s", got)
	}
}

func TestStrategyThresholds_Validate(t *testing.T) {
	tests := []struct {
		name        string
		thresholds  StrategyThresholds
		shouldError bool
	}{
		{"defaults", DefaultStrategyThresholds(), false},
		{"zero few shot", StrategyThresholds{FewShotMin: 0, SearchMin: 10, FullMin: 50}, true},
		{"search below few shot", StrategyThresholds{FewShotMin: 5, SearchMin: 4, FullMin: 50}, true},
		{"full below search", StrategyThresholds{FewShotMin: 1, SearchMin: 10, FullMin: 9}, true},
		{"all equal", StrategyThresholds{FewShotMin: 3, SearchMin: 3, FullMin: 3}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.thresholds.Validate()
			if tt.shouldError && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.shouldError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	for _, s := range AllStrategies {
		got, err := ParseStrategy(string(s))
		if err != nil {
			t.Fatalf("ParseStrategy(%q) failed: %v", s, err)
		}
		if got != s {
			t.Errorf("ParseStrategy(%q) = %q", s, got)
		}
	}

	if _, err := ParseStrategy("genetic"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}
