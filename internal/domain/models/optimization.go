package models

import (
	"time"
)

// OptimizationState is a state of one optimization attempt
type OptimizationState string

const (
	OptimizationStateIdle          OptimizationState = "idle"
	OptimizationStateSelecting     OptimizationState = "selecting"
	OptimizationStateOptimizing    OptimizationState = "optimizing"
	OptimizationStateValidating    OptimizationState = "validating"
	OptimizationStateCommitted     OptimizationState = "committed"
	OptimizationStateNoImprovement OptimizationState = "no_improvement"
	OptimizationStateFailed        OptimizationState = "failed"
)

// Terminal reports whether no further transitions are possible
func (s OptimizationState) Terminal() bool {
	switch s {
	case OptimizationStateCommitted, OptimizationStateNoImprovement, OptimizationStateFailed:
		return true
	}
	return false
}

var optimizationTransitions = map[OptimizationState][]OptimizationState{
	OptimizationStateIdle:       {OptimizationStateSelecting, OptimizationStateFailed},
	OptimizationStateSelecting:  {OptimizationStateOptimizing, OptimizationStateFailed},
	OptimizationStateOptimizing: {OptimizationStateValidating, OptimizationStateFailed},
	OptimizationStateValidating: {OptimizationStateCommitted, OptimizationStateNoImprovement, OptimizationStateFailed},
}

// CanTransitionTo reports whether next is a legal successor of s
func (s OptimizationState) CanTransitionTo(next OptimizationState) bool {
	for _, allowed := range optimizationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OptimizationResult is the normalized output of every strategy
type OptimizationResult struct {
	Text         string   `json:"text"`
	StrategyUsed Strategy `json:"strategy_used"`
	Degraded     bool     `json:"degraded"`
	Score        *float64 `json:"score,omitempty"`
}

// OptimizationRequest tracks one asynchronous optimization attempt
type OptimizationRequest struct {
	ID               string              `json:"id"`
	LineageID        string              `json:"lineage_id"`
	Feedback         string              `json:"feedback,omitempty"`
	State            OptimizationState   `json:"state"`
	SelectedStrategy Strategy            `json:"selected_strategy,omitempty"`
	StrategiesTried  []Strategy          `json:"strategies_tried,omitempty"`
	ExampleCount     int                 `json:"example_count"`
	BaseVersion      int                 `json:"base_version,omitempty"`
	Result           *OptimizationResult `json:"result,omitempty"`
	CommittedVersion int                 `json:"committed_version,omitempty"`
	FailedStage      string              `json:"failed_stage,omitempty"`
	Detail           string              `json:"detail,omitempty"`
	Error            string              `json:"error,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
	CompletedAt      *time.Time          `json:"completed_at,omitempty"`
}

func NewOptimizationRequest(id, lineageID, feedback string) *OptimizationRequest {
	now := time.Now().UTC()
	return &OptimizationRequest{
		ID:        id,
		LineageID: lineageID,
		Feedback:  feedback,
		State:     OptimizationStateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition moves the request to next, returning false when the move is not
// allowed from the current state.
func (r *OptimizationRequest) Transition(next OptimizationState) bool {
	if !r.State.CanTransitionTo(next) {
		return false
	}
	now := time.Now().UTC()
	r.State = next
	r.UpdatedAt = now
	if next.Terminal() {
		r.CompletedAt = &now
	}
	return true
}

// Clone returns a copy safe to hand to other goroutines
func (r *OptimizationRequest) Clone() *OptimizationRequest {
	c := *r
	c.StrategiesTried = append([]Strategy(nil), r.StrategiesTried...)
	if r.Result != nil {
		res := *r.Result
		c.Result = &res
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// OptimizationEvent is published on every state change of a request
type OptimizationEvent struct {
	Type      string            `json:"type"`
	RequestID string            `json:"request_id"`
	LineageID string            `json:"lineage_id"`
	State     OptimizationState `json:"state"`
	Strategy  Strategy          `json:"strategy,omitempty"`
	Degraded  bool              `json:"degraded,omitempty"`
	Version   int               `json:"version,omitempty"`
	Message   string            `json:"message,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}
