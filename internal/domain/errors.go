package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	// Lineage errors
	ErrLineageNotFound = errors.New("lineage not found")
	ErrVersionNotFound = errors.New("version not found")

	// Taxonomy sentinels, matched with errors.Is against the typed errors below
	ErrSchema              = errors.New("schema error")
	ErrIntegrity           = errors.New("lineage integrity violated")
	ErrPersistence         = errors.New("persistence error")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrOptimizationFailure = errors.New("optimization failed")

	// LLM errors
	ErrLLMUnavailable   = errors.New("LLM service unavailable")
	ErrLLMRequestFailed = errors.New("LLM request failed")
	ErrLLMEmptyResponse = errors.New("LLM returned an empty response")

	// Validation errors
	ErrInvalidID    = errors.New("invalid ID format")
	ErrEmptyContent = errors.New("content cannot be empty")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("resource not found")
)

// DomainError wraps a domain error with additional context
type DomainError struct {
	Err     error
	Message string
	Code    string
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

func NewDomainError(err error, message string) *DomainError {
	return &DomainError{
		Err:     err,
		Message: message,
	}
}

func NewDomainErrorWithCode(err error, message, code string) *DomainError {
	return &DomainError{
		Err:     err,
		Message: message,
		Code:    code,
	}
}

// SchemaError reports malformed training data. Index is -1 when the
// problem is with the top-level value rather than a single element.
type SchemaError struct {
	Index  int
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	switch {
	case e.Index < 0:
		return "schema error: " + e.Reason
	case e.Field == "":
		return fmt.Sprintf("schema error: example %d: %s", e.Index, e.Reason)
	default:
		return fmt.Sprintf("schema error: example %d: field %q: %s", e.Index, e.Field, e.Reason)
	}
}

func (e *SchemaError) Unwrap() error { return ErrSchema }

// IntegrityError reports a lineage whose stored versions are not exactly 1..N.
// Writes to the lineage are refused until it is repaired out of band.
type IntegrityError struct {
	LineageID string
	Expected  int
	Found     int
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("lineage %s: integrity violated: expected version %d, found %d",
		e.LineageID, e.Expected, e.Found)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// PersistenceError wraps a failed storage operation. The enclosing
// transaction has been rolled back by the time the caller sees it.
type PersistenceError struct {
	Op  string
	Err error
}

func NewPersistenceError(op string, err error) *PersistenceError {
	return &PersistenceError{Op: op, Err: err}
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// ConcurrencyConflict reports a version allocation race that was not
// resolved within the retry budget.
type ConcurrencyConflict struct {
	LineageID string
	Version   int
	Attempts  int
	Err       error
}

func (e *ConcurrencyConflict) Error() string {
	msg := fmt.Sprintf("concurrency conflict on lineage %s", e.LineageID)
	if e.Version > 0 {
		msg += fmt.Sprintf(" version %d", e.Version)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConcurrencyConflict) Unwrap() error { return ErrConcurrencyConflict }

// StrategyAttempt records one failed strategy execution.
type StrategyAttempt struct {
	Strategy string
	Err      error
}

// OptimizationFailure is returned when every strategy, fallback included,
// failed. Attempts are in execution order.
type OptimizationFailure struct {
	LineageID string
	Stage     string
	Attempts  []StrategyAttempt
}

func (e *OptimizationFailure) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Strategy, a.Err))
	}
	return fmt.Sprintf("optimization of lineage %s failed at %s stage [%s]",
		e.LineageID, e.Stage, strings.Join(parts, "; "))
}

func (e *OptimizationFailure) Unwrap() error { return ErrOptimizationFailure }

// Strategies returns the names of the strategies tried, in order.
func (e *OptimizationFailure) Strategies() []string {
	names := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		names[i] = a.Strategy
	}
	return names
}

// LLMError classifies a failed LLM call. Transient errors may be retried
// within the same strategy attempt; fatal ones may not.
type LLMError struct {
	Transient  bool
	StatusCode int
	Err        error
}

func (e *LLMError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s LLM error (status %d): %v", kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s LLM error: %v", kind, e.Err)
}

func (e *LLMError) Unwrap() []error { return []error{ErrLLMRequestFailed, e.Err} }

// IsTransient reports whether err carries a transient LLM classification.
func IsTransient(err error) bool {
	var llmErr *LLMError
	return errors.As(err, &llmErr) && llmErr.Transient
}
