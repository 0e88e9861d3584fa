package services

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/longregen/promptlab/internal/domain"
)

// Limits bounds the size of user-supplied text, in characters
type Limits struct {
	Task     int `json:"task" yaml:"task"`
	Prompt   int `json:"prompt" yaml:"prompt"`
	Input    int `json:"input" yaml:"input"`
	Output   int `json:"output" yaml:"output"`
	Feedback int `json:"feedback" yaml:"feedback"`
}

func DefaultLimits() Limits {
	return Limits{
		Task:     1000,
		Prompt:   10000,
		Input:    5000,
		Output:   10000,
		Feedback: 5000,
	}
}

// ValidateID checks that an ID is not empty
func ValidateID(id string, entityType string) error {
	if strings.TrimSpace(id) == "" {
		return domain.NewDomainError(domain.ErrInvalidID, entityType+" ID cannot be empty")
	}
	return nil
}

// ValidateLineageID checks the id is non-empty and carries the lineage prefix
func ValidateLineageID(id string) error {
	if err := ValidateID(id, "lineage"); err != nil {
		return err
	}
	if !strings.HasPrefix(id, "lin_") {
		return domain.NewDomainError(domain.ErrInvalidID, fmt.Sprintf("lineage ID %q must start with lin_", id))
	}
	return nil
}

// ValidateRequired checks that a required string field is not blank
func ValidateRequired(value string, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return domain.NewDomainError(domain.ErrInvalidInput, fieldName+" is required")
	}
	return nil
}

// ValidatePositive checks that a number is positive
func ValidatePositive(value int, fieldName string) error {
	if value <= 0 {
		return domain.NewDomainError(domain.ErrInvalidInput, fieldName+" must be positive")
	}
	return nil
}

// ValidateStringLength checks that a string's length in characters is
// within the specified range. Zero bounds are ignored.
func ValidateStringLength(value string, fieldName string, minLen, maxLen int) error {
	length := utf8.RuneCountInString(value)
	if minLen > 0 && length < minLen {
		return domain.NewDomainError(domain.ErrInvalidInput,
			fmt.Sprintf("%s must be at least %d characters (got %d)", fieldName, minLen, length))
	}
	if maxLen > 0 && length > maxLen {
		return domain.NewDomainError(domain.ErrInvalidInput,
			fmt.Sprintf("%s must be at most %d characters (got %d)", fieldName, maxLen, length))
	}
	return nil
}

// ValidateRange checks that a number is within the specified range (inclusive)
func ValidateRange(value int, fieldName string, min, max int) error {
	if value < min {
		return domain.NewDomainError(domain.ErrInvalidInput,
			fmt.Sprintf("%s must be at least %d (got %d)", fieldName, min, value))
	}
	if value > max {
		return domain.NewDomainError(domain.ErrInvalidInput,
			fmt.Sprintf("%s must be at most %d (got %d)", fieldName, max, value))
	}
	return nil
}

// ValidateText checks a required text field against a maximum length
func ValidateText(value, fieldName string, maxLen int) error {
	if err := ValidateRequired(value, fieldName); err != nil {
		return err
	}
	return ValidateStringLength(value, fieldName, 1, maxLen)
}
