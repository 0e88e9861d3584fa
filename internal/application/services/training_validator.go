package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/longregen/promptlab/internal/domain"
	"github.com/longregen/promptlab/internal/domain/models"
)

const (
	fieldInput    = "input"
	fieldOutput   = "output"
	fieldCritique = "critique"
)

// TrainingDataValidator checks training examples before they are stored and
// again before an optimization run consumes them. It has no side effects.
type TrainingDataValidator struct {
	limits Limits
}

func NewTrainingDataValidator(limits Limits) *TrainingDataValidator {
	return &TrainingDataValidator{limits: limits}
}

// Validate decodes raw JSON and validates it. The top level must be an array.
func (v *TrainingDataValidator) Validate(raw []byte) ([]models.TrainingExample, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &domain.SchemaError{Index: -1, Reason: "empty document"}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, &domain.SchemaError{Index: -1, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if dec.More() {
		return nil, &domain.SchemaError{Index: -1, Reason: "trailing data after top-level value"}
	}
	return v.ValidateValue(value)
}

// ValidateValue validates an already-decoded value
func (v *TrainingDataValidator) ValidateValue(value any) ([]models.TrainingExample, error) {
	switch vv := value.(type) {
	case []models.TrainingExample:
		return v.ValidateExamples(vv)
	case []map[string]any:
		items := make([]any, len(vv))
		for i, m := range vv {
			items[i] = m
		}
		return v.validateItems(items)
	case []any:
		return v.validateItems(vv)
	case nil:
		return nil, &domain.SchemaError{Index: -1, Reason: "expected an array of examples, got null"}
	default:
		return nil, &domain.SchemaError{Index: -1, Reason: fmt.Sprintf("expected an array of examples, got %s", jsonKind(value))}
	}
}

// ValidateExamples validates typed examples, e.g. those loaded from storage
func (v *TrainingDataValidator) ValidateExamples(examples []models.TrainingExample) ([]models.TrainingExample, error) {
	out := make([]models.TrainingExample, 0, len(examples))
	for i, ex := range examples {
		if err := v.checkField(i, fieldInput, ex.Input, v.limits.Input); err != nil {
			return nil, err
		}
		if err := v.checkField(i, fieldOutput, ex.Output, v.limits.Output); err != nil {
			return nil, err
		}
		if err := checkLength(i, fieldCritique, ex.Critique, v.limits.Feedback); err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}

func (v *TrainingDataValidator) validateItems(items []any) ([]models.TrainingExample, error) {
	out := make([]models.TrainingExample, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, &domain.SchemaError{Index: i, Reason: fmt.Sprintf("expected an object, got %s", jsonKind(item))}
		}
		if err := checkKeys(i, obj); err != nil {
			return nil, err
		}

		var ex models.TrainingExample
		var err error
		if ex.Input, err = v.stringField(i, obj, fieldInput, true, v.limits.Input); err != nil {
			return nil, err
		}
		if ex.Output, err = v.stringField(i, obj, fieldOutput, true, v.limits.Output); err != nil {
			return nil, err
		}
		if ex.Critique, err = v.stringField(i, obj, fieldCritique, false, v.limits.Feedback); err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}

func checkKeys(index int, obj map[string]any) error {
	var unknown []string
	for k := range obj {
		switch k {
		case fieldInput, fieldOutput, fieldCritique:
		default:
			unknown = append(unknown, k)
		}
	}
	if len(unknown) == 0 {
		return nil
	}
	sort.Strings(unknown)
	return &domain.SchemaError{Index: index, Field: unknown[0], Reason: "unknown field"}
}

func (v *TrainingDataValidator) stringField(index int, obj map[string]any, name string, required bool, maxLen int) (string, error) {
	raw, present := obj[name]
	if !present {
		if required {
			return "", &domain.SchemaError{Index: index, Field: name, Reason: "missing required field"}
		}
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", &domain.SchemaError{Index: index, Field: name, Reason: fmt.Sprintf("expected a string, got %s", jsonKind(raw))}
	}
	if !required {
		if err := checkLength(index, name, s, maxLen); err != nil {
			return "", err
		}
		return s, nil
	}
	if err := v.checkField(index, name, s, maxLen); err != nil {
		return "", err
	}
	return s, nil
}

func (v *TrainingDataValidator) checkField(index int, name, s string, maxLen int) error {
	if strings.TrimSpace(s) == "" {
		return &domain.SchemaError{Index: index, Field: name, Reason: "must not be empty"}
	}
	return checkLength(index, name, s, maxLen)
}

func checkLength(index int, name, s string, maxLen int) error {
	if n := utf8.RuneCountInString(s); maxLen > 0 && n > maxLen {
		return &domain.SchemaError{Index: index, Field: name, Reason: fmt.Sprintf("longer than %d characters", maxLen)}
	}
	return nil
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float64, int, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
