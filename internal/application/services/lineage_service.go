package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/longregen/promptlab/internal/domain"
	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/longregen/promptlab/internal/ports"
	"github.com/pmezard/go-difflib/difflib"
	"github.com/vmihailenco/msgpack/v5"
)

// Bundle encodings
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// LineageService is the entry point used by the CLI and HTTP surfaces. It
// sanitizes and validates user input before handing it to the version
// manager.
type LineageService struct {
	versions  ports.VersionManager
	store     ports.LineageStore
	txManager ports.TransactionManager
	generator *PromptGenerator
	validator *TrainingDataValidator
	sanitizer *Sanitizer
	limits    Limits
}

// NewLineageService wires the service. generator may be nil, in which case
// Generate is unavailable.
func NewLineageService(versions ports.VersionManager, store ports.LineageStore, txManager ports.TransactionManager, generator *PromptGenerator, limits Limits) *LineageService {
	return &LineageService{
		versions:  versions,
		store:     store,
		txManager: txManager,
		generator: generator,
		validator: NewTrainingDataValidator(limits),
		sanitizer: NewSanitizer(false),
		limits:    limits,
	}
}

// Validator returns the training data validator bound to the service limits
func (s *LineageService) Validator() *TrainingDataValidator {
	return s.validator
}

// CreateLineage starts a lineage whose version 1 is promptText
func (s *LineageService) CreateLineage(ctx context.Context, task, promptText, model string) (*models.Prompt, error) {
	task = s.sanitizer.Sanitize(task)
	if err := ValidateText(task, "task description", s.limits.Task); err != nil {
		return nil, err
	}
	if err := ValidateText(promptText, "prompt text", s.limits.Prompt); err != nil {
		return nil, err
	}
	return s.versions.CreateInitialVersion(ctx, task, promptText, model)
}

// Generate asks the LLM for an initial template and starts a lineage with
// it. fallback reports whether the fixed template was used instead.
func (s *LineageService) Generate(ctx context.Context, task, model string) (p *models.Prompt, fallback bool, err error) {
	if s.generator == nil {
		return nil, false, errors.New("prompt generation requires an LLM")
	}
	task = s.sanitizer.Sanitize(task)
	if err := ValidateText(task, "task description", s.limits.Task); err != nil {
		return nil, false, err
	}

	text, fallback := s.generator.GenerateInitialPrompt(ctx, task)
	p, err = s.versions.CreateInitialVersion(ctx, task, text, model)
	if err != nil {
		return nil, false, err
	}
	return p, fallback, nil
}

// RegisterVersion appends a hand-written version. rawExamples is optional
// JSON training data stored with the new version.
func (s *LineageService) RegisterVersion(ctx context.Context, lineageID, promptText, model string, rawExamples []byte) (*models.Prompt, error) {
	if err := ValidateText(promptText, "prompt text", s.limits.Prompt); err != nil {
		return nil, err
	}
	var examples []models.TrainingExample
	if len(strings.TrimSpace(string(rawExamples))) > 0 {
		var err error
		if examples, err = s.validator.Validate(rawExamples); err != nil {
			return nil, err
		}
	}
	return s.versions.RegisterPrompt(ctx, lineageID, promptText, model, examples, models.PromptMetadata{Source: models.SourceManual})
}

// AddTrainingExamples validates raw JSON examples and appends them to the
// latest version. The version text is left untouched.
func (s *LineageService) AddTrainingExamples(ctx context.Context, lineageID string, raw []byte) (int, error) {
	examples, err := s.validator.Validate(raw)
	if err != nil {
		return 0, err
	}
	return s.appendExamples(ctx, lineageID, examples)
}

// AddExamples is AddTrainingExamples for already decoded examples
func (s *LineageService) AddExamples(ctx context.Context, lineageID string, examples []models.TrainingExample) (int, error) {
	examples, err := s.validator.ValidateExamples(examples)
	if err != nil {
		return 0, err
	}
	return s.appendExamples(ctx, lineageID, examples)
}

// RecordCorrection stores one corrected output as a critiqued example. The
// bad output is folded into the critique so it survives as evidence.
func (s *LineageService) RecordCorrection(ctx context.Context, lineageID, input, badOutput, desiredOutput, critique string) (*models.TrainingExample, error) {
	critique = s.sanitizer.Sanitize(critique)
	if bad := strings.TrimSpace(badOutput); bad != "" {
		if critique != "" {
			critique = fmt.Sprintf("Bad output was: '%s'. %s", bad, critique)
		} else {
			critique = fmt.Sprintf("Bad output was: '%s'.", bad)
		}
	}

	examples, err := s.validator.ValidateExamples([]models.TrainingExample{{
		Input:    input,
		Output:   desiredOutput,
		Critique: critique,
	}})
	if err != nil {
		return nil, err
	}
	if _, err := s.appendExamples(ctx, lineageID, examples); err != nil {
		return nil, err
	}
	return &examples[0], nil
}

func (s *LineageService) appendExamples(ctx context.Context, lineageID string, examples []models.TrainingExample) (int, error) {
	if len(examples) == 0 {
		return 0, nil
	}
	latest, err := s.versions.GetLatest(ctx, lineageID)
	if err != nil {
		return 0, err
	}
	if err := s.store.AddTrainingExamples(ctx, lineageID, latest.Version, examples); err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "training examples added", "lineage_id", lineageID, "version", latest.Version, "count", len(examples))
	return latest.Version, nil
}

// ListLineages returns lineage summaries, most recently updated first.
// A zero limit selects the default page size.
func (s *LineageService) ListLineages(ctx context.Context, limit, offset int) ([]*models.LineageSummary, error) {
	if limit == 0 {
		limit = defaultListLimit
	}
	if err := ValidateRange(limit, "limit", 1, maxListLimit); err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "offset must not be negative")
	}
	return s.store.ListLineages(ctx, limit, offset)
}

func (s *LineageService) Stats(ctx context.Context, topN int) (*models.LineageStats, error) {
	if topN < 0 {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "top must not be negative")
	}
	return s.store.Stats(ctx, topN)
}

// Diff compares two versions line by line
func (s *LineageService) Diff(ctx context.Context, lineageID string, from, to int) (*models.VersionDiff, error) {
	a, err := s.versions.GetVersion(ctx, lineageID, from)
	if err != nil {
		return nil, err
	}
	b, err := s.versions.GetVersion(ctx, lineageID, to)
	if err != nil {
		return nil, err
	}
	return DiffPrompts(a, b)
}

// DiffPrompts computes the line-level diff between two prompt versions
func DiffPrompts(a, b *models.Prompt) (*models.VersionDiff, error) {
	left := difflib.SplitLines(a.PromptText)
	right := difflib.SplitLines(b.PromptText)

	d := &models.VersionDiff{LineageID: a.LineageID, From: a.Version, To: b.Version, Added: []string{}, Removed: []string{}}
	for _, op := range difflib.NewMatcher(left, right).GetOpCodes() {
		switch op.Tag {
		case 'r':
			d.Removed = appendTrimmed(d.Removed, left[op.I1:op.I2])
			d.Added = appendTrimmed(d.Added, right[op.J1:op.J2])
		case 'd':
			d.Removed = appendTrimmed(d.Removed, left[op.I1:op.I2])
		case 'i':
			d.Added = appendTrimmed(d.Added, right[op.J1:op.J2])
		}
	}

	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        left,
		B:        right,
		FromFile: fmt.Sprintf("v%d", a.Version),
		ToFile:   fmt.Sprintf("v%d", b.Version),
		Context:  2,
	})
	if err != nil {
		return nil, fmt.Errorf("unified diff: %w", err)
	}
	d.Unified = unified
	return d, nil
}

func appendTrimmed(dst, lines []string) []string {
	for _, l := range lines {
		dst = append(dst, strings.TrimRight(l, "\r\n"))
	}
	return dst
}

// Export returns the whole lineage as a portable bundle
func (s *LineageService) Export(ctx context.Context, lineageID string) (*models.Bundle, error) {
	info, err := s.versions.GetLineageInfo(ctx, lineageID)
	if err != nil {
		return nil, err
	}
	prompts, err := s.versions.GetLineage(ctx, lineageID)
	if err != nil {
		return nil, err
	}
	return &models.Bundle{
		FormatVersion: models.BundleFormatVersion,
		Lineage:       *info,
		Versions:      prompts,
		ExportedAt:    time.Now().UTC(),
	}, nil
}

// Import recreates a bundle under a new lineage id by replaying its versions
// in order inside one transaction. Texts, models, examples and metadata are
// kept; the source of every replayed version becomes "import". A failed
// replay leaves no lineage behind.
func (s *LineageService) Import(ctx context.Context, b *models.Bundle) (*models.Prompt, error) {
	if err := s.validateBundle(b); err != nil {
		return nil, err
	}

	var latest *models.Prompt
	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		first := b.Versions[0]
		p, err := s.versions.CreateInitialVersionWithMeta(txCtx, b.Lineage.TaskDescription, first.PromptText, first.Model,
			first.TrainingData, importedMeta(first.Metadata))
		if err != nil {
			return err
		}

		for _, v := range b.Versions[1:] {
			p, err = s.versions.RegisterPrompt(txCtx, p.LineageID, v.PromptText, v.Model, v.TrainingData, importedMeta(v.Metadata))
			if err != nil {
				return fmt.Errorf("replay version %d: %w", v.Version, err)
			}
		}
		latest = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "lineage imported", "from", b.Lineage.ID, "lineage_id", latest.LineageID, "versions", len(b.Versions))
	return latest, nil
}

func (s *LineageService) validateBundle(b *models.Bundle) error {
	if b == nil || len(b.Versions) == 0 {
		return domain.NewDomainError(domain.ErrInvalidInput, "bundle has no versions")
	}
	if b.FormatVersion != models.BundleFormatVersion {
		return domain.NewDomainError(domain.ErrInvalidInput,
			fmt.Sprintf("unsupported bundle format %d", b.FormatVersion))
	}
	if err := ValidateText(b.Lineage.TaskDescription, "task description", s.limits.Task); err != nil {
		return err
	}
	for i, p := range b.Versions {
		if p == nil || p.Version != i+1 {
			return &domain.IntegrityError{LineageID: b.Lineage.ID, Expected: i + 1, Found: versionOf(p)}
		}
		if err := ValidateText(p.PromptText, "prompt text", s.limits.Prompt); err != nil {
			return err
		}
		if _, err := s.validator.ValidateExamples(p.TrainingData); err != nil {
			return fmt.Errorf("version %d: %w", p.Version, err)
		}
	}
	return nil
}

func versionOf(p *models.Prompt) int {
	if p == nil {
		return 0
	}
	return p.Version
}

func importedMeta(meta models.PromptMetadata) models.PromptMetadata {
	meta.Source = models.SourceImport
	return meta
}

// EncodeBundle writes b in the given format
func EncodeBundle(w io.Writer, b *models.Bundle, format string) error {
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(b)
	case FormatMsgpack:
		return msgpack.NewEncoder(w).Encode(b)
	default:
		return fmt.Errorf("unknown bundle format %q", format)
	}
}

// DecodeBundle reads a bundle in the given format
func DecodeBundle(r io.Reader, format string) (*models.Bundle, error) {
	var b models.Bundle
	var err error
	switch format {
	case FormatJSON, "":
		err = json.NewDecoder(r).Decode(&b)
	case FormatMsgpack:
		err = msgpack.NewDecoder(r).Decode(&b)
	default:
		return nil, fmt.Errorf("unknown bundle format %q", format)
	}
	if err != nil {
		return nil, domain.NewDomainError(domain.ErrInvalidInput, "decode bundle: "+err.Error())
	}
	return &b, nil
}
