package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/longregen/promptlab/internal/ports"
)

const (
	initialPromptSystem = "You are an expert prompt engineer. Create a detailed, effective prompt template for the given task. " +
		"The prompt must include the placeholder '{input}' for user input."
	improvePromptSystem = "You are a world-class expert in prompt engineering. Refine the following prompt based on the user's instruction. " +
		"Output ONLY the new prompt text."
)

// PromptGenerator produces prompt text with single LLM calls
type PromptGenerator struct {
	llm ports.LLMService
}

func NewPromptGenerator(llm ports.LLMService) *PromptGenerator {
	return &PromptGenerator{llm: llm}
}

// FallbackPrompt is the template used when generation fails
func FallbackPrompt(task string) string {
	return fmt.Sprintf("Act as an expert on %s. Respond to the following: %s", task, models.InputPlaceholder)
}

// GenerateInitialPrompt asks the LLM for a template for task. Any failure,
// including a reply without the input placeholder, yields FallbackPrompt and
// fallback set to true.
func (g *PromptGenerator) GenerateInitialPrompt(ctx context.Context, task string) (text string, fallback bool) {
	resp, err := g.llm.Chat(ctx, []ports.LLMMessage{
		{Role: "system", Content: initialPromptSystem},
		{Role: "user", Content: fmt.Sprintf("Task: Create a prompt for an AI assistant that can %s.", task)},
	})
	if err != nil {
		slog.WarnContext(ctx, "initial prompt generation failed, using fallback", "error", err)
		return FallbackPrompt(task), true
	}

	text = cleanPromptText(resp.Content)
	if !strings.Contains(text, models.InputPlaceholder) {
		slog.WarnContext(ctx, "generated prompt has no input placeholder, using fallback")
		return FallbackPrompt(task), true
	}
	return text, false
}

// ImprovePrompt refines prompt according to instruction. A reply that is
// empty once wrappers are stripped is returned as "" without error.
func (g *PromptGenerator) ImprovePrompt(ctx context.Context, prompt, instruction string) (string, error) {
	resp, err := g.llm.Chat(ctx, []ports.LLMMessage{
		{Role: "system", Content: improvePromptSystem},
		{Role: "user", Content: fmt.Sprintf("Refine this prompt:\n---\n%s\n---\n\nInstruction: '%s'. Output only the new prompt.", prompt, instruction)},
	})
	if err != nil {
		return "", err
	}
	return cleanPromptText(resp.Content), nil
}

// ComposeCorrectionFeedback turns a corrected example into an improvement
// instruction.
func ComposeCorrectionFeedback(ex models.TrainingExample) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The previous prompt version produced a bad output for the input: '%s'. ", ex.Input)
	if ex.Output != "" {
		fmt.Fprintf(&b, "The desired output was: '%s'. ", ex.Output)
	}
	if ex.Critique != "" {
		fmt.Fprintf(&b, "The user provided this critique: '%s'. ", ex.Critique)
	}
	b.WriteString("Improve the prompt based on this new feedback.")
	return b.String()
}

// cleanPromptText strips the wrappers models tend to put around a prompt
func cleanPromptText(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") && strings.HasSuffix(s, "```") && len(s) >= 6 {
		s = strings.TrimSuffix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "```")
		}
		s = strings.TrimSpace(s)
	}
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(s, "---"), "---"))
	return s
}

// PromptRunner executes a stored prompt version against user input
type PromptRunner struct {
	versions ports.VersionManager
	llm      ports.LLMService
}

func NewPromptRunner(versions ports.VersionManager, llm ports.LLMService) *PromptRunner {
	return &PromptRunner{versions: versions, llm: llm}
}

// TestPrompt renders the version with input and returns the completion.
// Version 0 selects the latest version.
func (r *PromptRunner) TestPrompt(ctx context.Context, lineageID string, version int, input string) (string, error) {
	messages, err := r.messages(ctx, lineageID, version, input)
	if err != nil {
		return "", err
	}
	resp, err := r.llm.Chat(ctx, messages)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// TestPromptStream is TestPrompt with incremental output
func (r *PromptRunner) TestPromptStream(ctx context.Context, lineageID string, version int, input string) (<-chan ports.LLMStreamChunk, error) {
	messages, err := r.messages(ctx, lineageID, version, input)
	if err != nil {
		return nil, err
	}
	return r.llm.ChatStream(ctx, messages)
}

func (r *PromptRunner) messages(ctx context.Context, lineageID string, version int, input string) ([]ports.LLMMessage, error) {
	if err := ValidateRequired(input, "input"); err != nil {
		return nil, err
	}

	var p *models.Prompt
	var err error
	if version == 0 {
		p, err = r.versions.GetLatest(ctx, lineageID)
	} else {
		p, err = r.versions.GetVersion(ctx, lineageID, version)
	}
	if err != nil {
		return nil, err
	}
	return []ports.LLMMessage{{Role: "user", Content: p.Render(input)}}, nil
}
