package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/XiaoConstantine/dspy-go/pkg/core"
	"github.com/XiaoConstantine/dspy-go/pkg/optimizers"
	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/longregen/promptlab/internal/ports"
	"github.com/longregen/promptlab/internal/prompt"
	"golang.org/x/sync/errgroup"
)

const inductionSystem = "You are an expert prompt engineer. Rewrite the prompt so that an assistant following it " +
	"produces outputs like the examples. Keep the placeholder '{input}' where the user input goes. Output ONLY the new prompt text."

// StrategyInput is what a strategy sees for one execution
type StrategyInput struct {
	Task     string
	Current  *models.Prompt
	Feedback string
	Examples []models.TrainingExample
}

// OptimizationStrategy produces a candidate prompt text
type OptimizationStrategy interface {
	Name() models.Strategy
	Execute(ctx context.Context, in StrategyInput) (*models.OptimizationResult, error)
}

// DirectImprovement makes one refinement call driven by feedback
type DirectImprovement struct {
	generator *PromptGenerator
}

func NewDirectImprovement(generator *PromptGenerator) *DirectImprovement {
	return &DirectImprovement{generator: generator}
}

func (s *DirectImprovement) Name() models.Strategy { return models.StrategyDirectImprovement }

func (s *DirectImprovement) Execute(ctx context.Context, in StrategyInput) (*models.OptimizationResult, error) {
	text, err := s.generator.ImprovePrompt(ctx, in.Current.PromptText, improvementInstruction(in))
	if err != nil {
		return nil, err
	}
	return &models.OptimizationResult{Text: text, StrategyUsed: s.Name()}, nil
}

// improvementInstruction picks the instruction for a direct refinement:
// explicit feedback first, then the latest critiqued example, then the
// examples themselves.
func improvementInstruction(in StrategyInput) string {
	if f := strings.TrimSpace(in.Feedback); f != "" {
		return f
	}
	for i := len(in.Examples) - 1; i >= 0; i-- {
		if in.Examples[i].HasCritique() {
			return ComposeCorrectionFeedback(in.Examples[i])
		}
	}
	if len(in.Examples) > 0 {
		return "Make the prompt produce outputs like these examples:\n" + formatDemos(lastN(in.Examples, 3))
	}
	return "Improve the clarity and effectiveness of this prompt."
}

// FewShotBootstrap embeds a few labeled demos and induces a new instruction
// from them.
type FewShotBootstrap struct {
	llm      ports.LLMService
	maxDemos int
}

func NewFewShotBootstrap(llm ports.LLMService, maxDemos int) *FewShotBootstrap {
	return &FewShotBootstrap{llm: llm, maxDemos: maxDemos}
}

func (s *FewShotBootstrap) Name() models.Strategy { return models.StrategyFewShotBootstrap }

func (s *FewShotBootstrap) Execute(ctx context.Context, in StrategyInput) (*models.OptimizationResult, error) {
	if len(in.Examples) == 0 {
		return nil, errors.New("few-shot bootstrap needs at least one example")
	}
	demos := selectDemos(in.Examples, s.maxDemos)
	text, err := induceInstruction(ctx, s.llm, in, demos)
	if err != nil {
		return nil, err
	}
	return &models.OptimizationResult{Text: composeFewShotPrompt(text, demos), StrategyUsed: s.Name()}, nil
}

// FewShotWithSearch runs several bootstrap trials over different demo sets
// and keeps the one scoring best on held-out examples.
type FewShotWithSearch struct {
	llm             ports.LLMService
	scorer          *Scorer
	maxDemos        int
	trials          int
	holdoutFraction float64
}

func NewFewShotWithSearch(llm ports.LLMService, scorer *Scorer, maxDemos, trials int, holdoutFraction float64) *FewShotWithSearch {
	if trials < 1 {
		trials = 1
	}
	return &FewShotWithSearch{llm: llm, scorer: scorer, maxDemos: maxDemos, trials: trials, holdoutFraction: holdoutFraction}
}

func (s *FewShotWithSearch) Name() models.Strategy { return models.StrategyFewShotWithSearch }

func (s *FewShotWithSearch) Execute(ctx context.Context, in StrategyInput) (*models.OptimizationResult, error) {
	train, holdout := splitHoldout(in.Examples, s.holdoutFraction)
	if len(holdout) == 0 {
		return nil, errors.New("few-shot search needs at least two examples")
	}

	type trial struct {
		text  string
		score float64
		err   error
	}
	sets := demoSets(train, s.maxDemos, s.trials)
	results := make([]trial, len(sets))

	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			demos := sets[i]
			text, err := induceInstruction(ctx, s.llm, in, demos)
			if err != nil {
				results[i].err = err
				return nil
			}
			text = composeFewShotPrompt(text, demos)
			score, err := s.scorer.Score(ctx, text, holdout)
			results[i] = trial{text: text, score: score, err: err}
			return nil
		})
	}
	_ = g.Wait()

	best := -1
	var errs []error
	for i, r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Errorf("trial %d: %w", i, r.err))
			continue
		}
		if best < 0 || r.score > results[best].score {
			best = i
		}
	}
	if best < 0 {
		return nil, errors.Join(errs...)
	}

	score := results[best].score
	return &models.OptimizationResult{Text: results[best].text, StrategyUsed: s.Name(), Score: &score}, nil
}

// gepaMu guards dspy-go's package-level LLM configuration. GEPA and Predict
// read it once at construction, so the lock is held only while they are built.
var gepaMu sync.Mutex

// FullOptimization evolves instruction candidates with dspy-go's GEPA and
// keeps the one scoring best on held-out examples.
type FullOptimization struct {
	llm             ports.LLMService
	model           string
	scorer          *Scorer
	generations     int
	population      int
	holdoutFraction float64
	fuzzyThreshold  float64
}

func NewFullOptimization(llm ports.LLMService, model string, scorer *Scorer, generations, population int, holdoutFraction, fuzzyThreshold float64) *FullOptimization {
	return &FullOptimization{
		llm:             llm,
		model:           model,
		scorer:          scorer,
		generations:     max(generations, 1),
		population:      max(population, 2),
		holdoutFraction: holdoutFraction,
		fuzzyThreshold:  fuzzyThreshold,
	}
}

func (s *FullOptimization) Name() models.Strategy { return models.StrategyFullOptimization }

func (s *FullOptimization) Execute(ctx context.Context, in StrategyInput) (*models.OptimizationResult, error) {
	train, holdout := splitHoldout(in.Examples, s.holdoutFraction)
	if len(holdout) == 0 {
		return nil, errors.New("full optimization needs at least two examples")
	}

	llm := newBoundLLM(ctx, s.llm)
	adapter := prompt.NewLLMServiceAdapter(llm, s.model)
	task, gepa, err := s.build(adapter, in.Current.PromptText, len(train))
	if err != nil {
		return nil, fmt.Errorf("create GEPA optimizer: %w", err)
	}

	program := task.ToProgram("task")
	dataset := prompt.NewDatasetAdapter(train)
	metric := prompt.NewMetricAdapter(prompt.NewFuzzyMatchMetric(s.fuzzyThreshold)).ToCoreMetric()
	if _, err := gepa.Compile(ctx, program, dataset, metric); err != nil {
		return nil, fmt.Errorf("GEPA compile: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok, failed := llm.outcomes(); ok == 0 {
		return nil, fmt.Errorf("GEPA made no successful LLM call (%d failed): %w", failed, llm.lastError())
	}

	candidates := gepaCandidates(gepa.GetOptimizationState(), in.Current.PromptText, s.population)
	if len(candidates) == 0 {
		return nil, errors.New("GEPA produced no candidate")
	}
	text, score, err := s.best(ctx, candidates, holdout)
	if err != nil {
		return nil, err
	}
	return &models.OptimizationResult{Text: text, StrategyUsed: s.Name(), Score: &score}, nil
}

// build creates the predict module and the optimizer with llm installed as
// dspy-go's default and teacher LLM, restoring the previous values after.
func (s *FullOptimization) build(llm core.LLM, instruction string, trainSize int) (*prompt.TaskPredict, *optimizers.GEPA, error) {
	gepaMu.Lock()
	defer gepaMu.Unlock()

	prevDefault, prevTeacher := core.GlobalConfig.DefaultLLM, core.GlobalConfig.TeacherLLM
	core.GlobalConfig.DefaultLLM = llm
	core.GlobalConfig.TeacherLLM = llm
	defer func() {
		core.GlobalConfig.DefaultLLM = prevDefault
		core.GlobalConfig.TeacherLLM = prevTeacher
	}()

	task := prompt.NewTaskPredict(instruction)
	gepa, err := optimizers.NewGEPA(&optimizers.GEPAConfig{
		MaxGenerations:       s.generations,
		PopulationSize:       s.population,
		MutationRate:         0.3,
		CrossoverRate:        0.7,
		ElitismRate:          0.1,
		ReflectionFreq:       2,
		ReflectionDepth:      3,
		SelfCritiqueTemp:     0.7,
		TournamentSize:       3,
		SelectionStrategy:    "adaptive_pareto",
		ConvergenceThreshold: 0.01,
		StagnationLimit:      3,
		EvaluationBatchSize:  min(trainSize, 10),
		ConcurrencyLevel:     3,
		Temperature:          0.8,
		MaxTokens:            500,
	})
	return task, gepa, err
}

// best scores every candidate on the holdout and returns the winner.
// GEPA's own fitness is not trusted: its program clones share one forward
// function, so every candidate it evaluates runs the original instruction.
func (s *FullOptimization) best(ctx context.Context, candidates []string, holdout []models.TrainingExample) (string, float64, error) {
	scores := make([]float64, len(candidates))
	errs := make([]error, len(candidates))

	var g errgroup.Group
	g.SetLimit(2)
	for i, text := range candidates {
		g.Go(func() error {
			scores[i], errs[i] = s.scorer.Score(ctx, text, holdout)
			return nil
		})
	}
	_ = g.Wait()

	best := -1
	var failed []error
	for i, err := range errs {
		if err != nil {
			failed = append(failed, fmt.Errorf("candidate %d: %w", i, err))
			continue
		}
		if best < 0 || scores[i] > scores[best] {
			best = i
		}
	}
	if best < 0 {
		return "", 0, errors.Join(failed...)
	}
	if scores[best] <= 0 {
		return "", 0, fmt.Errorf("best of %d candidates scored %.3f on the holdout", len(candidates), scores[best])
	}
	return candidates[best], scores[best], nil
}

// gepaCandidates collects distinct instructions from every generation,
// best GEPA fitness first, skipping the current text.
func gepaCandidates(state *optimizers.GEPAState, current string, limit int) []string {
	if state == nil {
		return nil
	}
	var all []*optimizers.GEPACandidate
	if state.BestCandidate != nil {
		all = append(all, state.BestCandidate)
	}
	for _, pop := range state.PopulationHistory {
		if pop != nil {
			all = append(all, pop.Candidates...)
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Fitness > all[j].Fitness })

	seen := map[string]bool{}
	var out []string
	for _, c := range all {
		if c == nil || len(out) >= limit {
			continue
		}
		text := ensurePlaceholder(strings.TrimSpace(c.Instruction))
		if strings.TrimSpace(c.Instruction) == "" || seen[text] || models.SameText(text, current) {
			continue
		}
		seen[text] = true
		out = append(out, text)
	}
	return out
}

// boundLLM ties every call to the strategy context, including calls GEPA
// makes with a background context, and counts their outcomes.
type boundLLM struct {
	ports.LLMService
	ctx context.Context

	ok, failed atomic.Int32
	mu         sync.Mutex
	last       error
}

func newBoundLLM(ctx context.Context, llm ports.LLMService) *boundLLM {
	return &boundLLM{LLMService: llm, ctx: ctx}
}

func (b *boundLLM) Chat(ctx context.Context, messages []ports.LLMMessage) (*ports.LLMResponse, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()

	resp, err := b.LLMService.Chat(ctx, messages)
	if err != nil {
		b.failed.Add(1)
		b.mu.Lock()
		b.last = err
		b.mu.Unlock()
		return nil, err
	}
	b.ok.Add(1)
	return resp, nil
}

func (b *boundLLM) outcomes() (ok, failed int) {
	return int(b.ok.Load()), int(b.failed.Load())
}

func (b *boundLLM) lastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return errors.New("no LLM call was made")
	}
	return b.last
}

func induceInstruction(ctx context.Context, llm ports.LLMService, in StrategyInput, demos []models.TrainingExample) (string, error) {
	var user strings.Builder
	if in.Task != "" {
		fmt.Fprintf(&user, "Task: %s\n\n", in.Task)
	}
	fmt.Fprintf(&user, "Current prompt:\n---\n%s\n---\n\nExamples:\n%s", in.Current.PromptText, formatDemos(demos))
	if f := strings.TrimSpace(in.Feedback); f != "" {
		fmt.Fprintf(&user, "\nFeedback: '%s'.", f)
	}

	resp, err := llm.Chat(ctx, []ports.LLMMessage{
		{Role: "system", Content: inductionSystem},
		{Role: "user", Content: user.String()},
	})
	if err != nil {
		return "", err
	}
	text := cleanPromptText(resp.Content)
	if text == "" {
		return "", errors.New("instruction induction returned empty text")
	}
	return text, nil
}

// composeFewShotPrompt places demos ahead of the instruction so the input
// placeholder stays last.
func composeFewShotPrompt(instruction string, demos []models.TrainingExample) string {
	if len(demos) == 0 {
		return ensurePlaceholder(instruction)
	}
	return "Here are examples of correct responses:\n\n" + formatDemos(demos) + "\n" + ensurePlaceholder(instruction)
}

func ensurePlaceholder(text string) string {
	if strings.Contains(text, models.InputPlaceholder) {
		return text
	}
	return text + "\n\nInput: " + models.InputPlaceholder + "\nOutput:"
}

func formatDemos(demos []models.TrainingExample) string {
	var b strings.Builder
	for _, d := range demos {
		fmt.Fprintf(&b, "Input: %s\nOutput: %s\n", d.Input, d.Output)
	}
	return b.String()
}

// selectDemos prefers critiqued examples, then the most recent ones
func selectDemos(examples []models.TrainingExample, n int) []models.TrainingExample {
	if n <= 0 {
		return nil
	}
	demos := make([]models.TrainingExample, 0, n)
	for i := len(examples) - 1; i >= 0 && len(demos) < n; i-- {
		if examples[i].HasCritique() {
			demos = append(demos, examples[i])
		}
	}
	for i := len(examples) - 1; i >= 0 && len(demos) < n; i-- {
		if !examples[i].HasCritique() {
			demos = append(demos, examples[i])
		}
	}
	return demos
}

func rotateDemos(examples []models.TrainingExample, offset, n int) []models.TrainingExample {
	if len(examples) == 0 || n <= 0 {
		return nil
	}
	n = min(n, len(examples))
	demos := make([]models.TrainingExample, n)
	for i := range demos {
		demos[i] = examples[(offset+i)%len(examples)]
	}
	return demos
}

// demoSets returns up to trials distinct demo sets. It steps through the
// examples a window at a time, then one example at a time, so small train
// sets yield fewer trials rather than repeated ones.
func demoSets(examples []models.TrainingExample, n, trials int) [][]models.TrainingExample {
	if len(examples) == 0 || n <= 0 {
		return [][]models.TrainingExample{nil}
	}
	seen := make(map[string]bool)
	var sets [][]models.TrainingExample
	add := func(offset int) {
		demos := rotateDemos(examples, offset, n)
		key := demoKey(demos)
		if seen[key] {
			return
		}
		seen[key] = true
		sets = append(sets, demos)
	}
	for off := 0; off < len(examples) && len(sets) < trials; off += n {
		add(off)
	}
	for off := 1; off < len(examples) && len(sets) < trials; off++ {
		add(off)
	}
	return sets
}

func demoKey(demos []models.TrainingExample) string {
	keys := make([]string, len(demos))
	for i, d := range demos {
		keys[i] = d.Input + "\x1f" + d.Output + "\x1f" + d.Critique
	}
	sort.Strings(keys)
	return strings.Join(keys, "\x1e")
}

func lastN(examples []models.TrainingExample, n int) []models.TrainingExample {
	if len(examples) <= n {
		return examples
	}
	return examples[len(examples)-n:]
}
