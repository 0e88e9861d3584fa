package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/longregen/promptlab/internal/adapters/metrics"
	"github.com/longregen/promptlab/internal/adapters/retry"
	"github.com/longregen/promptlab/internal/domain"
	"github.com/longregen/promptlab/internal/domain/models"
	"github.com/longregen/promptlab/internal/ports"
	"github.com/longregen/promptlab/internal/prompt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("promptlab/services")

// Failure stages reported on a failed request
const (
	StageLoading    = "loading"
	StageOptimizing = "optimizing"
	StageValidating = "validating"
	StageCommitting = "committing"
)

// Event types published for a request
const (
	EventTransition = "transition"
	EventFallback   = "fallback"
	EventCompleted  = "completed"
)

// finishedRetention is how long terminal requests stay queryable
const finishedRetention = time.Hour

var errEmptyCandidate = errors.New("strategy returned an empty candidate")

// OptimizationConfig tunes strategy selection and execution
type OptimizationConfig struct {
	Thresholds       models.StrategyThresholds
	StrategyTimeout  time.Duration
	StrategyTimeouts map[models.Strategy]time.Duration
	MaxLLMRetries    int
	MaxDemos         int
	SearchTrials     int
	HoldoutFraction  float64
	FuzzyThreshold   float64
	FullGenerations  int
	FullPopulation   int
	ScoreCandidates  bool
	ScoreMinExamples int
	ScoreConcurrency int
}

func DefaultOptimizationConfig() OptimizationConfig {
	return OptimizationConfig{
		Thresholds:       models.DefaultStrategyThresholds(),
		StrategyTimeout:  2 * time.Minute,
		MaxLLMRetries:    2,
		MaxDemos:         3,
		SearchTrials:     4,
		HoldoutFraction:  0.25,
		FuzzyThreshold:   0.8,
		FullGenerations:  3,
		FullPopulation:   8,
		ScoreMinExamples: 4,
		ScoreConcurrency: 4,
	}
}

func (c OptimizationConfig) timeoutFor(s models.Strategy) time.Duration {
	if d, ok := c.StrategyTimeouts[s]; ok && d > 0 {
		return d
	}
	return c.StrategyTimeout
}

type requestEntry struct {
	req    *models.OptimizationRequest
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

// OptimizationOrchestrator runs optimization attempts asynchronously. Each
// attempt walks Idle, Selecting, Optimizing, Validating and ends Committed,
// NoImprovement or Failed.
type OptimizationOrchestrator struct {
	versions   ports.VersionManager
	idGen      ports.IDGenerator
	model      string
	cfg        OptimizationConfig
	validator  *TrainingDataValidator
	publisher  *OptimizationProgressPublisher
	scorer     *Scorer
	strategies map[models.Strategy]OptimizationStrategy

	mu       sync.Mutex
	requests map[string]*requestEntry
	closed   bool
	wg       sync.WaitGroup
}

var _ ports.Optimizer = (*OptimizationOrchestrator)(nil)

type orchestratorSettings struct {
	validator  *TrainingDataValidator
	publisher  *OptimizationProgressPublisher
	backoff    *retry.BackoffConfig
	strategies []OptimizationStrategy
}

type OrchestratorOption func(*orchestratorSettings)

func WithValidator(v *TrainingDataValidator) OrchestratorOption {
	return func(s *orchestratorSettings) { s.validator = v }
}

func WithPublisher(p *OptimizationProgressPublisher) OrchestratorOption {
	return func(s *orchestratorSettings) { s.publisher = p }
}

// WithLLMBackoff replaces the backoff used for transient LLM retries
func WithLLMBackoff(cfg retry.BackoffConfig) OrchestratorOption {
	return func(s *orchestratorSettings) { s.backoff = &cfg }
}

// WithStrategy replaces the built-in implementation of s.Name()
func WithStrategy(strategy OptimizationStrategy) OrchestratorOption {
	return func(s *orchestratorSettings) { s.strategies = append(s.strategies, strategy) }
}

// NewOptimizationOrchestrator builds an orchestrator bound to one LLM and
// model. Nothing outside its arguments selects the provider.
func NewOptimizationOrchestrator(versions ports.VersionManager, llm ports.LLMService, model string, idGen ports.IDGenerator, cfg OptimizationConfig, opts ...OrchestratorOption) *OptimizationOrchestrator {
	settings := orchestratorSettings{}
	for _, opt := range opts {
		opt(&settings)
	}
	if settings.validator == nil {
		settings.validator = NewTrainingDataValidator(DefaultLimits())
	}
	if settings.publisher == nil {
		settings.publisher = NewOptimizationProgressPublisher()
	}
	backoff := retry.LLMConfig(cfg.MaxLLMRetries)
	if settings.backoff != nil {
		backoff = *settings.backoff
		backoff.MaxRetries = cfg.MaxLLMRetries
	}

	retrying := newRetryingLLM(llm, backoff)
	scorer := NewScorer(retrying, prompt.NewFuzzyMatchMetric(cfg.FuzzyThreshold), cfg.ScoreConcurrency)

	o := &OptimizationOrchestrator{
		versions:  versions,
		idGen:     idGen,
		model:     model,
		cfg:       cfg,
		validator: settings.validator,
		publisher: settings.publisher,
		scorer:    scorer,
		strategies: map[models.Strategy]OptimizationStrategy{
			models.StrategyDirectImprovement: NewDirectImprovement(NewPromptGenerator(retrying)),
			models.StrategyFewShotBootstrap:  NewFewShotBootstrap(retrying, cfg.MaxDemos),
			models.StrategyFewShotWithSearch: NewFewShotWithSearch(retrying, scorer, cfg.MaxDemos, cfg.SearchTrials, cfg.HoldoutFraction),
			models.StrategyFullOptimization: NewFullOptimization(retrying, model, scorer, cfg.FullGenerations, cfg.FullPopulation,
				cfg.HoldoutFraction, cfg.FuzzyThreshold),
		},
		requests: make(map[string]*requestEntry),
	}
	for _, s := range settings.strategies {
		o.strategies[s.Name()] = s
	}
	return o
}

// Model returns the model recorded on committed versions
func (o *OptimizationOrchestrator) Model() string {
	return o.model
}

// RequestOptimization starts an attempt and returns at once. The attempt runs
// detached from ctx's cancellation but keeps its values.
func (o *OptimizationOrchestrator) RequestOptimization(ctx context.Context, lineageID, feedback string) (*models.OptimizationRequest, error) {
	if err := ValidateID(lineageID, "lineage"); err != nil {
		return nil, err
	}
	feedback = strings.TrimSpace(feedback)
	if err := ValidateStringLength(feedback, "feedback", 0, o.validator.limits.Feedback); err != nil {
		return nil, err
	}
	if _, err := o.versions.GetLatest(ctx, lineageID); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry := &requestEntry{
		req:    models.NewOptimizationRequest(o.idGen.GenerateOptimizationID(), lineageID, feedback),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return nil, errors.New("optimization orchestrator is closed")
	}
	o.pruneLocked(time.Now())
	o.requests[entry.req.ID] = entry
	snapshot := entry.req.Clone()
	o.wg.Add(1)
	o.mu.Unlock()

	slog.InfoContext(ctx, "optimization requested", "request_id", snapshot.ID, "lineage_id", lineageID)
	go o.run(runCtx, entry)
	return snapshot, nil
}

// GetRequest returns a snapshot of the request
func (o *OptimizationOrchestrator) GetRequest(requestID string) (*models.OptimizationRequest, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.requests[requestID]
	if !ok {
		return nil, requestNotFound(requestID)
	}
	return e.req.Clone(), nil
}

// Wait blocks until the request is terminal or ctx ends. A failed attempt
// returns its snapshot together with the typed failure.
func (o *OptimizationOrchestrator) Wait(ctx context.Context, requestID string) (*models.OptimizationRequest, error) {
	o.mu.Lock()
	e, ok := o.requests[requestID]
	o.mu.Unlock()
	if !ok {
		return nil, requestNotFound(requestID)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return e.req.Clone(), e.err
}

// Subscribe streams events for a request. The channel is closed when the
// request ends; a request that already ended yields its final event only.
func (o *OptimizationOrchestrator) Subscribe(requestID string) (<-chan models.OptimizationEvent, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.requests[requestID]
	if !ok || e.req.State.Terminal() {
		ch := make(chan models.OptimizationEvent, 1)
		if ok {
			ch <- eventFor(e.req, EventCompleted, e.req.Detail)
		}
		close(ch)
		return ch, func() {}
	}

	ch := o.publisher.Subscribe(requestID)
	return ch, func() { o.publisher.Unsubscribe(requestID, ch) }
}

// Close cancels running attempts and waits for them to finish or ctx to end
func (o *OptimizationOrchestrator) Close(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	for _, e := range o.requests {
		e.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *OptimizationOrchestrator) run(ctx context.Context, e *requestEntry) {
	defer o.wg.Done()
	defer e.cancel()

	metrics.OptimizationsInFlight.Inc()
	defer metrics.OptimizationsInFlight.Dec()

	ctx, span := tracer.Start(ctx, "optimization.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("optimization.request_id", e.req.ID),
		attribute.String("optimization.lineage_id", e.req.LineageID),
	)

	stage := StageLoading
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("optimization panicked: %v", r)
			span.SetStatus(codes.Error, err.Error())
			o.fail(ctx, e, stage, err)
		}
	}()

	fail := func(err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.fail(ctx, e, stage, err)
	}

	lineageID, feedback := e.req.LineageID, e.req.Feedback
	prompts, err := o.versions.GetLineage(ctx, lineageID)
	if err != nil {
		fail(err)
		return
	}
	current := prompts[len(prompts)-1]

	// Stored examples are checked again before use
	examples, err := o.validator.ValidateExamples(collectExamples(prompts))
	if err != nil {
		fail(err)
		return
	}

	o.update(e, func(r *models.OptimizationRequest) {
		r.BaseVersion = current.Version
		r.ExampleCount = len(examples)
	})
	o.transition(e, models.OptimizationStateSelecting, "")

	selected := models.SelectStrategy(len(examples), o.cfg.Thresholds)
	o.update(e, func(r *models.OptimizationRequest) { r.SelectedStrategy = selected })
	span.SetAttributes(attribute.String("optimization.strategy", string(selected)), attribute.Int("optimization.examples", len(examples)))
	o.transition(e, models.OptimizationStateOptimizing, string(selected))

	stage = StageOptimizing
	in := StrategyInput{Current: current, Feedback: feedback, Examples: examples}
	if info, err := o.versions.GetLineageInfo(ctx, lineageID); err == nil {
		in.Task = info.TaskDescription
	}
	result, err := o.optimize(ctx, e, selected, in)
	if err != nil {
		fail(err)
		return
	}

	o.update(e, func(r *models.OptimizationRequest) { r.Result = result })
	o.transition(e, models.OptimizationStateValidating, "")

	stage = StageValidating
	improved, reason, err := o.validate(ctx, current, result, examples)
	if err != nil {
		fail(err)
		return
	}
	if !improved {
		o.finish(ctx, e, models.OptimizationStateNoImprovement, nil, func(r *models.OptimizationRequest) {
			r.Detail = reason
		})
		return
	}

	stage = StageCommitting
	committed, err := o.versions.RegisterPrompt(ctx, lineageID, result.Text, o.model, nil, models.PromptMetadata{
		Source:       models.SourceOptimization,
		Strategy:     result.StrategyUsed,
		Degraded:     result.Degraded,
		Feedback:     feedback,
		ExamplesUsed: len(examples),
		Score:        result.Score,
		RequestID:    e.req.ID,
	})
	if err != nil {
		fail(err)
		return
	}

	o.finish(ctx, e, models.OptimizationStateCommitted, nil, func(r *models.OptimizationRequest) {
		r.CommittedVersion = committed.Version
		r.Detail = fmt.Sprintf("committed version %d", committed.Version)
	})
}

// optimize runs the selected strategy and, if it is not direct improvement
// and it fails, falls back to direct improvement with the result marked
// degraded.
func (o *OptimizationOrchestrator) optimize(ctx context.Context, e *requestEntry, selected models.Strategy, in StrategyInput) (*models.OptimizationResult, error) {
	var attempts []domain.StrategyAttempt

	result, err := o.execute(ctx, e, selected, in)
	if err == nil {
		return result, nil
	}
	attempts = append(attempts, domain.StrategyAttempt{Strategy: string(selected), Err: err})
	if selected == models.StrategyDirectImprovement {
		return nil, &domain.OptimizationFailure{LineageID: in.Current.LineageID, Stage: StageOptimizing, Attempts: attempts}
	}

	metrics.OptimizationFallbacksTotal.WithLabelValues(string(selected)).Inc()
	slog.WarnContext(ctx, "strategy failed, falling back to direct improvement",
		"request_id", e.req.ID, "strategy", selected, "error", err)
	o.publish(e, EventFallback, fmt.Sprintf("%s failed: %v", selected, err))

	result, err = o.execute(ctx, e, models.StrategyDirectImprovement, in)
	if err != nil {
		attempts = append(attempts, domain.StrategyAttempt{Strategy: string(models.StrategyDirectImprovement), Err: err})
		return nil, &domain.OptimizationFailure{LineageID: in.Current.LineageID, Stage: StageOptimizing, Attempts: attempts}
	}
	result.Degraded = true
	return result, nil
}

// execute runs one strategy under its own timeout
func (o *OptimizationOrchestrator) execute(ctx context.Context, e *requestEntry, name models.Strategy, in StrategyInput) (*models.OptimizationResult, error) {
	o.update(e, func(r *models.OptimizationRequest) { r.StrategiesTried = append(r.StrategiesTried, name) })

	strategy, ok := o.strategies[name]
	if !ok {
		return nil, fmt.Errorf("no implementation for strategy %s", name)
	}

	timeout := o.cfg.timeoutFor(name)
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sctx, span := tracer.Start(sctx, "optimization.strategy")
	defer span.End()
	span.SetAttributes(attribute.String("optimization.strategy", string(name)))

	start := time.Now()
	result, err := strategy.Execute(sctx, in)
	switch {
	case err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("%s timed out after %s: %w", name, timeout, err)
	case err == nil && result == nil:
		err = errEmptyCandidate
	case err == nil && name != models.StrategyDirectImprovement && strings.TrimSpace(result.Text) == "":
		err = errEmptyCandidate
	}

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.StrategyDuration.WithLabelValues(string(name), status).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	result.StrategyUsed = name
	return result, nil
}

// validate decides whether the candidate is an improvement. A false result
// comes with the reason.
func (o *OptimizationOrchestrator) validate(ctx context.Context, current *models.Prompt, result *models.OptimizationResult, examples []models.TrainingExample) (bool, string, error) {
	if strings.TrimSpace(result.Text) == "" {
		return false, "candidate is empty", nil
	}
	if models.SameText(result.Text, current.PromptText) {
		return false, "candidate equals the current text", nil
	}
	if !o.cfg.ScoreCandidates || len(examples) < o.cfg.ScoreMinExamples {
		return true, "", nil
	}

	_, holdout := splitHoldout(examples, o.cfg.HoldoutFraction)
	var currentScore, candidateScore float64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		currentScore, err = o.scorer.Score(gctx, current.PromptText, holdout)
		return err
	})
	g.Go(func() error {
		var err error
		candidateScore, err = o.scorer.Score(gctx, result.Text, holdout)
		return err
	})
	if err := g.Wait(); err != nil {
		return false, "", fmt.Errorf("score candidate: %w", err)
	}

	if candidateScore < currentScore {
		return false, fmt.Sprintf("candidate scored %.3f, below current %.3f", candidateScore, currentScore), nil
	}
	result.Score = &candidateScore
	return true, "", nil
}

func (o *OptimizationOrchestrator) update(e *requestEntry, fn func(r *models.OptimizationRequest)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(e.req)
	e.req.UpdatedAt = time.Now().UTC()
}

func (o *OptimizationOrchestrator) transition(e *requestEntry, next models.OptimizationState, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !e.req.Transition(next) {
		slog.Error("illegal optimization transition", "request_id", e.req.ID, "from", e.req.State, "to", next)
		return
	}
	o.publisher.Publish(eventFor(e.req, EventTransition, message))
}

func (o *OptimizationOrchestrator) publish(e *requestEntry, eventType, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.publisher.Publish(eventFor(e.req, eventType, message))
}

func (o *OptimizationOrchestrator) fail(ctx context.Context, e *requestEntry, stage string, err error) {
	o.finish(ctx, e, models.OptimizationStateFailed, err, func(r *models.OptimizationRequest) {
		r.FailedStage = stage
		r.Error = err.Error()
	})
}

// finish moves the request to a terminal state, publishes the final event
// and releases waiters and subscribers.
func (o *OptimizationOrchestrator) finish(ctx context.Context, e *requestEntry, state models.OptimizationState, runErr error, fn func(r *models.OptimizationRequest)) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if e.req.State.Terminal() {
		return
	}
	fn(e.req)
	e.err = runErr
	if !e.req.Transition(state) {
		// Failed is reachable from every non-terminal state
		slog.ErrorContext(ctx, "illegal optimization transition", "request_id", e.req.ID, "from", e.req.State, "to", state)
	}

	strategy := string(e.req.SelectedStrategy)
	if strategy == "" {
		strategy = "none"
	}
	metrics.OptimizationsTotal.WithLabelValues(strategy, string(e.req.State)).Inc()

	attrs := []any{"request_id", e.req.ID, "lineage_id", e.req.LineageID, "state", e.req.State, "strategy", strategy}
	if runErr != nil {
		slog.WarnContext(ctx, "optimization failed", append(attrs, "stage", e.req.FailedStage, "error", runErr)...)
	} else {
		slog.InfoContext(ctx, "optimization finished", append(attrs, "version", e.req.CommittedVersion)...)
	}

	o.publisher.Publish(eventFor(e.req, EventCompleted, e.req.Detail))
	o.publisher.Close(e.req.ID)
	close(e.done)
}

// pruneLocked drops terminal requests older than finishedRetention
func (o *OptimizationOrchestrator) pruneLocked(now time.Time) {
	for id, e := range o.requests {
		if e.req.CompletedAt != nil && now.Sub(*e.req.CompletedAt) > finishedRetention {
			delete(o.requests, id)
		}
	}
}

func eventFor(r *models.OptimizationRequest, eventType, message string) models.OptimizationEvent {
	ev := models.OptimizationEvent{
		Type:      eventType,
		RequestID: r.ID,
		LineageID: r.LineageID,
		State:     r.State,
		Strategy:  r.SelectedStrategy,
		Version:   r.CommittedVersion,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if r.Result != nil {
		ev.Strategy = r.Result.StrategyUsed
		ev.Degraded = r.Result.Degraded
	}
	if ev.Message == "" && r.Error != "" {
		ev.Message = r.Error
	}
	return ev
}

// collectExamples gathers the examples of every version, oldest first,
// dropping exact duplicates.
func collectExamples(prompts []*models.Prompt) []models.TrainingExample {
	seen := make(map[models.TrainingExample]bool)
	var out []models.TrainingExample
	for _, p := range prompts {
		for _, ex := range p.TrainingData {
			if seen[ex] {
				continue
			}
			seen[ex] = true
			out = append(out, ex)
		}
	}
	return out
}

func requestNotFound(id string) error {
	return domain.NewDomainError(domain.ErrNotFound, "optimization request "+id)
}
