package engine

import (
	"context"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opchain/internal/expressions"
	"github.com/rendis/opchain/internal/logging"
	"github.com/rendis/opchain/internal/streaming"
	"github.com/rendis/opchain/internal/tools"
	"github.com/rendis/opchain/pkg/schema"
)

// Progress is reported after every step boundary.
type Progress struct {
	ChainID   string            `json:"chain_id"`
	StepID    string            `json:"step_id"`
	StepIndex int               `json:"step_index"`
	Total     int               `json:"total"`
	Percent   int               `json:"percent"`
	Status    schema.StepStatus `json:"status"`
}

// RunOptions are the per-run hooks supplied by the caller.
type RunOptions struct {
	// IsCancelled is checked before each step. Once it reports true the
	// chain ends cancelled and the step about to run never starts.
	IsCancelled func() bool
	// OnProgress is called synchronously after each step.
	OnProgress func(Progress)
}

// ChainResult summarizes a finished run.
type ChainResult struct {
	ChainID        string                   `json:"chain_id"`
	Status         schema.ChainStatus       `json:"status"`
	CompletedSteps int                      `json:"completed_steps"`
	FailedSteps    int                      `json:"failed_steps"`
	SkippedSteps   int                      `json:"skipped_steps"`
	Results        []schema.ExecutionRecord `json:"results"`
	Variables      map[string]any           `json:"variables"`
	Error          string                   `json:"error,omitempty"`
	Cause          error                    `json:"-"`
	StartedAt      time.Time                `json:"started_at"`
	CompletedAt    time.Time                `json:"completed_at"`
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Tools ToolProvider
	// Conditions defaults to a CEL evaluator whose fail-open cases are
	// emitted as condition_failed_open events.
	Conditions *expressions.ConditionEvaluator
	Sink       streaming.Sink
	Logger     *slog.Logger
	// RetryDelay is the linear backoff unit; attempt n waits (n-1) × RetryDelay.
	RetryDelay time.Duration
	// StepTimeout replaces the default per-step timeout for steps that set none.
	StepTimeout time.Duration
}

// Runner executes chains: steps strictly in order, each guarded by its
// condition and retried with linear backoff.
type Runner struct {
	executor   *StepExecutor
	conditions *expressions.ConditionEvaluator
	chainFSM   *ChainFSM
	stepFSM    *StepFSM
	sink       streaming.Sink
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Tools == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "runner requires a tool provider")
	}
	if cfg.Sink == nil {
		cfg.Sink = streaming.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	executor := NewStepExecutor(cfg.Tools, cfg.Logger)
	executor.defaultTimeout = cfg.StepTimeout

	r := &Runner{
		executor:   executor,
		chainFSM:   NewChainFSM(cfg.Sink, cfg.Logger),
		stepFSM:    NewStepFSM(cfg.Sink, cfg.Logger),
		sink:       cfg.Sink,
		logger:     cfg.Logger,
		retryDelay: cfg.RetryDelay,
		conditions: cfg.Conditions,
	}
	if r.conditions == nil {
		ce, err := expressions.NewConditionEvaluator(cfg.Logger, r.conditionFailedOpen)
		if err != nil {
			return nil, err
		}
		r.conditions = ce
	}
	return r, nil
}

// ChainFSM exposes the chain state machine for hook registration.
func (r *Runner) ChainFSM() *ChainFSM { return r.chainFSM }

// StepFSM exposes the step state machine for hook registration.
func (r *Runner) StepFSM() *StepFSM { return r.stepFSM }

func (r *Runner) conditionFailedOpen(ctx context.Context, expression string, err error) {
	emit(ctx, r.sink, r.logger, streaming.Event{
		Type:    schema.EventConditionFailedOpen,
		ChainID: logging.ChainID(ctx),
		JobID:   logging.JobID(ctx),
		StepID:  logging.StepID(ctx),
		Payload: map[string]any{"condition": expression, "error": err.Error()},
	})
}

// Run executes def in place: the runner owns def's runtime fields for the
// duration of the call. def must be pending. Step failures are reported in
// the result, not as an error; an error means the run never started.
func (r *Runner) Run(ctx context.Context, def *schema.ChainDefinition, opts RunOptions) (*ChainResult, error) {
	def.Normalize()
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}
	if err := checkStepIDs(def); err != nil {
		return nil, err
	}

	ctx = logging.WithChainID(ctx, def.ID)
	log := logging.LogWith(ctx, r.logger)

	if err := r.chainFSM.Transition(ctx, def.ID, def.Status, schema.ChainStatusRunning,
		map[string]any{"name": def.Name, "steps": len(def.Steps)}); err != nil {
		return nil, err
	}
	started := time.Now().UTC()
	def.Status = schema.ChainStatusRunning
	def.StartedAt = &started
	log.Info("chain started", slog.String("name", def.Name), slog.Int("steps", len(def.Steps)))

	run := &chainRun{
		def:    def,
		vars:   expressions.NewVariables(def.Variables),
		result: &ChainResult{ChainID: def.ID, StartedAt: started},
	}

	final := schema.ChainStatusCompleted
	var runErr error
	for i := range def.Steps {
		if ctx.Err() != nil || (opts.IsCancelled != nil && opts.IsCancelled()) {
			final = schema.ChainStatusCancelled
			runErr = schema.NewErrorf(schema.ErrCodeCancelled, "chain cancelled before step %s", def.Steps[i].ID).
				WithStep(def.Steps[i].ID)
			break
		}

		err := r.runStep(ctx, run, i)
		r.progress(ctx, run, i, opts)
		if err != nil {
			final = schema.ChainStatusFailed
			runErr = err
			break
		}
	}

	completed := time.Now().UTC()
	payload := map[string]any{
		"completed_steps": run.result.CompletedSteps,
		"failed_steps":    run.result.FailedSteps,
		"skipped_steps":   run.result.SkippedSteps,
	}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	if err := r.chainFSM.Transition(ctx, def.ID, schema.ChainStatusRunning, final, payload); err != nil {
		return nil, err
	}
	def.Status = final
	def.CompletedAt = &completed

	res := run.result
	res.Status = final
	res.CompletedAt = completed
	res.Variables = run.vars.Snapshot()
	if runErr != nil {
		res.Error = runErr.Error()
		res.Cause = runErr
	}

	log.Info("chain finished",
		slog.String("status", string(final)),
		slog.Int("completed", res.CompletedSteps),
		slog.Int("failed", res.FailedSteps),
		slog.Int("skipped", res.SkippedSteps),
		slog.Duration("duration", completed.Sub(started)),
	)
	return res, nil
}

// Resume runs the unfinished tail of a failed or cancelled chain as a new
// chain seeded with vars, typically ChainResult.Variables of the failed run.
func (r *Runner) Resume(ctx context.Context, def *schema.ChainDefinition, vars map[string]any, opts RunOptions) (*schema.ChainDefinition, *ChainResult, error) {
	if def.Status != schema.ChainStatusFailed && def.Status != schema.ChainStatusCancelled {
		return nil, nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"chain %s is %s; only failed or cancelled chains resume", def.ID, def.Status)
	}
	from := def.FirstUnfinished()
	if from < 0 {
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation, "chain %s has no unfinished steps", def.ID)
	}
	tail, err := def.ResumeFrom(from, vars)
	if err != nil {
		return nil, nil, err
	}
	res, err := r.Run(ctx, tail, opts)
	return tail, res, err
}

type chainRun struct {
	def    *schema.ChainDefinition
	vars   *expressions.Variables
	result *ChainResult
	prior  any
}

// runStep evaluates the guard and attempts step i. The returned error is
// non-nil only when the chain must abort.
func (r *Runner) runStep(ctx context.Context, run *chainRun, i int) error {
	step := &run.def.Steps[i]
	ctx = logging.WithStepID(ctx, step.ID)
	log := logging.LogWith(ctx, r.logger)

	if !r.conditions.Evaluate(ctx, step.Options.Condition, run.prior, run.vars.Snapshot()) {
		if err := r.stepFSM.Transition(ctx, run.def.ID, step.ID, step.Status, schema.StepStatusSkipped,
			map[string]any{"condition": step.Options.Condition}); err != nil {
			return err
		}
		step.Status = schema.StepStatusSkipped
		run.result.SkippedSteps++
		log.Debug("step skipped", slog.String("condition", step.Options.Condition))
		return nil
	}

	if err := r.stepFSM.Transition(ctx, run.def.ID, step.ID, step.Status, schema.StepStatusRunning,
		map[string]any{"tool": step.Tool, "index": i}); err != nil {
		return err
	}
	start := time.Now().UTC()
	step.Status = schema.StepStatusRunning
	step.StartTime = &start

	result, err := r.attempt(ctx, run, i)

	end := time.Now().UTC()
	step.EndTime = &end
	step.DurationMs = end.Sub(start).Milliseconds()
	step.Result = &result
	run.prior = result.AsMap()
	run.result.Results = append(run.result.Results, schema.ExecutionRecord{
		StepID: step.ID, StepIndex: i, Result: result, Timestamp: end,
	})

	if err == nil {
		if terr := r.stepFSM.Transition(ctx, run.def.ID, step.ID, schema.StepStatusRunning, schema.StepStatusCompleted,
			map[string]any{"attempts": step.Attempts, "duration_ms": step.DurationMs}); terr != nil {
			return terr
		}
		step.Status = schema.StepStatusCompleted
		run.result.CompletedSteps++
		return nil
	}

	step.Error = err.Error()
	if terr := r.stepFSM.Transition(ctx, run.def.ID, step.ID, schema.StepStatusRunning, schema.StepStatusFailed,
		map[string]any{"attempts": step.Attempts, "error": message(err), "code": schema.CodeOf(err)}); terr != nil {
		return terr
	}
	step.Status = schema.StepStatusFailed
	run.result.FailedSteps++

	if step.Options.ContinueOnError {
		log.Warn("step failed, continuing", slog.String("error", err.Error()))
		return nil
	}
	log.Warn("step failed", slog.String("error", err.Error()))
	return err
}

// attempt runs up to maxRetries+1 attempts with linear backoff between
// them. A missing tool or a cancellation stops early.
func (r *Runner) attempt(ctx context.Context, run *chainRun, i int) (schema.ToolResult, error) {
	step := &run.def.Steps[i]
	maxAttempts := max(step.Options.MaxRetries, 0) + 1

	var (
		result schema.ToolResult
		err    error
	)
	for n := 1; n <= maxAttempts; n++ {
		if n > 1 {
			delay := LinearBackoff(r.retryDelay, n-1)
			emit(ctx, r.sink, r.logger, streaming.Event{
				Type:    schema.EventStepRetrying,
				ChainID: run.def.ID,
				JobID:   logging.JobID(ctx),
				StepID:  step.ID,
				Payload: map[string]any{"attempt": n, "delay_ms": delay.Milliseconds(), "error": message(err)},
			})
			if werr := WaitForBackoff(ctx, delay); werr != nil {
				return result, schema.NewError(schema.ErrCodeCancelled, "cancelled during retry backoff").
					WithStep(step.ID).WithCause(werr)
			}
		}

		step.Attempts = n
		ec := &tools.ExecutionContext{
			ChainID:   run.def.ID,
			StepID:    step.ID,
			StepIndex: i,
			Variables: run.vars.Snapshot(),
			Results:   slices.Clone(run.result.Results),
		}
		result, err = r.executor.Execute(ctx, step, run.vars, ec)
		if err == nil || !IsRetryableError(err) || schema.HasCode(err, schema.ErrCodeToolNotFound) {
			return result, err
		}
	}
	return result, err
}

func (r *Runner) progress(ctx context.Context, run *chainRun, i int, opts RunOptions) {
	total := len(run.def.Steps)
	p := Progress{
		ChainID:   run.def.ID,
		StepID:    run.def.Steps[i].ID,
		StepIndex: i,
		Total:     total,
		Percent:   int(math.Round(float64(i+1) / float64(total) * 100)),
		Status:    run.def.Steps[i].Status,
	}
	emit(ctx, r.sink, r.logger, streaming.Event{
		Type:    schema.EventChainProgress,
		ChainID: run.def.ID,
		JobID:   logging.JobID(ctx),
		StepID:  p.StepID,
		Payload: p,
	})
	if opts.OnProgress != nil {
		opts.OnProgress(p)
	}
}

func checkStepIDs(def *schema.ChainDefinition) error {
	seen := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if seen[s.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q at steps[%d]", s.ID, i)
		}
		seen[s.ID] = true
		if s.Tool == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "steps[%d] has no tool", i)
		}
	}
	return nil
}
