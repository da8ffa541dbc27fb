package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/rendis/opchain/internal/logging"
	"github.com/rendis/opchain/internal/streaming"
	"github.com/rendis/opchain/pkg/schema"
)

// TransitionHook is called before or after a state transition.
// A before hook returning an error vetoes the transition.
type TransitionHook func(from, to string) error

type hookKey[S ~string] struct {
	from, to S
}

// machine validates transitions against a table and emits the event mapped
// to the target state.
type machine[S ~string] struct {
	kind   string
	table  map[S][]S
	events map[S]string
	sink   streaming.Sink
	logger *slog.Logger

	mu     sync.Mutex
	before map[hookKey[S]][]TransitionHook
	after  map[hookKey[S]][]TransitionHook
}

func newMachine[S ~string](kind string, table map[S][]S, events map[S]string, sink streaming.Sink, logger *slog.Logger) *machine[S] {
	if sink == nil {
		sink = streaming.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &machine[S]{
		kind:   kind,
		table:  table,
		events: events,
		sink:   sink,
		logger: logger,
		before: make(map[hookKey[S]][]TransitionHook),
		after:  make(map[hookKey[S]][]TransitionHook),
	}
}

func (m *machine[S]) onBefore(from, to S, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := hookKey[S]{from, to}
	m.before[k] = append(m.before[k], hook)
}

func (m *machine[S]) onAfter(from, to S, hook TransitionHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := hookKey[S]{from, to}
	m.after[k] = append(m.after[k], hook)
}

func (m *machine[S]) transition(ctx context.Context, ev streaming.Event, from, to S) error {
	if !slices.Contains(m.table[from], to) {
		err := schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid %s transition: %s -> %s", m.kind, from, to).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
		if ev.StepID != "" {
			err = err.WithStep(ev.StepID)
		}
		return err
	}

	m.mu.Lock()
	k := hookKey[S]{from, to}
	before := slices.Clone(m.before[k])
	after := slices.Clone(m.after[k])
	m.mu.Unlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if ev.Type = m.events[to]; ev.Type != "" {
		emit(ctx, m.sink, m.logger, ev)
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

// emit delivers an event, even after ctx is cancelled. Sink failures are
// logged and swallowed.
func emit(ctx context.Context, sink streaming.Sink, logger *slog.Logger, ev streaming.Event) {
	if err := sink.Emit(context.WithoutCancel(ctx), streaming.Stamp(ev)); err != nil {
		logging.LogWith(ctx, logger).Warn("emit event",
			slog.String("event", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

// --- Chain FSM ---

// ChainFSM guards chain lifecycle transitions.
type ChainFSM struct {
	m *machine[schema.ChainStatus]
}

// NewChainFSM creates a ChainFSM emitting to sink.
func NewChainFSM(sink streaming.Sink, logger *slog.Logger) *ChainFSM {
	return &ChainFSM{m: newMachine("chain", ValidChainTransitions, map[schema.ChainStatus]string{
		schema.ChainStatusRunning:   schema.EventChainStarted,
		schema.ChainStatusCompleted: schema.EventChainCompleted,
		schema.ChainStatusFailed:    schema.EventChainFailed,
		schema.ChainStatusCancelled: schema.EventChainCancelled,
	}, sink, logger)}
}

// OnBefore registers a hook called before a chain transition.
func (f *ChainFSM) OnBefore(from, to schema.ChainStatus, hook TransitionHook) {
	f.m.onBefore(from, to, hook)
}

// OnAfter registers a hook called after a chain transition.
func (f *ChainFSM) OnAfter(from, to schema.ChainStatus, hook TransitionHook) {
	f.m.onAfter(from, to, hook)
}

// Transition validates from -> to and emits the matching chain event.
// The caller owns the definition and applies the new status itself.
func (f *ChainFSM) Transition(ctx context.Context, chainID string, from, to schema.ChainStatus, payload map[string]any) error {
	return f.m.transition(ctx, streaming.Event{
		ChainID: chainID,
		JobID:   logging.JobID(ctx),
		Payload: payload,
	}, from, to)
}

// --- Step FSM ---

// StepFSM guards step lifecycle transitions.
type StepFSM struct {
	m *machine[schema.StepStatus]
}

// NewStepFSM creates a StepFSM emitting to sink.
func NewStepFSM(sink streaming.Sink, logger *slog.Logger) *StepFSM {
	return &StepFSM{m: newMachine("step", ValidStepTransitions, map[schema.StepStatus]string{
		schema.StepStatusRunning:   schema.EventStepStarted,
		schema.StepStatusCompleted: schema.EventStepCompleted,
		schema.StepStatusFailed:    schema.EventStepFailed,
		schema.StepStatusSkipped:   schema.EventStepSkipped,
	}, sink, logger)}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.m.onBefore(from, to, hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.m.onAfter(from, to, hook)
}

// Transition validates from -> to and emits the matching step event.
func (f *StepFSM) Transition(ctx context.Context, chainID, stepID string, from, to schema.StepStatus, payload map[string]any) error {
	return f.m.transition(ctx, streaming.Event{
		ChainID: chainID,
		JobID:   logging.JobID(ctx),
		StepID:  stepID,
		Payload: payload,
	}, from, to)
}

// --- Transition tables ---

// ValidChainTransitions defines the allowed state transitions for chains.
var ValidChainTransitions = map[schema.ChainStatus][]schema.ChainStatus{
	schema.ChainStatusPending:   {schema.ChainStatusRunning, schema.ChainStatusCancelled},
	schema.ChainStatusRunning:   {schema.ChainStatusCompleted, schema.ChainStatusFailed, schema.ChainStatusCancelled},
	schema.ChainStatusCompleted: {},
	schema.ChainStatusFailed:    {},
	schema.ChainStatusCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// Retries stay in running; step_retrying is emitted without a transition.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// ValidJobTransitions defines the allowed state transitions for jobs.
// running -> queued is used only when recovering jobs orphaned by a restart.
var ValidJobTransitions = map[schema.JobStatus][]schema.JobStatus{
	schema.JobStatusQueued:         {schema.JobStatusRunning, schema.JobStatusCancelled},
	schema.JobStatusRunning:        {schema.JobStatusCompleted, schema.JobStatusFailed, schema.JobStatusCancelled, schema.JobStatusQueued},
	schema.JobStatusFailed:         {schema.JobStatusRetryScheduled},
	schema.JobStatusRetryScheduled: {schema.JobStatusQueued, schema.JobStatusCancelled},
	schema.JobStatusCompleted:      {},
	schema.JobStatusCancelled:      {},
}

// ValidJobTransition reports whether a job may move from -> to.
func ValidJobTransition(from, to schema.JobStatus) bool {
	return slices.Contains(ValidJobTransitions[from], to)
}
