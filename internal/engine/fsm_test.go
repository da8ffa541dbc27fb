package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opchain/pkg/schema"
)

func TestChainFSM_ValidTransitions(t *testing.T) {
	sink := &recordingSink{}
	fsm := NewChainFSM(sink, nil)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "c1", schema.ChainStatusPending, schema.ChainStatusRunning, nil))
	require.NoError(t, fsm.Transition(ctx, "c1", schema.ChainStatusRunning, schema.ChainStatusCompleted, nil))

	assert.Equal(t, []string{schema.EventChainStarted, schema.EventChainCompleted}, sink.Types())
	assert.Equal(t, "c1", sink.events[0].ChainID)
	assert.False(t, sink.events[0].Timestamp.IsZero())
}

func TestChainFSM_InvalidTransition(t *testing.T) {
	sink := &recordingSink{}
	fsm := NewChainFSM(sink, nil)

	err := fsm.Transition(context.Background(), "c1", schema.ChainStatusCompleted, schema.ChainStatusRunning, nil)
	require.Error(t, err)

	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)
	assert.Contains(t, engErr.Message, "completed -> running")
	assert.Empty(t, sink.Types())
}

func TestChainFSM_TerminalStatesAreFinal(t *testing.T) {
	for _, from := range []schema.ChainStatus{schema.ChainStatusCompleted, schema.ChainStatusFailed, schema.ChainStatusCancelled} {
		assert.Empty(t, ValidChainTransitions[from], from)
	}
}

func TestChainFSM_Hooks(t *testing.T) {
	fsm := NewChainFSM(nil, nil)
	ctx := context.Background()

	var calls []string
	fsm.OnBefore(schema.ChainStatusPending, schema.ChainStatusRunning, func(from, to string) error {
		calls = append(calls, "before:"+from+"->"+to)
		return nil
	})
	fsm.OnAfter(schema.ChainStatusPending, schema.ChainStatusRunning, func(from, to string) error {
		calls = append(calls, "after:"+from+"->"+to)
		return nil
	})
	require.NoError(t, fsm.Transition(ctx, "c1", schema.ChainStatusPending, schema.ChainStatusRunning, nil))
	assert.Equal(t, []string{"before:pending->running", "after:pending->running"}, calls)
}

func TestChainFSM_BeforeHookVetoes(t *testing.T) {
	sink := &recordingSink{}
	fsm := NewChainFSM(sink, nil)
	veto := errors.New("not now")
	fsm.OnBefore(schema.ChainStatusPending, schema.ChainStatusRunning, func(string, string) error { return veto })

	err := fsm.Transition(context.Background(), "c1", schema.ChainStatusPending, schema.ChainStatusRunning, nil)
	assert.ErrorIs(t, err, veto)
	assert.Empty(t, sink.Types())
}

func TestChainFSM_SinkFailureDoesNotBlockTransition(t *testing.T) {
	fsm := NewChainFSM(failSink{}, nil)
	assert.NoError(t, fsm.Transition(context.Background(), "c1", schema.ChainStatusPending, schema.ChainStatusRunning, nil))
}

func TestStepFSM_Transitions(t *testing.T) {
	sink := &recordingSink{}
	fsm := NewStepFSM(sink, nil)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "c1", "s1", schema.StepStatusPending, schema.StepStatusRunning, map[string]any{"tool": "echo"}))
	require.NoError(t, fsm.Transition(ctx, "c1", "s1", schema.StepStatusRunning, schema.StepStatusFailed, nil))
	require.NoError(t, fsm.Transition(ctx, "c1", "s2", schema.StepStatusPending, schema.StepStatusSkipped, nil))

	assert.Equal(t, []string{schema.EventStepStarted, schema.EventStepFailed, schema.EventStepSkipped}, sink.Types())
	assert.Equal(t, "s1", sink.events[0].StepID)

	err := fsm.Transition(ctx, "c1", "s3", schema.StepStatusPending, schema.StepStatusCompleted, nil)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeInvalidTransition, engErr.Code)
	assert.Equal(t, "s3", engErr.StepID)
}

func TestValidJobTransition(t *testing.T) {
	trail := []schema.JobStatus{
		schema.JobStatusQueued, schema.JobStatusRunning, schema.JobStatusFailed,
		schema.JobStatusRetryScheduled, schema.JobStatusQueued, schema.JobStatusRunning, schema.JobStatusFailed,
	}
	for i := 1; i < len(trail); i++ {
		assert.True(t, ValidJobTransition(trail[i-1], trail[i]), "%s -> %s", trail[i-1], trail[i])
	}
	assert.False(t, ValidJobTransition(schema.JobStatusCompleted, schema.JobStatusQueued))
	assert.False(t, ValidJobTransition(schema.JobStatusQueued, schema.JobStatusCompleted))
	assert.False(t, ValidJobTransition(schema.JobStatusCancelled, schema.JobStatusRunning))
}
