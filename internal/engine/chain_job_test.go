package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opchain/internal/store"
	"github.com/rendis/opchain/internal/tools"
	"github.com/rendis/opchain/pkg/schema"
)

type fakeJobControl struct {
	mu        sync.Mutex
	cancelled bool
	progress  []int
	messages  []string
}

func (f *fakeJobControl) IsCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func (f *fakeJobControl) UpdateProgress(percent int, msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress = append(f.progress, percent)
	f.messages = append(f.messages, msg)
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestChainJob_InlineChain(t *testing.T) {
	r := newTestRunner(t, newRegistry(t, &countingTool{name: "ok"}), nil)
	h := NewChainJob(r, nil, nil)
	jc := &fakeJobControl{}

	payload := mustJSON(t, ChainJobPayload{
		Chain: &schema.ChainDefinition{Name: "inline", Steps: []schema.Step{
			{Tool: "ok", Params: map[string]any{"who": "{{who}}"}},
			{Tool: "ok"},
		}},
		Variables: map[string]any{"who": "world"},
	})
	out, err := h.Handle(context.Background(), payload, jc)
	require.NoError(t, err)

	res := out.(*ChainResult)
	assert.Equal(t, schema.ChainStatusCompleted, res.Status)
	assert.Equal(t, []int{50, 100}, jc.progress)
	assert.Contains(t, jc.messages[0], "step_1")
	assert.Equal(t, map[string]any{"who": "world"}, res.Results[0].Result.Data)
}

func TestChainJob_CatalogChainSavesOutcome(t *testing.T) {
	ctx := context.Background()
	cat := NewCatalog(store.NewMemoryStore(), nil, nil)
	_, err := cat.Create(ctx, &schema.ChainDefinition{ID: "stored", Steps: []schema.Step{{Tool: "ok"}}})
	require.NoError(t, err)

	r := newTestRunner(t, newRegistry(t, &countingTool{name: "ok"}), nil)
	h := NewChainJob(r, cat, nil)

	_, err = h.Handle(ctx, mustJSON(t, ChainJobPayload{ChainID: "stored"}), &fakeJobControl{})
	require.NoError(t, err)

	got, err := cat.Get(ctx, "stored")
	require.NoError(t, err)
	assert.Equal(t, schema.ChainStatusCompleted, got.Status)
	assert.Equal(t, schema.StepStatusCompleted, got.Steps[0].Status)

	// A finished catalog chain runs again from a fresh clone.
	_, err = h.Handle(ctx, mustJSON(t, ChainJobPayload{ChainID: "stored"}), &fakeJobControl{})
	require.NoError(t, err)
}

func TestChainJob_ResumeFailedCatalogChain(t *testing.T) {
	ctx := context.Background()
	cat := NewCatalog(store.NewMemoryStore(), nil, nil)
	_, err := cat.Create(ctx, &schema.ChainDefinition{ID: "flow", Steps: []schema.Step{
		{ID: "s1", Tool: "ok", Params: map[string]any{"n": 1}, Options: schema.StepOptions{StoreAs: "first"}},
		{ID: "s2", Tool: "bad", Params: map[string]any{"prev": "{{first}}"}},
		{ID: "s3", Tool: "ok"},
	}})
	require.NoError(t, err)

	ok := &countingTool{name: "ok"}
	bad := &countingTool{name: "bad", failFirst: 1}
	h := NewChainJob(newTestRunner(t, newRegistry(t, ok, bad), nil), cat, nil)

	_, err = h.Handle(ctx, mustJSON(t, ChainJobPayload{ChainID: "flow"}), &fakeJobControl{})
	require.Error(t, err)
	failed, err := cat.Get(ctx, "flow")
	require.NoError(t, err)
	require.Equal(t, schema.ChainStatusFailed, failed.Status)

	jc := &fakeJobControl{}
	out, err := h.Handle(ctx, mustJSON(t, ChainJobPayload{ResumeChainID: "flow"}), jc)
	require.NoError(t, err)
	res := out.(*ChainResult)
	assert.Equal(t, schema.ChainStatusCompleted, res.Status)
	assert.NotEqual(t, "flow", res.ChainID)
	assert.Equal(t, int32(2), ok.calls.Load())
	assert.Equal(t, int32(2), bad.calls.Load())
	assert.Equal(t, []int{50, 100}, jc.progress)

	// The resumed step sees what s1 stored before the failure.
	data := res.Results[0].Result.Data.(map[string]any)
	prev, isMap := data["prev"].(map[string]any)
	require.True(t, isMap, "prev = %#v", data["prev"])
	assert.Equal(t, true, prev["success"])

	tail, err := cat.Get(ctx, res.ChainID)
	require.NoError(t, err)
	assert.Equal(t, schema.ChainStatusCompleted, tail.Status)
	require.Len(t, tail.Steps, 2)
	assert.Equal(t, "s2", tail.Steps[0].ID)

	original, err := cat.Get(ctx, "flow")
	require.NoError(t, err)
	assert.Equal(t, schema.ChainStatusFailed, original.Status)

	_, err = h.Handle(ctx, mustJSON(t, ChainJobPayload{ResumeChainID: res.ChainID}), jc)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestChainJob_FailedChainReturnsOriginatingError(t *testing.T) {
	reg := newRegistry(t, tools.Func("bad", "", func(context.Context, map[string]any, *tools.ExecutionContext) (any, error) {
		return nil, schema.NewError(schema.ErrCodeToolExecution, "disk full")
	}))
	h := NewChainJob(newTestRunner(t, reg, nil), nil, nil)

	out, err := h.Handle(context.Background(), mustJSON(t, ChainJobPayload{
		Chain: &schema.ChainDefinition{Steps: []schema.Step{{Tool: "bad"}}},
	}), &fakeJobControl{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, schema.ChainStatusFailed, out.(*ChainResult).Status)
}

func TestChainJob_CancelFlagStopsChain(t *testing.T) {
	h := NewChainJob(newTestRunner(t, newRegistry(t, &countingTool{name: "ok"}), nil), nil, nil)
	jc := &fakeJobControl{cancelled: true}

	out, err := h.Handle(context.Background(), mustJSON(t, ChainJobPayload{
		Chain: &schema.ChainDefinition{Steps: []schema.Step{{Tool: "ok"}}},
	}), jc)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCancelled))
	assert.Equal(t, schema.ChainStatusCancelled, out.(*ChainResult).Status)
}

func TestChainJob_BadPayloads(t *testing.T) {
	cat := NewCatalog(nil, nil, nil)
	h := NewChainJob(newTestRunner(t, tools.NewRegistry(), nil), cat, &rejectValidator{})
	jc := &fakeJobControl{}
	ctx := context.Background()

	cases := map[string]json.RawMessage{
		"not json":  json.RawMessage(`{`),
		"empty":     json.RawMessage(`{}`),
		"both":      mustJSON(t, ChainJobPayload{ChainID: "x", Chain: &schema.ChainDefinition{}}),
		"resume+id": mustJSON(t, ChainJobPayload{ChainID: "x", ResumeChainID: "y"}),
		"no steps":  mustJSON(t, ChainJobPayload{Chain: &schema.ChainDefinition{Name: "n"}}),
	}
	for name, p := range cases {
		_, err := h.Handle(ctx, p, jc)
		assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), name)
	}

	_, err := h.Handle(ctx, mustJSON(t, ChainJobPayload{ChainID: "unknown"}), jc)
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}
