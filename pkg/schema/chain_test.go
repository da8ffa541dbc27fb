package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleChain() *ChainDefinition {
	return &ChainDefinition{
		ID:   "c1",
		Name: "sample",
		Steps: []Step{
			{ID: "a", Tool: "echo", Params: map[string]any{"msg": "{{name}}"}},
			{Tool: "jq", Options: StepOptions{MaxRetries: 2, Condition: "result.success", StoreAs: "filtered"}},
			{Tool: "wait", Options: StepOptions{ContinueOnError: true, TimeoutMs: 50}},
		},
		Variables: map[string]any{"name": "world"},
	}
}

func TestChainDefinition_Normalize(t *testing.T) {
	def := sampleChain()
	def.Normalize()

	assert.Equal(t, "a", def.Steps[0].ID)
	assert.Equal(t, "step_2", def.Steps[1].ID)
	assert.Equal(t, "step_3", def.Steps[2].ID)
	assert.Equal(t, ChainStatusPending, def.Status)
	for _, s := range def.Steps {
		assert.Equal(t, StepStatusPending, s.Status)
	}
}

func TestChainDefinition_JSONRoundTrip(t *testing.T) {
	def := sampleChain()
	def.Normalize()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	def.CreatedAt = now
	def.StartedAt = &now
	def.Steps[0].Status = StepStatusCompleted
	def.Steps[0].Result = &ToolResult{Success: true, Data: "hello"}
	def.Steps[0].DurationMs = 12

	data, err := def.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"continueOnError":true`)
	assert.Contains(t, string(data), `"storeAs":"filtered"`)

	back, err := ChainFromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, def, back)
}

func TestChainFromJSON_Invalid(t *testing.T) {
	_, err := ChainFromJSON([]byte(`{"steps": 3}`))
	require.Error(t, err)
	assert.Equal(t, ErrCodeValidation, CodeOf(err))
}

func TestStepOptions_Timeout(t *testing.T) {
	assert.Equal(t, 30*time.Second, StepOptions{}.Timeout())
	assert.Equal(t, 50*time.Millisecond, StepOptions{TimeoutMs: 50}.Timeout())
}

func TestChainDefinition_CloneResetsRuntime(t *testing.T) {
	def := sampleChain()
	def.Normalize()
	def.Status = ChainStatusFailed
	def.Steps[0].Status = StepStatusCompleted
	def.Steps[0].Error = "boom"
	def.Steps[0].Attempts = 3

	cp, err := def.Clone()
	require.NoError(t, err)
	assert.Equal(t, def.ID, cp.ID)
	assert.Equal(t, ChainStatusPending, cp.Status)
	assert.Equal(t, StepStatusPending, cp.Steps[0].Status)
	assert.Empty(t, cp.Steps[0].Error)
	assert.Zero(t, cp.Steps[0].Attempts)

	cp.Variables["name"] = "changed"
	assert.Equal(t, "world", def.Variables["name"], "clone must not share variables")
}

func TestChainDefinition_ResumeFrom(t *testing.T) {
	def := sampleChain()
	def.Normalize()
	def.Steps[0].Status = StepStatusCompleted
	def.Steps[1].Status = StepStatusFailed
	require.Equal(t, 1, def.FirstUnfinished())

	resumed, err := def.ResumeFrom(1, map[string]any{"a_result": "x"})
	require.NoError(t, err)
	assert.NotEqual(t, def.ID, resumed.ID)
	require.Len(t, resumed.Steps, 2)
	assert.Equal(t, "step_2", resumed.Steps[0].ID)
	assert.Equal(t, StepStatusPending, resumed.Steps[0].Status)
	assert.Equal(t, "x", resumed.Variables["a_result"])
	assert.Equal(t, "world", resumed.Variables["name"])

	_, err = def.ResumeFrom(5, nil)
	assert.Equal(t, ErrCodeValidation, CodeOf(err))
}

func TestChainDefinition_VariablesAt(t *testing.T) {
	def := &ChainDefinition{
		Variables: map[string]any{"name": "world"},
		Steps: []Step{
			{Tool: "fetch", Options: StepOptions{StoreAs: "page"}, Result: &ToolResult{Success: true, Data: "body"}},
			{Tool: "parse", Options: StepOptions{Condition: "false"}},
			{Tool: "store", Options: StepOptions{StoreAs: "saved"}, Result: &ToolResult{Error: "disk full"}},
			{Tool: "late", Options: StepOptions{StoreAs: "late"}, Result: &ToolResult{Success: true, Data: 1}},
		},
	}

	assert.Equal(t, map[string]any{
		"name":         "world",
		"page":         map[string]any{"success": true, "data": "body"},
		"fetch_result": "body",
		"saved":        map[string]any{"success": false, "error": "disk full"},
	}, def.VariablesAt(3))

	assert.Equal(t, map[string]any{"name": "world"}, def.VariablesAt(0))
	assert.Equal(t, map[string]any{"name": "world"}, def.VariablesAt(-1))
	assert.Equal(t, "world", def.Variables["name"], "source variables untouched")
	assert.Len(t, def.Variables, 1)
}

func TestToolResult_AsMap(t *testing.T) {
	assert.Equal(t, map[string]any{"success": true, "data": 1}, ToolResult{Success: true, Data: 1}.AsMap())
	assert.Equal(t, map[string]any{"success": false, "error": "x"}, ToolResult{Error: "x"}.AsMap())
}

func TestJob_Statuses(t *testing.T) {
	j := &Job{History: []JobTransition{{Status: JobStatusQueued}, {Status: JobStatusRunning}, {Status: JobStatusCompleted}}}
	assert.Equal(t, []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusCompleted}, j.Statuses())
	assert.True(t, JobStatusCancelled.IsTerminal())
	assert.False(t, JobStatusRetryScheduled.IsTerminal())
	assert.True(t, ChainStatusCompleted.IsTerminal())
}
