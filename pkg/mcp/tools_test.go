package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opchain/internal/engine"
	"github.com/rendis/opchain/internal/jobs"
	"github.com/rendis/opchain/internal/store"
	"github.com/rendis/opchain/internal/streaming"
	"github.com/rendis/opchain/internal/tools"
	"github.com/rendis/opchain/internal/validation"
	"github.com/rendis/opchain/pkg/schema"
)

// --- Fixture ---

type fixture struct {
	srv     *Server
	queue   *jobs.Queue
	catalog *engine.Catalog
	store   *store.MemoryStore
	release chan struct{}
}

// newFixture wires a real queue, runner and catalog. The "gate" tool blocks
// until release is closed.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.Default()
	st := store.NewMemoryStore()

	reg := tools.NewRegistry()
	release := make(chan struct{})
	require.NoError(t, reg.Register(tools.Func("echo", "Return params", func(_ context.Context, params map[string]any, _ *tools.ExecutionContext) (any, error) {
		return params, nil
	})))
	require.NoError(t, reg.Register(tools.Func("gate", "Block until released", func(ctx context.Context, _ map[string]any, _ *tools.ExecutionContext) (any, error) {
		select {
		case <-release:
			return "open", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})))

	sink := streaming.NewStoreSink(st)
	runner, err := engine.NewRunner(engine.RunnerConfig{Tools: reg, Sink: sink, Logger: logger, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	validator, err := validation.NewChainValidator(reg, nil)
	require.NoError(t, err)
	catalog := engine.NewCatalog(st, validator, logger)
	chainJob := engine.NewChainJob(runner, catalog, validator)

	q := jobs.NewQueue(jobs.Config{Workers: 2, RetryBase: time.Millisecond, Store: st, Sink: sink, Logger: logger})
	require.NoError(t, q.Register(schema.JobTypeChain, func(ctx context.Context, p json.RawMessage, jc *jobs.JobContext) (any, error) {
		return chainJob.Handle(ctx, p, jc)
	}))
	q.Start()
	t.Cleanup(func() {
		select {
		case <-release:
		default:
			close(release)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = q.Stop(ctx)
	})

	srv := NewServer(ServerDeps{Queue: q, Catalog: catalog, Tools: reg, Events: st, Logger: logger})
	return &fixture{srv: srv, queue: q, catalog: catalog, store: st, release: release}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func decodeResult(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotNil(t, result)
	require.False(t, result.IsError, "tool error: %s", resultText(t, result))
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &out))
	return out
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

var inlineChain = map[string]any{
	"name": "greet",
	"steps": []any{
		map[string]any{"id": "s1", "tool": "echo", "params": map[string]any{"msg": "hello {{who}}"}, "options": map[string]any{"storeAs": "greeting"}},
	},
	"variables": map[string]any{"who": "world"},
}

// --- Tests ---

func TestRunTool_InlineChainWait(t *testing.T) {
	f := newFixture(t)

	res, err := f.srv.handleRun(context.Background(), buildRequest("opchain.run", map[string]any{
		"chain":     inlineChain,
		"variables": map[string]any{"who": "gopher"},
		"wait":      true,
	}))
	require.NoError(t, err)
	out := decodeResult(t, res)

	assert.Equal(t, string(schema.JobStatusCompleted), out["status"])
	assert.EqualValues(t, 100, out["progress"])
	result, ok := out["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(schema.ChainStatusCompleted), result["status"])
	vars, _ := result["variables"].(map[string]any)
	greeting, _ := vars["greeting"].(map[string]any)
	data, _ := greeting["data"].(map[string]any)
	assert.Equal(t, "hello gopher", data["msg"])
}

func TestRunTool_StoredChain(t *testing.T) {
	f := newFixture(t)

	res, err := f.srv.handleDefine(context.Background(), buildRequest("opchain.define", map[string]any{"chain": inlineChain}))
	require.NoError(t, err)
	def := decodeResult(t, res)
	chainID, _ := def["chain_id"].(string)
	require.NotEmpty(t, chainID)
	assert.EqualValues(t, 1, def["steps"])

	res, err = f.srv.handleRun(context.Background(), buildRequest("opchain.run", map[string]any{"chain_id": chainID}))
	require.NoError(t, err)
	submitted := decodeResult(t, res)
	jobID, _ := submitted["job_id"].(string)
	require.NotEmpty(t, jobID)

	_, err = f.queue.Wait(context.Background(), jobID)
	require.NoError(t, err)

	res, err = f.srv.handleStatus(context.Background(), buildRequest("opchain.status", map[string]any{"job_id": jobID}))
	require.NoError(t, err)
	assert.Equal(t, string(schema.JobStatusCompleted), decodeResult(t, res)["status"])

	stored, err := f.catalog.Get(context.Background(), chainID)
	require.NoError(t, err)
	assert.Equal(t, schema.ChainStatusCompleted, stored.Status, "catalog chain saved back after run")
}

func TestRunTool_RequiresExactlyOneSource(t *testing.T) {
	f := newFixture(t)

	for _, args := range []map[string]any{
		{},
		{"chain_id": "x", "chain": inlineChain},
		{"chain_id": "x", "resume_chain_id": "y"},
		{"chain": "not an object"},
	} {
		res, err := f.srv.handleRun(context.Background(), buildRequest("opchain.run", args))
		require.NoError(t, err)
		assert.True(t, res.IsError)
	}
}

func TestRunTool_ResumeCancelledChain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gated := map[string]any{
		"name": "slow",
		"steps": []any{
			map[string]any{"id": "wait", "tool": "gate", "options": map[string]any{"storeAs": "gate"}},
			map[string]any{"id": "after", "tool": "echo", "params": map[string]any{"seen": "{{gate_result}}"}},
		},
	}
	res, err := f.srv.handleDefine(ctx, buildRequest("opchain.define", map[string]any{"chain": gated}))
	require.NoError(t, err)
	chainID := decodeResult(t, res)["chain_id"].(string)

	res, err = f.srv.handleRun(ctx, buildRequest("opchain.run", map[string]any{"chain_id": chainID}))
	require.NoError(t, err)
	jobID := decodeResult(t, res)["job_id"].(string)
	require.Eventually(t, func() bool {
		j, err := f.queue.Get(jobID)
		return err == nil && j.Status == schema.JobStatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.queue.Cancel(ctx, jobID))
	close(f.release)
	_, err = f.queue.Wait(ctx, jobID)
	require.NoError(t, err)

	stopped, err := f.catalog.Get(ctx, chainID)
	require.NoError(t, err)
	require.Equal(t, schema.ChainStatusCancelled, stopped.Status)
	require.Equal(t, schema.StepStatusPending, stopped.Steps[1].Status)

	res, err = f.srv.handleRun(ctx, buildRequest("opchain.run", map[string]any{"resume_chain_id": chainID, "wait": true}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	assert.Equal(t, string(schema.JobStatusCompleted), out["status"])
	result, ok := out["result"].(map[string]any)
	require.True(t, ok)
	tailID, _ := result["chain_id"].(string)
	assert.NotEmpty(t, tailID)
	assert.NotEqual(t, chainID, tailID)

	tail, err := f.catalog.Get(ctx, tailID)
	require.NoError(t, err)
	require.Len(t, tail.Steps, 1)
	assert.Equal(t, "after", tail.Steps[0].ID)
	assert.Equal(t, map[string]any{"seen": "open"}, tail.Steps[0].Result.Data)
}

func TestRunTool_UnknownChainFailsJob(t *testing.T) {
	f := newFixture(t)

	res, err := f.srv.handleRun(context.Background(), buildRequest("opchain.run", map[string]any{"chain_id": "missing", "wait": true}))
	require.NoError(t, err)
	out := decodeResult(t, res)
	assert.Equal(t, string(schema.JobStatusFailed), out["status"])
	assert.Contains(t, out["error"], schema.ErrCodeNotFound)
}

func TestStatusAndCancelTools(t *testing.T) {
	f := newFixture(t)

	gated := map[string]any{
		"name":  "slow",
		"steps": []any{map[string]any{"id": "wait", "tool": "gate"}, map[string]any{"id": "after", "tool": "echo"}},
	}
	res, err := f.srv.handleRun(context.Background(), buildRequest("opchain.run", map[string]any{"chain": gated}))
	require.NoError(t, err)
	jobID := decodeResult(t, res)["job_id"].(string)

	require.Eventually(t, func() bool {
		j, err := f.queue.Get(jobID)
		return err == nil && j.Status == schema.JobStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	res, err = f.srv.handleCancel(context.Background(), buildRequest("opchain.cancel", map[string]any{"job_id": jobID}))
	require.NoError(t, err)
	assert.Equal(t, true, decodeResult(t, res)["ok"])

	close(f.release)
	final, err := f.queue.Wait(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, schema.JobStatusCancelled, final.Status)

	res, err = f.srv.handleCancel(context.Background(), buildRequest("opchain.cancel", map[string]any{"job_id": jobID}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "cancelling a finished job is rejected")

	res, err = f.srv.handleStatus(context.Background(), buildRequest("opchain.status", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = f.srv.handleStatus(context.Background(), buildRequest("opchain.status", map[string]any{"job_id": "nope"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestListTool(t *testing.T) {
	f := newFixture(t)

	res, err := f.srv.handleRun(context.Background(), buildRequest("opchain.run", map[string]any{"chain": inlineChain, "wait": true}))
	require.NoError(t, err)
	jobID := decodeResult(t, res)["job_id"].(string)

	res, err = f.srv.handleList(context.Background(), buildRequest("opchain.list", map[string]any{
		"resource": "jobs",
		"filter":   map[string]any{"status": "completed"},
	}))
	require.NoError(t, err)
	jobsOut, _ := decodeResult(t, res)["jobs"].([]any)
	assert.Len(t, jobsOut, 1)

	_, err = f.catalog.Create(context.Background(), &schema.ChainDefinition{Name: "stored", Steps: []schema.Step{{ID: "a", Tool: "echo"}}})
	require.NoError(t, err)
	res, err = f.srv.handleList(context.Background(), buildRequest("opchain.list", map[string]any{"resource": "chains"}))
	require.NoError(t, err)
	chains, _ := decodeResult(t, res)["chains"].([]any)
	assert.Len(t, chains, 1)

	res, err = f.srv.handleList(context.Background(), buildRequest("opchain.list", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"stream_id": jobID},
	}))
	require.NoError(t, err)
	events, _ := decodeResult(t, res)["events"].([]any)
	assert.NotEmpty(t, events)

	res, err = f.srv.handleList(context.Background(), buildRequest("opchain.list", map[string]any{"resource": "events"}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "events need a stream_id")

	res, err = f.srv.handleList(context.Background(), buildRequest("opchain.list", map[string]any{"resource": "widgets"}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestToolsTool(t *testing.T) {
	f := newFixture(t)
	res, err := f.srv.handleTools(context.Background(), buildRequest("opchain.tools", nil))
	require.NoError(t, err)
	list, _ := decodeResult(t, res)["tools"].([]any)
	require.Len(t, list, 2)
	first, _ := list[0].(map[string]any)
	assert.Equal(t, "echo", first["name"])
}

func TestDefineTool_RejectsInvalid(t *testing.T) {
	f := newFixture(t)

	res, err := f.srv.handleDefine(context.Background(), buildRequest("opchain.define", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)

	res, err = f.srv.handleDefine(context.Background(), buildRequest("opchain.define", map[string]any{
		"chain": map[string]any{"name": "dup", "steps": []any{
			map[string]any{"id": "a", "tool": "echo"},
			map[string]any{"id": "a", "tool": "echo"},
		}},
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestDiagramTool(t *testing.T) {
	f := newFixture(t)

	res, err := f.srv.handleDiagram(context.Background(), buildRequest("opchain.diagram", map[string]any{"chain": inlineChain}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "=== greet ===")

	created, err := f.catalog.Create(context.Background(), &schema.ChainDefinition{Name: "stored", Steps: []schema.Step{{ID: "a", Tool: "echo"}}})
	require.NoError(t, err)
	res, err = f.srv.handleDiagram(context.Background(), buildRequest("opchain.diagram", map[string]any{"chain_id": created.ID, "format": "mermaid"}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), "graph TD")

	for _, args := range []map[string]any{
		{},
		{"chain_id": "missing"},
		{"chain": inlineChain, "format": "png"},
	} {
		res, err := f.srv.handleDiagram(context.Background(), buildRequest("opchain.diagram", args))
		require.NoError(t, err)
		assert.True(t, res.IsError, "%v", args)
	}
}

func TestExtractInt(t *testing.T) {
	f := map[string]any{"a": float64(3), "b": 4, "c": "5", "d": "x"}
	assert.Equal(t, 3, extractInt(f, "a", 0))
	assert.Equal(t, 4, extractInt(f, "b", 0))
	assert.Equal(t, 5, extractInt(f, "c", 0))
	assert.Equal(t, 9, extractInt(f, "d", 9))
	assert.Equal(t, 7, extractInt(nil, "a", 7))
}
