package tools

import (
	"context"
	"encoding/json"

	"github.com/rendis/opchain/pkg/schema"
)

// Tool is a named capability a chain step invokes.
//
// Execute receives the interpolated params and a read-only view of the run.
// It may return any value; the executor normalizes it into a ToolResult
// (see Normalize). Tools should honor ctx: the executor cancels it on
// timeout but cannot stop a tool that ignores it.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, params map[string]any, ec *ExecutionContext) (any, error)
}

// SchemaProvider is implemented by tools that publish a JSON Schema for their params.
type SchemaProvider interface {
	InputSchema() json.RawMessage
}

// ExecutionContext is what a tool can see of the chain run invoking it.
// Variables is a snapshot; writes to it do not reach the run.
type ExecutionContext struct {
	ChainID   string
	StepID    string
	StepIndex int
	Variables map[string]any
	Results   []schema.ExecutionRecord
}

// Info summarizes a registered tool for listings.
type Info struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ExecuteFunc is the signature of a function-backed tool.
type ExecuteFunc func(ctx context.Context, params map[string]any, ec *ExecutionContext) (any, error)

// Func adapts a plain function into a Tool.
func Func(name, description string, fn ExecuteFunc) Tool {
	return &funcTool{name: name, description: description, fn: fn}
}

type funcTool struct {
	name        string
	description string
	fn          ExecuteFunc
}

func (f *funcTool) Name() string        { return f.name }
func (f *funcTool) Description() string { return f.description }

func (f *funcTool) Execute(ctx context.Context, params map[string]any, ec *ExecutionContext) (any, error) {
	return f.fn(ctx, params, ec)
}
