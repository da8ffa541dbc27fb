package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/opchain/internal/expressions"
	"github.com/rendis/opchain/pkg/schema"
)

// SchemaValidator validates a document against a JSON Schema.
type SchemaValidator interface {
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// RegisterBuiltins registers the generic data tools: jq, expr,
// schema.validate (when validator is non-nil), wait and echo.
func RegisterBuiltins(reg *Registry, validator SchemaValidator) error {
	all := []Tool{
		&jqTool{engine: expressions.NewGoJQEngine()},
		&exprTool{engine: expressions.NewExprEngine()},
		&waitTool{},
		Func("echo", "Return the params unchanged", func(_ context.Context, params map[string]any, _ *ExecutionContext) (any, error) {
			return params, nil
		}),
	}
	if validator != nil {
		all = append(all, &schemaValidateTool{validator: validator})
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// --- jq ---

type jqTool struct {
	engine *expressions.GoJQEngine
}

func (t *jqTool) Name() string { return "jq" }
func (t *jqTool) Description() string {
	return "Transform params.input (default: the run variables) with the jq program in params.query"
}

func (t *jqTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","required":["query"],"properties":{"query":{"type":"string"},"input":{}}}`)
}

func (t *jqTool) Execute(ctx context.Context, params map[string]any, ec *ExecutionContext) (any, error) {
	query, ok := params["query"].(string)
	if !ok || query == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq requires a non-empty 'query' string")
	}
	input, has := params["input"]
	if !has && ec != nil {
		input = ec.Variables
	}
	out, err := t.engine.Run(ctx, query, input)
	if err != nil {
		return nil, err
	}
	switch len(out) {
	case 0:
		return nil, nil
	case 1:
		return out[0], nil
	default:
		return out, nil
	}
}

// --- expr ---

type exprTool struct {
	engine *expressions.ExprEngine
}

func (t *exprTool) Name() string { return "expr" }
func (t *exprTool) Description() string {
	return "Evaluate params.expression with the run variables and params.env as environment"
}

func (t *exprTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","required":["expression"],"properties":{"expression":{"type":"string"},"env":{"type":"object"}}}`)
}

func (t *exprTool) Execute(ctx context.Context, params map[string]any, ec *ExecutionContext) (any, error) {
	expression, ok := params["expression"].(string)
	if !ok || expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "expr requires a non-empty 'expression' string")
	}
	env := make(map[string]any)
	if ec != nil {
		for k, v := range ec.Variables {
			env[k] = v
		}
	}
	if extra, ok := params["env"].(map[string]any); ok {
		for k, v := range extra {
			env[k] = v
		}
	}
	return t.engine.Evaluate(ctx, expression, env)
}

// --- schema.validate ---

type schemaValidateTool struct {
	validator SchemaValidator
}

func (t *schemaValidateTool) Name() string { return "schema.validate" }
func (t *schemaValidateTool) Description() string {
	return "Validate params.data against the JSON Schema in params.schema; fails on violations"
}

func (t *schemaValidateTool) Execute(_ context.Context, params map[string]any, _ *ExecutionContext) (any, error) {
	rawSchema, ok := params["schema"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeValidation, "schema.validate requires 'schema'")
	}
	var schemaBytes []byte
	switch s := rawSchema.(type) {
	case string:
		schemaBytes = []byte(s)
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "schema.validate: schema is not JSON").WithCause(err)
		}
		schemaBytes = b
	}

	// Wrap the document so non-object data can be validated too.
	doc := map[string]any{"data": params["data"]}
	wrapped := fmt.Sprintf(`{"type":"object","properties":{"data":%s}}`, schemaBytes)
	if err := t.validator.ValidateInput(doc, []byte(wrapped)); err != nil {
		return nil, err
	}
	return map[string]any{"valid": true}, nil
}

// --- wait ---

type waitTool struct{}

func (t *waitTool) Name() string        { return "wait" }
func (t *waitTool) Description() string { return "Sleep for params.ms milliseconds, honoring cancellation" }

func (t *waitTool) Execute(ctx context.Context, params map[string]any, _ *ExecutionContext) (any, error) {
	ms, err := toInt(params["ms"])
	if err != nil || ms < 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "wait requires a non-negative 'ms' number")
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return map[string]any{"waited_ms": ms}, nil
	}
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		return int(i), err
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
