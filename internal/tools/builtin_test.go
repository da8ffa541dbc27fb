package tools

import (
	"context"
	"testing"
	"time"

	"github.com/rendis/opchain/internal/validation"
	"github.com/rendis/opchain/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuiltinRegistry(t *testing.T) *Registry {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg, v))
	return reg
}

func run(t *testing.T, reg *Registry, name string, params map[string]any, ec *ExecutionContext) (any, error) {
	t.Helper()
	tool, err := reg.Get(name)
	require.NoError(t, err)
	return tool.Execute(context.Background(), params, ec)
}

func TestRegisterBuiltins(t *testing.T) {
	reg := newBuiltinRegistry(t)
	for _, name := range []string{"jq", "expr", "schema.validate", "wait", "echo"} {
		assert.True(t, reg.Has(name), name)
	}

	noValidator := NewRegistry()
	require.NoError(t, RegisterBuiltins(noValidator, nil))
	assert.False(t, noValidator.Has("schema.validate"))
}

func TestJQTool(t *testing.T) {
	reg := newBuiltinRegistry(t)
	ec := &ExecutionContext{Variables: map[string]any{"items": []any{1.0, 2.0, 3.0}}}

	out, err := run(t, reg, "jq", map[string]any{"query": "[.items[] | select(. > 1)]"}, ec)
	require.NoError(t, err)
	assert.Equal(t, []any{2.0, 3.0}, out)

	out, err = run(t, reg, "jq", map[string]any{"query": ".name", "input": map[string]any{"name": "x"}}, ec)
	require.NoError(t, err)
	assert.Equal(t, "x", out)

	_, err = run(t, reg, "jq", map[string]any{}, ec)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestExprTool(t *testing.T) {
	reg := newBuiltinRegistry(t)
	ec := &ExecutionContext{Variables: map[string]any{"price": 10, "qty": 3}}

	out, err := run(t, reg, "expr", map[string]any{"expression": "price * qty + bonus", "env": map[string]any{"bonus": 1}}, ec)
	require.NoError(t, err)
	assert.EqualValues(t, 31, out)

	_, err = run(t, reg, "expr", map[string]any{"expression": ""}, ec)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestSchemaValidateTool(t *testing.T) {
	reg := newBuiltinRegistry(t)
	s := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}

	out, err := run(t, reg, "schema.validate", map[string]any{"schema": s, "data": []any{"a", "b"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"valid": true}, out)

	_, err = run(t, reg, "schema.validate", map[string]any{"schema": s, "data": []any{"a", 1}}, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = run(t, reg, "schema.validate", map[string]any{"data": 1}, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestWaitTool(t *testing.T) {
	reg := newBuiltinRegistry(t)

	out, err := run(t, reg, "wait", map[string]any{"ms": 5.0}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"waited_ms": 5}, out)

	tool, _ := reg.Get("wait")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = tool.Execute(ctx, map[string]any{"ms": 5000}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	_, err = run(t, reg, "wait", map[string]any{"ms": "soon"}, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestEchoTool(t *testing.T) {
	reg := newBuiltinRegistry(t)
	out, err := run(t, reg, "echo", map[string]any{"msg": "hi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"msg": "hi"}, out)
}
