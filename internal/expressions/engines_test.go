package expressions

import (
	"context"
	"testing"

	"github.com/rendis/opchain/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngine_Evaluate(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()
	data := map[string]any{
		"items": []any{1, 2, 3, 4},
		"user":  map[string]any{"name": "ana"},
	}

	out, err := e.Evaluate(ctx, "sum(filter(items, # > 2))", data)
	require.NoError(t, err)
	assert.EqualValues(t, 7, out)

	out, err = e.Evaluate(ctx, `upper(user.name) + "!"`, data)
	require.NoError(t, err)
	assert.Equal(t, "ANA!", out)

	out, err = e.Evaluate(ctx, `missing ?? "fallback"`, data)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)
}

func TestExprEngine_Errors(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, "", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Evaluate(ctx, "1 +", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Evaluate(ctx, "1 / x", map[string]any{"x": "s"})
	assert.Equal(t, schema.ErrCodeToolExecution, schema.CodeOf(err))
}

func TestGoJQEngine_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()
	data := map[string]any{
		"users": []any{
			map[string]any{"name": "ana", "age": 31},
			map[string]any{"name": "bo", "age": int64(17)},
		},
	}

	out, err := e.Evaluate(ctx, "[.users[] | select(.age >= 18) | .name]", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"ana"}, out)

	out, err = e.Evaluate(ctx, ".users[].name", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"ana", "bo"}, out)

	out, err = e.Evaluate(ctx, "empty", data)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQEngine_RunNonObjectInput(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Run(context.Background(), "map(. * 2)", []any{1, 2.5})
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{2, 5.0}}, out)
}

func TestGoJQEngine_Errors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	_, err := e.Evaluate(ctx, ".[", nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = e.Evaluate(ctx, `error("boom")`, map[string]any{})
	assert.Equal(t, schema.ErrCodeToolExecution, schema.CodeOf(err))

	out, err := e.Evaluate(ctx, "$ENV.PATH", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}
