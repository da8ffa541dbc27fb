package expressions

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/rendis/opchain/internal/logging"
)

// FailOpenFunc observes a condition that could not be evaluated.
type FailOpenFunc func(ctx context.Context, expression string, err error)

// ConditionEvaluator decides whether a step runs.
//
// It is fail-open: an expression that does not compile or errors at
// runtime evaluates to true, so the step runs. Every such case is logged
// at warn level and reported to the optional FailOpenFunc.
type ConditionEvaluator struct {
	engine   *CELEngine
	logger   *slog.Logger
	onFailed FailOpenFunc
}

// NewConditionEvaluator creates an evaluator. logger may be nil.
func NewConditionEvaluator(logger *slog.Logger, onFailOpen FailOpenFunc) (*ConditionEvaluator, error) {
	engine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConditionEvaluator{engine: engine, logger: logger, onFailed: onFailOpen}, nil
}

// Check reports a compile problem without evaluating. Used by validation.
func (c *ConditionEvaluator) Check(expression string) error {
	if expression == "" {
		return nil
	}
	return c.engine.Compile(expression)
}

// Evaluate returns the guard outcome for expression. priorResult is exposed
// as both result and step; variables is read-only from the condition's view.
func (c *ConditionEvaluator) Evaluate(ctx context.Context, expression string, priorResult any, variables map[string]any) bool {
	if expression == "" {
		return true
	}

	out, err := c.engine.Evaluate(ctx, expression, map[string]any{
		"result":    priorResult,
		"variables": variables,
	})
	if err != nil {
		logging.LogWith(ctx, c.logger).Warn("condition failed open",
			slog.String("condition", expression),
			slog.String("error", err.Error()),
		)
		if c.onFailed != nil {
			c.onFailed(ctx, expression, err)
		}
		return true
	}
	return truthy(out)
}

// truthy maps a non-bool condition result to a boolean: zero values,
// empty strings and empty containers are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int64:
		return t != 0
	case uint64:
		return t != 0
	case float64:
		return t != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	default:
		return true
	}
}
