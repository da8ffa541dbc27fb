package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/opchain/internal/expressions"
	"github.com/rendis/opchain/internal/logging"
	"github.com/rendis/opchain/internal/tools"
	"github.com/rendis/opchain/pkg/schema"
)

// ToolProvider resolves tools by name. Satisfied by *tools.Registry.
type ToolProvider interface {
	Get(name string) (tools.Tool, error)
}

// StepExecutor runs a single step attempt: interpolate, look up, invoke
// with a timeout, normalize, store.
type StepExecutor struct {
	tools  ToolProvider
	logger *slog.Logger
	// defaultTimeout applies to steps without options.timeoutMs. Zero keeps
	// schema.DefaultStepTimeoutMs.
	defaultTimeout time.Duration
}

// NewStepExecutor creates a StepExecutor. logger may be nil.
func NewStepExecutor(provider ToolProvider, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{tools: provider, logger: logger}
}

type toolOutcome struct {
	value    any
	err      error
	panicked any
}

// Execute performs one attempt of step against vars. The returned result is
// always populated; err is non-nil when the attempt counts as a failure:
// TOOL_NOT_FOUND, TIMEOUT_ERROR, CANCELLATION_ERROR or TOOL_EXECUTION_ERROR
// (tool error, panic, or a result with success=false).
//
// The step definition itself is not modified. vars is written when the
// tool returned: the normalized result under options.storeAs, and its data
// under "<tool>_result".
func (e *StepExecutor) Execute(ctx context.Context, step *schema.Step, vars *expressions.Variables, ec *tools.ExecutionContext) (schema.ToolResult, error) {
	params, _ := vars.Interpolate(step.Params).(map[string]any)
	if params == nil {
		params = map[string]any{}
	}

	tool, err := e.tools.Get(step.Tool)
	if err != nil {
		return failed(err), withStep(err, step.ID)
	}

	timeout := step.Options.Timeout()
	if step.Options.TimeoutMs <= 0 && e.defaultTimeout > 0 {
		timeout = e.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan toolOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- toolOutcome{panicked: r}
			}
		}()
		v, err := tool.Execute(callCtx, params, ec)
		done <- toolOutcome{value: v, err: err}
	}()

	var out toolOutcome
	select {
	case out = <-done:
	case <-callCtx.Done():
		// The tool goroutine keeps running if it ignores its context.
		if ctx.Err() != nil {
			err := schema.NewErrorf(schema.ErrCodeCancelled, "step cancelled while running tool %q", step.Tool).
				WithStep(step.ID).WithCause(ctx.Err())
			return failed(err), err
		}
		err := schema.NewErrorf(schema.ErrCodeTimeout, "tool %q timed out after %s", step.Tool, timeout).
			WithStep(step.ID).
			WithDetails(map[string]any{"timeout_ms": timeout.Milliseconds()})
		return failed(err), err
	}

	if out.panicked != nil {
		logging.LogWith(ctx, e.logger).Error("tool panicked",
			slog.String("tool", step.Tool),
			slog.Any("panic", out.panicked),
		)
		err := schema.NewErrorf(schema.ErrCodeToolExecution, "tool %q panicked: %v", step.Tool, out.panicked).
			WithStep(step.ID)
		return failed(err), err
	}

	result := tools.Normalize(out.value, out.err)
	e.store(step, result, vars)

	switch {
	case out.err != nil:
		return result, toolError(ctx, step, out.err)
	case !result.Success:
		return result, schema.NewErrorf(schema.ErrCodeToolExecution, "%s", result.Error).WithStep(step.ID)
	}
	return result, nil
}

func (e *StepExecutor) store(step *schema.Step, result schema.ToolResult, vars *expressions.Variables) {
	if step.Options.StoreAs != "" {
		vars.Set(step.Options.StoreAs, result.AsMap())
	}
	if result.Data != nil {
		vars.Set(step.Tool+"_result", result.Data)
	}
}

// toolError wraps a tool's own error as TOOL_EXECUTION_ERROR, keeping the
// original as the cause. A deadline maps to TIMEOUT_ERROR, and
// context.Canceled to CANCELLATION_ERROR only once the run itself is done.
func toolError(ctx context.Context, step *schema.Step, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewErrorf(schema.ErrCodeTimeout, "tool %q: %s", step.Tool, err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return schema.NewErrorf(schema.ErrCodeCancelled, "tool %q: %s", step.Tool, err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeToolExecution, message(err)).WithStep(step.ID).WithCause(err)
}

func withStep(err error, stepID string) error {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) && engErr.StepID == "" {
		return engErr.WithStep(stepID)
	}
	return err
}

func failed(err error) schema.ToolResult {
	return schema.ToolResult{Success: false, Error: message(err)}
}

// message is the human readable part of err, without code or step prefix.
func message(err error) string {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.Message
	}
	return fmt.Sprint(err)
}
