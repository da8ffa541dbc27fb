package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ChainID(ctx))
	assert.Equal(t, "", StepID(ctx))
	assert.Equal(t, "", JobID(ctx))

	ctx = WithChainID(ctx, "chain-123")
	ctx = WithStepID(ctx, "step-1")
	ctx = WithJobID(ctx, "job-42")

	assert.Equal(t, "chain-123", ChainID(ctx))
	assert.Equal(t, "step-1", StepID(ctx))
	assert.Equal(t, "job-42", JobID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithStepID(WithChainID(context.Background(), "chain-abc"), "step-x")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "chain_id=chain-abc")
	assert.Contains(t, output, "step_id=step-x")
	assert.NotContains(t, output, "job_id")
	assert.Contains(t, output, "test message")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogWith(context.Background(), logger).Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "chain_id")
	assert.NotContains(t, output, "step_id")
	assert.Contains(t, output, "no context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithJobID(WithStepID(WithChainID(context.Background(), "c-auto"), "s-auto"), "j-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"chain_id":"c-auto"`)
	assert.Contains(t, output, `"step_id":"s-auto"`)
	assert.Contains(t, output, `"job_id":"j-auto"`)
}

func TestCorrelationHandlerWithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	handler := NewCorrelationHandler(inner)
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "runner")}))

	logger.InfoContext(WithChainID(context.Background(), "c-attr"), "with attrs")
	output := buf.String()
	assert.Contains(t, output, `"chain_id":"c-attr"`)
	assert.Contains(t, output, `"component":"runner"`)

	buf.Reset()
	slog.New(handler.WithGroup("queue")).InfoContext(WithJobID(context.Background(), "j-grp"), "grouped")
	assert.Contains(t, buf.String(), "j-grp")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn", "json")
	logger.Info("dropped")
	logger.WarnContext(WithChainID(context.Background(), "c1"), "kept")

	output := buf.String()
	assert.NotContains(t, output, "dropped")
	assert.Contains(t, output, `"msg":"kept"`)
	assert.Contains(t, output, `"chain_id":"c1"`)

	buf.Reset()
	New(&buf, "info", "text").Info("plain")
	assert.Contains(t, buf.String(), "msg=plain")
}
