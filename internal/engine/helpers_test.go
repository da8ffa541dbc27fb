package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/opchain/internal/streaming"
	"github.com/rendis/opchain/internal/tools"
)

// recordingSink captures emitted events in order.
type recordingSink struct {
	mu     sync.Mutex
	events []streaming.Event
}

func (s *recordingSink) Emit(_ context.Context, e streaming.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func (s *recordingSink) Count(eventType string) int {
	n := 0
	for _, t := range s.Types() {
		if t == eventType {
			n++
		}
	}
	return n
}

// failSink always errors.
type failSink struct{}

func (failSink) Emit(context.Context, streaming.Event) error { return errors.New("sink unavailable") }

// countingTool counts invocations and fails the first failFirst calls
// (every call when failFirst < 0).
type countingTool struct {
	name      string
	calls     atomic.Int32
	failFirst int32
	data      any
}

func (c *countingTool) Name() string        { return c.name }
func (c *countingTool) Description() string { return "test tool" }

func (c *countingTool) Execute(_ context.Context, params map[string]any, _ *tools.ExecutionContext) (any, error) {
	n := c.calls.Add(1)
	if c.failFirst < 0 || n <= c.failFirst {
		return nil, errors.New("tool failed")
	}
	if c.data != nil {
		return c.data, nil
	}
	return params, nil
}

func newRegistry(t *testing.T, ts ...tools.Tool) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range ts {
		require.NoError(t, reg.Register(tool))
	}
	return reg
}

func newTestRunner(t *testing.T, reg *tools.Registry, sink streaming.Sink) *Runner {
	t.Helper()
	r, err := NewRunner(RunnerConfig{Tools: reg, Sink: sink, RetryDelay: time.Millisecond})
	require.NoError(t, err)
	return r
}
