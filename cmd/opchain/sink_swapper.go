package main

import (
	"context"
	"sync"

	"github.com/rendis/opchain/internal/streaming"
)

// sinkSwapper is a streaming.Sink whose target can be replaced after the
// emitters are built. serve uses it to attach the MCP notifier, which needs
// the queue that already holds the sink.
type sinkSwapper struct {
	mu   sync.RWMutex
	sink streaming.Sink
}

func newSinkSwapper(s streaming.Sink) *sinkSwapper {
	if s == nil {
		s = streaming.Discard
	}
	return &sinkSwapper{sink: s}
}

func (s *sinkSwapper) Emit(ctx context.Context, e streaming.Event) error {
	s.mu.RLock()
	target := s.sink
	s.mu.RUnlock()
	return target.Emit(ctx, e)
}

// Swap replaces the underlying sink atomically.
func (s *sinkSwapper) Swap(target streaming.Sink) {
	if target == nil {
		target = streaming.Discard
	}
	s.mu.Lock()
	s.sink = target
	s.mu.Unlock()
}
