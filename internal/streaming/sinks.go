package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rendis/opchain/internal/logging"
	"github.com/rendis/opchain/internal/store"
)

// LogSink writes every event to a slog logger at debug level, with
// failures and fail-open conditions raised to warn.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ctx context.Context, e Event) error {
	level := slog.LevelDebug
	switch e.Type {
	case "chain_failed", "job_failed", "step_failed", "condition_failed_open":
		level = slog.LevelWarn
	case "chain_completed", "job_completed":
		level = slog.LevelInfo
	}
	attrs := []slog.Attr{slog.String("event", e.Type)}
	if e.ChainID != "" && logging.ChainID(ctx) == "" {
		attrs = append(attrs, slog.String("chain_id", e.ChainID))
	}
	if e.JobID != "" && logging.JobID(ctx) == "" {
		attrs = append(attrs, slog.String("job_id", e.JobID))
	}
	if e.StepID != "" && logging.StepID(ctx) == "" {
		attrs = append(attrs, slog.String("step_id", e.StepID))
	}
	if e.Payload != nil {
		attrs = append(attrs, slog.Any("payload", e.Payload))
	}
	s.logger.LogAttrs(ctx, level, "event", attrs...)
	return nil
}

// StoreSink appends events to the persistent event log, sequenced per stream.
type StoreSink struct {
	store store.Store
}

// NewStoreSink creates a StoreSink.
func NewStoreSink(s store.Store) *StoreSink {
	return &StoreSink{store: s}
}

func (s *StoreSink) Emit(ctx context.Context, e Event) error {
	e = Stamp(e)
	var payload json.RawMessage
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", e.Type, err)
		}
		payload = b
	}
	return s.store.AppendEvent(ctx, &store.Event{
		StreamID:  e.StreamID(),
		StepID:    e.StepID,
		Type:      e.Type,
		Payload:   payload,
		Timestamp: e.Timestamp,
	})
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*StoreSink)(nil)
)
