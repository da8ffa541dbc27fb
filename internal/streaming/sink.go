package streaming

import (
	"context"
	"errors"
	"time"
)

// Event is a lifecycle or progress notification from a chain run or a job.
// ChainID is set for chain and step events, JobID for job events; a chain
// run driven by a job carries both.
type Event struct {
	Type      string    `json:"event_type"`
	ChainID   string    `json:"chain_id,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	StepID    string    `json:"step_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StreamID is the id an event is sequenced under: the chain for chain and
// step events, otherwise the job.
func (e Event) StreamID() string {
	if e.ChainID != "" {
		return e.ChainID
	}
	return e.JobID
}

// Sink receives events. Emit is called synchronously from the emitting
// goroutine, in emission order; implementations must not block for long.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error { return f(ctx, event) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

// MultiSink fans each event out to every sink, in order. A failing sink
// does not stop delivery to the rest; errors are joined.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stamp fills the timestamp when unset.
func Stamp(e Event) Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}
