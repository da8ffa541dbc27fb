package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/opchain/pkg/schema"
)

// EventLog reads chain history back out of any Store's event log.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append writes one event. Sequence and timestamp are assigned by the store.
func (el *EventLog) Append(ctx context.Context, streamID, stepID, eventType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		raw = b
	}
	return el.store.AppendEvent(ctx, &Event{StreamID: streamID, StepID: stepID, Type: eventType, Payload: raw})
}

// ReplaySteps rebuilds per-step state for a chain from its events.
// A gap in the sequence is reported as STORE_ERROR.
func (el *EventLog) ReplaySteps(ctx context.Context, chainID string) (map[string]*StepState, error) {
	events, err := el.store.GetEvents(ctx, chainID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	states := make(map[string]*StepState)
	for i, e := range events {
		if want := int64(i + 1); e.Sequence != want {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in chain %s: expected %d, got %d", chainID, want, e.Sequence)
		}
		if e.StepID == "" {
			continue
		}

		ss, ok := states[e.StepID]
		if !ok {
			ss = &StepState{ChainID: chainID, StepID: e.StepID, Status: schema.StepStatusPending}
			states[e.StepID] = ss
		}

		ts := e.Timestamp
		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			ss.Attempts++
			if ss.StartedAt == nil {
				ss.StartedAt = &ts
			}
		case schema.EventStepRetrying:
			ss.Status = schema.StepStatusRunning
			ss.Attempts++
		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusCompleted
			ss.CompletedAt = &ts
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}
		case schema.EventStepFailed:
			ss.Status = schema.StepStatusFailed
			ss.CompletedAt = &ts
			ss.Error = payloadError(e.Payload)
		case schema.EventStepSkipped:
			ss.Status = schema.StepStatusSkipped
		}
	}
	return states, nil
}

func payloadError(raw json.RawMessage) string {
	var p struct {
		Error string `json:"error"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &p) != nil {
		return ""
	}
	return p.Error
}
