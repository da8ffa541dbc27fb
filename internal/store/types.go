package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/opchain/pkg/schema"
)

// Record is the persisted form of a job.
type Record struct {
	ID              string           `json:"id"`
	Type            string           `json:"type"`
	Payload         json.RawMessage  `json:"payload,omitempty"`
	Priority        int              `json:"priority"`
	Status          schema.JobStatus `json:"status"`
	RetryCount      int              `json:"retry_count"`
	MaxRetries      int              `json:"max_retries"`
	TimeoutMs       int              `json:"timeout_ms,omitempty"`
	Progress        int              `json:"progress"`
	ProgressMessage string           `json:"progress_message,omitempty"`
	Result          json.RawMessage  `json:"result,omitempty"`
	Error           string           `json:"error,omitempty"`
	Metadata        json.RawMessage  `json:"metadata,omitempty"`
	ScheduledFor    *time.Time       `json:"scheduled_for,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	StartedAt       *time.Time       `json:"started_at,omitempty"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// RecordPatch holds the fields to change on a Record. Nil fields are left alone.
type RecordPatch struct {
	Status          *schema.JobStatus
	RetryCount      *int
	Progress        *int
	ProgressMessage *string
	Result          json.RawMessage
	Error           *string
	ScheduledFor    *time.Time
	ClearSchedule   bool
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// RecordFilter narrows ListRecords.
type RecordFilter struct {
	Type     string
	Statuses []schema.JobStatus
	Limit    int
	Offset   int
}

// ChainFilter narrows ListChains.
type ChainFilter struct {
	Status *schema.ChainStatus
	Limit  int
}

// Event is one entry of the append-only event log. StreamID is the chain
// or job the event belongs to; Sequence is monotonic per stream.
type Event struct {
	ID        int64           `json:"id"`
	StreamID  string          `json:"stream_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// EventFilter narrows GetEventsByType.
type EventFilter struct {
	StreamID string
	StepID   string
	Since    *time.Time
	Limit    int
}

// StepState is a step's status reconstructed from the event log.
type StepState struct {
	ChainID     string            `json:"chain_id"`
	StepID      string            `json:"step_id"`
	Status      schema.StepStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Apply copies the non-nil patch fields onto r.
func (p RecordPatch) Apply(r *Record) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.RetryCount != nil {
		r.RetryCount = *p.RetryCount
	}
	if p.Progress != nil {
		r.Progress = *p.Progress
	}
	if p.ProgressMessage != nil {
		r.ProgressMessage = *p.ProgressMessage
	}
	if p.Result != nil {
		r.Result = p.Result
	}
	if p.Error != nil {
		r.Error = *p.Error
	}
	if p.ScheduledFor != nil {
		t := *p.ScheduledFor
		r.ScheduledFor = &t
	}
	if p.ClearSchedule {
		r.ScheduledFor = nil
	}
	if p.StartedAt != nil {
		t := *p.StartedAt
		r.StartedAt = &t
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		r.CompletedAt = &t
	}
}

func (p RecordPatch) empty() bool {
	return p.Status == nil && p.RetryCount == nil && p.Progress == nil &&
		p.ProgressMessage == nil && p.Result == nil && p.Error == nil &&
		p.ScheduledFor == nil && !p.ClearSchedule && p.StartedAt == nil && p.CompletedAt == nil
}
