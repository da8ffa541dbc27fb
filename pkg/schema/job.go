package schema

import (
	"encoding/json"
	"time"
)

// Priority orders queued jobs; higher runs first, FIFO within a tier.
type Priority int

const (
	PriorityLow      Priority = -1
	PriorityNormal   Priority = 0
	PriorityHigh     Priority = 1
	PriorityCritical Priority = 2
)

// JobTypeChain is the job type under which chain executions are registered.
const JobTypeChain = "chain"

// Job is a trackable, retryable, cancellable unit of work.
type Job struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Priority        Priority        `json:"priority"`
	Status          JobStatus       `json:"status"`
	RetryCount      int             `json:"retry_count"`
	MaxRetries      int             `json:"max_retries"`
	TimeoutMs       int             `json:"timeout_ms,omitempty"`
	ScheduledFor    *time.Time      `json:"scheduled_for,omitempty"`
	Progress        int             `json:"progress"`
	ProgressMessage string          `json:"progress_message,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
	History         []JobTransition `json:"history,omitempty"`
}

// JobTransition is one entry in a job's status trail.
type JobTransition struct {
	Status JobStatus `json:"status"`
	At     time.Time `json:"at"`
}

// Statuses returns the status trail in order.
func (j *Job) Statuses() []JobStatus {
	out := make([]JobStatus, len(j.History))
	for i, t := range j.History {
		out[i] = t.Status
	}
	return out
}
