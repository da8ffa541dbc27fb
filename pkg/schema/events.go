package schema

// Event names emitted to the event sink.
const (
	EventChainStarted   = "chain_started"
	EventChainProgress  = "chain_progress"
	EventChainCompleted = "chain_completed"
	EventChainFailed    = "chain_failed"
	EventChainCancelled = "chain_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventConditionFailedOpen = "condition_failed_open"

	EventJobQueued         = "job_queued"
	EventJobStarted        = "job_started"
	EventJobProgress       = "job_progress"
	EventJobCompleted      = "job_completed"
	EventJobFailed         = "job_failed"
	EventJobCancelled      = "job_cancelled"
	EventJobRetryScheduled = "job_retry_scheduled"
)

// ChainStatus represents the lifecycle state of a chain.
type ChainStatus string

const (
	ChainStatusPending   ChainStatus = "pending"
	ChainStatusRunning   ChainStatus = "running"
	ChainStatusCompleted ChainStatus = "completed"
	ChainStatusFailed    ChainStatus = "failed"
	ChainStatusCancelled ChainStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s ChainStatus) IsTerminal() bool {
	return s == ChainStatusCompleted || s == ChainStatusFailed || s == ChainStatusCancelled
}

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued         JobStatus = "queued"
	JobStatusRunning        JobStatus = "running"
	JobStatusCompleted      JobStatus = "completed"
	JobStatusFailed         JobStatus = "failed"
	JobStatusCancelled      JobStatus = "cancelled"
	JobStatusRetryScheduled JobStatus = "retry_scheduled"
)

// IsTerminal reports whether the job has reached a final state.
// A failed job that still has retries left passes through failed
// on its way to retry_scheduled; callers decide with RetryCount.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}
