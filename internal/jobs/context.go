package jobs

import "strings"

// JobContext is the handler's cooperative side channel to the queue.
type JobContext struct {
	q *Queue
	e *entry
}

// ID returns the job id.
func (jc *JobContext) ID() string { return jc.e.id }

// Attempt returns the 1-based attempt number.
func (jc *JobContext) Attempt() int {
	jc.e.mu.Lock()
	defer jc.e.mu.Unlock()
	return jc.e.job.RetryCount + 1
}

// IsCancelled reports whether Cancel was called for this job. Handlers
// check it at their own boundaries; the queue never interrupts them.
func (jc *JobContext) IsCancelled() bool {
	return jc.e.cancelled.Load()
}

// UpdateProgress records progress, clamped to [0,100], and emits job_progress.
func (jc *JobContext) UpdateProgress(percent int, message string) {
	jc.q.updateProgress(jc.e, min(max(percent, 0), 100), strings.TrimSpace(message))
}
