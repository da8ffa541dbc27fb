package jobs

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/opchain/internal/engine"
	"github.com/rendis/opchain/internal/logging"
	"github.com/rendis/opchain/internal/store"
	"github.com/rendis/opchain/internal/streaming"
	"github.com/rendis/opchain/pkg/schema"
)

// Handler executes one attempt of a job. The returned value becomes the
// job result; an error fails the attempt and may schedule a retry.
type Handler func(ctx context.Context, payload json.RawMessage, jc *JobContext) (any, error)

// Defaults for Config.
const (
	DefaultWorkers   = 4
	DefaultRetryBase = time.Second
	DefaultRetryMax  = 5 * time.Minute
)

// Config wires a Queue.
type Config struct {
	Workers   int
	RetryBase time.Duration
	RetryMax  time.Duration
	// Store persists job records. Nil, or a failing store, leaves the
	// queue tracking jobs in memory only.
	Store  store.Store
	Sink   streaming.Sink
	Logger *slog.Logger
}

// SubmitOptions tune a single job.
type SubmitOptions struct {
	Priority   schema.Priority
	TimeoutMs  int
	MaxRetries int
	Metadata   map[string]any
}

// ListFilter narrows List. Zero fields match all.
type ListFilter struct {
	Type     string
	Statuses []schema.JobStatus
	Limit    int
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Workers  int                      `json:"workers"`
	Queued   int                      `json:"queued"`
	Running  int                      `json:"running"`
	ByStatus map[schema.JobStatus]int `json:"by_status"`
	Pool     PoolMetrics              `json:"pool"`
}

// entry is the queue's private record of a job. mu guards job; the queue
// mutex guards only the arena and the heap.
type entry struct {
	id        string
	priority  schema.Priority
	seq       uint64
	index     int
	cancelled atomic.Bool
	done      chan struct{}

	mu    sync.Mutex
	job   schema.Job
	timer *time.Timer
}

// Queue runs jobs on a bounded worker pool, highest priority first and FIFO
// within a priority. Failed attempts are retried with exponential backoff.
type Queue struct {
	cfg    Config
	logger *slog.Logger
	sink   streaming.Sink
	pool   *Pool

	mu       sync.Mutex
	handlers map[string]Handler
	jobs     map[string]*entry
	ready    readyHeap
	seq      uint64
	wake     chan struct{}

	started    bool
	stopped    bool
	stopDisp   context.CancelFunc
	dispatched chan struct{}
	runCancel  context.CancelFunc
}

// NewQueue creates a stopped queue.
func NewQueue(cfg Config) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}
	if cfg.Sink == nil {
		cfg.Sink = streaming.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		cfg:      cfg,
		logger:   cfg.Logger,
		sink:     cfg.Sink,
		pool:     NewPool(cfg.Workers, cfg.Logger),
		handlers: make(map[string]Handler),
		jobs:     make(map[string]*entry),
		wake:     make(chan struct{}, 1),
	}
}

// Register binds a handler to a job type. Duplicate types are a CONFLICT.
func (q *Queue) Register(jobType string, h Handler) error {
	if jobType == "" || h == nil {
		return schema.NewError(schema.ErrCodeValidation, "job type and handler are required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[jobType]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "handler for job type %q already registered", jobType)
	}
	q.handlers[jobType] = h
	return nil
}

// Types returns the registered job types, sorted.
func (q *Queue) Types() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.handlers))
	for t := range q.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Submit enqueues a job. payload may be json.RawMessage, []byte or any
// JSON-encodable value. An unregistered type is a VALIDATION_ERROR.
func (q *Queue) Submit(ctx context.Context, jobType string, payload any, opts SubmitOptions) (*schema.Job, error) {
	q.mu.Lock()
	_, known := q.handlers[jobType]
	q.mu.Unlock()
	if !known {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "no handler registered for job type %q", jobType)
	}
	if opts.MaxRetries < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "max_retries must be >= 0, got %d", opts.MaxRetries)
	}
	if opts.TimeoutMs < 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "timeout_ms must be >= 0, got %d", opts.TimeoutMs)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	e := &entry{
		id:       uuid.New().String(),
		priority: opts.Priority,
		index:    -1,
		done:     make(chan struct{}),
	}
	e.job = schema.Job{
		ID:         e.id,
		Type:       jobType,
		Payload:    raw,
		Priority:   opts.Priority,
		Status:     schema.JobStatusQueued,
		MaxRetries: opts.MaxRetries,
		TimeoutMs:  opts.TimeoutMs,
		CreatedAt:  now,
		Metadata:   opts.Metadata,
		History:    []schema.JobTransition{{Status: schema.JobStatusQueued, At: now}},
	}
	snap := copyJob(&e.job)

	q.createRecord(ctx, &e.job)
	q.emit(ctx, e.id, schema.EventJobQueued, map[string]any{"type": jobType, "priority": int(opts.Priority)})

	q.mu.Lock()
	q.jobs[e.id] = e
	q.push(e)
	q.mu.Unlock()
	q.signal()

	logging.LogWith(logging.WithJobID(ctx, e.id), q.logger).Debug("job queued",
		slog.String("type", jobType), slog.Int("priority", int(opts.Priority)))
	return snap, nil
}

// Get returns a snapshot of a job.
func (q *Queue) Get(id string) (*schema.Job, error) {
	e, err := q.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyJob(&e.job), nil
}

// List returns snapshots of matching jobs, oldest first.
func (q *Queue) List(filter ListFilter) []*schema.Job {
	q.mu.Lock()
	entries := make([]*entry, 0, len(q.jobs))
	for _, e := range q.jobs {
		entries = append(entries, e)
	}
	q.mu.Unlock()

	out := make([]*schema.Job, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		match := (filter.Type == "" || e.job.Type == filter.Type) && statusIn(e.job.Status, filter.Statuses)
		if match {
			out = append(out, copyJob(&e.job))
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Cancel requests cancellation. Queued and retry-scheduled jobs are
// cancelled at once. A running job only has its flag set: the handler sees
// it through JobContext.IsCancelled and the job ends cancelled when the
// handler returns.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	e, err := q.entry(id)
	if err != nil {
		return err
	}

	q.mu.Lock()
	e.mu.Lock()
	status := e.job.Status
	switch status {
	case schema.JobStatusQueued:
		if e.index >= 0 {
			heap.Remove(&q.ready, e.index)
		}
	case schema.JobStatusRetryScheduled:
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	case schema.JobStatusRunning:
		e.cancelled.Store(true)
		e.mu.Unlock()
		q.mu.Unlock()
		logging.LogWith(logging.WithJobID(ctx, id), q.logger).Info("cancellation requested")
		return nil
	default:
		e.mu.Unlock()
		q.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "job %s is already %s", id, status)
	}
	q.mu.Unlock()

	e.cancelled.Store(true)
	now := time.Now().UTC()
	q.transition(e, schema.JobStatusCancelled, now)
	e.job.CompletedAt = &now
	e.job.ScheduledFor = nil
	e.mu.Unlock()

	q.updateRecord(ctx, id, store.RecordPatch{Status: ptr(schema.JobStatusCancelled), CompletedAt: &now, ClearSchedule: true})
	q.emit(ctx, id, schema.EventJobCancelled, map[string]any{"from": string(status)})
	close(e.done)
	return nil
}

// Wait blocks until the job reaches a terminal state and returns it.
func (q *Queue) Wait(ctx context.Context, id string) (*schema.Job, error) {
	e, err := q.entry(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-e.done:
		return q.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Remove deletes a terminal job from the queue and the store.
func (q *Queue) Remove(ctx context.Context, id string) error {
	e, err := q.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	status := e.job.Status
	e.mu.Unlock()
	if !isFinal(status, e) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "job %s is %s; only finished jobs can be removed", id, status)
	}

	q.mu.Lock()
	delete(q.jobs, id)
	q.mu.Unlock()

	if q.cfg.Store != nil {
		if err := q.cfg.Store.DeleteRecord(ctx, id); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
			q.logPersist(ctx, id, "delete", err)
		}
	}
	return nil
}

// Stats summarizes the queue.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	entries := make([]*entry, 0, len(q.jobs))
	for _, e := range q.jobs {
		entries = append(entries, e)
	}
	queued := q.ready.Len()
	q.mu.Unlock()

	st := Stats{Workers: q.pool.Size(), Queued: queued, ByStatus: make(map[schema.JobStatus]int)}
	for _, e := range entries {
		e.mu.Lock()
		st.ByStatus[e.job.Status]++
		e.mu.Unlock()
	}
	st.Running = st.ByStatus[schema.JobStatusRunning]
	st.Pool = q.pool.Metrics()
	return st
}

// Start launches the dispatcher. Jobs submitted before Start wait in the queue.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true
	dctx, dcancel := context.WithCancel(context.Background())
	rctx, rcancel := context.WithCancel(context.Background())
	q.stopDisp, q.runCancel = dcancel, rcancel
	q.dispatched = make(chan struct{})
	go q.dispatch(dctx, rctx, q.dispatched)
}

// Stop halts dispatching and waits for running jobs. If ctx expires first,
// running handlers have their context cancelled and ctx's error is returned.
// Pending retries are left scheduled in the store for Recover. A stopped
// queue cannot be started again.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	q.stopDisp()
	dispatched := q.dispatched
	cancel := q.runCancel
	for _, e := range q.jobs {
		e.mu.Lock()
		if e.timer != nil {
			e.timer.Stop()
		}
		e.mu.Unlock()
	}
	q.mu.Unlock()

	<-dispatched

	drained := make(chan struct{})
	go func() {
		q.pool.Shutdown()
		close(drained)
	}()
	select {
	case <-drained:
		cancel()
		return nil
	case <-ctx.Done():
		cancel()
		return ctx.Err()
	}
}

// Recover re-enqueues unfinished jobs found in the store, typically after a
// restart. Running jobs go back to queued; retry-scheduled jobs keep their
// remaining backoff. Jobs of unregistered types are skipped. It returns the
// number of jobs recovered.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	if q.cfg.Store == nil {
		return 0, nil
	}
	recs, err := q.cfg.Store.ListRecords(ctx, store.RecordFilter{Statuses: []schema.JobStatus{
		schema.JobStatusQueued, schema.JobStatusRunning, schema.JobStatusRetryScheduled,
	}})
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "list unfinished jobs: %s", err.Error()).WithCause(err)
	}

	n := 0
	for _, rec := range recs {
		q.mu.Lock()
		_, exists := q.jobs[rec.ID]
		_, known := q.handlers[rec.Type]
		q.mu.Unlock()
		if exists {
			continue
		}
		if !known {
			q.logger.Warn("skipping recovered job of unknown type",
				slog.String("job_id", rec.ID), slog.String("type", rec.Type))
			continue
		}

		e := &entry{id: rec.ID, priority: schema.Priority(rec.Priority), index: -1, done: make(chan struct{})}
		e.job = jobFromRecord(rec)
		now := time.Now().UTC()

		switch rec.Status {
		case schema.JobStatusRunning:
			q.transition(e, schema.JobStatusQueued, now)
			q.updateRecord(ctx, e.id, store.RecordPatch{Status: ptr(schema.JobStatusQueued)})
			fallthrough
		case schema.JobStatusQueued:
			q.mu.Lock()
			q.jobs[e.id] = e
			q.push(e)
			q.mu.Unlock()
			q.signal()
		case schema.JobStatusRetryScheduled:
			delay := time.Duration(0)
			if rec.ScheduledFor != nil {
				delay = max(time.Until(*rec.ScheduledFor), 0)
			}
			q.mu.Lock()
			q.jobs[e.id] = e
			q.mu.Unlock()
			e.mu.Lock()
			e.timer = time.AfterFunc(delay, func() { q.requeue(e) })
			e.mu.Unlock()
		}
		n++
	}
	if n > 0 {
		q.logger.Info("recovered jobs", slog.Int("count", n))
	}
	return n, nil
}

// --- dispatch ---

// dispatch waits for a free worker, then hands it the best queued job.
// dctx ends dispatching; jobs run under runCtx.
func (q *Queue) dispatch(dctx, runCtx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		if err := q.pool.Acquire(dctx); err != nil {
			return
		}
		e := q.next(dctx.Done())
		if e == nil {
			q.pool.Release()
			return
		}
		q.pool.Go(runCtx, func(ctx context.Context) error {
			return q.run(ctx, e)
		})
	}
}

// next pops the highest-priority queued entry, waiting for one if needed.
// It returns nil when stop is closed.
func (q *Queue) next(stop <-chan struct{}) *entry {
	for {
		q.mu.Lock()
		if q.ready.Len() > 0 {
			e := heap.Pop(&q.ready).(*entry)
			q.mu.Unlock()
			return e
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-stop:
			return nil
		}
	}
}

func (q *Queue) run(ctx context.Context, e *entry) error {
	ctx = logging.WithJobID(ctx, e.id)
	log := logging.LogWith(ctx, q.logger)

	e.mu.Lock()
	if e.job.Status != schema.JobStatusQueued {
		e.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	q.transition(e, schema.JobStatusRunning, now)
	e.job.StartedAt = &now
	e.job.Error = ""
	payload := e.job.Payload
	jobType := e.job.Type
	timeout := time.Duration(e.job.TimeoutMs) * time.Millisecond
	attempt := e.job.RetryCount + 1
	e.mu.Unlock()

	q.updateRecord(ctx, e.id, store.RecordPatch{Status: ptr(schema.JobStatusRunning), StartedAt: &now, Error: ptr("")})
	q.emit(ctx, e.id, schema.EventJobStarted, map[string]any{"type": jobType, "attempt": attempt})
	log.Info("job started", slog.String("type", jobType), slog.Int("attempt", attempt))

	q.mu.Lock()
	h := q.handlers[jobType]
	q.mu.Unlock()

	value, err := q.invoke(ctx, h, payload, &JobContext{q: q, e: e}, timeout)
	q.finish(ctx, e, value, err)
	return err
}

type handlerOutcome struct {
	value any
	err   error
}

// invoke runs the handler, racing it against timeout when set. Panics are
// converted to errors; a handler that ignores its context after a timeout
// keeps running unobserved.
func (q *Queue) invoke(ctx context.Context, h Handler, payload json.RawMessage, jc *JobContext, timeout time.Duration) (any, error) {
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.LogWith(ctx, q.logger).Error("job handler panicked", slog.Any("panic", r))
				out <- handlerOutcome{err: schema.NewErrorf(schema.ErrCodeToolExecution, "job handler panicked: %v", r)}
			}
		}()
		v, err := h(callCtx, payload, jc)
		out <- handlerOutcome{value: v, err: err}
	}()

	select {
	case o := <-out:
		// A handler that noticed the deadline itself still timed out.
		if o.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return o.value, timeoutError(timeout, o.err)
		}
		return o.value, o.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "queue stopped while job was running").WithCause(ctx.Err())
		}
		return nil, timeoutError(timeout, callCtx.Err())
	}
}

func timeoutError(timeout time.Duration, cause error) error {
	return schema.NewErrorf(schema.ErrCodeTimeout, "job timed out after %s", timeout).
		WithCause(cause).
		WithDetails(map[string]any{"timeout_ms": timeout.Milliseconds()})
}

func (q *Queue) finish(ctx context.Context, e *entry, value any, runErr error) {
	log := logging.LogWith(ctx, q.logger)
	now := time.Now().UTC()
	result := q.encodeResult(ctx, value)

	e.mu.Lock()
	if result != nil {
		e.job.Result = result
	}

	switch {
	case e.cancelled.Load():
		q.transition(e, schema.JobStatusCancelled, now)
		e.job.CompletedAt = &now
		e.mu.Unlock()
		q.updateRecord(ctx, e.id, store.RecordPatch{Status: ptr(schema.JobStatusCancelled), CompletedAt: &now, Result: result})
		q.emit(ctx, e.id, schema.EventJobCancelled, map[string]any{"from": string(schema.JobStatusRunning)})
		log.Info("job cancelled")
		close(e.done)

	case runErr == nil:
		q.transition(e, schema.JobStatusCompleted, now)
		e.job.CompletedAt = &now
		e.job.Progress = 100
		e.mu.Unlock()
		q.updateRecord(ctx, e.id, store.RecordPatch{
			Status: ptr(schema.JobStatusCompleted), CompletedAt: &now, Progress: ptr(100), Result: result,
		})
		q.emit(ctx, e.id, schema.EventJobCompleted, nil)
		log.Info("job completed")
		close(e.done)

	default:
		msg := runErr.Error()
		retryCount := e.job.RetryCount
		willRetry := engine.IsRetryableError(runErr) && retryCount < e.job.MaxRetries
		q.transition(e, schema.JobStatusFailed, now)
		e.job.Error = msg
		var (
			delay time.Duration
			at    time.Time
		)
		if willRetry {
			// Scheduled under the same lock so Cancel never sees a failed job
			// that is about to come back.
			delay = engine.ExponentialBackoff(q.cfg.RetryBase, q.cfg.RetryMax, retryCount)
			at = now.Add(delay)
			q.transition(e, schema.JobStatusRetryScheduled, now)
			e.job.RetryCount = retryCount + 1
			e.job.ScheduledFor = &at
		} else {
			e.job.CompletedAt = &now
		}
		e.mu.Unlock()

		patch := store.RecordPatch{Status: ptr(schema.JobStatusFailed), Error: &msg, Result: result}
		if !willRetry {
			patch.CompletedAt = &now
		}
		q.updateRecord(ctx, e.id, patch)
		q.emit(ctx, e.id, schema.EventJobFailed, map[string]any{
			"error": msg, "code": schema.CodeOf(runErr), "retry_count": retryCount, "will_retry": willRetry,
		})
		log.Warn("job failed", slog.String("error", msg), slog.Bool("will_retry", willRetry))

		if !willRetry {
			close(e.done)
			return
		}
		q.updateRecord(ctx, e.id, store.RecordPatch{
			Status: ptr(schema.JobStatusRetryScheduled), RetryCount: ptr(retryCount + 1), ScheduledFor: &at,
		})
		q.emit(ctx, e.id, schema.EventJobRetryScheduled, map[string]any{
			"retry_count": retryCount + 1, "delay_ms": delay.Milliseconds(), "scheduled_for": at,
		})

		// The timer starts after both records are written so a short backoff
		// cannot persist queued before retry_scheduled. A stopped queue leaves
		// the retry in the store for Recover.
		q.mu.Lock()
		e.mu.Lock()
		if !q.stopped && e.job.Status == schema.JobStatusRetryScheduled && e.timer == nil {
			e.timer = time.AfterFunc(delay, func() { q.requeue(e) })
		}
		e.mu.Unlock()
		q.mu.Unlock()
	}
}

// requeue moves a retry-scheduled job back to queued once its backoff ends.
func (q *Queue) requeue(e *entry) {
	ctx := logging.WithJobID(context.Background(), e.id)

	q.mu.Lock()
	e.mu.Lock()
	if e.job.Status != schema.JobStatusRetryScheduled {
		e.mu.Unlock()
		q.mu.Unlock()
		return
	}
	e.timer = nil
	q.transition(e, schema.JobStatusQueued, time.Now().UTC())
	e.job.ScheduledFor = nil
	q.push(e)
	e.mu.Unlock()
	q.mu.Unlock()

	q.updateRecord(ctx, e.id, store.RecordPatch{Status: ptr(schema.JobStatusQueued), ClearSchedule: true})
	q.emit(ctx, e.id, schema.EventJobQueued, map[string]any{"retry": true})
	q.signal()
}

func (q *Queue) updateProgress(e *entry, percent int, message string) {
	ctx := logging.WithJobID(context.Background(), e.id)
	e.mu.Lock()
	e.job.Progress = percent
	e.job.ProgressMessage = message
	e.mu.Unlock()

	q.updateRecord(ctx, e.id, store.RecordPatch{Progress: &percent, ProgressMessage: &message})
	q.emit(ctx, e.id, schema.EventJobProgress, map[string]any{"progress": percent, "message": message})
}

// --- helpers ---

// push adds e to the ready heap. Caller holds q.mu.
func (q *Queue) push(e *entry) {
	q.seq++
	e.seq = q.seq
	heap.Push(&q.ready, e)
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) entry(id string) (*entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.jobs[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "job %q not found", id)
	}
	return e, nil
}

// transition applies a status change and records it in the history.
// Caller holds e.mu. Invalid transitions are a programming error and are
// logged, not applied.
func (q *Queue) transition(e *entry, to schema.JobStatus, at time.Time) {
	if !engine.ValidJobTransition(e.job.Status, to) {
		q.logger.Error("invalid job transition",
			slog.String("job_id", e.id), slog.String("from", string(e.job.Status)), slog.String("to", string(to)))
		return
	}
	e.job.Status = to
	e.job.History = append(e.job.History, schema.JobTransition{Status: to, At: at})
}

func (q *Queue) emit(ctx context.Context, jobID, eventType string, payload map[string]any) {
	ev := streaming.Event{Type: eventType, JobID: jobID}
	if payload != nil {
		ev.Payload = payload
	}
	if err := q.sink.Emit(context.WithoutCancel(ctx), streaming.Stamp(ev)); err != nil {
		q.logger.Warn("emit event", slog.String("event", eventType), slog.String("job_id", jobID), slog.String("error", err.Error()))
	}
}

func (q *Queue) createRecord(ctx context.Context, job *schema.Job) {
	if q.cfg.Store == nil {
		return
	}
	rec := &store.Record{
		ID:         job.ID,
		Type:       job.Type,
		Payload:    job.Payload,
		Priority:   int(job.Priority),
		Status:     job.Status,
		MaxRetries: job.MaxRetries,
		TimeoutMs:  job.TimeoutMs,
		CreatedAt:  job.CreatedAt,
	}
	if len(job.Metadata) > 0 {
		if b, err := json.Marshal(job.Metadata); err == nil {
			rec.Metadata = b
		}
	}
	if _, err := q.cfg.Store.CreateRecord(context.WithoutCancel(ctx), rec); err != nil {
		q.logPersist(ctx, job.ID, "create", err)
	}
}

func (q *Queue) updateRecord(ctx context.Context, id string, patch store.RecordPatch) {
	if q.cfg.Store == nil {
		return
	}
	if err := q.cfg.Store.UpdateRecord(context.WithoutCancel(ctx), id, patch); err != nil {
		q.logPersist(ctx, id, "update", err)
	}
}

func (q *Queue) logPersist(ctx context.Context, id, op string, err error) {
	logging.LogWith(ctx, q.logger).Warn("job persistence failed",
		slog.String("job_id", id), slog.String("op", op), slog.String("error", err.Error()))
}

func (q *Queue) encodeResult(ctx context.Context, value any) json.RawMessage {
	if value == nil {
		return nil
	}
	if raw, ok := value.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(value)
	if err != nil {
		logging.LogWith(ctx, q.logger).Warn("job result not JSON encodable", slog.String("error", err.Error()))
		return nil
	}
	return b
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, schema.NewError(schema.ErrCodeValidation, "payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, schema.NewError(schema.ErrCodeValidation, "payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "encode payload: %s", err.Error()).WithCause(err)
		}
		return b, nil
	}
}

func jobFromRecord(rec *store.Record) schema.Job {
	job := schema.Job{
		ID:              rec.ID,
		Type:            rec.Type,
		Payload:         rec.Payload,
		Priority:        schema.Priority(rec.Priority),
		Status:          rec.Status,
		RetryCount:      rec.RetryCount,
		MaxRetries:      rec.MaxRetries,
		TimeoutMs:       rec.TimeoutMs,
		ScheduledFor:    rec.ScheduledFor,
		Progress:        rec.Progress,
		ProgressMessage: rec.ProgressMessage,
		Result:          rec.Result,
		Error:           rec.Error,
		CreatedAt:       rec.CreatedAt,
		StartedAt:       rec.StartedAt,
		CompletedAt:     rec.CompletedAt,
		History:         []schema.JobTransition{{Status: rec.Status, At: rec.UpdatedAt}},
	}
	if len(rec.Metadata) > 0 {
		_ = json.Unmarshal(rec.Metadata, &job.Metadata)
	}
	return job
}

func copyJob(j *schema.Job) *schema.Job {
	cp := *j
	cp.Payload = cloneRaw(j.Payload)
	cp.Result = cloneRaw(j.Result)
	cp.History = append([]schema.JobTransition(nil), j.History...)
	if j.Metadata != nil {
		cp.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			cp.Metadata[k] = v
		}
	}
	for _, t := range []**time.Time{&cp.ScheduledFor, &cp.StartedAt, &cp.CompletedAt} {
		if *t != nil {
			v := **t
			*t = &v
		}
	}
	return &cp
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}

func statusIn(s schema.JobStatus, set []schema.JobStatus) bool {
	if len(set) == 0 {
		return true
	}
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// isFinal reports whether a job will never run again. A failed job with a
// retry pending is not final; its done channel tells the two apart.
func isFinal(s schema.JobStatus, e *entry) bool {
	if !s.IsTerminal() {
		return false
	}
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func ptr[T any](v T) *T { return &v }

var _ engine.JobControl = (*JobContext)(nil)

