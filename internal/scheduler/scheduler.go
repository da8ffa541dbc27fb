package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/opchain/internal/jobs"
	"github.com/rendis/opchain/pkg/schema"
)

// JobSubmitter is the slice of the job queue the scheduler needs.
// Satisfied by *jobs.Queue.
type JobSubmitter interface {
	Submit(ctx context.Context, jobType string, payload any, opts jobs.SubmitOptions) (*schema.Job, error)
	Get(id string) (*schema.Job, error)
}

// Schedule submits a job of Type with Payload every time Cron fires.
type Schedule struct {
	Name       string          `json:"name"`
	Cron       string          `json:"cron"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Priority   schema.Priority `json:"priority,omitempty"`
	MaxRetries int             `json:"max_retries,omitempty"`
	TimeoutMs  int             `json:"timeout_ms,omitempty"`
	// AllowOverlap submits even when the previous run is still unfinished.
	AllowOverlap bool `json:"allow_overlap,omitempty"`
}

// Info is a schedule plus its runtime state.
type Info struct {
	Schedule
	Next       time.Time `json:"next"`
	Prev       time.Time `json:"prev,omitzero"`
	LastJobID  string    `json:"last_job_id,omitempty"`
	LastStatus string    `json:"last_status,omitempty"`
	Runs       int       `json:"runs"`
}

type entry struct {
	sched   Schedule
	id      cron.EntryID
	lastJob string
	status  string
	runs    int
}

// Scheduler fires registered schedules on a cron clock and submits the
// resulting jobs to the queue.
type Scheduler struct {
	jobs   JobSubmitter
	parser cron.Parser
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	started bool
}

// NewScheduler creates a Scheduler. Cron expressions use the standard five
// fields and also accept descriptors such as @hourly and @every 1m.
func NewScheduler(submitter JobSubmitter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger}
	return &Scheduler{
		jobs:   submitter,
		parser: parser,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

// Add registers a schedule. Names are unique.
func (s *Scheduler) Add(sched Schedule) error {
	sched.Name = strings.TrimSpace(sched.Name)
	if sched.Name == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule name is required")
	}
	if sched.Type == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule %q: job type is required", sched.Name)
	}
	if len(sched.Payload) > 0 && !json.Valid(sched.Payload) {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule %q: payload is not valid JSON", sched.Name)
	}
	spec, err := s.parser.Parse(sched.Cron)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "schedule %q: parse cron expression %q: %s", sched.Name, sched.Cron, err.Error()).WithCause(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[sched.Name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", sched.Name)
	}
	e := &entry{sched: sched}
	e.id = s.cron.Schedule(spec, cron.FuncJob(func() { s.fire(context.Background(), sched.Name) }))
	s.entries[sched.Name] = e
	s.logger.Info("schedule added", slog.String("schedule", sched.Name), slog.String("cron", sched.Cron), slog.String("type", sched.Type))
	return nil
}

// Remove unregisters a schedule.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", name)
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	return nil
}

// List returns all schedules ordered by name.
func (s *Scheduler) List() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.entries))
	for _, e := range s.entries {
		ce := s.cron.Entry(e.id)
		out = append(out, Info{
			Schedule:   e.sched,
			Next:       ce.Next,
			Prev:       ce.Prev,
			LastJobID:  e.lastJob,
			LastStatus: e.status,
			Runs:       e.runs,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Trigger fires a schedule immediately, outside its cron clock.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*schema.Job, error) {
	s.mu.Lock()
	_, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", name)
	}
	return s.fire(ctx, name)
}

// NextRun computes the next run time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	spec, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return spec.Next(from), nil
}

// Start launches the cron clock.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.logger.Info("scheduler started", slog.Int("schedules", len(s.entries)))
}

// Stop halts the clock and waits for in-flight submissions, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fire submits one job for the named schedule. A schedule whose previous
// job is still unfinished is skipped unless it allows overlap.
func (s *Scheduler) fire(ctx context.Context, name string) (*schema.Job, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	if !ok {
		s.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", name)
	}
	sched, last := e.sched, e.lastJob
	s.mu.Unlock()

	log := s.logger.With(slog.String("schedule", name))
	if last != "" && !sched.AllowOverlap {
		if prev, err := s.jobs.Get(last); err == nil && !prev.Status.IsTerminal() {
			log.Info("previous run still active, skipping", slog.String("job_id", last), slog.String("status", string(prev.Status)))
			s.record(name, "", "skipped")
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "schedule %q: job %s still %s", name, last, prev.Status)
		}
	}

	var payload any
	if len(sched.Payload) > 0 {
		payload = sched.Payload
	}
	job, err := s.jobs.Submit(ctx, sched.Type, payload, jobs.SubmitOptions{
		Priority:   sched.Priority,
		TimeoutMs:  sched.TimeoutMs,
		MaxRetries: sched.MaxRetries,
		Metadata:   map[string]any{"schedule": name},
	})
	if err != nil {
		log.Error("scheduled submit failed", slog.String("error", err.Error()))
		s.record(name, "", "error")
		return nil, err
	}
	log.Info("scheduled job submitted", slog.String("job_id", job.ID), slog.String("type", sched.Type))
	s.record(name, job.ID, "submitted")
	return job, nil
}

func (s *Scheduler) record(name, jobID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return
	}
	if jobID != "" {
		e.lastJob = jobID
		e.runs++
	}
	e.status = status
}

// cronLogger routes cron's internal logging into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
