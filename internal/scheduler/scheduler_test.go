package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opchain/internal/jobs"
	"github.com/rendis/opchain/pkg/schema"
)

// mockSubmitter records submissions and lets tests set job statuses.
type mockSubmitter struct {
	mu     sync.Mutex
	calls  []submitCall
	jobs   map[string]*schema.Job
	err    error
	nextID int
}

type submitCall struct {
	Type    string
	Payload any
	Opts    jobs.SubmitOptions
}

func newMockSubmitter() *mockSubmitter {
	return &mockSubmitter{jobs: make(map[string]*schema.Job)}
}

func (m *mockSubmitter) Submit(_ context.Context, jobType string, payload any, opts jobs.SubmitOptions) (*schema.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, submitCall{Type: jobType, Payload: payload, Opts: opts})
	if m.err != nil {
		return nil, m.err
	}
	m.nextID++
	job := &schema.Job{ID: fmt.Sprintf("job-%d", m.nextID), Type: jobType, Status: schema.JobStatusQueued}
	m.jobs[job.ID] = job
	cp := *job
	return &cp, nil
}

func (m *mockSubmitter) Get(id string) (*schema.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "missing")
	}
	cp := *j
	return &cp, nil
}

func (m *mockSubmitter) setStatus(id string, st schema.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = st
}

func (m *mockSubmitter) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newTestScheduler(sub JobSubmitter) *Scheduler {
	return NewScheduler(sub, slog.Default())
}

func TestNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSubmitter())
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	next, err := sched.NextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	next, err = sched.NextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	next, err = sched.NextRun("@daily", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	_, err = sched.NextRun("invalid cron", from)
	require.Error(t, err)
}

func TestAddValidates(t *testing.T) {
	sched := newTestScheduler(newMockSubmitter())

	tests := []struct {
		name string
		in   Schedule
		code string
	}{
		{"no name", Schedule{Cron: "@hourly", Type: "chain"}, schema.ErrCodeValidation},
		{"no type", Schedule{Name: "a", Cron: "@hourly"}, schema.ErrCodeValidation},
		{"bad cron", Schedule{Name: "a", Cron: "every tuesday", Type: "chain"}, schema.ErrCodeValidation},
		{"bad payload", Schedule{Name: "a", Cron: "@hourly", Type: "chain", Payload: json.RawMessage(`{`)}, schema.ErrCodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, schema.HasCode(sched.Add(tt.in), tt.code))
		})
	}

	require.NoError(t, sched.Add(Schedule{Name: "nightly", Cron: "0 3 * * *", Type: "chain"}))
	assert.True(t, schema.HasCode(sched.Add(Schedule{Name: "nightly", Cron: "@hourly", Type: "chain"}), schema.ErrCodeConflict))
}

func TestTriggerSubmitsJob(t *testing.T) {
	sub := newMockSubmitter()
	sched := newTestScheduler(sub)
	require.NoError(t, sched.Add(Schedule{
		Name:       "report",
		Cron:       "0 * * * *",
		Type:       schema.JobTypeChain,
		Payload:    json.RawMessage(`{"chain_id":"c1"}`),
		Priority:   schema.PriorityHigh,
		MaxRetries: 2,
		TimeoutMs:  1000,
	}))

	job, err := sched.Trigger(context.Background(), "report")
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)

	require.Equal(t, 1, sub.callCount())
	call := sub.calls[0]
	assert.Equal(t, schema.JobTypeChain, call.Type)
	assert.Equal(t, json.RawMessage(`{"chain_id":"c1"}`), call.Payload)
	assert.Equal(t, schema.PriorityHigh, call.Opts.Priority)
	assert.Equal(t, 2, call.Opts.MaxRetries)
	assert.Equal(t, 1000, call.Opts.TimeoutMs)
	assert.Equal(t, "report", call.Opts.Metadata["schedule"])

	infos := sched.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "job-1", infos[0].LastJobID)
	assert.Equal(t, "submitted", infos[0].LastStatus)
	assert.Equal(t, 1, infos[0].Runs)

	_, err = sched.Trigger(context.Background(), "missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestTriggerSkipsWhilePreviousRunActive(t *testing.T) {
	sub := newMockSubmitter()
	sched := newTestScheduler(sub)
	require.NoError(t, sched.Add(Schedule{Name: "sync", Cron: "@every 1h", Type: "chain"}))

	first, err := sched.Trigger(context.Background(), "sync")
	require.NoError(t, err)

	_, err = sched.Trigger(context.Background(), "sync")
	assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))
	assert.Equal(t, 1, sub.callCount())
	assert.Equal(t, "skipped", sched.List()[0].LastStatus)

	sub.setStatus(first.ID, schema.JobStatusCompleted)
	_, err = sched.Trigger(context.Background(), "sync")
	require.NoError(t, err)
	assert.Equal(t, 2, sub.callCount())
}

func TestTriggerAllowOverlap(t *testing.T) {
	sub := newMockSubmitter()
	sched := newTestScheduler(sub)
	require.NoError(t, sched.Add(Schedule{Name: "ping", Cron: "@every 1h", Type: "chain", AllowOverlap: true}))

	for range 3 {
		_, err := sched.Trigger(context.Background(), "ping")
		require.NoError(t, err)
	}
	assert.Equal(t, 3, sub.callCount())
}

func TestTriggerSubmitError(t *testing.T) {
	sub := newMockSubmitter()
	sub.err = errors.New("queue full")
	sched := newTestScheduler(sub)
	require.NoError(t, sched.Add(Schedule{Name: "x", Cron: "@hourly", Type: "chain"}))

	_, err := sched.Trigger(context.Background(), "x")
	require.Error(t, err)
	info := sched.List()[0]
	assert.Equal(t, "error", info.LastStatus)
	assert.Equal(t, 0, info.Runs)
}

func TestRemove(t *testing.T) {
	sched := newTestScheduler(newMockSubmitter())
	require.NoError(t, sched.Add(Schedule{Name: "b", Cron: "@hourly", Type: "chain"}))
	require.NoError(t, sched.Add(Schedule{Name: "a", Cron: "@hourly", Type: "chain"}))

	infos := sched.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Name)

	require.NoError(t, sched.Remove("a"))
	assert.Len(t, sched.List(), 1)
	assert.True(t, schema.HasCode(sched.Remove("a"), schema.ErrCodeNotFound))
}

func TestCronClockFires(t *testing.T) {
	sub := newMockSubmitter()
	sched := newTestScheduler(sub)
	require.NoError(t, sched.Add(Schedule{Name: "tick", Cron: "@every 1s", Type: "chain", AllowOverlap: true}))

	sched.Start()
	sched.Start()
	assert.False(t, sched.List()[0].Next.IsZero())

	require.Eventually(t, func() bool { return sub.callCount() >= 1 }, 3*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sched.Stop(ctx))
	require.NoError(t, sched.Stop(ctx))
}

func TestWithRealQueue(t *testing.T) {
	q := jobs.NewQueue(jobs.Config{Workers: 1})
	done := make(chan string, 1)
	require.NoError(t, q.Register("noop", func(_ context.Context, payload json.RawMessage, _ *jobs.JobContext) (any, error) {
		done <- string(payload)
		return nil, nil
	}))
	q.Start()
	t.Cleanup(func() { _ = q.Stop(context.Background()) })

	sched := newTestScheduler(q)
	require.NoError(t, sched.Add(Schedule{Name: "n", Cron: "@hourly", Type: "noop", Payload: json.RawMessage(`{"k":1}`)}))

	job, err := sched.Trigger(context.Background(), "n")
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.JSONEq(t, `{"k":1}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled job did not run")
	}
	final, err := q.Wait(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "n", final.Metadata["schedule"])
}
