package scheduler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvera-dev/stepflow/internal/store"
)

type runnerCall struct {
	workflowID string
	input      map[string]any
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []runnerCall
	err   error
}

func (r *fakeRunner) RunScheduled(ctx context.Context, workflowID string, input map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runnerCall{workflowID: workflowID, input: input})
	return r.err
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(st store.Store, runner WorkflowRunner) *Scheduler {
	return New(st, runner, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestNextRun(t *testing.T) {
	s := newTestScheduler(store.NewMemoryStore(), &fakeRunner{})

	from := time.Date(2026, 8, 27, 10, 2, 0, 0, time.UTC)
	next, err := s.NextRun("*/5 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 27, 10, 5, 0, 0, time.UTC), next)
}

func TestNextRun_BadExpression(t *testing.T) {
	s := newTestScheduler(store.NewMemoryStore(), &fakeRunner{})
	_, err := s.NextRun("not a cron", time.Now())
	require.Error(t, err)
}

func TestTick_RunsDueJob(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := newTestScheduler(st, runner)
	ctx := context.Background()

	require.NoError(t, st.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:         "j1",
		WorkflowID: "order-review",
		CronExpr:   "*/5 * * * *",
		Input:      json.RawMessage(`{"source": "cron"}`),
		Enabled:    true,
		// NextRunAt nil: due immediately.
	}))

	s.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, "order-review", runner.calls[0].workflowID)
	assert.Equal(t, map[string]any{"source": "cron"}, runner.calls[0].input)

	jobs, err := st.ListScheduledJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].LastRunAt)
	require.NotNil(t, jobs[0].NextRunAt)
	assert.True(t, jobs[0].NextRunAt.After(time.Now().UTC().Add(-time.Minute)))
}

func TestTick_SkipsDisabledAndFutureJobs(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{}
	s := newTestScheduler(st, runner)
	ctx := context.Background()

	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, st.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "disabled", WorkflowID: "wf", CronExpr: "* * * * *", Enabled: false,
	}))
	require.NoError(t, st.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "future", WorkflowID: "wf", CronExpr: "* * * * *", Enabled: true, NextRunAt: &future,
	}))

	s.tick(ctx)
	assert.Equal(t, 0, runner.callCount())
}

func TestTick_JobFailureStillReschedules(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{err: context.DeadlineExceeded}
	s := newTestScheduler(st, runner)
	ctx := context.Background()

	require.NoError(t, st.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID: "flaky", WorkflowID: "wf", CronExpr: "* * * * *", Enabled: true,
	}))

	s.tick(ctx)
	require.Equal(t, 1, runner.callCount())

	jobs, err := st.ListScheduledJobs(ctx)
	require.NoError(t, err)
	require.NotNil(t, jobs[0].NextRunAt, "a failing run never wedges the schedule")
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(store.NewMemoryStore(), &fakeRunner{})

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "second start must be rejected")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	// The scheduler can be started again after a clean stop.
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}
