package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvera-dev/stepflow/pkg/schema"
)

func newExec(id, workflowID string) *ExecutionRecord {
	return &ExecutionRecord{
		ID:         id,
		WorkflowID: workflowID,
		Status:     schema.ExecutionPending,
		Data:       json.RawMessage(`{"amount": 10}`),
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	var fe *schema.FlowError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, code, fe.Code)
}

// --- executions ---

func TestMemoryStore_CreateGetExecution(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateExecution(ctx, newExec("e1", "wf")))

	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "wf", got.WorkflowID)
	assert.Equal(t, schema.ExecutionPending, got.Status)
	assert.False(t, got.StartedAt.IsZero())
}

func TestMemoryStore_CreateDuplicateConflicts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateExecution(ctx, newExec("e1", "wf")))
	requireCode(t, s.CreateExecution(ctx, newExec("e1", "wf")), schema.ErrCodeConflict)
}

func TestMemoryStore_GetUnknownExecution(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetExecution(context.Background(), "ghost")
	requireCode(t, err, schema.ErrCodeNotFound)
}

func TestMemoryStore_UpdateExecutionPartial(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateExecution(ctx, newExec("e1", "wf")))

	running := schema.ExecutionRunning
	idx := 2
	require.NoError(t, s.UpdateExecution(ctx, "e1", ExecutionUpdate{
		Status:           &running,
		CurrentStepIndex: &idx,
	}))

	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	assert.Equal(t, 2, got.CurrentStepIndex)
	// Untouched fields survive a partial update.
	assert.JSONEq(t, `{"amount": 10}`, string(got.Data))
}

func TestMemoryStore_SuspensionRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateExecution(ctx, newExec("e1", "wf")))

	sp := &schema.Suspension{StepID: "approve", StepIndex: 1, Reason: "awaiting approval"}
	require.NoError(t, s.UpdateExecution(ctx, "e1", ExecutionUpdate{Suspension: sp}))

	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, got.Suspension)
	assert.Equal(t, "approve", got.Suspension.StepID)

	require.NoError(t, s.UpdateExecution(ctx, "e1", ExecutionUpdate{ClearSuspension: true}))
	got, err = s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, got.Suspension)
}

func TestMemoryStore_ListExecutionsFiltered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a := newExec("e1", "wf-a")
	a.Status = schema.ExecutionCompleted
	b := newExec("e2", "wf-b")
	b.Status = schema.ExecutionSuspended
	c := newExec("e3", "wf-a")
	c.Status = schema.ExecutionSuspended
	for _, rec := range []*ExecutionRecord{a, b, c} {
		require.NoError(t, s.CreateExecution(ctx, rec))
	}

	out, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: "wf-a"})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = s.ListExecutions(ctx, ExecutionFilter{Status: schema.ExecutionSuspended})
	require.NoError(t, err)
	assert.Len(t, out, 2)

	out, err = s.ListExecutions(ctx, ExecutionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestMemoryStore_CopyOnRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateExecution(ctx, newExec("e1", "wf")))

	got, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	got.Status = schema.ExecutionFailed

	again, err := s.GetExecution(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionPending, again.Status)
}

// --- step rows ---

func TestMemoryStore_UpsertStepRecord(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	row := &StepRow{ExecutionID: "e1", StepID: "fetch", Status: schema.StepCompleted,
		Output: json.RawMessage(`{"n": 1}`)}
	require.NoError(t, s.UpsertStepRecord(ctx, row))

	// Re-execution overwrites.
	row2 := &StepRow{ExecutionID: "e1", StepID: "fetch", Status: schema.StepCompleted,
		Output: json.RawMessage(`{"n": 2}`)}
	require.NoError(t, s.UpsertStepRecord(ctx, row2))

	rows, err := s.ListStepRecords(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.JSONEq(t, `{"n": 2}`, string(rows[0].Output))
}

// --- events ---

func TestMemoryStore_AppendEventAssignsSequence(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "e1", Type: "tick"}))
	}

	events, err := s.GetEvents(ctx, "e1", 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}

func TestMemoryStore_GetEventsSince(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "e1", Type: "tick"}))
	}

	events, err := s.GetEvents(ctx, "e1", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Sequence)
}

func TestMemoryStore_EventsIsolatedPerExecution(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "e1", Type: "a"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "e2", Type: "b"}))

	events, err := s.GetEvents(ctx, "e2", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Sequence)
}

// --- scheduled jobs ---

func TestMemoryStore_ScheduledJobLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	job := &ScheduledJob{ID: "j1", WorkflowID: "wf", CronExpr: "*/5 * * * *", Enabled: true}
	require.NoError(t, s.CreateScheduledJob(ctx, job))
	requireCode(t, s.CreateScheduledJob(ctx, job), schema.ErrCodeConflict)

	now := time.Now().UTC()
	next := now.Add(5 * time.Minute)
	require.NoError(t, s.UpdateScheduledJob(ctx, "j1", ScheduledJobUpdate{
		LastRunAt: &now,
		NextRunAt: &next,
	}))

	jobs, err := s.ListScheduledJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].LastRunAt)
	assert.Equal(t, next.Unix(), jobs[0].NextRunAt.Unix())

	require.NoError(t, s.DeleteScheduledJob(ctx, "j1"))
	requireCode(t, s.DeleteScheduledJob(ctx, "j1"), schema.ErrCodeNotFound)
}
