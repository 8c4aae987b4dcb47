package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := WithIDs(context.Background(), "e1", "wf1", "s1")
	assert.Equal(t, "e1", ExecutionID(ctx))
	assert.Equal(t, "wf1", WorkflowID(ctx))
	assert.Equal(t, "s1", StepID(ctx))
}

func TestContextEmptyByDefault(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ExecutionID(ctx))
	assert.Empty(t, WorkflowID(ctx))
	assert.Empty(t, StepID(ctx))
}

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	return rec
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithIDs(context.Background(), "exec-9", "wf-9", "step-9")
	logger.InfoContext(ctx, "step complete")

	rec := logLine(t, &buf)
	assert.Equal(t, "exec-9", rec["execution_id"])
	assert.Equal(t, "wf-9", rec["workflow_id"])
	assert.Equal(t, "step-9", rec["step_id"])
	assert.Equal(t, "step complete", rec["msg"])
}

func TestCorrelationHandler_OmitsEmptyIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithExecutionID(context.Background(), "exec-1")
	logger.InfoContext(ctx, "partial")

	rec := logLine(t, &buf)
	assert.Equal(t, "exec-1", rec["execution_id"])
	_, hasWorkflow := rec["workflow_id"]
	assert.False(t, hasWorkflow)
	_, hasStep := rec["step_id"]
	assert.False(t, hasStep)
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithIDs(context.Background(), "e1", "wf1", "")
	LogWith(ctx, base).Info("enriched")

	rec := logLine(t, &buf)
	assert.Equal(t, "e1", rec["execution_id"])
	assert.Equal(t, "wf1", rec["workflow_id"])
	_, hasStep := rec["step_id"]
	assert.False(t, hasStep)
}
