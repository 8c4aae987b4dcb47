package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvera-dev/stepflow/internal/engine"
	"github.com/calvera-dev/stepflow/internal/store"
	"github.com/calvera-dev/stepflow/pkg/schema"
	"github.com/calvera-dev/stepflow/pkg/workflow"
)

func newTestMCP(t *testing.T) *Server {
	t.Helper()
	st := store.NewMemoryStore()
	eng := engine.New(
		engine.WithStore(st),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	echo := workflow.Func("echo", func(ctx context.Context, in *workflow.StepInput) (workflow.Outcome, error) {
		return workflow.Continue(in.Data), nil
	})
	require.NoError(t, eng.Register(workflow.New("echo-wf", echo)))

	approve := workflow.Func("approve", func(ctx context.Context, in *workflow.StepInput) (workflow.Outcome, error) {
		if in.ResumeData != nil {
			return workflow.Continue(in.ResumeData), nil
		}
		return workflow.Suspend("awaiting approval", nil), nil
	})
	require.NoError(t, eng.Register(workflow.New("approval-wf", approve)))

	return NewServer(ServerDeps{Engine: eng, Store: st})
}

func callReq(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func textOf(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := mcp.AsTextContent(res.Content[0])
	require.True(t, ok)
	return tc.Text
}

func resultOf(t *testing.T, res *mcp.CallToolResult) *engine.Result {
	t.Helper()
	var out engine.Result
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &out))
	return &out
}

func TestTool_Execute(t *testing.T) {
	s := newTestMCP(t)
	res, err := s.handleExecute(context.Background(), callReq("workflow_execute", map[string]any{
		"workflow_id": "echo-wf",
		"input":       map[string]any{"msg": "hello"},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	out := resultOf(t, res)
	assert.Equal(t, schema.ExecutionCompleted, out.Status)
	assert.Equal(t, map[string]any{"msg": "hello"}, out.Output)
}

func TestTool_Execute_MissingWorkflowID(t *testing.T) {
	s := newTestMCP(t)
	res, err := s.handleExecute(context.Background(), callReq("workflow_execute", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestTool_Execute_UnknownWorkflow(t *testing.T) {
	s := newTestMCP(t)
	res, err := s.handleExecute(context.Background(), callReq("workflow_execute", map[string]any{
		"workflow_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestTool_SuspendThenResume(t *testing.T) {
	s := newTestMCP(t)
	res, err := s.handleExecute(context.Background(), callReq("workflow_execute", map[string]any{
		"workflow_id": "approval-wf",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	suspended := resultOf(t, res)
	require.Equal(t, schema.ExecutionSuspended, suspended.Status)

	res, err = s.handleResume(context.Background(), callReq("workflow_resume", map[string]any{
		"execution_id": suspended.ExecutionID,
		"resume_data":  map[string]any{"approved": true},
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	final := resultOf(t, res)
	assert.Equal(t, schema.ExecutionCompleted, final.Status)
	assert.Equal(t, map[string]any{"approved": true}, final.Output)
}

func TestTool_Status(t *testing.T) {
	s := newTestMCP(t)
	res, err := s.handleExecute(context.Background(), callReq("workflow_execute", map[string]any{
		"workflow_id": "echo-wf",
		"input":       map[string]any{"msg": "x"},
	}))
	require.NoError(t, err)
	done := resultOf(t, res)

	res, err = s.handleStatus(context.Background(), callReq("workflow_status", map[string]any{
		"execution_id": done.ExecutionID,
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	assert.Equal(t, schema.ExecutionCompleted, resultOf(t, res).Status)
}

func TestTool_List(t *testing.T) {
	s := newTestMCP(t)
	_, err := s.handleExecute(context.Background(), callReq("workflow_execute", map[string]any{
		"workflow_id": "echo-wf",
		"input":       map[string]any{"msg": "x"},
	}))
	require.NoError(t, err)

	res, err := s.handleList(context.Background(), callReq("workflow_list", map[string]any{}))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var out struct {
		Workflows  []map[string]any         `json:"workflows"`
		Executions []*store.ExecutionRecord `json:"executions"`
	}
	require.NoError(t, json.Unmarshal([]byte(textOf(t, res)), &out))
	assert.Len(t, out.Workflows, 2)
	assert.Len(t, out.Executions, 1)
}
