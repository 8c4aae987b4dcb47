package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/calvera-dev/stepflow/internal/engine"
	"github.com/calvera-dev/stepflow/internal/store"
	"github.com/calvera-dev/stepflow/pkg/schema"
)

// handleExecute runs a registered workflow to settlement.
func (s *Server) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	input := mcp.ParseStringMap(req, "input", nil)
	opts := engine.RunOptions{
		UserID:         req.GetString("user_id", ""),
		ConversationID: req.GetString("conversation_id", ""),
	}

	var in any
	if input != nil {
		in = input
	}
	result, runErr := s.engine.Execute(ctx, workflowID, in, opts)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
	}
	return marshalResult(result)
}

// handleResume resumes a suspended execution with a payload.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	payload := mcp.ParseStringMap(req, "resume_data", nil)
	stepID := req.GetString("step_id", "")

	run, resumeErr := s.engine.Resume(ctx, executionID, payload, engine.ResumeOptions{StepID: stepID})
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(run.Wait())
}

// handleStatus returns the current snapshot of an execution.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	result, statusErr := s.engine.Get(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(result)
}

// handleList lists registered workflows and recent executions.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ExecutionFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Status:     schema.ExecutionStatus(req.GetString("status", "")),
		Limit:      50,
	}

	executions, listErr := s.store.ListExecutions(ctx, filter)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", listErr)), nil
	}

	workflows := make([]map[string]any, 0)
	for _, def := range s.engine.ListDefinitions() {
		workflows = append(workflows, map[string]any{
			"id":          def.ID,
			"name":        def.Name,
			"description": def.Description,
			"steps":       len(def.Steps),
		})
	}

	return marshalResult(map[string]any{
		"workflows":  workflows,
		"executions": executions,
	})
}

// marshalResult serializes a value as the tool's JSON text content.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(b)), nil
}
