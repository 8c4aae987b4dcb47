// Package mcp exposes the engine to agents over the Model Context Protocol.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/calvera-dev/stepflow/internal/engine"
	"github.com/calvera-dev/stepflow/internal/store"
)

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine *engine.Engine
	Store  store.Store
	Logger *slog.Logger
}

// Server wraps an MCP server with workflow tool handlers.
type Server struct {
	engine    *engine.Engine
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		engine: deps.Engine,
		store:  deps.Store,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow runs step-based workflows with suspend/resume. Use workflow_execute to run a registered workflow, workflow_resume to resume a suspended execution with a payload, workflow_status to inspect an execution, and workflow_list to list registered workflows and recent executions."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("workflow_execute",
		mcp.WithDescription("Execute a registered workflow and wait for it to settle (completed, failed or suspended)"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the registered workflow")),
		mcp.WithObject("input", mcp.Description("Workflow input, validated against the workflow's input schema")),
		mcp.WithString("user_id", mcp.Description("ID of the user on whose behalf the workflow runs")),
		mcp.WithString("conversation_id", mcp.Description("Conversation the execution belongs to")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("workflow_resume",
		mcp.WithDescription("Resume a suspended execution with a payload"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the suspended execution")),
		mcp.WithObject("resume_data", mcp.Description("Payload made available to the resumed step, validated against its resume schema")),
		mcp.WithString("step_id", mcp.Description("Resume at this top-level step instead of the suspended one")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow_status",
		mcp.WithDescription("Get the status snapshot of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("workflow_list",
		mcp.WithDescription("List registered workflows and recent executions"),
		mcp.WithString("workflow_id", mcp.Description("Limit executions to this workflow")),
		mcp.WithString("status", mcp.Description("Limit executions to this status (running, suspended, completed, failed, cancelled)")),
	)
}
