// Package mcp exposes the pipeline engine to collaborating agents over the
// Model Context Protocol. Every tool call maps to exactly one engine
// operation; the server itself holds no state.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/crewline/crewline/internal/engine"
)

// CrewlineServerDeps holds the dependencies for creating a CrewlineServer.
type CrewlineServerDeps struct {
	Engine *engine.Engine
	Logger *slog.Logger
}

// CrewlineServer wraps an MCP server with pipeline tool handlers.
type CrewlineServer struct {
	engine    *engine.Engine
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewCrewlineServer creates a CrewlineServer with all 6 tools registered.
func NewCrewlineServer(deps CrewlineServerDeps) *CrewlineServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &CrewlineServer{
		engine: deps.Engine,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"crewline",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Crewline coordinates multi-agent pipelines. Use crewline.create_run to start a pipeline, crewline.claim to poll for work assigned to your worker identity, crewline.complete and crewline.fail to report results, and crewline.status / crewline.stories to inspect a run."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *CrewlineServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *CrewlineServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *CrewlineServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: createRunTool(), Handler: s.handleCreateRun},
		{Tool: claimTool(), Handler: s.handleClaim},
		{Tool: completeTool(), Handler: s.handleComplete},
		{Tool: failTool(), Handler: s.handleFail},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: storiesTool(), Handler: s.handleStories},
	}
}

// --- Tool definitions ---

func createRunTool() mcp.Tool {
	return mcp.NewTool("crewline.create_run",
		mcp.WithDescription("Start a pipeline run from a pipeline definition"),
		mcp.WithObject("pipeline", mcp.Required(), mcp.Description("Pipeline definition: id, steps (name, worker, type, input_template, condition, max_retries, loop), optional initial context")),
		mcp.WithString("task", mcp.Required(), mcp.Description("Task description made available to templates as {{task}}")),
	)
}

func claimTool() mcp.Tool {
	return mcp.NewTool("crewline.claim",
		mcp.WithDescription("Poll for one unit of pending work assigned to a worker identity. Returns found=false when nothing is available"),
		mcp.WithString("worker", mcp.Required(), mcp.Description("Worker identity to claim for")),
	)
}

func completeTool() mcp.Tool {
	return mcp.NewTool("crewline.complete",
		mcp.WithDescription("Report successful completion of a claimed step. KEY: value lines in the output are merged into the run context; a STORIES_JSON: block creates loop stories"),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the claimed step")),
		mcp.WithString("output", mcp.Required(), mcp.Description("Raw worker output")),
	)
}

func failTool() mcp.Tool {
	return mcp.NewTool("crewline.fail",
		mcp.WithDescription("Report a failed attempt on a claimed step; the retry budget decides whether the work is retried or the run fails"),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the claimed step")),
		mcp.WithString("error", mcp.Required(), mcp.Description("Error description")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("crewline.status",
		mcp.WithDescription("Get a run with its full step sequence"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func storiesTool() mcp.Tool {
	return mcp.NewTool("crewline.stories",
		mcp.WithDescription("List a run's stories in sequence order"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}
