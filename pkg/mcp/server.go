package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/galaxy/internal/engine"
	"github.com/rendis/galaxy/internal/scheduler"
)

// ScheduleLister reports registered cron entries.
type ScheduleLister interface {
	Entries() []scheduler.EntryStatus
}

// GalaxyServerDeps holds the dependencies for creating a GalaxyServer.
// Schedules is optional.
type GalaxyServerDeps struct {
	Service   *engine.Service
	Schedules ScheduleLister
	Logger    *slog.Logger
}

// GalaxyServer exposes the engine service as MCP tools.
type GalaxyServer struct {
	svc       *engine.Service
	schedules ScheduleLister
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewGalaxyServer creates a GalaxyServer with every tool registered.
func NewGalaxyServer(deps GalaxyServerDeps) *GalaxyServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &GalaxyServer{
		svc:       deps.Service,
		schedules: deps.Schedules,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"galaxy",
		Version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Galaxy executes DAG workflows of prompt, image, llm and transform nodes. "+
			"Use galaxy.plan to check a graph, galaxy.define to save it, galaxy.run to execute it, galaxy.status to follow a run, "+
			"galaxy.resume to deliver a provider callback and galaxy.diagram to draw a workflow or run."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Version is reported to MCP clients during initialization.
var Version = "dev"

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *GalaxyServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *GalaxyServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *GalaxyServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: planTool(), Handler: s.handlePlan},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func planTool() mcp.Tool {
	return mcp.NewTool("galaxy.plan",
		mcp.WithDescription("Validate a workflow graph and return its execution order and parallel levels"),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Workflow graph: {nodes: [{id, type, input}], edges: [{from, to}]}")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("galaxy.define",
		mcp.WithDescription("Validate and save a workflow document"),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Workflow graph: {nodes: [{id, type, input}], edges: [{from, to}]}")),
		mcp.WithString("id", mcp.Description("Workflow ID to create or replace (default: generated)")),
		mcp.WithString("name", mcp.Description("Human readable workflow name")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("galaxy.run",
		mcp.WithDescription("Start a run of a saved workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithBoolean("wait", mcp.Description("Block until the run finishes and return its result (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("galaxy.status",
		mcp.WithDescription("Get a run with its node runs and open waitpoints"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
		mcp.WithBoolean("events", mcp.Description("Include the recorded event history and node timelines")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("galaxy.cancel",
		mcp.WithDescription("Request cancellation of a run; it stops at the next checkpoint"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("galaxy.resume",
		mcp.WithDescription("Deliver a provider result to the node waiting on a callback token"),
		mcp.WithString("token", mcp.Required(), mcp.Description("Waitpoint token handed to the provider")),
		mcp.WithObject("payload", mcp.Required(), mcp.Description("Provider result, e.g. {\"text\": \"...\"}")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("galaxy.query",
		mcp.WithDescription("List runs, workflows, node types or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "workflows", "node_types", "schedules"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, status, limit, offset)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("galaxy.diagram",
		mcp.WithDescription("Draw a workflow, or a run with its node status overlay, as ASCII art, Mermaid flowchart syntax or a PNG image"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to draw")),
		mcp.WithString("run_id", mcp.Description("Run to draw; its workflow is used and node status is overlaid")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax) or image (PNG)"),
		),
	)
}
