package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/fpoisson2/test-chatkit-sub001/internal/engine"
	"github.com/fpoisson2/test-chatkit-sub001/internal/graph"
	"github.com/fpoisson2/test-chatkit-sub001/internal/store"
	"github.com/fpoisson2/test-chatkit-sub001/internal/streaming"
)

// TraceReplayer reconstructs per-step traces from a run's event log.
// Satisfied by store.EventLog; nil disables trace reporting in flowd.status.
type TraceReplayer interface {
	Replay(ctx context.Context, runID string) (map[string]*store.StepTrace, error)
}

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Orchestrator *engine.Orchestrator
	Store        store.Store
	Normalizer   *graph.Normalizer
	Replayer     TraceReplayer
	// Hub, when set, drives run-completion pushes to connected clients.
	Hub    streaming.EventHub
	Logger *slog.Logger
}

// FlowServer wraps an MCP server with workflow tool handlers.
type FlowServer struct {
	orchestrator *engine.Orchestrator
	store        store.Store
	normalizer   *graph.Normalizer
	replayer     TraceReplayer
	hub          streaming.EventHub
	logger       *slog.Logger
	mcpServer    *server.MCPServer
}

// NewFlowServer creates a FlowServer with all tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		orchestrator: deps.Orchestrator,
		store:        deps.Store,
		normalizer:   deps.Normalizer,
		replayer:     deps.Replayer,
		hub:          deps.Hub,
		logger:       logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowd",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("flowd executes conversational workflow graphs. Use flowd.validate to check an editor graph, flowd.signal to deliver a widget action to a waiting thread, flowd.status to inspect a run, and flowd.query to list runs and events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		notifier := NewRunNotifier(s.mcpServer, s.hub, s.logger)
		if err := notifier.Start(ctx); err != nil {
			return err
		}
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: signalTool(), Handler: s.handleSignal},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func validateTool() mcp.Tool {
	return mcp.NewTool("flowd.validate",
		mcp.WithDescription("Validate an editor workflow graph and return its normalized form with batch error reporting"),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Raw editor graph with nodes and edges")),
	)
}

func signalTool() mcp.Tool {
	return mcp.NewTool("flowd.signal",
		mcp.WithDescription("Deliver a widget action to a thread waiting on one"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread whose pending widget the action targets")),
		mcp.WithString("widget_slug", mcp.Description("Widget slug the action came from")),
		mcp.WithString("widget_item_id", mcp.Description("Item id of the rendered widget instance")),
		mcp.WithObject("payload", mcp.Description("Action payload merged into run state on resume")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowd.status",
		mcp.WithDescription("Inspect a workflow run: status, summary, and per-step traces replayed from its event log"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("flowd.query",
		mcp.WithDescription("List runs or run events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithString("thread_id", mcp.Description("Filter runs by thread")),
		mcp.WithString("status", mcp.Description("Filter runs by status")),
		mcp.WithString("run_id", mcp.Description("Run whose events to list (required for events)")),
	)
}
