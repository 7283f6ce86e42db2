package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Store is the persistence the tools read and write. Satisfied by
// *store.LibSQLStore.
type Store interface {
	GetRun(ctx context.Context, id string) (*schema.Run, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*schema.Run, error)
	ListStepResults(ctx context.Context, runID string) ([]*schema.StepResult, error)
	GetEvents(ctx context.Context, runID string, since int64) ([]*schema.Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter store.EventFilter) ([]*schema.Event, error)
	ReplaySteps(ctx context.Context, runID string) (map[string]*store.StepSnapshot, error)
	SaveGraph(ctx context.Context, g *store.GraphRecord) error
	GetGraph(ctx context.Context, name string) (*store.GraphRecord, error)
	ListGraphs(ctx context.Context) ([]*store.GraphRecord, error)
	ListSchedules(ctx context.Context, filter store.ScheduleFilter) ([]*store.Schedule, error)
}

// GraphRunner executes graphs. Satisfied by *engine.Executor.
type GraphRunner interface {
	Run(ctx context.Context, g *schema.Graph, opts engine.RunOptions) (*engine.RunResult, error)
}

// ServerDeps holds the dependencies of a StepflowServer.
type ServerDeps struct {
	Executor  GraphRunner
	Store     Store
	Validator *validation.GraphValidator
	FlowOf    engine.FlowOf // step kinds for diagrams
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// StepflowServer exposes graph execution, validation and run inspection
// as MCP tools.
type StepflowServer struct {
	executor  GraphRunner
	store     Store
	validator *validation.GraphValidator
	flowOf    engine.FlowOf
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewStepflowServer creates a StepflowServer with all tools registered.
func NewStepflowServer(deps ServerDeps) *StepflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StepflowServer{
		executor:  deps.Executor,
		store:     deps.Store,
		validator: deps.Validator,
		flowOf:    deps.FlowOf,
		hub:       deps.Hub,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow runs step graphs. Use stepflow.validate to check a graph, stepflow.define to store it, stepflow.run to execute a stored or inline graph, stepflow.status and stepflow.query to inspect runs, and stepflow.diagram to draw a graph."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve forwards run events to the sessions that started the runs and
// serves stdio until ctx is cancelled or stdin closes.
func (s *StepflowServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		n := NewNotifier(s.mcpServer, s.sessions, s.logger)
		ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{})
		if err != nil {
			return err
		}
		defer cancel()
		go n.Forward(ctx, ch)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for tests or other transports.
func (s *StepflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *StepflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepflow.run",
		mcp.WithDescription("Execute a step graph and return its result"),
		mcp.WithObject("graph", mcp.Description("Inline graph document {name, entry, steps, edges}")),
		mcp.WithString("graph_name", mcp.Description("Name of a stored graph (used when graph is absent)")),
		mcp.WithObject("variables", mcp.Description("Initial run variables")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("stepflow.validate",
		mcp.WithDescription("Validate a graph document without running it"),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Graph document to validate")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("stepflow.define",
		mcp.WithDescription("Validate and store a named graph"),
		mcp.WithString("name", mcp.Description("Graph name (defaults to the document's name)")),
		mcp.WithObject("graph", mcp.Required(), mcp.Description("Graph document")),
		mcp.WithString("description", mcp.Description("Graph description")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get a run with its step results and replayed step states"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("stepflow.query",
		mcp.WithDescription("Query runs, events, graphs, or schedules"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events", "graphs", "schedules"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, graph_name, since, limit, run_id, step_id, event_type, after)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("stepflow.diagram",
		mcp.WithDescription("Draw a graph as ASCII art, a Mermaid flowchart, or a PNG image"),
		mcp.WithString("graph_name", mcp.Description("Stored graph to draw")),
		mcp.WithString("run_id", mcp.Description("Run whose step outcomes are overlaid; its stored graph is drawn when graph_name is absent")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format"),
		),
	)
}
