package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opchain/internal/jobs"
	"github.com/rendis/opchain/internal/store"
	"github.com/rendis/opchain/internal/tools"
	"github.com/rendis/opchain/pkg/schema"
)

// JobQueue is the job queue surface the server drives. Satisfied by *jobs.Queue.
type JobQueue interface {
	Submit(ctx context.Context, jobType string, payload any, opts jobs.SubmitOptions) (*schema.Job, error)
	Get(id string) (*schema.Job, error)
	List(filter jobs.ListFilter) []*schema.Job
	Cancel(ctx context.Context, id string) error
	Wait(ctx context.Context, id string) (*schema.Job, error)
}

// ChainCatalog is the chain catalog surface. Satisfied by *engine.Catalog.
type ChainCatalog interface {
	Create(ctx context.Context, def *schema.ChainDefinition) (*schema.ChainDefinition, error)
	Get(ctx context.Context, id string) (*schema.ChainDefinition, error)
	List(filter store.ChainFilter) []*schema.ChainDefinition
}

// ToolLister lists registered chain tools. Satisfied by *tools.Registry.
type ToolLister interface {
	List() []tools.Info
}

// ServerDeps holds the dependencies of a Server. Events is optional.
type ServerDeps struct {
	Queue   JobQueue
	Catalog ChainCatalog
	Tools   ToolLister
	Events  store.Store
	Version string
	Logger  *slog.Logger
}

// Server exposes the engine as MCP tools.
type Server struct {
	queue     JobQueue
	catalog   ChainCatalog
	tools     ToolLister
	events    store.Store
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		queue:    deps.Queue,
		catalog:  deps.Catalog,
		tools:    deps.Tools,
		events:   deps.Events,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"opchain",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("opchain runs multi-step tool chains as queued jobs. Use opchain.define to store a chain, opchain.run to start one, opchain.status and opchain.cancel to follow or stop it, opchain.list to browse jobs, chains and events, opchain.tools to see which tools steps can call, and opchain.diagram to draw a chain."),
	)
	mcpSrv.AddTools(s.serverTools()...)
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

// Notifier returns a sink that pushes job events to the session that
// submitted the job.
func (s *Server) Notifier() *Notifier {
	return NewNotifier(s.mcpServer, s.sessions, s.logger)
}

func (s *Server) serverTools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: toolsTool(), Handler: s.handleTools},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("opchain.run",
		mcp.WithDescription("Submit a chain for execution as a queued job"),
		mcp.WithString("chain_id", mcp.Description("ID of a stored chain (exclusive with chain and resume_chain_id)")),
		mcp.WithObject("chain", mcp.Description("Inline chain definition (exclusive with chain_id and resume_chain_id)")),
		mcp.WithString("resume_chain_id", mcp.Description("ID of a failed or cancelled stored chain to continue from its first unfinished step; the tail runs as a new chain")),
		mcp.WithObject("variables", mcp.Description("Variables merged over the chain's own")),
		mcp.WithNumber("priority", mcp.Description("-1 low, 0 normal, 1 high, 2 critical")),
		mcp.WithNumber("max_retries", mcp.Description("Job-level retries after a failed run")),
		mcp.WithNumber("timeout_ms", mcp.Description("Job timeout in milliseconds (0 = none)")),
		mcp.WithBoolean("wait", mcp.Description("Block until the job finishes and return its final state")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("opchain.status",
		mcp.WithDescription("Get a job's status, progress and result"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("ID of the job to query")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("opchain.cancel",
		mcp.WithDescription("Cancel a queued, scheduled or running job"),
		mcp.WithString("job_id", mcp.Required(), mcp.Description("ID of the job to cancel")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("opchain.list",
		mcp.WithDescription("List jobs, chains, or events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("jobs", "chains", "events"),
			mcp.Description("Type of resource to list"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, type, limit, stream_id)")),
	)
}

func toolsTool() mcp.Tool {
	return mcp.NewTool("opchain.tools",
		mcp.WithDescription("List the tools chain steps can call"),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("opchain.define",
		mcp.WithDescription("Validate and store a chain definition"),
		mcp.WithObject("chain", mcp.Required(), mcp.Description("Chain definition: name, steps, variables")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("opchain.diagram",
		mcp.WithDescription("Draw a chain as ASCII boxes or a Mermaid flowchart"),
		mcp.WithString("chain_id", mcp.Description("ID of a stored chain; its last run state is shown (exclusive with chain)")),
		mcp.WithObject("chain", mcp.Description("Inline chain definition (exclusive with chain_id)")),
		mcp.WithString("format", mcp.Enum("ascii", "mermaid"), mcp.Description("Output format (default ascii)")),
	)
}
