package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/opchain/internal/engine"
	"github.com/rendis/opchain/internal/tools"
	"github.com/rendis/opchain/pkg/schema"
)

// Plugin statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusCrashed   = "crashed"
)

// unhealthyAfter is the number of consecutive failed pings before a plugin
// is restarted.
const unhealthyAfter = 3

// Config describes an MCP server whose tools become chain tools named
// "<Name>.<tool>".
type Config struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
}

// Client is the subset of the mcp-go client the manager uses.
type Client interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

// Dialer connects to a plugin. The returned client must be started but
// not yet initialized.
type Dialer func(ctx context.Context, cfg Config) (Client, error)

// StdioDialer launches the plugin as a subprocess speaking MCP over stdio.
func StdioDialer(_ context.Context, cfg Config) (Client, error) {
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return nil, fmt.Errorf("start plugin %q: %w", cfg.Name, err)
	}
	return c, nil
}

// Status is a plugin's runtime state.
type Status struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Tools     int    `json:"tools"`
	Server    string `json:"server,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

type managedPlugin struct {
	cfg      Config
	client   Client
	server   string
	tools    int
	status   string
	errCount int
	lastErr  string
}

// Manager connects MCP plugins and registers their tools into a Registry.
type Manager struct {
	registry *tools.Registry
	dial     Dialer
	version  string
	logger   *slog.Logger

	mu      sync.RWMutex
	plugins map[string]*managedPlugin
}

// NewManager creates a Manager. A nil dial uses StdioDialer.
func NewManager(registry *tools.Registry, dial Dialer, version string, logger *slog.Logger) *Manager {
	if dial == nil {
		dial = StdioDialer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		dial:     dial,
		version:  version,
		logger:   logger,
		plugins:  make(map[string]*managedPlugin),
	}
}

// Load connects a plugin, performs the MCP handshake, and registers its
// tools. It returns the number of tools registered.
func (m *Manager) Load(ctx context.Context, cfg Config) (int, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "plugin name is required")
	}
	if strings.Contains(cfg.Name, ".") {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "plugin name %q must not contain '.'", cfg.Name)
	}

	m.mu.Lock()
	if _, exists := m.plugins[cfg.Name]; exists {
		m.mu.Unlock()
		return 0, schema.NewErrorf(schema.ErrCodeConflict, "plugin %q already loaded", cfg.Name)
	}
	// Reserve the name while connecting.
	m.plugins[cfg.Name] = &managedPlugin{cfg: cfg, status: "starting"}
	m.mu.Unlock()

	mp, err := m.connect(ctx, cfg)
	if err != nil {
		m.mu.Lock()
		delete(m.plugins, cfg.Name)
		m.mu.Unlock()
		return 0, err
	}

	m.mu.Lock()
	m.plugins[cfg.Name] = mp
	m.mu.Unlock()

	m.logger.Info("plugin loaded",
		slog.String("plugin", cfg.Name),
		slog.String("server", mp.server),
		slog.Int("tools", mp.tools),
	)
	return mp.tools, nil
}

func (m *Manager) connect(ctx context.Context, cfg Config) (*managedPlugin, error) {
	c, err := m.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	hello := mcp.InitializeRequest{}
	hello.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	hello.Params.ClientInfo = mcp.Implementation{Name: "opchain", Version: m.version}
	res, err := c.Initialize(ctx, hello)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("handshake with plugin %q: %w", cfg.Name, err)
	}

	listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("list tools of plugin %q: %w", cfg.Name, err)
	}

	discovered := make([]tools.Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		discovered = append(discovered, newMCPTool(c, t))
	}
	n, err := m.registry.RegisterPlugin(cfg.Name, discovered)
	if err != nil {
		_ = c.Close()
		return nil, err
	}

	return &managedPlugin{
		cfg:    cfg,
		client: c,
		server: res.ServerInfo.Name,
		tools:  n,
		status: StatusHealthy,
	}, nil
}

// Unload unregisters a plugin's tools and closes its connection.
func (m *Manager) Unload(name string) error {
	m.mu.Lock()
	mp, ok := m.plugins[name]
	if !ok || mp.client == nil {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "plugin %q not found", name)
	}
	delete(m.plugins, name)
	m.mu.Unlock()

	removed := m.registry.UnregisterPlugin(name)
	err := mp.client.Close()
	m.logger.Info("plugin unloaded", slog.String("plugin", name), slog.Int("tools", removed))
	if err != nil {
		return fmt.Errorf("close plugin %q: %w", name, err)
	}
	return nil
}

// Close unloads every plugin.
func (m *Manager) Close() error {
	m.mu.RLock()
	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, name := range names {
		if err := m.Unload(name); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
			lastErr = err
			m.logger.Error("failed to unload plugin", slog.String("plugin", name), slog.String("error", err.Error()))
		}
	}
	return lastErr
}

// Status returns every plugin's state, ordered by name.
func (m *Manager) Status() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.plugins))
	for _, mp := range m.plugins {
		out = append(out, Status{
			Name:      mp.cfg.Name,
			Status:    mp.status,
			Tools:     mp.tools,
			Server:    mp.server,
			LastError: mp.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CheckHealth pings every plugin once. Plugins that failed unhealthyAfter
// consecutive pings are restarted.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.mu.RLock()
	targets := make([]*managedPlugin, 0, len(m.plugins))
	for _, mp := range m.plugins {
		if mp.client != nil {
			targets = append(targets, mp)
		}
	}
	m.mu.RUnlock()

	for _, mp := range targets {
		err := mp.client.Ping(ctx)
		m.mu.Lock()
		if err == nil {
			mp.errCount = 0
			mp.lastErr = ""
			mp.status = StatusHealthy
			m.mu.Unlock()
			continue
		}
		mp.errCount++
		mp.lastErr = err.Error()
		mp.status = StatusUnhealthy
		restart := mp.errCount >= unhealthyAfter
		errCount := mp.errCount
		m.mu.Unlock()

		m.logger.Warn("plugin ping failed",
			slog.String("plugin", mp.cfg.Name),
			slog.Int("consecutive_errors", errCount),
			slog.String("error", err.Error()),
		)
		if restart {
			m.restart(ctx, mp, errCount)
		}
	}
}

// Watch runs CheckHealth every interval until ctx ends.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

func (m *Manager) restart(ctx context.Context, mp *managedPlugin, errCount int) {
	name := mp.cfg.Name
	delay := engine.ExponentialBackoff(time.Second, time.Minute, errCount-unhealthyAfter)
	m.logger.Info("restarting plugin", slog.String("plugin", name), slog.Duration("backoff", delay))

	m.mu.Lock()
	mp.status = StatusCrashed
	m.mu.Unlock()

	if err := engine.WaitForBackoff(ctx, delay); err != nil {
		return
	}
	if err := m.Unload(name); err != nil && !schema.HasCode(err, schema.ErrCodeNotFound) {
		m.logger.Warn("unload before restart", slog.String("plugin", name), slog.String("error", err.Error()))
	}
	if _, err := m.Load(ctx, mp.cfg); err != nil {
		m.logger.Error("failed to restart plugin", slog.String("plugin", name), slog.String("error", err.Error()))
	}
}

// mcpTool exposes one remote MCP tool as a chain tool.
type mcpTool struct {
	client      Client
	name        string
	description string
	inputSchema json.RawMessage
}

func newMCPTool(c Client, t mcp.Tool) *mcpTool {
	in := t.RawInputSchema
	if len(in) == 0 {
		in, _ = json.Marshal(t.InputSchema)
	}
	return &mcpTool{client: c, name: t.Name, description: t.Description, inputSchema: in}
}

func (t *mcpTool) Name() string                 { return t.name }
func (t *mcpTool) Description() string          { return t.description }
func (t *mcpTool) InputSchema() json.RawMessage { return t.inputSchema }

// Execute calls the remote tool. Structured content is returned as is;
// otherwise text content is decoded as JSON when possible.
func (t *mcpTool) Execute(ctx context.Context, params map[string]any, _ *tools.ExecutionContext) (any, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = params

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "plugin tool %q: %s", t.name, err.Error()).WithCause(err)
	}

	text := contentText(res.Content)
	if res.IsError {
		return nil, schema.NewErrorf(schema.ErrCodeToolExecution, "plugin tool %q failed: %s", t.name, text)
	}
	if res.StructuredContent != nil {
		return res.StructuredContent, nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(text), &decoded); err == nil {
		return decoded, nil
	}
	return text, nil
}

func contentText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if s := mcp.GetTextFromContent(c); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}
