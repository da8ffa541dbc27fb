package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/opchain/internal/diagram"
	"github.com/rendis/opchain/internal/engine"
	"github.com/rendis/opchain/internal/jobs"
	"github.com/rendis/opchain/internal/store"
	"github.com/rendis/opchain/pkg/schema"
)

// handleRun submits a chain job.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	payload := engine.ChainJobPayload{
		ChainID:       req.GetString("chain_id", ""),
		ResumeChainID: req.GetString("resume_chain_id", ""),
		Variables:     mcp.ParseStringMap(req, "variables", nil),
	}
	if raw, ok := args["chain"]; ok && raw != nil {
		def, err := decodeChain(raw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid chain: %v", err)), nil
		}
		payload.Chain = def
	}
	set := 0
	for _, given := range []bool{payload.ChainID != "", payload.Chain != nil, payload.ResumeChainID != ""} {
		if given {
			set++
		}
	}
	if set != 1 {
		return mcp.NewToolResultError("exactly one of chain_id, chain or resume_chain_id is required"), nil
	}

	job, err := s.queue.Submit(ctx, schema.JobTypeChain, payload, jobs.SubmitOptions{
		Priority:   schema.Priority(req.GetInt("priority", 0)),
		MaxRetries: req.GetInt("max_retries", 0),
		TimeoutMs:  req.GetInt("timeout_ms", 0),
		Metadata:   map[string]any{"source": "mcp"},
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit failed: %v", err)), nil
	}
	s.captureSession(ctx, job.ID)

	if req.GetBool("wait", false) {
		final, err := s.queue.Wait(ctx, job.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("wait for job %s: %v", job.ID, err)), nil
		}
		return marshalResult(jobView(final))
	}
	return marshalResult(jobView(job))
}

// handleStatus returns a job's current state.
func (s *Server) handleStatus(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("job_id is required"), nil
	}
	job, err := s.queue.Get(jobID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(jobView(job))
}

// handleCancel requests cancellation of a job.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobID, err := req.RequireString("job_id")
	if err != nil {
		return mcp.NewToolResultError("job_id is required"), nil
	}
	if err := s.queue.Cancel(ctx, jobID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	job, err := s.queue.Get(jobID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "job_id": jobID, "status": job.Status})
}

// handleList lists jobs, chains, or events.
func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "jobs":
		return s.listJobs(filter)
	case "chains":
		return s.listChains(filter)
	case "events":
		return s.listEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource: %s", resource)), nil
	}
}

func (s *Server) listJobs(filter map[string]any) (*mcp.CallToolResult, error) {
	lf := jobs.ListFilter{Limit: extractInt(filter, "limit", 50)}
	if t, ok := filter["type"].(string); ok {
		lf.Type = t
	}
	if st, ok := filter["status"].(string); ok && st != "" {
		lf.Statuses = []schema.JobStatus{schema.JobStatus(st)}
	}
	list := s.queue.List(lf)
	views := make([]map[string]any, 0, len(list))
	for _, j := range list {
		views = append(views, jobView(j))
	}
	return marshalResult(map[string]any{"jobs": views})
}

func (s *Server) listChains(filter map[string]any) (*mcp.CallToolResult, error) {
	if s.catalog == nil {
		return mcp.NewToolResultError("chain catalog not configured"), nil
	}
	cf := store.ChainFilter{Limit: extractInt(filter, "limit", 50)}
	if st, ok := filter["status"].(string); ok && st != "" {
		status := schema.ChainStatus(st)
		cf.Status = &status
	}
	return marshalResult(map[string]any{"chains": s.catalog.List(cf)})
}

func (s *Server) listEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.events == nil {
		return mcp.NewToolResultError("event log not configured"), nil
	}
	streamID, _ := filter["stream_id"].(string)
	if streamID == "" {
		return mcp.NewToolResultError("filter.stream_id is required for events"), nil
	}
	if et, ok := filter["event_type"].(string); ok && et != "" {
		events, err := s.events.GetEventsByType(ctx, et, store.EventFilter{
			StreamID: streamID,
			Limit:    extractInt(filter, "limit", 100),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}
	events, err := s.events.GetEvents(ctx, streamID, int64(extractInt(filter, "since", 0)))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// handleTools lists the registered chain tools.
func (s *Server) handleTools(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.tools == nil {
		return marshalResult(map[string]any{"tools": []any{}})
	}
	return marshalResult(map[string]any{"tools": s.tools.List()})
}

// handleDefine validates and stores a chain.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.catalog == nil {
		return mcp.NewToolResultError("chain catalog not configured"), nil
	}
	raw, ok := req.GetArguments()["chain"]
	if !ok || raw == nil {
		return mcp.NewToolResultError("chain is required"), nil
	}
	def, err := decodeChain(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid chain: %v", err)), nil
	}
	created, err := s.catalog.Create(ctx, def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("define failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"ok":       true,
		"chain_id": created.ID,
		"name":     created.Name,
		"steps":    len(created.Steps),
	})
}

// handleDiagram renders a stored or inline chain as text.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chainID := req.GetString("chain_id", "")
	raw, hasInline := req.GetArguments()["chain"]
	hasInline = hasInline && raw != nil
	if (chainID == "") == !hasInline {
		return mcp.NewToolResultError("exactly one of chain_id or chain is required"), nil
	}

	var def *schema.ChainDefinition
	var err error
	if chainID != "" {
		if s.catalog == nil {
			return mcp.NewToolResultError("chain catalog not configured"), nil
		}
		def, err = s.catalog.Get(ctx, chainID)
	} else {
		def, err = decodeChain(raw)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("load chain: %v", err)), nil
	}

	model, err := diagram.Build(def)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	switch format := req.GetString("format", "ascii"); format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format: %s", format)), nil
	}
}

// --- Internal helpers ---

// decodeChain converts a decoded JSON object into a chain definition.
func decodeChain(raw any) (*schema.ChainDefinition, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	return schema.ChainFromJSON(data)
}

// jobView renders a job with its result decoded.
func jobView(j *schema.Job) map[string]any {
	view := map[string]any{
		"job_id":      j.ID,
		"type":        j.Type,
		"status":      j.Status,
		"priority":    j.Priority,
		"progress":    j.Progress,
		"retry_count": j.RetryCount,
		"max_retries": j.MaxRetries,
		"created_at":  j.CreatedAt,
	}
	if j.ProgressMessage != "" {
		view["progress_message"] = j.ProgressMessage
	}
	if j.Error != "" {
		view["error"] = j.Error
	}
	if j.ScheduledFor != nil {
		view["scheduled_for"] = j.ScheduledFor
	}
	if j.CompletedAt != nil {
		view["completed_at"] = j.CompletedAt
	}
	if len(j.Result) > 0 {
		var result any
		if err := json.Unmarshal(j.Result, &result); err == nil {
			view["result"] = result
		}
	}
	return view
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession remembers which MCP session submitted the job.
func (s *Server) captureSession(ctx context.Context, jobID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(jobID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
