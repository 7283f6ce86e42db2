package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/diagram"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// handleRun executes an inline or stored graph and waits for it to finish.
func (s *StepflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, errResult := s.resolveGraph(ctx, req)
	if errResult != nil {
		return errResult, nil
	}
	vars := mcp.ParseStringMap(req, "variables", map[string]any{})
	if err := s.validator.ValidateVariables(g, vars); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid variables: %v", err)), nil
	}

	runID := uuid.New().String()
	s.captureSession(ctx, runID)

	result, err := s.executor.Run(ctx, g, engine.RunOptions{RunID: runID, Variables: vars})
	if err != nil {
		s.sessions.Forget(runID)
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}
	return marshalResult(result)
}

// resolveGraph reads the graph argument, falling back to graph_name. The
// returned graph has passed validation.
func (s *StepflowServer) resolveGraph(ctx context.Context, req mcp.CallToolRequest) (*schema.Graph, *mcp.CallToolResult) {
	if raw := mcp.ParseStringMap(req, "graph", nil); raw != nil {
		doc, err := json.Marshal(raw)
		if err != nil {
			return nil, mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err))
		}
		g, res := s.validator.ValidateDocument(doc)
		if err := res.ToError(); err != nil {
			return nil, validationError(err)
		}
		return g, nil
	}

	name := req.GetString("graph_name", "")
	if name == "" {
		return nil, mcp.NewToolResultError("one of graph or graph_name is required")
	}
	rec, err := s.store.GetGraph(ctx, name)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("graph lookup failed: %v", err))
	}
	g := &rec.Graph
	if g.Name == "" {
		g.Name = rec.Name
	}
	if err := s.validator.Validate(g).ToError(); err != nil {
		return nil, validationError(err)
	}
	return g, nil
}

// handleValidate reports every validation issue of a graph document.
func (s *StepflowServer) handleValidate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "graph", nil)
	if raw == nil {
		return mcp.NewToolResultError("graph is required"), nil
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
	}
	_, res := s.validator.ValidateDocument(doc)
	return marshalResult(map[string]any{
		"valid":    res.Valid(),
		"errors":   res.Errors,
		"warnings": res.Warnings,
	})
}

// handleDefine validates and stores a named graph, replacing any graph of
// the same name.
func (s *StepflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseStringMap(req, "graph", nil)
	if raw == nil {
		return mcp.NewToolResultError("graph is required"), nil
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
	}
	g, res := s.validator.ValidateDocument(doc)
	if err := res.ToError(); err != nil {
		return validationError(err), nil
	}
	if name := req.GetString("name", ""); name != "" {
		g.Name = name
	}
	if g.Name == "" {
		return mcp.NewToolResultError("name is required when the graph has none"), nil
	}

	rec := &store.GraphRecord{
		Name:        g.Name,
		Description: req.GetString("description", ""),
		Graph:       *g,
	}
	if err := s.store.SaveGraph(ctx, rec); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store graph: %v", err)), nil
	}

	warnings := make([]string, 0, len(res.Warnings))
	for _, w := range res.Warnings {
		warnings = append(warnings, w.String())
	}
	return marshalResult(map[string]any{
		"name":     rec.Name,
		"steps":    len(g.Steps),
		"warnings": warnings,
	})
}

// handleStatus returns a run, its step results and the step states
// replayed from its event log.
func (s *StepflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	steps, err := s.store.ListStepResults(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	replay, err := s.store.ReplaySteps(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("event replay failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"run":    run,
		"steps":  steps,
		"replay": replay,
	})
}

// handleQuery lists runs, events, graphs, or schedules.
func (s *StepflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "graphs":
		graphs, err := s.store.ListGraphs(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"graphs": graphs})
	case "schedules":
		sf := store.ScheduleFilter{Limit: extractInt(filter, "limit", 50)}
		if name, ok := filter["graph_name"].(string); ok {
			sf.GraphName = name
		}
		if enabled, ok := filter["enabled"].(bool); ok {
			sf.Enabled = &enabled
		}
		schedules, err := s.store.ListSchedules(ctx, sf)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"schedules": schedules})
	}
	return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
}

func (s *StepflowServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if name, ok := filter["graph_name"].(string); ok {
		rf.GraphName = name
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *StepflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{Limit: extractInt(filter, "limit", 100)}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	if stepID, ok := filter["step_id"].(string); ok {
		ef.StepID = stepID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if eventType, ok := filter["event_type"].(string); ok && eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.RunID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	after := int64(extractInt(filter, "after", 0))
	events, err := s.store.GetEvents(ctx, ef.RunID, after)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// handleDiagram draws a stored graph, optionally overlaid with a run.
func (s *StepflowServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	name := req.GetString("graph_name", "")
	runID := req.GetString("run_id", "")
	if name == "" && runID == "" {
		return mcp.NewToolResultError("at least one of graph_name or run_id is required"), nil
	}

	var results []*schema.StepResult
	if runID != "" {
		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %v", err)), nil
		}
		if name == "" {
			name = run.GraphName
		}
		if results, err = s.store.ListStepResults(ctx, runID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("step results: %v", err)), nil
		}
	}
	if name == "" {
		return mcp.NewToolResultError("the run's graph was not stored by name"), nil
	}
	rec, err := s.store.GetGraph(ctx, name)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("graph lookup failed: %v", err)), nil
	}
	if rec.Graph.Name == "" {
		rec.Graph.Name = rec.Name
	}

	model, err := diagram.Build(&rec.Graph, s.flowOf, results)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", err)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, err := diagram.RenderImage(ctx, model, "png")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

// --- Internal helpers ---

// captureSession maps the run to the calling session for notifications.
func (s *StepflowServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

func validationError(err error) *mcp.CallToolResult {
	var details any
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		details = fe.Details
	}
	data, _ := json.Marshal(map[string]any{"error": err.Error(), "details": details})
	return mcp.NewToolResultError(string(data))
}

// extractInt reads an integer from a filter map, accepting JSON numbers
// and numeric strings.
func extractInt(filter map[string]any, key string, defaultVal int) int {
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

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
