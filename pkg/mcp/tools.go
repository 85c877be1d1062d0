package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/galaxy/internal/diagram"
	"github.com/rendis/galaxy/internal/engine"
	"github.com/rendis/galaxy/internal/store"
	"github.com/rendis/galaxy/pkg/schema"
)

// handlePlan validates an inline graph and returns order and levels.
func (s *GalaxyServer) handlePlan(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, errResult := parseGraph(req)
	if errResult != nil {
		return errResult, nil
	}
	order, levels, err := s.svc.Plan(g)
	if err != nil {
		return toolError("plan failed", err), nil
	}
	return marshalResult(map[string]any{"order": order, "levels": levels})
}

// handleDefine saves a workflow document.
func (s *GalaxyServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	g, errResult := parseGraph(req)
	if errResult != nil {
		return errResult, nil
	}
	wf, err := s.svc.SaveWorkflow(ctx, &store.Workflow{
		ID:    req.GetString("id", ""),
		Name:  req.GetString("name", ""),
		Graph: *g,
	})
	if err != nil {
		return toolError("define failed", err), nil
	}
	order, _, _ := s.svc.Plan(&wf.Graph)
	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"order":       order,
	})
}

// handleRun starts a run, optionally waiting for it to finish.
func (s *GalaxyServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if !req.GetBool("wait", false) {
		run, err := s.svc.StartRun(ctx, workflowID, engine.TriggerMCP)
		if err != nil {
			return toolError("run failed", err), nil
		}
		return marshalResult(run)
	}

	res, err := s.svc.RunSync(ctx, workflowID, engine.TriggerMCP)
	if res == nil {
		return toolError("run failed", err), nil
	}
	// A FAILED run is still a result; its error is carried in the payload.
	return marshalResult(res)
}

// handleStatus returns a run's details and, on request, its event history.
func (s *GalaxyServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	details, err := s.svc.GetRun(ctx, runID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	if !req.GetBool("events", false) {
		return marshalResult(details)
	}

	events, err := s.svc.RunEvents(ctx, runID, 0)
	if err != nil {
		return toolError("event query failed", err), nil
	}
	timeline, err := store.ReplayNodes(runID, events)
	if err != nil {
		return toolError("event replay failed", err), nil
	}
	return marshalResult(map[string]any{
		"run":        details.Run,
		"nodes":      details.Nodes,
		"waitpoints": details.Waitpoints,
		"events":     events,
		"timeline":   timeline,
	})
}

// handleCancel requests cancellation of a run.
func (s *GalaxyServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	run, err := s.svc.CancelRun(ctx, runID)
	if err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":     true,
		"run_id": run.ID,
		"status": run.Status,
	})
}

// handleResume completes a waitpoint with a provider payload.
func (s *GalaxyServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token, err := req.RequireString("token")
	if err != nil {
		return mcp.NewToolResultError("token is required"), nil
	}
	payload := mcp.ParseStringMap(req, "payload", nil)
	if payload == nil {
		return mcp.NewToolResultError("payload is required"), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", err)), nil
	}

	if err := s.svc.ResumeNode(ctx, token, raw); err != nil {
		return toolError("resume failed", err), nil
	}
	return marshalResult(map[string]any{"ok": true, "token": token})
}

// handleQuery lists runs, workflows, node types or schedules.
func (s *GalaxyServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "workflows":
		workflows, err := s.svc.ListWorkflows(ctx, store.WorkflowFilter{
			Limit:  extractInt(filter, "limit", store.DefaultListLimit),
			Offset: extractInt(filter, "offset", 0),
		})
		if err != nil {
			return toolError("query failed", err), nil
		}
		return marshalResult(map[string]any{"workflows": workflows})
	case "node_types":
		return marshalResult(map[string]any{"node_types": s.svc.NodeTypes()})
	case "schedules":
		if s.schedules == nil {
			return marshalResult(map[string]any{"schedules": []any{}})
		}
		return marshalResult(map[string]any{"schedules": s.schedules.Entries()})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

func (s *GalaxyServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit:  extractInt(filter, "limit", store.DefaultListLimit),
		Offset: extractInt(filter, "offset", 0),
	}
	if wfID, ok := filter["workflow_id"].(string); ok {
		rf.WorkflowID = wfID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}

	runs, err := s.svc.ListRuns(ctx, rf)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleDiagram draws a workflow or a run in the requested format.
func (s *GalaxyServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if format != "ascii" && format != "mermaid" && format != "image" {
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}

	workflowID := req.GetString("workflow_id", "")
	runID := req.GetString("run_id", "")
	if workflowID == "" && runID == "" {
		return mcp.NewToolResultError("at least one of workflow_id or run_id is required"), nil
	}

	var (
		nodeRuns []*store.NodeRun
		executed *schema.WorkflowGraph
	)
	if runID != "" {
		details, err := s.svc.GetRun(ctx, runID)
		if err != nil {
			return toolError("run lookup failed", err), nil
		}
		workflowID = details.Run.WorkflowID
		nodeRuns = details.Nodes
		executed = details.Run.Graph
	}

	title := workflowID
	g := executed
	if g == nil {
		wf, err := s.svc.GetWorkflow(ctx, workflowID)
		if err != nil {
			return toolError("workflow lookup failed", err), nil
		}
		if wf.Name != "" {
			title = wf.Name
		}
		g = &wf.Graph
	}

	model, err := diagram.Build(title, g, nodeRuns)
	if err != nil {
		return toolError("diagram build failed", err), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	default:
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", err)), nil
		}
		return mcp.NewToolResultImage(title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	}
}

// --- Internal helpers ---

// parseGraph decodes the "graph" argument. A non-nil result is a tool error.
func parseGraph(req mcp.CallToolRequest) (*schema.WorkflowGraph, *mcp.CallToolResult) {
	raw := mcp.ParseStringMap(req, "graph", nil)
	if raw == nil {
		return nil, mcp.NewToolResultError("graph is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err))
	}
	var g schema.WorkflowGraph
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err))
	}
	return &g, nil
}

// toolError reports err as a tool result so the client sees the error code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
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

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
