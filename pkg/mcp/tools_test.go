package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/galaxy/internal/app"
	"github.com/rendis/galaxy/internal/contracts"
	"github.com/rendis/galaxy/internal/engine"
	"github.com/rendis/galaxy/internal/scheduler"
	"github.com/rendis/galaxy/internal/store"
	"github.com/rendis/galaxy/pkg/schema"
)

// newTestService builds an in-memory engine with mock providers.
func newTestService(t *testing.T) *engine.Service {
	t.Helper()
	a, err := app.New(context.Background(), app.Options{MockProviders: true, PoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return a.Service
}

func newTestServer(t *testing.T) *GalaxyServer {
	t.Helper()
	return NewGalaxyServer(GalaxyServerDeps{Service: newTestService(t)})
}

var promptThenLLM = map[string]any{
	"nodes": []any{
		map[string]any{"id": "p1", "type": "prompt", "input": map[string]any{"text": "hi"}},
		map[string]any{"id": "l1", "type": "llm", "input": map[string]any{
			"prompt": map[string]any{"$from": "p1", "$path": ".text"},
			"config": map[string]any{"model": "m", "temperature": 0.5, "providers": []any{"fal"}},
		}},
	},
	"edges": []any{map[string]any{"from": "p1", "to": "l1"}},
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func define(t *testing.T, s *GalaxyServer, args map[string]any) string {
	t.Helper()
	result, err := s.handleDefine(context.Background(), buildRequest("galaxy.define", args))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		WorkflowID string   `json:"workflow_id"`
		Order      []string `json:"order"`
	}
	unmarshalResult(t, result, &out)
	return out.WorkflowID
}

func TestPlanTool(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handlePlan(context.Background(), buildRequest("galaxy.plan", map[string]any{"graph": promptThenLLM}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		Order  []string   `json:"order"`
		Levels [][]string `json:"levels"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, []string{"p1", "l1"}, out.Order)
	assert.Equal(t, [][]string{{"p1"}, {"l1"}}, out.Levels)
}

func TestPlanToolErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing graph", map[string]any{}, "graph is required"},
		{"cycle", map[string]any{"graph": map[string]any{
			"nodes": []any{
				map[string]any{"id": "a", "type": "prompt", "input": map[string]any{"text": "x"}},
				map[string]any{"id": "b", "type": "prompt", "input": map[string]any{"text": "y"}},
			},
			"edges": []any{
				map[string]any{"from": "a", "to": "b"},
				map[string]any{"from": "b", "to": "a"},
			},
		}}, schema.ErrCodeCycleDetected},
		{"unknown type", map[string]any{"graph": map[string]any{
			"nodes": []any{map[string]any{"id": "a", "type": "video", "input": map[string]any{}}},
		}}, schema.ErrCodeUnknownNodeType},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handlePlan(context.Background(), buildRequest("galaxy.plan", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, extractText(t, result), tc.want)
		})
	}
}

func TestDefineAndRunWait(t *testing.T) {
	s := newTestServer(t)
	wfID := define(t, s, map[string]any{"id": "wf-1", "name": "demo", "graph": promptThenLLM})
	assert.Equal(t, "wf-1", wfID)

	result, err := s.handleRun(context.Background(), buildRequest("galaxy.run", map[string]any{
		"workflow_id": wfID,
		"wait":        true,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var res engine.RunResult
	unmarshalResult(t, result, &res)
	assert.Equal(t, schema.RunStatusCompleted, res.Status)
	assert.Equal(t, []string{"p1", "l1"}, res.ExecutionOrder)
	assert.JSONEq(t, `{"text":"mock LLM output (fal)","providerUsed":"fal"}`, string(res.Context["l1"]))

	status, err := s.handleStatus(context.Background(), buildRequest("galaxy.status", map[string]any{
		"run_id": res.RunID,
		"events": true,
	}))
	require.NoError(t, err)
	require.False(t, status.IsError, extractText(t, status))

	var details struct {
		Run      store.Run                      `json:"run"`
		Nodes    []store.NodeRun                `json:"nodes"`
		Events   []store.Event                  `json:"events"`
		Timeline map[string]*store.NodeTimeline `json:"timeline"`
	}
	unmarshalResult(t, status, &details)
	assert.Equal(t, schema.RunStatusCompleted, details.Run.Status)
	assert.Len(t, details.Nodes, 2)
	require.NotEmpty(t, details.Events)
	assert.Equal(t, schema.EventRunQueued, details.Events[0].Type)
	assert.Equal(t, schema.EventRunCompleted, details.Events[len(details.Events)-1].Type)
	assert.Equal(t, schema.NodeStatusCompleted, details.Timeline["l1"].Status)
}

func TestRunBackgroundAndQuery(t *testing.T) {
	s := newTestServer(t)
	wfID := define(t, s, map[string]any{"graph": promptThenLLM})
	require.NotEmpty(t, wfID)

	result, err := s.handleRun(context.Background(), buildRequest("galaxy.run", map[string]any{"workflow_id": wfID}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var run store.Run
	unmarshalResult(t, result, &run)
	assert.Equal(t, schema.RunStatusQueued, run.Status)
	assert.Equal(t, engine.TriggerMCP, run.Trigger)

	_, err = s.svc.Wait(context.Background(), run.ID)
	require.NoError(t, err)

	query, err := s.handleQuery(context.Background(), buildRequest("galaxy.query", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"workflow_id": wfID, "status": "COMPLETED"},
	}))
	require.NoError(t, err)
	var runs struct {
		Runs []store.Run `json:"runs"`
	}
	unmarshalResult(t, query, &runs)
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, run.ID, runs.Runs[0].ID)

	query, err = s.handleQuery(context.Background(), buildRequest("galaxy.query", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"status": "FAILED"},
	}))
	require.NoError(t, err)
	unmarshalResult(t, query, &runs)
	assert.Empty(t, runs.Runs)
}

func TestRunUnknownWorkflow(t *testing.T) {
	s := newTestServer(t)

	for _, wait := range []bool{false, true} {
		result, err := s.handleRun(context.Background(), buildRequest("galaxy.run", map[string]any{
			"workflow_id": "missing",
			"wait":        wait,
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
		assert.Contains(t, extractText(t, result), schema.ErrCodeWorkflowNotFound)
	}

	result, err := s.handleRun(context.Background(), buildRequest("galaxy.run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestCancelTool(t *testing.T) {
	s := newTestServer(t)
	wfID := define(t, s, map[string]any{"graph": promptThenLLM})

	run, err := s.svc.CreateRun(context.Background(), wfID, engine.TriggerManual)
	require.NoError(t, err)

	result, err := s.handleCancel(context.Background(), buildRequest("galaxy.cancel", map[string]any{"run_id": run.ID}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out struct {
		OK     bool             `json:"ok"`
		Status schema.RunStatus `json:"status"`
	}
	unmarshalResult(t, result, &out)
	assert.True(t, out.OK)
	assert.Equal(t, schema.RunStatusCanceled, out.Status)

	result, err = s.handleCancel(context.Background(), buildRequest("galaxy.cancel", map[string]any{"run_id": "missing"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeRunNotFound)
}

func TestResumeTool(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleResume(context.Background(), buildRequest("galaxy.resume", map[string]any{
		"token":   "no-such-token",
		"payload": map[string]any{"text": "late"},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), schema.ErrCodeNotFound)

	result, err = s.handleResume(context.Background(), buildRequest("galaxy.resume", map[string]any{"token": "t"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, extractText(t, result), "payload is required")
}

func TestQueryWorkflowsAndNodeTypes(t *testing.T) {
	s := newTestServer(t)
	define(t, s, map[string]any{"id": "wf-a", "graph": promptThenLLM})
	define(t, s, map[string]any{"id": "wf-b", "graph": promptThenLLM})

	result, err := s.handleQuery(context.Background(), buildRequest("galaxy.query", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"limit": 1},
	}))
	require.NoError(t, err)
	var wfs struct {
		Workflows []store.Workflow `json:"workflows"`
	}
	unmarshalResult(t, result, &wfs)
	assert.Len(t, wfs.Workflows, 1)

	result, err = s.handleQuery(context.Background(), buildRequest("galaxy.query", map[string]any{"resource": "node_types"}))
	require.NoError(t, err)
	var types struct {
		NodeTypes []contracts.Contract `json:"node_types"`
	}
	unmarshalResult(t, result, &types)
	var names []string
	for _, c := range types.NodeTypes {
		names = append(names, c.Type)
	}
	assert.ElementsMatch(t, []string{"prompt", "image", "llm", "transform"}, names)
}

type fixedSchedules []scheduler.EntryStatus

func (f fixedSchedules) Entries() []scheduler.EntryStatus { return f }

func TestQuerySchedules(t *testing.T) {
	s := newTestServer(t)

	result, err := s.handleQuery(context.Background(), buildRequest("galaxy.query", map[string]any{"resource": "schedules"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"schedules":[]}`, extractText(t, result))

	s.schedules = fixedSchedules{{Entry: scheduler.Entry{WorkflowID: "wf-1", Cron: "@hourly"}}}
	result, err = s.handleQuery(context.Background(), buildRequest("galaxy.query", map[string]any{"resource": "schedules"}))
	require.NoError(t, err)
	var out struct {
		Schedules []scheduler.EntryStatus `json:"schedules"`
	}
	unmarshalResult(t, result, &out)
	require.Len(t, out.Schedules, 1)
	assert.Equal(t, "wf-1", out.Schedules[0].WorkflowID)
}

func TestQueryUnknownResource(t *testing.T) {
	s := NewGalaxyServer(GalaxyServerDeps{})

	req := buildRequest("galaxy.query", map[string]any{
		"resource": "invalid",
	})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDiagramTool(t *testing.T) {
	s := newTestServer(t)
	wfID := define(t, s, map[string]any{"name": "demo", "graph": promptThenLLM})

	result, err := s.handleDiagram(context.Background(), buildRequest("galaxy.diagram", map[string]any{
		"workflow_id": wfID,
		"format":      "mermaid",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	text := extractText(t, result)
	assert.Contains(t, text, "graph TD")
	assert.Contains(t, text, "p1 --> l1")

	res, err := s.svc.RunSync(context.Background(), wfID, engine.TriggerManual)
	require.NoError(t, err)

	result, err = s.handleDiagram(context.Background(), buildRequest("galaxy.diagram", map[string]any{
		"run_id": res.RunID,
		"format": "ascii",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	assert.Contains(t, extractText(t, result), "[OK]")
}

func TestDiagramToolDrawsExecutedGraph(t *testing.T) {
	s := newTestServer(t)
	wfID := define(t, s, map[string]any{"name": "demo", "graph": promptThenLLM})

	res, err := s.svc.RunSync(context.Background(), wfID, engine.TriggerManual)
	require.NoError(t, err)

	_, err = s.svc.SaveWorkflow(context.Background(), &store.Workflow{
		ID: wfID,
		Graph: schema.WorkflowGraph{
			Nodes: []schema.NodeSpec{{ID: "solo", Type: "prompt", Input: json.RawMessage(`{"text":"x"}`)}},
		},
	})
	require.NoError(t, err)

	result, err := s.handleDiagram(context.Background(), buildRequest("galaxy.diagram", map[string]any{
		"run_id": res.RunID,
		"format": "mermaid",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))
	text := extractText(t, result)
	assert.Contains(t, text, "p1 --> l1")
	assert.NotContains(t, text, "solo")
}

func TestDiagramToolImage(t *testing.T) {
	s := newTestServer(t)
	wfID := define(t, s, map[string]any{"graph": promptThenLLM})

	result, err := s.handleDiagram(context.Background(), buildRequest("galaxy.diagram", map[string]any{
		"workflow_id": wfID,
		"format":      "image",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var img mcp.ImageContent
	for _, c := range result.Content {
		if ic, ok := c.(mcp.ImageContent); ok {
			img = ic
		}
	}
	require.NotEmpty(t, img.Data)
	assert.Equal(t, "image/png", img.MIMEType)
	png, err := base64.StdEncoding.DecodeString(img.Data)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])
}

func TestDiagramToolErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"no format", map[string]any{"workflow_id": "wf"}},
		{"bad format", map[string]any{"workflow_id": "wf", "format": "svg"}},
		{"no target", map[string]any{"format": "ascii"}},
		{"unknown workflow", map[string]any{"workflow_id": "missing", "format": "ascii"}},
		{"unknown run", map[string]any{"run_id": "missing", "format": "ascii"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := s.handleDiagram(context.Background(), buildRequest("galaxy.diagram", tc.args))
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}

func TestExtractInt(t *testing.T) {
	f := map[string]any{"a": float64(3), "b": 4, "c": "5", "d": "x"}
	assert.Equal(t, 3, extractInt(f, "a", 0))
	assert.Equal(t, 4, extractInt(f, "b", 0))
	assert.Equal(t, 5, extractInt(f, "c", 0))
	assert.Equal(t, 9, extractInt(f, "d", 9))
	assert.Equal(t, 9, extractInt(nil, "a", 9))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
