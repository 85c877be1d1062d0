package diagram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/galaxy/internal/store"
	"github.com/rendis/galaxy/pkg/schema"
)

// --- Test workflow builders ---

func linearGraph() *schema.WorkflowGraph {
	return &schema.WorkflowGraph{
		Nodes: []schema.NodeSpec{
			{ID: "l1", Type: "llm"},
			{ID: "p1", Type: "prompt"},
			{ID: "t1", Type: "transform"},
		},
		Edges: []schema.EdgeSpec{{From: "p1", To: "l1"}, {From: "l1", To: "t1"}},
	}
}

func fanInGraph() *schema.WorkflowGraph {
	return &schema.WorkflowGraph{
		Nodes: []schema.NodeSpec{
			{ID: "p1", Type: "prompt"},
			{ID: "img-1", Type: "image"},
			{ID: "l1", Type: "llm"},
		},
		Edges: []schema.EdgeSpec{{From: "p1", To: "l1"}, {From: "img-1", To: "l1"}},
	}
}

// --- Tests ---

func TestBuildLinearGraph(t *testing.T) {
	model, err := Build("story", linearGraph(), nil)
	require.NoError(t, err)

	assert.Equal(t, "story", model.Title)
	require.Len(t, model.Nodes, 3)
	assert.Equal(t, NodeKindLLM, model.Nodes[0].Kind)
	assert.Equal(t, NodeKindPrompt, model.Nodes[1].Kind)
	assert.Equal(t, NodeKindTransform, model.Nodes[2].Kind)
	assert.Len(t, model.Edges, 2)
	assert.Equal(t, [][]string{{"p1"}, {"l1"}, {"t1"}}, model.Levels)
	for _, n := range model.Nodes {
		assert.Nil(t, n.Status)
	}
}

func TestBuildFanIn(t *testing.T) {
	model, err := Build("", fanInGraph(), nil)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"p1", "img-1"}, {"l1"}}, model.Levels)
}

func TestBuildWithNodeRuns(t *testing.T) {
	start := time.Now().UTC()
	end := start.Add(250 * time.Millisecond)
	runs := []*store.NodeRun{
		{NodeID: "p1", Status: schema.NodeStatusCompleted, StartedAt: &start, FinishedAt: &end},
		{NodeID: "l1", Status: schema.NodeStatusWaiting, Provider: "fal",
			Attempts: []schema.ProviderAttempt{{Provider: "fal", Attempt: 1}}},
	}

	model, err := Build("", linearGraph(), runs)
	require.NoError(t, err)

	byID := map[string]*Node{}
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}
	require.NotNil(t, byID["p1"].Status)
	assert.Equal(t, "COMPLETED", byID["p1"].Status.Status)
	assert.Equal(t, int64(250), byID["p1"].Status.DurationMs)
	assert.Equal(t, "fal", byID["l1"].Status.Provider)
	assert.Equal(t, 1, byID["l1"].Status.Attempts)
	assert.Nil(t, byID["t1"].Status)
}

func TestBuildRejectsInvalidGraph(t *testing.T) {
	_, err := Build("", &schema.WorkflowGraph{
		Nodes: []schema.NodeSpec{{ID: "a", Type: "prompt"}, {ID: "b", Type: "prompt"}},
		Edges: []schema.EdgeSpec{{From: "a", To: "b"}, {From: "b", To: "a"}},
	}, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.CodeOf(err))

	_, err = Build("", nil, nil)
	assert.Error(t, err)
}

func TestBuildUnknownKind(t *testing.T) {
	model, err := Build("", &schema.WorkflowGraph{Nodes: []schema.NodeSpec{{ID: "v", Type: "video"}}}, nil)
	require.NoError(t, err)
	assert.Equal(t, NodeKindOther, model.Nodes[0].Kind)
}
