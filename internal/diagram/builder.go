package diagram

import (
	"fmt"

	"github.com/rendis/galaxy/internal/contracts"
	"github.com/rendis/galaxy/internal/graph"
	"github.com/rendis/galaxy/internal/store"
	"github.com/rendis/galaxy/pkg/schema"
)

// Build converts a workflow graph into a DiagramModel laid out by
// topological level. nodeRuns, when given, overlay each node's run state.
func Build(title string, g *schema.WorkflowGraph, nodeRuns []*store.NodeRun) (*DiagramModel, error) {
	if g == nil {
		return nil, fmt.Errorf("diagram: nil workflow graph")
	}

	order, err := graph.PlanExecution(g.Nodes, g.Edges)
	if err != nil {
		return nil, fmt.Errorf("diagram: plan graph: %w", err)
	}

	runs := make(map[string]*store.NodeRun, len(nodeRuns))
	for _, nr := range nodeRuns {
		runs[nr.NodeID] = nr
	}

	model := &DiagramModel{
		Title:  title,
		Levels: graph.Levels(order, g.Edges),
	}
	for _, n := range g.Nodes {
		node := &Node{
			ID:    n.ID,
			Label: n.ID + "\n" + n.Type,
			Kind:  kindOf(n.Type),
		}
		if nr, ok := runs[n.ID]; ok {
			node.Status = overlay(nr)
		}
		model.Nodes = append(model.Nodes, node)
	}
	for _, e := range g.Edges {
		model.Edges = append(model.Edges, Edge{From: e.From, To: e.To})
	}
	return model, nil
}

func kindOf(nodeType string) NodeKind {
	switch nodeType {
	case contracts.TypePrompt:
		return NodeKindPrompt
	case contracts.TypeImage:
		return NodeKindImage
	case contracts.TypeLLM:
		return NodeKindLLM
	case contracts.TypeTransform:
		return NodeKindTransform
	default:
		return NodeKindOther
	}
}

func overlay(nr *store.NodeRun) *StatusOverlay {
	o := &StatusOverlay{
		Status:   string(nr.Status),
		Provider: nr.Provider,
		Attempts: len(nr.Attempts),
		Error:    nr.Error,
	}
	if nr.StartedAt != nil && nr.FinishedAt != nil {
		o.DurationMs = nr.FinishedAt.Sub(*nr.StartedAt).Milliseconds()
	}
	return o
}
