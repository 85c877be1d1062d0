// Package graph validates workflow graphs and computes their execution order.
// Everything here is pure computation over node and edge lists.
package graph

import (
	"strings"

	"github.com/rendis/galaxy/pkg/schema"
)

// TypeSet is the set of node types a graph may use. The contract registry
// satisfies it.
type TypeSet interface {
	Has(nodeType string) bool
}

// adjacency is the deduplicated edge structure of a graph, keyed by node id.
// Neighbour lists keep edge insertion order.
type adjacency struct {
	ids      []string
	next     map[string][]string
	inDegree map[string]int
}

// PlanExecution validates nodes and edges and returns the node ids in a
// deterministic topological order.
//
// Checks run in a fixed order: node ids (empty, duplicate), then edges
// (dangling, self loop), then cycles. Ties between ready nodes are broken by
// node declaration order through a FIFO queue.
func PlanExecution(nodes []schema.NodeSpec, edges []schema.EdgeSpec) ([]string, error) {
	adj, err := build(nodes, edges)
	if err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(adj.inDegree))
	for id, d := range adj.inDegree {
		inDegree[id] = d
	}

	queue := make([]string, 0, len(adj.ids))
	for _, id := range adj.ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(adj.ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, n := range adj.next[id] {
			inDegree[n]--
			if inDegree[n] == 0 {
				queue = append(queue, n)
			}
		}
	}

	if len(order) < len(adj.ids) {
		cycle := findCycle(adj)
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"cycle detected in workflow graph: %s", strings.Join(cycle, " -> ")).
			WithDetails(map[string]any{"cycle": cycle})
	}
	return order, nil
}

// Validate rejects nodes whose type is not in types and then plans the graph.
func Validate(g *schema.WorkflowGraph, types TypeSet) ([]string, error) {
	if g == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow graph is nil")
	}
	if err := checkIDs(g.Nodes); err != nil {
		return nil, err
	}
	if types != nil {
		for _, n := range g.Nodes {
			if !types.Has(n.Type) {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType,
					"node %q has unknown type %q", n.ID, n.Type).
					WithNode(n.ID).
					WithDetails(map[string]any{"node_id": n.ID, "node_type": n.Type})
			}
		}
	}
	return PlanExecution(g.Nodes, g.Edges)
}

func checkIDs(nodes []schema.NodeSpec) error {
	seen := make(map[string]struct{}, len(nodes))
	for i, n := range nodes {
		if n.ID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty id", i).
				WithDetails(map[string]any{"node_index": i})
		}
		if _, dup := seen[n.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeDuplicateNodeID, "duplicate node id %q", n.ID).
				WithDetails(map[string]any{"node_id": n.ID})
		}
		seen[n.ID] = struct{}{}
	}
	return nil
}

func build(nodes []schema.NodeSpec, edges []schema.EdgeSpec) (*adjacency, error) {
	if err := checkIDs(nodes); err != nil {
		return nil, err
	}

	adj := &adjacency{
		ids:      make([]string, 0, len(nodes)),
		next:     make(map[string][]string, len(nodes)),
		inDegree: make(map[string]int, len(nodes)),
	}
	for _, n := range nodes {
		adj.ids = append(adj.ids, n.ID)
		adj.inDegree[n.ID] = 0
	}

	type pair struct{ from, to string }
	seen := make(map[pair]struct{}, len(edges))

	for i, e := range edges {
		if _, ok := adj.inDegree[e.From]; !ok {
			return nil, danglingEdge(i, e.From, "from")
		}
		if _, ok := adj.inDegree[e.To]; !ok {
			return nil, danglingEdge(i, e.To, "to")
		}
		if e.From == e.To {
			return nil, schema.NewErrorf(schema.ErrCodeSelfLoop, "edge %d connects node %q to itself", i, e.From).
				WithDetails(map[string]any{"node_id": e.From, "edge_index": i})
		}

		p := pair{e.From, e.To}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		adj.next[e.From] = append(adj.next[e.From], e.To)
		adj.inDegree[e.To]++
	}
	return adj, nil
}

func danglingEdge(index int, id, end string) error {
	return schema.NewErrorf(schema.ErrCodeDanglingEdge,
		"edge %d references unknown node %q (%s)", index, id, end).
		WithDetails(map[string]any{"node_id": id, "edge_index": index, "end": end})
}
