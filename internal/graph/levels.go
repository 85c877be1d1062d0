package graph

import "github.com/rendis/galaxy/pkg/schema"

// Levels groups an execution order by topological depth. Nodes in the same
// level have every dependency satisfied by earlier levels. order must come
// from PlanExecution over the same edges.
func Levels(order []string, edges []schema.EdgeSpec) [][]string {
	if len(order) == 0 {
		return nil
	}

	deps := make(map[string][]string, len(order))
	for _, e := range edges {
		deps[e.To] = append(deps[e.To], e.From)
	}

	depth := make(map[string]int, len(order))
	maxLevel := 0
	for _, id := range order {
		d := 0
		for _, dep := range deps[id] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	return levels
}
