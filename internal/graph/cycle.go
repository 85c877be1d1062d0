package graph

const (
	white = iota
	gray
	black
)

// findCycle runs a depth-first colouring search in declaration order and
// returns the first back edge it meets as a closed path [a, b, ..., a].
// It returns nil when the graph is acyclic.
func findCycle(adj *adjacency) []string {
	color := make(map[string]int, len(adj.ids))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)

		for _, n := range adj.next[id] {
			switch color[n] {
			case gray:
				start := 0
				for i, p := range path {
					if p == n {
						start = i
						break
					}
				}
				cycle := make([]string, 0, len(path)-start+1)
				cycle = append(cycle, path[start:]...)
				return append(cycle, n)
			case white:
				if c := visit(n); c != nil {
					return c
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range adj.ids {
		if color[id] != white {
			continue
		}
		if c := visit(id); c != nil {
			return c
		}
	}
	return nil
}
