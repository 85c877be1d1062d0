package diagram

import "github.com/rendis/galaxy/pkg/schema"

// NodeKind classifies a diagram node by its node type.
type NodeKind string

const (
	NodeKindPrompt    NodeKind = "prompt"
	NodeKindImage     NodeKind = "image"
	NodeKindLLM       NodeKind = "llm"
	NodeKindTransform NodeKind = "transform"
	NodeKindOther     NodeKind = "other"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node is one workflow node in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries the runtime state of a node run.
type StatusOverlay struct {
	Status     string // schema.NodeStatus
	Provider   string
	Attempts   int
	DurationMs int64
	Error      string
}

// Edge is a dependency between two nodes.
type Edge struct {
	From string
	To   string
}

// colors is the rendering palette for one node status.
type colors struct {
	fill, stroke, font string
	dashed             bool
}

// statusPalette is shared by the Mermaid and image renderers, in legend order.
var statusPalette = []struct {
	status schema.NodeStatus
	colors
}{
	{schema.NodeStatusCompleted, colors{fill: "#2d6a2d", stroke: "#1a4a1a", font: "#ffffff"}},
	{schema.NodeStatusFailed, colors{fill: "#8b1a1a", stroke: "#5c0e0e", font: "#ffffff"}},
	{schema.NodeStatusRunning, colors{fill: "#1a5276", stroke: "#0e3a52", font: "#ffffff"}},
	{schema.NodeStatusWaiting, colors{fill: "#b7791a", stroke: "#8a5c14", font: "#ffffff"}},
	{schema.NodeStatusQueued, colors{fill: "#d3d3d3", stroke: "#6b6b6b", font: "#000000"}},
	{schema.NodeStatusCanceled, colors{fill: "#e8e8e8", stroke: "#888888", font: "#888888", dashed: true}},
}

func paletteFor(status string) (colors, bool) {
	for _, p := range statusPalette {
		if string(p.status) == status {
			return p.colors, true
		}
	}
	return colors{}, false
}
