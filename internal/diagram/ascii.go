package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rendis/galaxy/pkg/schema"
)

var statusTags = map[schema.NodeStatus]string{
	schema.NodeStatusQueued:    "[QUEUED]",
	schema.NodeStatusRunning:   "[RUN]",
	schema.NodeStatusWaiting:   "[WAIT]",
	schema.NodeStatusCompleted: "[OK]",
	schema.NodeStatusFailed:    "[FAIL]",
	schema.NodeStatusCanceled:  "[CANCEL]",
}

// statusTag returns the ASCII marker for a node status, or "" if unknown.
func statusTag(status string) string {
	return statusTags[schema.NodeStatus(status)]
}

// maxErrorWidth truncates node errors inside boxes.
const maxErrorWidth = 40

// RenderASCII draws one row of boxes per execution level. Between rows it
// lists the edges feeding the next level.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	byID := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		byID[n.ID] = n
	}

	for i, level := range model.Levels {
		row := make([]box, 0, len(level))
		for _, id := range level {
			if n, ok := byID[id]; ok {
				row = append(row, newBox(boxContent(n)))
			}
		}
		writeRow(&b, row)

		if i+1 < len(model.Levels) {
			writeConnector(&b, incoming(model.Edges, model.Levels[i+1]))
		}
	}
	return b.String()
}

func boxContent(n *Node) []string {
	lines := []string{fmt.Sprintf("%s (%s)", n.ID, n.Kind)}
	st := n.Status
	if st == nil {
		return lines
	}
	if tag := statusTag(st.Status); tag != "" {
		lines = append(lines, tag)
	}
	if st.Provider != "" {
		lines = append(lines, "via "+st.Provider)
	}
	if st.Attempts > 1 {
		lines = append(lines, fmt.Sprintf("%d attempts", st.Attempts))
	}
	if st.DurationMs > 0 {
		lines = append(lines, fmt.Sprintf("%dms", st.DurationMs))
	}
	if st.Error != "" {
		lines = append(lines, "! "+clip(st.Error, maxErrorWidth))
	}
	return lines
}

// box is a bordered block of text lines of equal rune width.
type box struct {
	lines []string
	width int
}

func newBox(content []string) box {
	inner := 0
	for _, c := range content {
		inner = max(inner, utf8.RuneCountInString(c))
	}
	rule := strings.Repeat("─", inner+2)

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+rule+"┐")
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", inner-utf8.RuneCountInString(c))+" │")
	}
	lines = append(lines, "└"+rule+"┘")
	return box{lines: lines, width: inner + 4}
}

func writeRow(b *strings.Builder, row []box) {
	height := 0
	for _, bx := range row {
		height = max(height, len(bx.lines))
	}
	for r := 0; r < height; r++ {
		for i, bx := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			if r < len(bx.lines) {
				b.WriteString(bx.lines[r])
			} else {
				b.WriteString(strings.Repeat(" ", bx.width))
			}
		}
		b.WriteByte('\n')
	}
}

func writeConnector(b *strings.Builder, edges []Edge) {
	b.WriteString("    │\n")
	for _, e := range edges {
		fmt.Fprintf(b, "    │ %s -> %s\n", e.From, e.To)
	}
	b.WriteString("    ▼\n")
}

// incoming returns the edges whose target is in level, in edge order.
func incoming(edges []Edge, level []string) []Edge {
	targets := make(map[string]bool, len(level))
	for _, id := range level {
		targets[id] = true
	}
	var out []Edge
	for _, e := range edges {
		if targets[e.To] {
			out = append(out, e)
		}
	}
	return out
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-3]) + "..."
}
