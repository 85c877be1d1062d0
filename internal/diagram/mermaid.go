package diagram

import (
	"fmt"
	"strings"
)

var mermaidIDReplacer = strings.NewReplacer(".", "_", "-", "_", " ", "_")

// RenderMermaid renders a DiagramModel as a top-down Mermaid graph. Node
// shapes follow the node kind; classes follow the run status.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder
	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, n := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidShape(n))
	}
	for _, e := range model.Edges {
		fmt.Fprintf(&b, "    %s --> %s\n", mermaidID(e.From), mermaidID(e.To))
	}

	b.WriteByte('\n')
	for _, p := range statusPalette {
		style := fmt.Sprintf("fill:%s,stroke:%s,color:%s", p.fill, p.stroke, p.font)
		if p.dashed {
			style += ",stroke-dasharray:5 5"
		}
		fmt.Fprintf(&b, "    classDef %s %s\n", mermaidClass(string(p.status)), style)
	}
	for _, n := range model.Nodes {
		if n.Status == nil {
			continue
		}
		if _, ok := paletteFor(n.Status.Status); !ok {
			continue
		}
		fmt.Fprintf(&b, "    class %s %s\n", mermaidID(n.ID), mermaidClass(n.Status.Status))
	}
	return b.String()
}

func mermaidShape(n *Node) string {
	id := mermaidID(n.ID)
	label := fmt.Sprintf("%q", strings.ReplaceAll(n.Label, "\n", "<br/>"))
	switch n.Kind {
	case NodeKindLLM:
		return id + "{{" + label + "}}"
	case NodeKindTransform:
		return id + "[/" + label + "/]"
	case NodeKindImage:
		return id + "([" + label + "])"
	default:
		return id + "[" + label + "]"
	}
}

func mermaidID(id string) string {
	return mermaidIDReplacer.Replace(id)
}

func mermaidClass(status string) string {
	return strings.ToLower(status)
}
