package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage renders a DiagramModel as a PNG.
func RenderImage(ctx context.Context, model *DiagramModel) ([]byte, error) {
	return renderGraphviz(ctx, model, graphviz.PNG)
}

// RenderSVG renders a DiagramModel as an SVG document.
func RenderSVG(ctx context.Context, model *DiagramModel) ([]byte, error) {
	return renderGraphviz(ctx, model, graphviz.SVG)
}

func renderGraphviz(ctx context.Context, model *DiagramModel, format graphviz.Format) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	g, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer g.Close()

	if err := populate(g, model); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, g, format, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", format, err)
	}
	return buf.Bytes(), nil
}

// populate copies model's nodes and edges into g.
func populate(g *cgraph.Graph, model *DiagramModel) error {
	g.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		g.SetLabel(model.Title)
	}

	nodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, n := range model.Nodes {
		gn, err := g.CreateNodeByName(n.ID)
		if err != nil {
			return fmt.Errorf("diagram: create node %s: %w", n.ID, err)
		}
		gn.SetLabel(imageLabel(n))
		gn.SetShape(shapeFor(n.Kind))
		if n.Status != nil {
			paint(gn, n.Status.Status)
		}
		nodes[n.ID] = gn
	}

	for _, e := range model.Edges {
		from, to := nodes[e.From], nodes[e.To]
		if from == nil || to == nil {
			continue
		}
		if _, err := g.CreateEdgeByName(e.From+"->"+e.To, from, to); err != nil {
			return fmt.Errorf("diagram: create edge %s -> %s: %w", e.From, e.To, err)
		}
	}
	return nil
}

func imageLabel(n *Node) string {
	label := n.ID + "\n" + string(n.Kind)
	if n.Status == nil {
		return label
	}
	if n.Status.Provider != "" {
		label += "\nvia " + n.Status.Provider
	}
	if n.Status.Attempts > 1 {
		label += fmt.Sprintf("\n%d attempts", n.Status.Attempts)
	}
	return label
}

func shapeFor(kind NodeKind) cgraph.Shape {
	switch kind {
	case NodeKindLLM:
		return cgraph.HexagonShape
	case NodeKindTransform:
		return cgraph.ParallelogramShape
	case NodeKindImage:
		return cgraph.EllipseShape
	default:
		return cgraph.BoxShape
	}
}

func paint(gn *cgraph.Node, status string) {
	c, ok := paletteFor(status)
	if !ok {
		return
	}
	style := cgraph.FilledNodeStyle
	if c.dashed {
		style = cgraph.NodeStyle(string(cgraph.FilledNodeStyle) + "," + string(cgraph.DashedNodeStyle))
	}
	gn.SetStyle(style)
	gn.SetFillColor(c.fill)
	gn.SetColor(c.stroke)
	gn.SetFontColor(c.font)
}
