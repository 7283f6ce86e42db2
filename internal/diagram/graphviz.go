package diagram

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// RenderImage lays a DiagramModel out with graphviz dot and encodes it as
// "png" or "svg".
func RenderImage(ctx context.Context, model *DiagramModel, format string) ([]byte, error) {
	var gvFormat graphviz.Format
	switch format {
	case "png", "":
		gvFormat = graphviz.PNG
	case "svg":
		gvFormat = graphviz.SVG
	default:
		return nil, fmt.Errorf("diagram: unsupported image format %q", format)
	}

	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()
	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if model.Title != "" {
		graph.SetLabel(model.Title)
	}

	gvNodes := make(map[string]*cgraph.Node, len(model.Nodes))
	for _, node := range model.Nodes {
		if node.Group != "" {
			continue
		}
		n, err := graph.CreateNodeByName(node.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", node.ID, err)
		}
		styleNode(n, node)
		gvNodes[node.ID] = n
	}

	for _, grp := range model.Groups {
		sub, err := graph.CreateSubGraphByName("cluster_" + grp.ID)
		if err != nil {
			return nil, fmt.Errorf("diagram: create cluster %s: %w", grp.ID, err)
		}
		sub.SetLabel(grp.Label)
		sub.SetStyle(cgraph.DashedGraphStyle)
		for _, id := range grp.Members {
			node := model.node(id)
			if node == nil || node.Group != grp.ID {
				continue
			}
			n, err := sub.CreateNodeByName(id)
			if err != nil {
				return nil, fmt.Errorf("diagram: create node %s: %w", id, err)
			}
			styleNode(n, node)
			gvNodes[id] = n
		}
	}

	for _, edge := range model.Edges {
		from, to := gvNodes[edge.From], gvNodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, err := graph.CreateEdgeByName("", from, to)
		if err != nil {
			return nil, fmt.Errorf("diagram: create edge %s->%s: %w", edge.From, edge.To, err)
		}
		if edge.Label != "" {
			e.SetLabel(edge.Label)
		}
		if edge.Back {
			e.SetStyle(cgraph.DashedEdgeStyle)
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, gvFormat, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render %s: %w", gvFormat, err)
	}
	return buf.Bytes(), nil
}

func styleNode(n *cgraph.Node, node *Node) {
	n.SetLabel(node.Label)
	switch node.Kind {
	case NodeKindSwitch:
		n.SetShape(cgraph.DiamondShape)
	case NodeKindDelay:
		n.SetShape(cgraph.EllipseShape)
	case NodeKindLoop:
		n.SetShape(cgraph.Box3DShape)
	case NodeKindStart, NodeKindEnd:
		n.SetShape(cgraph.CircleShape)
		n.SetWidth(0.5)
		n.SetHeight(0.5)
	default:
		n.SetShape(cgraph.BoxShape)
	}
	if node.Status != nil {
		applyStatusColor(n, node.Status.Status)
	}
}

func applyStatusColor(n *cgraph.Node, status string) {
	n.SetStyle(cgraph.FilledNodeStyle)
	switch status {
	case "completed":
		n.SetFillColor("#2d6a2d")
		n.SetFontColor("white")
	case "failed":
		n.SetFillColor("#8b1a1a")
		n.SetFontColor("white")
	case "suppressed":
		n.SetFillColor("#b7791a")
		n.SetFontColor("white")
	case "running", "retrying":
		n.SetFillColor("#1a5276")
		n.SetFontColor("white")
	case "pending":
		n.SetFillColor("#d3d3d3")
		n.SetFontColor("black")
	case "skipped":
		n.SetFillColor("#e8e8e8")
		n.SetFontColor("#888888")
		n.SetStyle(cgraph.DashedNodeStyle)
	}
}
