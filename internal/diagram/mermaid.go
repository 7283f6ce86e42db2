package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a DiagramModel as a Mermaid flowchart.
func RenderMermaid(model *DiagramModel) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		if node.Group == "" {
			fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
		}
	}
	for _, grp := range model.Groups {
		fmt.Fprintf(&b, "    subgraph %s[%q]\n", mermaidSafeID(grp.ID+"_body"), grp.Label)
		for _, id := range grp.Members {
			if n := model.node(id); n != nil && n.Group == grp.ID {
				fmt.Fprintf(&b, "        %s\n", mermaidNodeDef(n))
			}
		}
		b.WriteString("    end\n")
	}

	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.Back {
			arrow = "-.->"
		}
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef suppressed fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	for _, node := range model.Nodes {
		if node.Status == nil {
			continue
		}
		if cls := mermaidStatusClass(node.Status.Status); cls != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
		}
	}
	return b.String()
}

// mermaidNodeDef returns a node definition shaped by kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := firstLine(node.Label)

	switch node.Kind {
	case NodeKindSwitch:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindDelay:
		return fmt.Sprintf("%s([%q])", id, label)
	case NodeKindLoop:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default:
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID replaces characters Mermaid does not accept in ids.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}

func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "suppressed", "skipped":
		return status
	case "running", "retrying":
		return "running"
	case "pending":
		return "pending"
	}
	return ""
}
