package diagram

import (
	"fmt"
	"strings"
)

func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "suppressed":
		return "[FAIL~]"
	case "running":
		return "[RUN]"
	case "retrying":
		return "[RETRY]"
	case "skipped":
		return "[SKIP]"
	case "pending":
		return "[PEND]"
	}
	return ""
}

// RenderASCII renders a DiagramModel as rows of boxes, one row per level.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	for i, level := range model.Levels {
		var boxes []asciiBox
		for _, id := range level {
			if n := model.node(id); n != nil {
				boxes = append(boxes, makeBox(n))
			}
		}
		renderBoxRow(&b, boxes)
		if i < len(model.Levels)-1 && len(boxes) > 0 {
			b.WriteString("       │\n")
			b.WriteString("       ▼\n")
		}
	}

	for _, grp := range model.Groups {
		fmt.Fprintf(&b, "\n--- %s ---\n", grp.Label)
		for _, id := range grp.Members {
			tag := ""
			if n := model.node(id); n != nil && n.Status != nil {
				tag = " " + statusTag(n.Status.Status)
				if n.Status.Iterations > 1 {
					tag += fmt.Sprintf(" x%d", n.Status.Iterations)
				}
			}
			fmt.Fprintf(&b, "  %s%s\n", id, tag)
		}
	}

	var labelled []Edge
	for _, e := range model.Edges {
		if e.Label != "" || e.Back {
			labelled = append(labelled, e)
		}
	}
	if len(labelled) > 0 {
		b.WriteString("\n--- branches ---\n")
		for _, e := range labelled {
			label := e.Label
			if e.Back {
				label = "repeat"
			}
			fmt.Fprintf(&b, "  %s ─[%s]→ %s\n", e.From, label, e.To)
		}
	}
	return b.String()
}

type asciiBox struct {
	lines []string
	width int
}

func makeBox(node *Node) asciiBox {
	content := strings.Split(node.Label, "\n")
	if node.Status != nil {
		if tag := statusTag(node.Status.Status); tag != "" {
			content = append(content, tag)
		}
		if node.Status.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
	}

	maxLen := 0
	for _, line := range content {
		maxLen = max(maxLen, len(line))
	}
	width := maxLen + 4

	lines := []string{"┌" + strings.Repeat("─", width-2) + "┐"}
	for _, c := range content {
		lines = append(lines, "│ "+c+strings.Repeat(" ", maxLen-len(c))+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", width-2)+"┘")
	return asciiBox{lines: lines, width: width}
}

func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}

func renderBoxRow(b *strings.Builder, boxes []asciiBox) {
	height := 0
	for _, box := range boxes {
		height = max(height, len(box.lines))
	}
	for row := 0; row < height; row++ {
		for i, box := range boxes {
			if i > 0 {
				b.WriteString("  ")
			}
			if row < len(box.lines) {
				b.WriteString(box.lines[row])
			} else {
				b.WriteString(strings.Repeat(" ", box.width))
			}
		}
		b.WriteByte('\n')
	}
}
