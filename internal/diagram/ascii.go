package diagram

import (
	"fmt"
	"strings"
)

// statusTag returns a short ASCII indicator for a status string.
func statusTag(status string) string {
	switch status {
	case "completed":
		return "[OK]"
	case "failed":
		return "[FAIL]"
	case "running":
		return "[RUN]"
	case "skipped":
		return "[SKIP]"
	case "pending":
		return "[PEND]"
	case "retrying":
		return "[RETRY]"
	default:
		return ""
	}
}

// RenderASCII renders a DiagramModel as boxes stacked top to bottom.
func RenderASCII(model *DiagramModel) string {
	var b strings.Builder

	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	labels := make(map[string]string, len(model.Edges))
	for _, e := range model.Edges {
		labels[e.To] = e.Label
	}

	for i, node := range model.Nodes {
		if i > 0 {
			renderConnector(&b, labels[node.ID])
		}
		for _, line := range makeBox(node) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// makeBox creates the lines of an ASCII box for a node.
func makeBox(node *Node) []string {
	content := strings.Split(node.Label, "\n")
	if node.Status != nil {
		tag := statusTag(node.Status.Status)
		if node.Status.Attempts > 1 {
			tag = strings.TrimSpace(fmt.Sprintf("%s x%d", tag, node.Status.Attempts))
		}
		if tag != "" {
			content = append(content, tag)
		}
		if node.Status.DurationMs > 0 {
			content = append(content, fmt.Sprintf("%dms", node.Status.DurationMs))
		}
	}

	maxLen := 0
	for _, line := range content {
		maxLen = max(maxLen, len([]rune(line)))
	}

	lines := make([]string, 0, len(content)+2)
	lines = append(lines, "┌"+strings.Repeat("─", maxLen+2)+"┐")
	for _, line := range content {
		padded := line + strings.Repeat(" ", maxLen-len([]rune(line)))
		lines = append(lines, "│ "+padded+" │")
	}
	lines = append(lines, "└"+strings.Repeat("─", maxLen+2)+"┘")
	return lines
}

// renderConnector draws the arrow between two boxes, with the guard of the
// next step beside it.
func renderConnector(b *strings.Builder, label string) {
	if label != "" {
		fmt.Fprintf(b, "  │ %s\n", label)
	} else {
		b.WriteString("  │\n")
	}
	b.WriteString("  ▼\n")
}
