package watch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nickmisasi/nexuscore/internal/nexus"
)

// statusColor mirrors the dark-mode palette original_source's
// mermaid_render_service used per step status.
var statusColor = map[nexus.StepStatus]string{
	nexus.StepComplete: "#3fb950",
	nexus.StepRunning:  "#d29922",
	nexus.StepPending:  "#21262d",
	nexus.StepFailed:   "#f85149",
	nexus.StepSkipped:  "#8b949e",
	nexus.StepPaused:   "#58a6ff",
}

func lightText(status nexus.StepStatus) bool {
	return status == nexus.StepRunning || status == nexus.StepComplete
}

// BuildDiagram renders a workflow's steps as a Mermaid flowchart, used by
// the /visualize command and published via TopicMermaidDiagram.
func BuildDiagram(steps []nexus.Step, issueID string) string {
	total := len(steps)
	var lines []string
	lines = append(lines, "flowchart TD", fmt.Sprintf(`  I["Issue #%s"]`, issueID))

	var styleLines []string
	prevNode := "I"

	for idx, step := range steps {
		nodeID := "S" + strconv.Itoa(idx+1)
		agentName := strings.ReplaceAll(step.Agent.Name, `"`, "'")
		if agentName == "" {
			agentName = strings.ReplaceAll(step.Agent.DisplayName, `"`, "'")
		}

		labelParts := []string{fmt.Sprintf("%d/%d", idx+1, total)}
		if step.Name != "" {
			labelParts = append(labelParts, step.Name)
		}
		if agentName != "" {
			labelParts = append(labelParts, agentName)
		}
		labelParts = append(labelParts, fmt.Sprintf("%s %s", stepStatusIcon(step.Status), step.Status))
		label := strings.Join(labelParts, "\\n")

		lines = append(lines, fmt.Sprintf(`  %s --> %s(["%s"])`, prevNode, nodeID, label))

		if color, ok := statusColor[step.Status]; ok {
			textColor := "#cdd9e5"
			if lightText(step.Status) {
				textColor = "#000"
			}
			styleLines = append(styleLines, fmt.Sprintf("  style %s fill:%s,color:%s", nodeID, color, textColor))
		}

		prevNode = nodeID
	}

	lines = append(lines, styleLines...)
	return strings.Join(lines, "\n")
}
