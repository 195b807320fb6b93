package reconcile

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/nickmisasi/nexuscore/internal/nexus"
)

// stepCompleteCommentRe and readyForCommentRe extract a (completed_agent,
// next_agent) transition from a structured comment body. Grounded
// verbatim on original_source's workflow_signal_sync.py regex pair.
var (
	stepCompleteCommentRe = regexp.MustCompile(`(?im)^\s*##\s+.+?\bcomplete\b\s+—\s+([a-zA-Z0-9_-]+)\s*$`)
	readyForCommentRe     = regexp.MustCompile(`(?i)\bready\s+for\s+(?:\*\*)?` + "`" + `?@?([a-zA-Z0-9_-]+)`)
)

// parseStructuredComment extracts (next_agent, completed_agent) from a
// comment body, returning empty strings if the body does not match the
// structured completion pattern.
func parseStructuredComment(body string) (nextAgent, completedAgent string) {
	completeMatch := stepCompleteCommentRe.FindStringSubmatch(body)
	readyMatch := readyForCommentRe.FindStringSubmatch(body)
	if completeMatch == nil || readyMatch == nil {
		return "", ""
	}

	completed := nexus.NormalizeAgentReference(completeMatch[1])
	next := nexus.NormalizeAgentReference(readyMatch[1])
	if completed == "" || next == "" {
		return "", ""
	}
	return next, completed
}

// issueIDFromCompletionPath extracts the issue ID embedded in a
// completion_summary_<issue>[...].json filename.
func issueIDFromCompletionPath(path string) string {
	base := filepath.Base(path)
	const prefix = "completion_summary_"
	if !strings.HasPrefix(base, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(base, prefix)
	rest = strings.TrimSuffix(rest, filepath.Ext(rest))
	if idx := strings.IndexByte(rest, '_'); idx >= 0 {
		rest = rest[:idx]
	}
	return rest
}
