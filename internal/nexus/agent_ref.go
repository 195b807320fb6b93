package nexus

import "strings"

// NormalizeAgentReference strips a leading "@", surrounding backticks, and
// normalizes case so that "@Developer", "`developer`" and "developer" all
// compare equal. Mirrors the teacher's mention-normalization idiom, applied
// here to step-agent matching instead of chat @mentions.
func NormalizeAgentReference(ref string) string {
	ref = strings.TrimSpace(ref)
	ref = strings.Trim(ref, "`")
	ref = strings.TrimPrefix(ref, "@")
	return strings.ToLower(strings.TrimSpace(ref))
}

// defaultTerminalSentinels are the built-in terminal next_agent values. The
// spec's §9 Design Notes flag the teacher's hard-coded terminal set
// ("reviewer-complete", "done") as something that must become configurable;
// TerminalSet below is that configuration point, seeded with these defaults.
var defaultTerminalSentinels = map[string]bool{
	"":                 true,
	"done":             true,
	"complete":         true,
	"reviewer-complete": true,
}

// TerminalSet is a configurable set of next_agent sentinels that mean
// "the workflow is finished". Callers may extend it per project/tier.
type TerminalSet struct {
	extra map[string]bool
}

// NewTerminalSet builds a TerminalSet seeded with the defaults plus any
// project-specific additions.
func NewTerminalSet(additional ...string) *TerminalSet {
	ts := &TerminalSet{extra: make(map[string]bool, len(additional))}
	for _, a := range additional {
		ts.extra[NormalizeAgentReference(a)] = true
	}
	return ts
}

// IsTerminal reports whether nextAgent denotes workflow completion.
func (ts *TerminalSet) IsTerminal(nextAgent string) bool {
	normalized := NormalizeAgentReference(nextAgent)
	if defaultTerminalSentinels[normalized] {
		return true
	}
	if ts == nil {
		return false
	}
	return ts.extra[normalized]
}
