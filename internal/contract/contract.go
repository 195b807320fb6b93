// Package contract declares the operator command surface and the parity
// rule between frontends that expose it (a chat bot vs. a bare HTTP API,
// for instance). Grounded on original_source's command_contract.py: the
// same per-frontend command sets, the required-parity subset, and the
// strict/non-strict validation split.
package contract

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ChatCommands is the full command surface a conversational frontend
// (chat ops bot, Slack app, ...) is expected to expose.
var ChatCommands = map[string]struct{}{
	"status":    {},
	"active":    {},
	"track":     {},
	"tracked":   {},
	"untrack":   {},
	"myissues":  {},
	"chat":      {},
	"pause":     {},
	"resume":    {},
	"stop":      {},
	"continue":  {},
	"agents":    {},
	"visualize": {},
	"watch":     {},
	"reconcile": {},
	"reprocess": {},
	"audit":     {},
}

// HTTPCommands is the command surface a bare HTTP/JSON API is expected to
// expose. Smaller than ChatCommands by design: a thin client only needs
// the required-parity subset plus its own chat entrypoint.
var HTTPCommands = map[string]struct{}{
	"chat":     {},
	"track":    {},
	"tracked":  {},
	"myissues": {},
	"status":   {},
}

// RequiredParityCommands is the subset every registered frontend must
// implement, regardless of how much of ChatCommands it otherwise covers.
var RequiredParityCommands = map[string]struct{}{
	"chat":     {},
	"track":    {},
	"tracked":  {},
	"myissues": {},
	"status":   {},
}

// Frontends names every command set this module validates parity across.
var Frontends = map[string]map[string]struct{}{
	"chat": ChatCommands,
	"http": HTTPCommands,
}

// ParityReport is the set-difference view between two frontends'
// command surfaces.
type ParityReport struct {
	ChatOnly map[string]struct{}
	HTTPOnly map[string]struct{}
	Shared   map[string]struct{}
}

func difference(a, b map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for k := range a {
		if _, ok := b[k]; !ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func intersection(a, b map[string]struct{}) map[string]struct{} {
	out := map[string]struct{}{}
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsParityStrictEnabled reports whether strict command parity enforcement
// is enabled, read from COMMAND_PARITY_STRICT.
func IsParityStrictEnabled() bool {
	return strings.ToLower(strings.TrimSpace(os.Getenv("COMMAND_PARITY_STRICT"))) == "true"
}

// BuildParityReport computes the ChatCommands/HTTPCommands set difference.
func BuildParityReport() ParityReport {
	return ParityReport{
		ChatOnly: difference(ChatCommands, HTTPCommands),
		HTTPOnly: difference(HTTPCommands, ChatCommands),
		Shared:   intersection(ChatCommands, HTTPCommands),
	}
}

// ValidateCommandParity returns the parity report and, if strict is true
// (or nil and COMMAND_PARITY_STRICT=true), returns an error when either
// frontend has commands the other lacks.
func ValidateCommandParity(strict *bool) (ParityReport, error) {
	report := BuildParityReport()
	strictMode := IsParityStrictEnabled()
	if strict != nil {
		strictMode = *strict
	}

	if strictMode && (len(report.ChatOnly) > 0 || len(report.HTTPOnly) > 0) {
		return report, errors.Errorf(
			"command parity mismatch detected: chat_only=%v, http_only=%v",
			sortedKeys(report.ChatOnly), sortedKeys(report.HTTPOnly),
		)
	}
	return report, nil
}

// ValidateRequiredCommandInterface ensures every registered frontend
// implements RequiredParityCommands, regardless of strict mode.
func ValidateRequiredCommandInterface() error {
	missing := map[string][]string{}
	for name, commands := range Frontends {
		var gap []string
		for required := range RequiredParityCommands {
			if _, ok := commands[required]; !ok {
				gap = append(gap, required)
			}
		}
		if len(gap) > 0 {
			sort.Strings(gap)
			missing[name] = gap
		}
	}

	if len(missing) == 0 {
		return nil
	}

	names := make([]string, 0, len(missing))
	for name := range missing {
		names = append(names, name)
	}
	sort.Strings(names)

	var parts []string
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s missing %v", name, missing[name]))
	}
	return errors.Errorf("required command interface mismatch: %s", strings.Join(parts, ", "))
}
