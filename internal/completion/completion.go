// Package completion reads and rewrites the local completion-summary files
// agents write on exit, under
// <workspace>/.nexus/tasks/<project>/completions/completion_summary_<issue>*.json.
// Grounded on original_source's startup_recovery_service.py, which reads
// the same artifacts via an injected read_latest_local_completion callback.
package completion

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"

	"github.com/nickmisasi/nexuscore/internal/nexus"
)

// Found is a located completion file plus its parsed content and modtime.
type Found struct {
	Path      string
	Summary   nexus.CompletionSummary
	ModifiedAt int64
}

func dir(workspace, projectKey string) string {
	return filepath.Join(workspace, ".nexus", "tasks", projectKey, "completions")
}

// FindLatest returns the newest completion file for issueID, or ok=false
// if none exist.
func FindLatest(workspace, projectKey, issueID string) (Found, bool, error) {
	pattern := filepath.Join(dir(workspace, projectKey), "completion_summary_"+issueID+"*.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return Found{}, false, errors.Wrapf(err, "failed to glob completion files for issue %q", issueID)
	}
	if len(matches) == 0 {
		return Found{}, false, nil
	}

	type candidate struct {
		path    string
		modTime int64
	}
	prefix := "completion_summary_" + issueID
	candidates := make([]candidate, 0, len(matches))
	for _, m := range matches {
		// Skip files of other issues whose ID starts with issueID (7 vs 70).
		if rest := filepath.Base(m)[len(prefix):]; rest != ".json" && rest[0] != '_' {
			continue
		}
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: m, modTime: info.ModTime().Unix()})
	}
	if len(candidates) == 0 {
		return Found{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime > candidates[j].modTime })

	latest := candidates[0]
	data, err := os.ReadFile(latest.path)
	if err != nil {
		return Found{}, false, errors.Wrapf(err, "failed to read completion file %q", latest.path)
	}

	var summary nexus.CompletionSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return Found{}, false, errors.Wrapf(err, "failed to parse completion file %q", latest.path)
	}

	return Found{Path: latest.path, Summary: summary, ModifiedAt: latest.modTime}, true, nil
}

// Rewrite overwrites the completion file at path with summary, used by the
// startup auto-reconcile path to keep the local artifact consistent with
// what was just applied via complete_step.
func Rewrite(path string, summary nexus.CompletionSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal completion summary")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "failed to create completions directory")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write completion file %q", path)
	}
	return nil
}

// ListAll returns every completion file under a project's completions
// directory, used by unmapped-issue recovery to scan for orphaned
// completions whose issue has no workflow mapping.
func ListAll(workspace, projectKey string) ([]Found, error) {
	entries, err := os.ReadDir(dir(workspace, projectKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to list completions directory")
	}

	var found []Found
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir(workspace, projectKey), e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var summary nexus.CompletionSummary
		if err := json.Unmarshal(data, &summary); err != nil {
			continue
		}
		found = append(found, Found{Path: path, Summary: summary, ModifiedAt: info.ModTime().Unix()})
	}
	return found, nil
}
