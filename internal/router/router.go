// Package router implements Router: project-key normalization (with
// aliases), repo↔project resolution, and atomic task-file rerouting
// between project inboxes.
package router

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/nickmisasi/nexuscore/internal/config"
	"github.com/nickmisasi/nexuscore/internal/platform"
)

// Router resolves project/repo relationships against a live config.Registry.
type Router struct {
	configs  *config.Watcher
	platform platform.GitPlatform
}

// New constructs a Router.
func New(configs *config.Watcher, plat platform.GitPlatform) *Router {
	return &Router{configs: configs, platform: plat}
}

// NormalizeProjectKey lowercases and trims raw; if it matches a registered
// alias, the alias's canonical key is returned instead.
func (r *Router) NormalizeProjectKey(raw string) string {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if key, ok := r.configs.Current().ResolveAlias(trimmed); ok {
		return key
	}
	return trimmed
}

// WorkspaceForProject satisfies reconcile.ProjectLocator.
func (r *Router) WorkspaceForProject(projectKey string) (string, error) {
	pc, ok := r.configs.Current().Project(r.NormalizeProjectKey(projectKey))
	if !ok {
		return "", errors.Errorf("router: unknown project %q", projectKey)
	}
	return pc.Workspace, nil
}

// ResolveProjectForRepo finds the first project whose repo list contains
// repo (explicit config entries, then auto-discovered workspace repos).
func (r *Router) ResolveProjectForRepo(repo string) (string, bool) {
	for _, pc := range r.configs.Current().All() {
		for _, configured := range pc.Repos {
			if strings.EqualFold(configured, repo) {
				return pc.ProjectKey, true
			}
		}
		discovered, err := DiscoverWorkspaceRepos(pc.Workspace)
		if err != nil {
			continue
		}
		for _, d := range discovered {
			if strings.EqualFold(d, repo) {
				return pc.ProjectKey, true
			}
		}
	}
	return "", false
}

// ReviewModeForRepo returns the effective review mode ("auto" or "manual")
// of the project owning repo, defaulting to "auto" when the repo is
// unmapped or its project leaves reviewMode unset.
func (r *Router) ReviewModeForRepo(repo string) string {
	key, ok := r.ResolveProjectForRepo(repo)
	if !ok {
		return "auto"
	}
	pc, ok := r.configs.Current().Project(r.NormalizeProjectKey(key))
	if !ok || pc.ReviewMode == "" {
		return "auto"
	}
	return pc.ReviewMode
}

// ResolveRepoForIssue iterates candidate repos across every project (the
// named defaultProject's repos first), querying GitPlatform.GetIssue for
// each until one responds; falls back to defaultProject's first repo.
func (r *Router) ResolveRepoForIssue(ctx context.Context, issueNumber int, defaultProject string) (string, error) {
	var candidates []string
	reg := r.configs.Current()

	if pc, ok := reg.Project(r.NormalizeProjectKey(defaultProject)); ok {
		candidates = append(candidates, pc.Repos...)
	}
	for _, pc := range reg.All() {
		if pc.ProjectKey == defaultProject {
			continue
		}
		candidates = append(candidates, pc.Repos...)
	}

	for _, repo := range candidates {
		if _, err := r.platform.GetIssue(ctx, repo, issueNumber); err == nil {
			return repo, nil
		}
	}

	if pc, ok := reg.Project(r.NormalizeProjectKey(defaultProject)); ok && len(pc.Repos) > 0 {
		return pc.Repos[0], nil
	}
	return "", errors.Errorf("router: could not resolve a repo for issue %d", issueNumber)
}

// RerouteWebhookTask atomically moves a task file to targetProject's
// inbox, renaming with a timestamp suffix on collision.
func (r *Router) RerouteWebhookTask(taskFilePath, targetProject string) (string, error) {
	pc, ok := r.configs.Current().Project(r.NormalizeProjectKey(targetProject))
	if !ok {
		return "", errors.Errorf("router: unknown target project %q", targetProject)
	}

	destDir := filepath.Join(pc.Workspace, ".nexus", "inbox", pc.ProjectKey)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create destination inbox directory")
	}

	destPath := filepath.Join(destDir, filepath.Base(taskFilePath))
	if _, err := os.Stat(destPath); err == nil {
		ext := filepath.Ext(destPath)
		base := strings.TrimSuffix(filepath.Base(destPath), ext)
		destPath = filepath.Join(destDir, base+"-"+strconv.FormatInt(time.Now().UnixNano(), 10)+ext)
	}

	if err := os.Rename(taskFilePath, destPath); err != nil {
		return "", errors.Wrapf(err, "failed to reroute task file %q to %q", taskFilePath, destPath)
	}
	return destPath, nil
}

var originURLRe = regexp.MustCompile(`(?:github\.com[:/])([^/]+)/([^/.\s]+)(?:\.git)?`)

// DiscoverWorkspaceRepos walks workspace for sub-directories containing a
// .git directory, parses each one's origin remote URL, and returns the
// normalized "namespace/repo" slugs it can extract.
func DiscoverWorkspaceRepos(workspace string) ([]string, error) {
	entries, err := os.ReadDir(workspace)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list workspace %q", workspace)
	}

	var repos []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		gitConfigPath := filepath.Join(workspace, e.Name(), ".git", "config")
		if _, err := os.Stat(gitConfigPath); err != nil {
			continue
		}
		slug, ok := parseOriginSlug(gitConfigPath)
		if ok {
			repos = append(repos, slug)
		}
	}
	return repos, nil
}

func parseOriginSlug(gitConfigPath string) (string, bool) {
	f, err := os.Open(gitConfigPath)
	if err != nil {
		return "", false
	}
	defer f.Close()

	inOrigin := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "[remote") {
			inOrigin = strings.Contains(line, `"origin"`)
			continue
		}
		if !inOrigin {
			continue
		}
		if strings.HasPrefix(line, "url") {
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			url := strings.TrimSpace(parts[1])
			m := originURLRe.FindStringSubmatch(url)
			if len(m) == 3 {
				return m[1] + "/" + m[2], true
			}
		}
	}
	return "", false
}
