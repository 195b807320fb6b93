package router_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickmisasi/nexuscore/internal/config"
	"github.com/nickmisasi/nexuscore/internal/log"
	"github.com/nickmisasi/nexuscore/internal/platform"
	"github.com/nickmisasi/nexuscore/internal/router"
)

type fakePlatform struct {
	respondsFor map[string]bool
}

func (f *fakePlatform) GetIssue(ctx context.Context, repo string, number int) (platform.Issue, error) {
	if f.respondsFor[repo] {
		return platform.Issue{Number: number, Repo: repo, Open: true}, nil
	}
	return platform.Issue{}, assertNotFound
}

var assertNotFound = os.ErrNotExist

func (f *fakePlatform) LatestComment(ctx context.Context, repo string, number int) (platform.Comment, bool, error) {
	return platform.Comment{}, false, nil
}
func (f *fakePlatform) RequestReviewers(ctx context.Context, repo string, prNumber int, reviewers []string) error {
	return nil
}
func (f *fakePlatform) MarkPullRequestReady(ctx context.Context, repo string, prNumber int) error {
	return nil
}
func (f *fakePlatform) GetPullRequestByBranch(ctx context.Context, repo, branch string) (int, bool, error) {
	return 0, false, nil
}
func (f *fakePlatform) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (int, error) {
	return 0, nil
}
func (f *fakePlatform) CloseIssue(ctx context.Context, repo string, number int) error { return nil }
func (f *fakePlatform) ListOpenIssues(ctx context.Context, repo string) ([]platform.Issue, error) {
	return nil, nil
}
func (f *fakePlatform) AddComment(ctx context.Context, repo string, number int, body string) error {
	return nil
}
func (f *fakePlatform) UpdateLabels(ctx context.Context, repo string, number int, labels []string) error {
	return nil
}
func (f *fakePlatform) FindLinkedPullRequests(ctx context.Context, repo string, issueNumber int) ([]int, error) {
	return nil, nil
}

func newTestWatcher(t *testing.T, doc string) *config.Watcher {
	t.Helper()
	path := filepath.Join(t.TempDir(), "projects.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	w, err := config.NewWatcher(path, log.NewNop())
	require.NoError(t, err)
	return w
}

func TestNormalizeProjectKeyResolvesAlias(t *testing.T) {
	ws1, ws2 := t.TempDir(), t.TempDir()
	doc := sprintfDoc(ws1, ws2)
	w := newTestWatcher(t, doc)
	r := router.New(w, &fakePlatform{})

	assert.Equal(t, "acme", r.NormalizeProjectKey("A"))
	assert.Equal(t, "acme", r.NormalizeProjectKey(" acme "))
}

func TestWorkspaceForProjectUnknownErrors(t *testing.T) {
	ws1, ws2 := t.TempDir(), t.TempDir()
	w := newTestWatcher(t, sprintfDoc(ws1, ws2))
	r := router.New(w, &fakePlatform{})

	_, err := r.WorkspaceForProject("nonexistent")
	assert.Error(t, err)

	ws, err := r.WorkspaceForProject("acme")
	require.NoError(t, err)
	assert.Equal(t, ws1, ws)
}

func TestResolveProjectForRepo(t *testing.T) {
	ws1, ws2 := t.TempDir(), t.TempDir()
	w := newTestWatcher(t, sprintfDoc(ws1, ws2))
	r := router.New(w, &fakePlatform{})

	key, ok := r.ResolveProjectForRepo("acme/widgets")
	require.True(t, ok)
	assert.Equal(t, "widgets", key)

	_, ok = r.ResolveProjectForRepo("nobody/nothing")
	assert.False(t, ok)
}

func TestResolveRepoForIssuePrefersDefaultProject(t *testing.T) {
	ws1, ws2 := t.TempDir(), t.TempDir()
	w := newTestWatcher(t, sprintfDoc(ws1, ws2))
	plat := &fakePlatform{respondsFor: map[string]bool{"acme/widgets": true}}
	r := router.New(w, plat)

	repo, err := r.ResolveRepoForIssue(context.Background(), 5, "widgets")
	require.NoError(t, err)
	assert.Equal(t, "acme/widgets", repo)
}

func TestRerouteWebhookTaskMovesFile(t *testing.T) {
	ws1, ws2 := t.TempDir(), t.TempDir()
	w := newTestWatcher(t, sprintfDoc(ws1, ws2))
	r := router.New(w, &fakePlatform{})

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "issue_1.md")
	require.NoError(t, os.WriteFile(srcPath, []byte("content"), 0o644))

	destPath, err := r.RerouteWebhookTask(srcPath, "widgets")
	require.NoError(t, err)

	data, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	_, err = os.Stat(srcPath)
	assert.True(t, os.IsNotExist(err))
}

func sprintfDoc(ws1, ws2 string) string {
	return "projects:\n" +
		"  - projectKey: acme\n" +
		"    workspace: " + ws1 + "\n" +
		"    repos: [\"acme/repo\"]\n" +
		"    platform: github\n" +
		"    aliases: [\"a\"]\n" +
		"  - projectKey: widgets\n" +
		"    workspace: " + ws2 + "\n" +
		"    repos: [\"acme/widgets\"]\n" +
		"    platform: github\n"
}
