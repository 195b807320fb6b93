package process_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickmisasi/nexuscore/internal/clock"
	"github.com/nickmisasi/nexuscore/internal/launcher"
	"github.com/nickmisasi/nexuscore/internal/launcher/process"
	"github.com/nickmisasi/nexuscore/internal/store/fsstore"
)

func sleepCommand(agentName, tier, repo string) (string, []string) {
	return "/bin/sleep", []string{"5"}
}

func newTestLauncher(t *testing.T) *process.Launcher {
	t.Helper()
	backend, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	return process.New(backend, clk, sleepCommand, []string{"shell"}).WithRateLimit(1000, 1000)
}

func TestLaunchStartsProcessAndRecordsPID(t *testing.T) {
	l := newTestLauncher(t)
	ctx := context.Background()

	result, err := l.Launch(ctx, launcher.LaunchRequest{IssueID: "7", AgentName: "triage-agent", Tier: "standard", Repo: "acme/repo"})
	require.NoError(t, err)
	assert.Greater(t, result.PID, 0)
	defer func() { _ = l.Stop(ctx, "7", "triage-agent") }()

	alive, err := l.IsAlive(ctx, "7", "triage-agent")
	require.NoError(t, err)
	assert.True(t, alive)
}

func TestIsAliveFalseForUnknownAgent(t *testing.T) {
	l := newTestLauncher(t)
	alive, err := l.IsAlive(context.Background(), "7", "nonexistent-agent")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestStopTerminatesProcessAndClearsRecord(t *testing.T) {
	l := newTestLauncher(t)
	ctx := context.Background()

	_, err := l.Launch(ctx, launcher.LaunchRequest{IssueID: "7", AgentName: "triage-agent", Repo: "acme/repo"})
	require.NoError(t, err)

	require.NoError(t, l.Stop(ctx, "7", "triage-agent"))

	require.Eventually(t, func() bool {
		alive, err := l.IsAlive(ctx, "7", "triage-agent")
		return err == nil && !alive
	}, time.Second, 10*time.Millisecond)
}

func TestCleanupWorktreeRemovesIssueDirectory(t *testing.T) {
	backend, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	root := t.TempDir()
	l := process.New(backend, clk, sleepCommand, nil).WithWorktreeRoot(root)

	issueDir := filepath.Join(root, "7")
	require.NoError(t, os.MkdirAll(issueDir, 0o755))

	require.NoError(t, l.CleanupWorktree(context.Background(), "7"))

	_, err = os.Stat(issueDir)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupWorktreeWithoutRootIsNoop(t *testing.T) {
	l := newTestLauncher(t)
	require.NoError(t, l.CleanupWorktree(context.Background(), "7"))
}

func TestPruneStaleDropsOldRecords(t *testing.T) {
	backend, err := fsstore.New(t.TempDir())
	require.NoError(t, err)
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	l := process.New(backend, clk, sleepCommand, nil).WithRateLimit(1000, 1000)
	ctx := context.Background()

	_, err = l.Launch(ctx, launcher.LaunchRequest{IssueID: "7", AgentName: "triage-agent", Repo: "acme/repo"})
	require.NoError(t, err)
	defer func() { _ = l.Stop(ctx, "7", "triage-agent") }()

	clk.Advance(process.AgentRecentWindowSeconds*time.Second + time.Hour)
	require.NoError(t, l.PruneStale(ctx))

	alive, err := l.IsAlive(ctx, "7", "triage-agent")
	require.NoError(t, err)
	assert.False(t, alive)
}
