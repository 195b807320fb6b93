// Package launcher defines AgentLauncher: given an issue and an agent
// reference, starts an external AI process and returns its handle. This is
// the narrow interface the teacher's cursor.Client plays for Cursor
// background agents, generalized so any process/API backend can implement
// it without the orchestration core depending on Cursor specifically.
package launcher

import "context"

// LaunchRequest describes an agent to start.
type LaunchRequest struct {
	IssueID       string
	AgentName     string
	Tier          string
	Repo          string
	TriggerSource string
	RepoOverride  string
}

// LaunchResult is the handle returned for a started agent.
type LaunchResult struct {
	PID  int
	Tool string
}

// AgentLauncher starts external agent processes. Errors returned from
// Launch are treated as non-retryable by the Reconciler's retry guard;
// transient-but-retryable failures should be retried inside Launch itself.
// No circuit breaker wraps an AgentLauncher.
type AgentLauncher interface {
	Launch(ctx context.Context, req LaunchRequest) (LaunchResult, error)

	// IsAlive reports whether an OS process or remote agent session for
	// (issueID, agentName) is still running.
	IsAlive(ctx context.Context, issueID, agentName string) (bool, error)

	// Stop terminates a running agent, if any.
	Stop(ctx context.Context, issueID, agentName string) error

	// CleanupWorktree removes the on-disk git worktree (if any) checked
	// out for issueID. It is idempotent: cleaning an issue with no
	// worktree is a no-op, not an error.
	CleanupWorktree(ctx context.Context, issueID string) error
}
