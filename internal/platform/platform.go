// Package platform defines GitPlatform: the narrow surface the
// orchestration core needs from a forge (issue/comment reads, PR reviewer
// requests) without depending on any single SDK directly. internal/platform/
// github supplies the production implementation over go-github.
package platform

import "context"

// Comment is a normalized issue/PR comment.
type Comment struct {
	ID        string
	Body      string
	AuthorBot bool
	CreatedAt int64
}

// Issue is a normalized view of a remote issue.
type Issue struct {
	Number int
	Repo   string
	Open   bool
	Labels []string
}

// GitPlatform is the forge abstraction the Reconciler and WebhookRouter
// depend on.
type GitPlatform interface {
	// GetIssue fetches the current state of an issue.
	GetIssue(ctx context.Context, repo string, number int) (Issue, error)

	// LatestComment returns the most recent comment on an issue, or the
	// zero Comment with ok=false if none exist.
	LatestComment(ctx context.Context, repo string, number int) (comment Comment, ok bool, err error)

	// RequestReviewers adds reviewers to an open pull request.
	RequestReviewers(ctx context.Context, repo string, prNumber int, reviewers []string) error

	// MarkPullRequestReady transitions a draft PR to ready-for-review.
	MarkPullRequestReady(ctx context.Context, repo string, prNumber int) error

	// GetPullRequestByBranch finds an open PR with the given head branch.
	GetPullRequestByBranch(ctx context.Context, repo, branch string) (number int, found bool, err error)

	// CreateIssue opens a new issue and returns its number.
	CreateIssue(ctx context.Context, repo, title, body string, labels []string) (number int, err error)

	// CloseIssue closes an open issue.
	CloseIssue(ctx context.Context, repo string, number int) error

	// ListOpenIssues lists every open issue in repo (pull requests excluded).
	ListOpenIssues(ctx context.Context, repo string) ([]Issue, error)

	// AddComment posts a new comment on an issue or pull request.
	AddComment(ctx context.Context, repo string, number int, body string) error

	// UpdateLabels replaces an issue's full label set.
	UpdateLabels(ctx context.Context, repo string, number int, labels []string) error

	// FindLinkedPullRequests returns the numbers of open pull requests
	// referencing issueNumber in their body.
	FindLinkedPullRequests(ctx context.Context, repo string, issueNumber int) ([]int, error)
}
