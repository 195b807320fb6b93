// Package github implements platform.GitPlatform over go-github, adapted
// from the teacher's ghclient.Client: the same delegation style and
// pagination loops, generalized from a PR-review-only surface to the
// issue/comment/PR reads the reconciliation loop needs.
package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gogithub "github.com/google/go-github/v68/github"
	"github.com/pkg/errors"

	"github.com/nickmisasi/nexuscore/internal/platform"
	"github.com/nickmisasi/nexuscore/internal/retry"
)

// retryableAPIError wraps a transient GitHub API error (rate limit, 5xx)
// so retry.Do knows to retry it; a non-transient error is returned bare.
type retryableAPIError struct{ cause error }

func (e *retryableAPIError) Error() string   { return e.cause.Error() }
func (e *retryableAPIError) Unwrap() error   { return e.cause }
func (e *retryableAPIError) Retryable() bool { return true }

func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var rateLimitErr *gogithub.RateLimitError
	var abuseErr *gogithub.AbuseRateLimitError
	var respErr *gogithub.ErrorResponse
	switch {
	case errors.As(err, &rateLimitErr), errors.As(err, &abuseErr):
		return &retryableAPIError{cause: err}
	case errors.As(err, &respErr) && respErr.Response != nil && respErr.Response.StatusCode >= http.StatusInternalServerError:
		return &retryableAPIError{cause: err}
	default:
		return err
	}
}

// Client wraps a *gogithub.Client as a platform.GitPlatform.
type Client struct {
	gh       *gogithub.Client
	botLogin string
}

// New authenticates with a personal access token. botLogin identifies the
// orchestrator's own GitHub login, so its own comments are never mistaken
// for completion signals.
func New(token, botLogin string) *Client {
	return &Client{gh: gogithub.NewClient(nil).WithAuthToken(token), botLogin: strings.ToLower(botLogin)}
}

// NewWithClient injects an existing *gogithub.Client, for tests pointing
// at an httptest server.
func NewWithClient(gh *gogithub.Client, botLogin string) *Client {
	return &Client{gh: gh, botLogin: strings.ToLower(botLogin)}
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.Errorf("invalid repo reference %q, expected \"owner/name\"", repo)
	}
	return parts[0], parts[1], nil
}

func (c *Client) GetIssue(ctx context.Context, repo string, number int) (platform.Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return platform.Issue{}, err
	}

	var issue *gogithub.Issue
	err = retry.Do(ctx, retry.Options{}, func(ctx context.Context, _ int) error {
		var innerErr error
		issue, _, innerErr = c.gh.Issues.Get(ctx, owner, name, number)
		return classifyErr(innerErr)
	})
	if err != nil {
		return platform.Issue{}, errors.Wrapf(err, "failed to get issue %s#%d", repo, number)
	}

	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}

	return platform.Issue{
		Number: number,
		Repo:   repo,
		Open:   issue.GetState() == "open",
		Labels: labels,
	}, nil
}

func (c *Client) LatestComment(ctx context.Context, repo string, number int) (platform.Comment, bool, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return platform.Comment{}, false, err
	}

	opts := &gogithub.IssueListCommentsOptions{
		Sort:        gogithub.Ptr("created"),
		Direction:   gogithub.Ptr("desc"),
		ListOptions: gogithub.ListOptions{PerPage: 1},
	}
	var comments []*gogithub.IssueComment
	err = retry.Do(ctx, retry.Options{}, func(ctx context.Context, _ int) error {
		var innerErr error
		comments, _, innerErr = c.gh.Issues.ListComments(ctx, owner, name, number, opts)
		return classifyErr(innerErr)
	})
	if err != nil {
		return platform.Comment{}, false, errors.Wrapf(err, "failed to list comments on %s#%d", repo, number)
	}
	if len(comments) == 0 {
		return platform.Comment{}, false, nil
	}

	raw := comments[0]
	login := strings.ToLower(raw.GetUser().GetLogin())
	return platform.Comment{
		ID:        gogithub.Stringify(raw.GetID()),
		Body:      raw.GetBody(),
		AuthorBot: login == c.botLogin,
		CreatedAt: raw.GetCreatedAt().Unix(),
	}, true, nil
}

func (c *Client) RequestReviewers(ctx context.Context, repo string, prNumber int, reviewers []string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	_, _, err = c.gh.PullRequests.RequestReviewers(ctx, owner, name, prNumber, gogithub.ReviewersRequest{Reviewers: reviewers})
	if err != nil {
		return errors.Wrapf(err, "failed to request reviewers on %s#%d", repo, prNumber)
	}
	return nil
}

func (c *Client) MarkPullRequestReady(ctx context.Context, repo string, prNumber int) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	pr, _, err := c.gh.PullRequests.Get(ctx, owner, name, prNumber)
	if err != nil {
		return errors.Wrapf(err, "failed to get pull request %s#%d", repo, prNumber)
	}
	if !pr.GetDraft() {
		return nil
	}

	draft := false
	_, _, err = c.gh.PullRequests.Edit(ctx, owner, name, prNumber, &gogithub.PullRequest{Draft: &draft})
	if err != nil {
		return errors.Wrapf(err, "failed to mark pull request %s#%d ready", repo, prNumber)
	}
	return nil
}

func (c *Client) GetPullRequestByBranch(ctx context.Context, repo, branch string) (int, bool, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return 0, false, err
	}

	prs, _, err := c.gh.PullRequests.List(ctx, owner, name, &gogithub.PullRequestListOptions{
		Head:        owner + ":" + branch,
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 1},
	})
	if err != nil {
		return 0, false, errors.Wrapf(err, "failed to list pull requests for branch %q on %s", branch, repo)
	}
	if len(prs) == 0 {
		return 0, false, nil
	}
	return prs[0].GetNumber(), true, nil
}

func (c *Client) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (int, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return 0, err
	}

	var issue *gogithub.Issue
	err = retry.Do(ctx, retry.Options{}, func(ctx context.Context, _ int) error {
		var innerErr error
		issue, _, innerErr = c.gh.Issues.Create(ctx, owner, name, &gogithub.IssueRequest{
			Title:  gogithub.Ptr(title),
			Body:   gogithub.Ptr(body),
			Labels: &labels,
		})
		return classifyErr(innerErr)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create issue on %s", repo)
	}
	return issue.GetNumber(), nil
}

func (c *Client) CloseIssue(ctx context.Context, repo string, number int) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	err = retry.Do(ctx, retry.Options{}, func(ctx context.Context, _ int) error {
		_, _, innerErr := c.gh.Issues.Edit(ctx, owner, name, number, &gogithub.IssueRequest{State: gogithub.Ptr("closed")})
		return classifyErr(innerErr)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to close issue %s#%d", repo, number)
	}
	return nil
}

func (c *Client) ListOpenIssues(ctx context.Context, repo string) ([]platform.Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &gogithub.IssueListByRepoOptions{
		State:       "open",
		ListOptions: gogithub.ListOptions{PerPage: 100},
	}

	var out []platform.Issue
	for {
		var (
			issues []*gogithub.Issue
			resp   *gogithub.Response
		)
		err := retry.Do(ctx, retry.Options{}, func(ctx context.Context, _ int) error {
			var innerErr error
			issues, resp, innerErr = c.gh.Issues.ListByRepo(ctx, owner, name, opts)
			return classifyErr(innerErr)
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list open issues on %s", repo)
		}

		for _, issue := range issues {
			if issue.IsPullRequest() {
				continue
			}
			labels := make([]string, 0, len(issue.Labels))
			for _, l := range issue.Labels {
				labels = append(labels, l.GetName())
			}
			out = append(out, platform.Issue{
				Number: issue.GetNumber(),
				Repo:   repo,
				Open:   true,
				Labels: labels,
			})
		}

		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *Client) AddComment(ctx context.Context, repo string, number int, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	err = retry.Do(ctx, retry.Options{}, func(ctx context.Context, _ int) error {
		_, _, innerErr := c.gh.Issues.CreateComment(ctx, owner, name, number, &gogithub.IssueComment{Body: gogithub.Ptr(body)})
		return classifyErr(innerErr)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to add comment on %s#%d", repo, number)
	}
	return nil
}

func (c *Client) UpdateLabels(ctx context.Context, repo string, number int, labels []string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}

	err = retry.Do(ctx, retry.Options{}, func(ctx context.Context, _ int) error {
		_, _, innerErr := c.gh.Issues.ReplaceLabelsForIssue(ctx, owner, name, number, labels)
		return classifyErr(innerErr)
	})
	if err != nil {
		return errors.Wrapf(err, "failed to update labels on %s#%d", repo, number)
	}
	return nil
}

func (c *Client) FindLinkedPullRequests(ctx context.Context, repo string, issueNumber int) ([]int, error) {
	query := fmt.Sprintf("repo:%s is:pr is:open %d in:body", repo, issueNumber)

	var result *gogithub.IssuesSearchResult
	err := retry.Do(ctx, retry.Options{}, func(ctx context.Context, _ int) error {
		var innerErr error
		result, _, innerErr = c.gh.Search.Issues(ctx, query, &gogithub.SearchOptions{ListOptions: gogithub.ListOptions{PerPage: 25}})
		return classifyErr(innerErr)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to search linked pull requests for %s#%d", repo, issueNumber)
	}

	numbers := make([]int, 0, len(result.Issues))
	for _, iss := range result.Issues {
		numbers = append(numbers, iss.GetNumber())
	}
	return numbers, nil
}

var _ platform.GitPlatform = (*Client)(nil)
