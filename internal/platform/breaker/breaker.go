// Package breaker wraps a platform.GitPlatform with a circuit breaker so a
// failing forge API does not make the reconciliation loop retry into it on
// every tick; once tripped, calls fail fast until the breaker's cooldown
// elapses and a trial request succeeds.
package breaker

import (
	"context"

	"github.com/sony/gobreaker"

	"github.com/nickmisasi/nexuscore/internal/platform"
)

// Platform decorates a platform.GitPlatform with a gobreaker.CircuitBreaker.
type Platform struct {
	inner platform.GitPlatform
	cb    *gobreaker.CircuitBreaker
}

// New wraps inner with a breaker named name, using gobreaker's defaults
// apart from the name (open after repeated consecutive failures, half-open
// trial after its timeout).
func New(name string, inner platform.GitPlatform) *Platform {
	return &Platform{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: name}),
	}
}

func (p *Platform) GetIssue(ctx context.Context, repo string, number int) (platform.Issue, error) {
	result, err := p.cb.Execute(func() (any, error) {
		return p.inner.GetIssue(ctx, repo, number)
	})
	if err != nil {
		return platform.Issue{}, err
	}
	return result.(platform.Issue), nil
}

func (p *Platform) LatestComment(ctx context.Context, repo string, number int) (platform.Comment, bool, error) {
	type pair struct {
		comment platform.Comment
		ok      bool
	}
	result, err := p.cb.Execute(func() (any, error) {
		comment, ok, err := p.inner.LatestComment(ctx, repo, number)
		return pair{comment, ok}, err
	})
	if err != nil {
		return platform.Comment{}, false, err
	}
	pr := result.(pair)
	return pr.comment, pr.ok, nil
}

func (p *Platform) RequestReviewers(ctx context.Context, repo string, prNumber int, reviewers []string) error {
	_, err := p.cb.Execute(func() (any, error) {
		return nil, p.inner.RequestReviewers(ctx, repo, prNumber, reviewers)
	})
	return err
}

func (p *Platform) MarkPullRequestReady(ctx context.Context, repo string, prNumber int) error {
	_, err := p.cb.Execute(func() (any, error) {
		return nil, p.inner.MarkPullRequestReady(ctx, repo, prNumber)
	})
	return err
}

func (p *Platform) GetPullRequestByBranch(ctx context.Context, repo, branch string) (int, bool, error) {
	type pair struct {
		number int
		found  bool
	}
	result, err := p.cb.Execute(func() (any, error) {
		number, found, err := p.inner.GetPullRequestByBranch(ctx, repo, branch)
		return pair{number, found}, err
	})
	if err != nil {
		return 0, false, err
	}
	pr := result.(pair)
	return pr.number, pr.found, nil
}

func (p *Platform) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (int, error) {
	result, err := p.cb.Execute(func() (any, error) {
		return p.inner.CreateIssue(ctx, repo, title, body, labels)
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

func (p *Platform) CloseIssue(ctx context.Context, repo string, number int) error {
	_, err := p.cb.Execute(func() (any, error) {
		return nil, p.inner.CloseIssue(ctx, repo, number)
	})
	return err
}

func (p *Platform) ListOpenIssues(ctx context.Context, repo string) ([]platform.Issue, error) {
	result, err := p.cb.Execute(func() (any, error) {
		return p.inner.ListOpenIssues(ctx, repo)
	})
	if err != nil {
		return nil, err
	}
	return result.([]platform.Issue), nil
}

func (p *Platform) AddComment(ctx context.Context, repo string, number int, body string) error {
	_, err := p.cb.Execute(func() (any, error) {
		return nil, p.inner.AddComment(ctx, repo, number, body)
	})
	return err
}

func (p *Platform) UpdateLabels(ctx context.Context, repo string, number int, labels []string) error {
	_, err := p.cb.Execute(func() (any, error) {
		return nil, p.inner.UpdateLabels(ctx, repo, number, labels)
	})
	return err
}

func (p *Platform) FindLinkedPullRequests(ctx context.Context, repo string, issueNumber int) ([]int, error) {
	result, err := p.cb.Execute(func() (any, error) {
		return p.inner.FindLinkedPullRequests(ctx, repo, issueNumber)
	})
	if err != nil {
		return nil, err
	}
	return result.([]int), nil
}

var _ platform.GitPlatform = (*Platform)(nil)
