package github_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	gogithub "github.com/google/go-github/v68/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickmisasi/nexuscore/internal/platform/github"
)

func newTestClient(t *testing.T, handler http.Handler) *gogithub.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := gogithub.NewClient(server.Client())
	baseURL, err := client.BaseURL.Parse(server.URL + "/")
	require.NoError(t, err)
	client.BaseURL = baseURL
	return client
}

func TestGetIssueMapsOpenStateAndLabels(t *testing.T) {
	gh := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":7,"state":"open","labels":[{"name":"bug"},{"name":"workflow:triage"}]}`)
	}))
	client := github.NewWithClient(gh, "nexus-bot")

	issue, err := client.GetIssue(context.Background(), "acme/repo", 7)
	require.NoError(t, err)
	assert.True(t, issue.Open)
	assert.ElementsMatch(t, []string{"bug", "workflow:triage"}, issue.Labels)
}

func TestGetIssueRejectsMalformedRepo(t *testing.T) {
	client := github.NewWithClient(gogithub.NewClient(nil), "nexus-bot")
	_, err := client.GetIssue(context.Background(), "not-a-repo-slug", 7)
	assert.Error(t, err)
}

func TestLatestCommentFlagsBotAuthoredComments(t *testing.T) {
	gh := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":100,"body":"done","user":{"login":"Nexus-Bot"},"created_at":"2024-01-01T00:00:00Z"}]`)
	}))
	client := github.NewWithClient(gh, "nexus-bot")

	comment, ok, err := client.LatestComment(context.Background(), "acme/repo", 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, comment.AuthorBot)
}

func TestLatestCommentNoneFound(t *testing.T) {
	gh := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	client := github.NewWithClient(gh, "nexus-bot")

	_, ok, err := client.LatestComment(context.Background(), "acme/repo", 7)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetPullRequestByBranchReturnsFirstMatch(t *testing.T) {
	gh := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"number":42}]`)
	}))
	client := github.NewWithClient(gh, "nexus-bot")

	number, found, err := client.GetPullRequestByBranch(context.Background(), "acme/repo", "feature-branch")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 42, number)
}

func TestGetPullRequestByBranchNoMatch(t *testing.T) {
	gh := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	client := github.NewWithClient(gh, "nexus-bot")

	_, found, err := client.GetPullRequestByBranch(context.Background(), "acme/repo", "feature-branch")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCreateIssueReturnsNewNumber(t *testing.T) {
	gh := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":99}`)
	}))
	client := github.NewWithClient(gh, "nexus-bot")

	number, err := client.CreateIssue(context.Background(), "acme/repo", "New bug", "body text", []string{"bug"})
	require.NoError(t, err)
	assert.Equal(t, 99, number)
}

func TestCloseIssueSucceeds(t *testing.T) {
	gh := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":7,"state":"closed"}`)
	}))
	client := github.NewWithClient(gh, "nexus-bot")

	require.NoError(t, client.CloseIssue(context.Background(), "acme/repo", 7))
}

func TestListOpenIssuesExcludesPullRequests(t *testing.T) {
	gh := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"number":1,"labels":[{"name":"bug"}]},{"number":2,"pull_request":{"url":"x"}}]`)
	}))
	client := github.NewWithClient(gh, "nexus-bot")

	issues, err := client.ListOpenIssues(context.Background(), "acme/repo")
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, 1, issues[0].Number)
	assert.ElementsMatch(t, []string{"bug"}, issues[0].Labels)
}

func TestAddCommentSucceeds(t *testing.T) {
	gh := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":1,"body":"hi"}`)
	}))
	client := github.NewWithClient(gh, "nexus-bot")

	require.NoError(t, client.AddComment(context.Background(), "acme/repo", 7, "hi"))
}

func TestUpdateLabelsSucceeds(t *testing.T) {
	gh := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"name":"workflow:review"}]`)
	}))
	client := github.NewWithClient(gh, "nexus-bot")

	require.NoError(t, client.UpdateLabels(context.Background(), "acme/repo", 7, []string{"workflow:review"}))
}

func TestFindLinkedPullRequestsReturnsMatchingNumbers(t *testing.T) {
	gh := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total_count":1,"items":[{"number":55}]}`)
	}))
	client := github.NewWithClient(gh, "nexus-bot")

	numbers, err := client.FindLinkedPullRequests(context.Background(), "acme/repo", 7)
	require.NoError(t, err)
	assert.Equal(t, []int{55}, numbers)
}
