// Package webhook implements WebhookRouter: HMAC-SHA256 signature
// verification, delivery-ID dedup, and per-event-type dispatch for GitHub
// webhooks. Grounded on the teacher's webhook.go (verifyWebhookSignature,
// the statusRecorder + deliveryID dedup shape), generalized from a
// Mattermost-plugin HTTP handler to a standalone router returning
// (status, body) pairs.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/nickmisasi/nexuscore/internal/engine"
	"github.com/nickmisasi/nexuscore/internal/eventbus"
	"github.com/nickmisasi/nexuscore/internal/launcher"
	"github.com/nickmisasi/nexuscore/internal/log"
	"github.com/nickmisasi/nexuscore/internal/nexus"
	"github.com/nickmisasi/nexuscore/internal/platform"
	"github.com/nickmisasi/nexuscore/internal/queue"
	"github.com/nickmisasi/nexuscore/internal/router"
)

const maxWebhookBodySize = 1 << 20

// TopicLifecycle is the eventbus topic lifecycle notifications are
// published on (issue opened/closed, PR reviewer queued, ...).
const TopicLifecycle = "lifecycle"

// LifecycleEvent is the payload published on TopicLifecycle.
type LifecycleEvent struct {
	Kind       string
	ProjectKey string
	Repo       string
	IssueOrPR  int
	Message    string
}

// Response is the JSON body the router returns alongside an HTTP status.
type Response map[string]any

// Router handles GitHub webhook deliveries.
type Router struct {
	secret   []byte
	botLogin string

	resolver *router.Router
	q        queue.InboxQueue
	eng      *engine.Engine
	plat     platform.GitPlatform
	bus      eventbus.Bus
	logger   *log.Logger
	launcher launcher.AgentLauncher

	mu              sync.Mutex
	processedEvents map[string]bool
}

// New constructs a webhook Router. secret is the configured HMAC secret;
// botLogin is the orchestrator's own GitHub login, used to avoid treating
// its own comments as completion signals. launch is used to clean up
// per-issue worktrees once their pull request merges; a nil launch skips
// cleanup.
func New(secret []byte, botLogin string, resolver *router.Router, q queue.InboxQueue, eng *engine.Engine, plat platform.GitPlatform, bus eventbus.Bus, logger *log.Logger, launch launcher.AgentLauncher) *Router {
	return &Router{
		secret:          secret,
		botLogin:        strings.ToLower(botLogin),
		resolver:        resolver,
		q:               q,
		eng:             eng,
		plat:            plat,
		bus:             bus,
		logger:          logger,
		launcher:        launch,
		processedEvents: map[string]bool{},
	}
}

func verifySignature(secret []byte, signature string, body []byte) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	sigBytes, err := hex.DecodeString(signature[len(prefix):])
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(sigBytes, mac.Sum(nil))
}

// Handle implements the full WebhookRouter.handle contract: verify, dedup,
// dispatch, and never re-raise — exceptions become a 500 plus an alert.
func (r *Router) Handle(ctx context.Context, signatureHeader, eventHeader, deliveryID string, body []byte) (status int, resp Response) {
	if len(body) > maxWebhookBodySize {
		return 400, Response{"error": "payload too large"}
	}

	if !verifySignature(r.secret, signatureHeader, body) {
		return 403, Response{"error": "invalid signature"}
	}

	if eventHeader == "" {
		return 400, Response{"error": "missing event header"}
	}

	if deliveryID != "" {
		r.mu.Lock()
		seen := r.processedEvents[deliveryID]
		r.mu.Unlock()
		if seen {
			return 200, Response{"status": "duplicate_delivery"}
		}
	}

	status, resp = r.dispatch(ctx, eventHeader, body)

	if deliveryID != "" && status >= 200 && status < 300 {
		r.mu.Lock()
		r.processedEvents[deliveryID] = true
		r.mu.Unlock()
	}
	return status, resp
}

func (r *Router) dispatch(ctx context.Context, eventType string, body []byte) (status int, out Response) {
	defer func() {
		if rec := recover(); rec != nil {
			r.bus.Publish(eventbus.Event{Topic: TopicLifecycle, Payload: LifecycleEvent{
				Kind: "webhook_panic", Message: fmt.Sprintf("%v", rec),
			}})
			status, out = 500, Response{"error": "internal error"}
		}
	}()

	var (
		resp Response
		err  error
	)

	switch eventType {
	case "issues":
		resp, err = r.handleIssues(ctx, body)
	case "issue_comment":
		resp, err = r.handleIssueComment(ctx, body)
	case "pull_request":
		resp, err = r.handlePullRequest(ctx, body)
	case "pull_request_review":
		resp, err = r.handlePullRequestReview(body)
	default:
		return 200, Response{"status": "ignored/unhandled_event_type"}
	}

	if err != nil {
		r.logger.Errorf("webhook: handler for %q failed: %v", eventType, err)
		r.bus.Publish(eventbus.Event{Topic: TopicLifecycle, Payload: LifecycleEvent{
			Kind: "webhook_error", Message: err.Error(),
		}})
		return 500, Response{"error": "internal error"}
	}
	return 200, resp
}

func hasWorkflowLabel(issue ghIssue) bool {
	for _, l := range issue.Labels {
		if strings.HasPrefix(l.Name, "workflow:") {
			return true
		}
	}
	return false
}

func (r *Router) handleIssues(ctx context.Context, body []byte) (Response, error) {
	var evt issuesEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, errors.Wrap(err, "failed to parse issues event")
	}

	switch evt.Action {
	case "opened":
		if hasWorkflowLabel(evt.Issue) {
			return Response{"status": "ignored/self_created"}, nil
		}

		projectKey, ok := r.resolver.ResolveProjectForRepo(evt.Repository.FullName)
		if !ok {
			r.bus.Publish(eventbus.Event{Topic: TopicLifecycle, Payload: LifecycleEvent{
				Kind: "unmapped_repository", Repo: evt.Repository.FullName,
				Message: "no project owns repository " + evt.Repository.FullName,
			}})
			return Response{"status": "ignored/unmapped_repository"}, nil
		}

		workspace, err := r.resolver.WorkspaceForProject(projectKey)
		if err != nil {
			return nil, err
		}

		filename := "issue_" + strconv.Itoa(evt.Issue.Number) + ".md"
		content := fmt.Sprintf("# Issue #%d: %s\n\n**Source:** webhook\n**Repo:** %s\n", evt.Issue.Number, evt.Issue.Title, evt.Repository.FullName)
		if _, err := r.q.Enqueue(ctx, projectKey, workspace, filename, content); err != nil {
			return nil, err
		}

		r.bus.Publish(eventbus.Event{Topic: TopicLifecycle, Payload: LifecycleEvent{
			Kind: "issue_opened", ProjectKey: projectKey, Repo: evt.Repository.FullName,
			IssueOrPR: evt.Issue.Number, Message: "queued new issue for processing",
		}})
		return Response{"status": "queued"}, nil

	case "closed":
		projectKey, _ := r.resolver.ResolveProjectForRepo(evt.Repository.FullName)
		issueID := strconv.Itoa(evt.Issue.Number)

		archived, err := r.q.ArchiveForIssue(ctx, issueID)
		if err != nil {
			return nil, err
		}

		r.bus.Publish(eventbus.Event{Topic: TopicLifecycle, Payload: LifecycleEvent{
			Kind: "issue_closed", ProjectKey: projectKey, Repo: evt.Repository.FullName,
			IssueOrPR: evt.Issue.Number, Message: fmt.Sprintf("issue closed, archived %d task file(s)", archived),
		}})
		return Response{"status": "acknowledged"}, nil

	default:
		return Response{"status": "ignored/unhandled_action"}, nil
	}
}

var agentMentionRe = regexp.MustCompile(`@([a-zA-Z0-9_-]+)`)

// completionMarkerRe matches the phrases a completed agent signs a comment
// off with when it has no further @mention handoff.
var completionMarkerRe = regexp.MustCompile(`(?i)workflow\s+complete|ready\s+for\s+review|ready\s+to\s+merge|implementation\s+complete|all\s+steps\s+completed`)

func (r *Router) handleIssueComment(ctx context.Context, body []byte) (Response, error) {
	var evt issueCommentEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, errors.Wrap(err, "failed to parse issue_comment event")
	}

	if evt.Action != "created" {
		return Response{"status": "ignored/unhandled_action"}, nil
	}

	authorLogin := strings.ToLower(evt.Comment.User.Login)
	if authorLogin == r.botLogin {
		return Response{"status": "ignored/self_authored"}, nil
	}

	dedupKey := "comment_" + strconv.FormatInt(evt.Comment.ID, 10)
	r.mu.Lock()
	if r.processedEvents[dedupKey] {
		r.mu.Unlock()
		return Response{"status": "ignored/duplicate_comment"}, nil
	}
	r.processedEvents[dedupKey] = true
	r.mu.Unlock()

	issueID := strconv.Itoa(evt.Issue.Number)

	if m := agentMentionRe.FindStringSubmatch(evt.Comment.Body); m != nil {
		mentioned := nexus.NormalizeAgentReference(m[1])

		runningAgent, err := r.eng.RunningStepAgent(ctx, issueID)
		if err != nil {
			if errors.Is(err, engine.ErrWorkflowNotFound) {
				return Response{"status": "ignored/no_workflow"}, nil
			}
			return nil, err
		}
		if runningAgent == "" {
			return Response{"status": "ignored/no_running_step"}, nil
		}

		outputs := map[string]any{
			"status":     "complete",
			"next_agent": mentioned,
			"summary":    "Chained via @mention in issue comment",
		}
		if _, err := r.eng.CompleteStep(ctx, issueID, runningAgent, outputs, dedupKey); err != nil {
			return nil, err
		}
		return Response{"status": "chained", "next_agent": mentioned}, nil
	}

	if strings.EqualFold(evt.Comment.User.Type, "Bot") && completionMarkerRe.MatchString(evt.Comment.Body) {
		repo := evt.Repository.FullName
		projectKey, _ := r.resolver.ResolveProjectForRepo(repo)

		linkedPRs, err := r.plat.FindLinkedPullRequests(ctx, repo, evt.Issue.Number)
		if err != nil {
			return nil, err
		}

		r.bus.Publish(eventbus.Event{Topic: TopicLifecycle, Payload: LifecycleEvent{
			Kind: "workflow_completed", ProjectKey: projectKey, Repo: repo, IssueOrPR: evt.Issue.Number,
			Message: fmt.Sprintf("workflow completion detected, %d linked pull request(s) found", len(linkedPRs)),
		}})
		return Response{"status": "workflow_completed", "linked_prs": linkedPRs}, nil
	}

	return Response{"status": "acknowledged"}, nil
}

var prIssueRefRe = regexp.MustCompile(`#(\d+)`)

func (r *Router) handlePullRequest(ctx context.Context, body []byte) (Response, error) {
	var evt pullRequestEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, errors.Wrap(err, "failed to parse pull_request event")
	}

	switch evt.Action {
	case "opened":
		m := prIssueRefRe.FindStringSubmatch(evt.PullRequest.Title)
		if m == nil {
			return Response{"status": "ignored/no_issue_reference"}, nil
		}
		issueNum, _ := strconv.Atoi(m[1])
		if err := r.plat.RequestReviewers(ctx, evt.Repository.FullName, evt.PullRequest.Number, []string{"reviewer"}); err != nil {
			return nil, err
		}
		r.bus.Publish(eventbus.Event{Topic: TopicLifecycle, Payload: LifecycleEvent{
			Kind: "reviewer_queued", Repo: evt.Repository.FullName, IssueOrPR: issueNum,
			Message: "reviewer queued for pull request",
		}})
		return Response{"status": "reviewer_queued"}, nil

	case "closed":
		if !evt.PullRequest.Merged {
			return Response{"status": "acknowledged"}, nil
		}

		notify := r.resolver.ReviewModeForRepo(evt.Repository.FullName) != "manual"
		if notify {
			r.bus.Publish(eventbus.Event{Topic: TopicLifecycle, Payload: LifecycleEvent{
				Kind: "pull_request_merged", Repo: evt.Repository.FullName,
				IssueOrPR: evt.PullRequest.Number, Message: "pull request merged",
			}})
		}

		cleaned := make([]string, 0)
		for _, m := range prIssueRefRe.FindAllStringSubmatch(evt.PullRequest.Title, -1) {
			issueID := m[1]
			if r.launcher != nil {
				if err := r.launcher.CleanupWorktree(ctx, issueID); err != nil {
					return nil, err
				}
			}
			cleaned = append(cleaned, issueID)
		}

		status := "pr_merged_notified"
		if !notify {
			status = "pr_merged_skipped_manual_review"
		}
		return Response{"status": status, "cleaned_issue_refs": cleaned}, nil

	default:
		return Response{"status": "ignored/unhandled_action"}, nil
	}
}

func (r *Router) handlePullRequestReview(body []byte) (Response, error) {
	var evt pullRequestReviewEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return nil, errors.Wrap(err, "failed to parse pull_request_review event")
	}
	r.logger.Debugf("pull_request_review %s on %s#%d", evt.Action, evt.Repository.FullName, evt.PullRequest.Number)
	return Response{"status": "logged"}, nil
}
