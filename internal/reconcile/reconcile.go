// Package reconcile implements Reconciler: the per-tick scan that resolves
// drift between a workflow's running step, the latest local completion
// artifact, and the latest remote comment, and recovers orphaned or
// unmapped agent work. Grounded step-for-step on original_source's
// startup_recovery_service.py (steps 2-4) generalized from a startup-only
// audit into a recurring reconciliation pass, plus the teacher's
// poller.go sweep idiom (steps 5-7).
package reconcile

import (
	"context"
	"strconv"
	"time"

	"github.com/nickmisasi/nexuscore/internal/clock"
	"github.com/nickmisasi/nexuscore/internal/completion"
	"github.com/nickmisasi/nexuscore/internal/engine"
	"github.com/nickmisasi/nexuscore/internal/eventbus"
	"github.com/nickmisasi/nexuscore/internal/launcher"
	"github.com/nickmisasi/nexuscore/internal/log"
	"github.com/nickmisasi/nexuscore/internal/metrics"
	"github.com/nickmisasi/nexuscore/internal/nexus"
	"github.com/nickmisasi/nexuscore/internal/platform"
)

// Defaults per spec §4.G.
const (
	DefaultOrphanRecoveryCooldownSeconds = int64(900)
	DefaultCompletionReplayWindowSeconds = int64(1800)
)

// TopicAlert is the eventbus topic the Reconciler publishes drift/recovery
// alerts on.
const TopicAlert = "alert"

// ProjectLocator resolves a project key to the local workspace root its
// task/completion files live under. Satisfied by internal/router.Router.
type ProjectLocator interface {
	WorkspaceForProject(projectKey string) (string, error)
}

// Reconciler runs the per-issue reconciliation algorithm.
type Reconciler struct {
	engine    *engine.Engine
	platform  platform.GitPlatform
	launcher  launcher.AgentLauncher
	locator   ProjectLocator
	bus       eventbus.Bus
	clock     clock.Clock
	logger    *log.Logger
	terminals *nexus.TerminalSet
	metrics   *metrics.Registry

	orphanGuard *RetryGuard

	completionReplayWindowSeconds int64
}

// Options configures a Reconciler's tunables; zero values fall back to
// spec defaults.
type Options struct {
	OrphanRecoveryCooldownSeconds int64
	CompletionReplayWindowSeconds int64
}

// New constructs a Reconciler. m may be nil, in which case cycle timing
// and action counters are not recorded.
func New(eng *engine.Engine, plat platform.GitPlatform, launch launcher.AgentLauncher, locator ProjectLocator, bus eventbus.Bus, clk clock.Clock, logger *log.Logger, terminals *nexus.TerminalSet, m *metrics.Registry, opts Options) *Reconciler {
	cooldown := opts.OrphanRecoveryCooldownSeconds
	if cooldown <= 0 {
		cooldown = DefaultOrphanRecoveryCooldownSeconds
	}
	replay := opts.CompletionReplayWindowSeconds
	if replay <= 0 {
		replay = DefaultCompletionReplayWindowSeconds
	}

	return &Reconciler{
		engine:                        eng,
		platform:                      plat,
		launcher:                      launch,
		locator:                       locator,
		bus:                           bus,
		clock:                         clk,
		logger:                        logger,
		terminals:                     terminals,
		metrics:                       m,
		orphanGuard:                   NewRetryGuard(1, time.Duration(cooldown)*time.Second, clk),
		completionReplayWindowSeconds: replay,
	}
}

func (r *Reconciler) alert(message, severity, source, projectKey, issueNumber string) {
	r.bus.Publish(eventbus.Event{Topic: TopicAlert, Payload: nexus.Alert{
		Message:     message,
		Severity:    severity,
		Source:      source,
		ProjectKey:  projectKey,
		IssueNumber: issueNumber,
		Timestamp:   r.clock.Now().Unix(),
	}})
}

// RunCycle executes one reconciliation pass over every mapped issue, then
// scans for unmapped completion files. isStartup selects the
// startup-auto-reconcile behavior of step 3; on later ticks drift is only
// ever reported, never auto-applied.
func (r *Reconciler) RunCycle(ctx context.Context, isStartup bool) error {
	start := r.clock.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ReconcileCycleSeconds.Observe(r.clock.Now().Sub(start).Seconds())
		}
	}()

	mappings, err := r.engine.ListIssueWorkflowIDs(ctx)
	if err != nil {
		return err
	}

	for issueID := range mappings {
		r.reconcileIssue(ctx, issueID, isStartup)
	}

	return nil
}

func (r *Reconciler) countAction(kind string) {
	if r.metrics != nil {
		r.metrics.ReconcileActionsTotal.WithLabelValues(kind).Inc()
	}
}

func (r *Reconciler) reconcileIssue(ctx context.Context, issueID string, isStartup bool) {
	wf, err := r.engine.GetWorkflowForIssue(ctx, issueID)
	if err != nil || wf == nil {
		return
	}

	// Step 1: skip terminal/frozen states.
	if wf.State.IsTerminal() || wf.State == nexus.WorkflowPaused {
		return
	}

	// Step 2: identify expected running agent.
	running := wf.RunningStep()
	if running == nil {
		return
	}
	expectedAgent := nexus.NormalizeAgentReference(running.Agent.Name)
	if expectedAgent == "" {
		return
	}

	workspace, err := r.locator.WorkspaceForProject(wf.ProjectKey)
	if err != nil {
		r.logger.Debugf("reconcile: no workspace for project %q: %v", wf.ProjectKey, err)
		return
	}

	localFound, hasLocal, _ := completion.FindLatest(workspace, wf.ProjectKey, issueID)
	issueNumber, _ := strconv.Atoi(issueID)
	remoteComment, hasComment, _ := r.platform.LatestComment(ctx, wf.RepoKey, issueNumber)

	var localNext, commentNext, commentCompleted string
	if hasLocal {
		localNext = nexus.NormalizeAgentReference(localFound.Summary.NextAgent)
	}
	if hasComment && !remoteComment.AuthorBot {
		commentNext, commentCompleted = parseStructuredComment(remoteComment.Body)
	}

	// Step 3: startup auto-reconcile.
	if isStartup && hasComment && !remoteComment.AuthorBot &&
		commentCompleted != "" && commentCompleted == expectedAgent &&
		commentNext != "" && !r.terminals.IsTerminal(commentNext) {

		outputs := map[string]any{
			"status":     "complete",
			"agent_type": commentCompleted,
			"next_agent": commentNext,
			"summary":    "Auto-reconciled on startup from comment " + remoteComment.ID,
			"source":     "startup-auto-reconcile",
		}
		_, err := r.engine.CompleteStep(ctx, issueID, commentCompleted, outputs, "startup:"+remoteComment.ID)
		if err == nil {
			if hasLocal {
				_ = completion.Rewrite(localFound.Path, nexus.CompletionSummary{
					Status:      nexus.CompletionStatusComplete,
					AgentType:   commentCompleted,
					Summary:     "Startup auto-reconciled from structured comment",
					KeyFindings: []string{"Startup auto-reconciled from structured comment"},
					NextAgent:   commentNext,
				})
			}
			r.logger.Infof("startup auto-reconciled issue %s: %s -> %s", issueID, commentCompleted, commentNext)
			return
		}
		r.logger.Debugf("startup auto-reconcile skipped for issue %s: %v", issueID, err)
	}

	// Step 4: drift detection.
	drifted := (localNext != "" && localNext != expectedAgent) ||
		(commentNext != "" && commentNext != expectedAgent) ||
		(localNext != "" && commentNext != "" && localNext != commentNext)
	if drifted {
		r.alert(
			"Routing drift detected for issue "+issueID+
				": workflow running="+expectedAgent+
				", local next="+orNA(localNext)+
				", comment next="+orNA(commentNext),
			nexus.SeverityWarning, "reconciler", wf.ProjectKey, issueID,
		)
		r.countAction("drift_alert")
		return
	}

	// Step 7: closed-issue reconciliation.
	remoteIssue, err := r.platform.GetIssue(ctx, wf.RepoKey, issueNumber)
	if err == nil && !remoteIssue.Open {
		if cancelErr := r.engine.CancelWorkflow(ctx, issueID); cancelErr == nil {
			r.logger.Infof("cancelled workflow for closed issue %s", issueID)
			r.countAction("closed_cancel")
		}
		return
	}

	// Step 5: orphan recovery.
	if err == nil && remoteIssue.Open {
		alive, _ := r.launcher.IsAlive(ctx, issueID, expectedAgent)
		if !alive && r.orphanGuard.Allow(issueID) {
			_, launchErr := r.launcher.Launch(ctx, launcher.LaunchRequest{
				IssueID:       issueID,
				AgentName:     expectedAgent,
				Tier:          wf.Tier,
				Repo:          wf.RepoKey,
				TriggerSource: "orphan-recovery",
			})
			if launchErr != nil {
				r.logger.Debugf("orphan recovery launch failed for issue %s: %v", issueID, launchErr)
			} else {
				r.logger.Infof("orphan recovery relaunched %s for issue %s", expectedAgent, issueID)
				r.countAction("orphan_recovery")
			}
		}
	}
}

// RunUnmappedScan implements step 6: for completion files whose issue has
// no workflow mapping but whose next_agent is non-terminal, launch that
// agent. Completion files older than the replay window are ignored.
func (r *Reconciler) RunUnmappedScan(ctx context.Context, projectKey string) error {
	workspace, err := r.locator.WorkspaceForProject(projectKey)
	if err != nil {
		return err
	}

	found, err := completion.ListAll(workspace, projectKey)
	if err != nil {
		return err
	}

	mappings, err := r.engine.ListIssueWorkflowIDs(ctx)
	if err != nil {
		return err
	}

	now := r.clock.Now().Unix()
	for _, f := range found {
		if now-f.ModifiedAt > r.completionReplayWindowSeconds {
			continue
		}

		issueID := issueIDFromCompletionPath(f.Path)
		if issueID == "" {
			continue
		}
		if _, mapped := mappings[issueID]; mapped {
			continue
		}

		nextAgent := nexus.NormalizeAgentReference(f.Summary.NextAgent)
		if r.terminals.IsTerminal(nextAgent) {
			continue
		}

		_, launchErr := r.launcher.Launch(ctx, launcher.LaunchRequest{
			IssueID:       issueID,
			AgentName:     nextAgent,
			TriggerSource: "completion-scan",
		})
		if launchErr != nil {
			r.logger.Debugf("unmapped-issue recovery launch failed for issue %s: %v", issueID, launchErr)
		} else {
			r.countAction("unmapped_recovery")
		}
	}
	return nil
}

func orNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}
