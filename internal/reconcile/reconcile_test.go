package reconcile_test

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nickmisasi/nexuscore/internal/clock"
	"github.com/nickmisasi/nexuscore/internal/engine"
	"github.com/nickmisasi/nexuscore/internal/eventbus"
	"github.com/nickmisasi/nexuscore/internal/launcher"
	"github.com/nickmisasi/nexuscore/internal/ledger"
	"github.com/nickmisasi/nexuscore/internal/lock"
	"github.com/nickmisasi/nexuscore/internal/log"
	"github.com/nickmisasi/nexuscore/internal/nexus"
	"github.com/nickmisasi/nexuscore/internal/platform"
	"github.com/nickmisasi/nexuscore/internal/reconcile"
	"github.com/nickmisasi/nexuscore/internal/store/fsstore"
)

type fakePlatform struct {
	issue         platform.Issue
	issueErr      error
	comment       platform.Comment
	hasComment    bool
	commentErr    error
	reviewersReqs []int
}

func (f *fakePlatform) GetIssue(ctx context.Context, repo string, number int) (platform.Issue, error) {
	return f.issue, f.issueErr
}

func (f *fakePlatform) LatestComment(ctx context.Context, repo string, number int) (platform.Comment, bool, error) {
	return f.comment, f.hasComment, f.commentErr
}

func (f *fakePlatform) RequestReviewers(ctx context.Context, repo string, prNumber int, reviewers []string) error {
	f.reviewersReqs = append(f.reviewersReqs, prNumber)
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

type fakeLauncher struct {
	alive       bool
	launchCalls []launcher.LaunchRequest
	launchErr   error
}

func (f *fakeLauncher) Launch(ctx context.Context, req launcher.LaunchRequest) (launcher.LaunchResult, error) {
	f.launchCalls = append(f.launchCalls, req)
	if f.launchErr != nil {
		return launcher.LaunchResult{}, f.launchErr
	}
	return launcher.LaunchResult{PID: 1234, Tool: "test-agent"}, nil
}

func (f *fakeLauncher) IsAlive(ctx context.Context, issueID, agentName string) (bool, error) {
	return f.alive, nil
}

func (f *fakeLauncher) Stop(ctx context.Context, issueID, agentName string) error { return nil }

func (f *fakeLauncher) CleanupWorktree(ctx context.Context, issueID string) error { return nil }

type fakeLocator struct {
	workspace string
}

func (f *fakeLocator) WorkspaceForProject(projectKey string) (string, error) {
	return f.workspace, nil
}

func testDefinition() nexus.WorkflowDefinition {
	return nexus.WorkflowDefinition{
		Name: "standard",
		Steps: []nexus.StepDefinition{
			{Name: "triage", Agent: nexus.Agent{Name: "triage-agent"}},
			{Name: "implement", Agent: nexus.Agent{Name: "implementer-agent"}},
		},
	}
}

func writeCompletionFile(workspace, projectKey, issueID string, summary nexus.CompletionSummary) {
	dir := filepath.Join(workspace, ".nexus", "tasks", projectKey, "completions")
	Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
	path := filepath.Join(dir, "completion_summary_"+issueID+".json")
	data := `{"status":"` + summary.Status + `","agentType":"` + summary.AgentType + `","nextAgent":"` + summary.NextAgent + `"}`
	Expect(os.WriteFile(path, []byte(data), 0o644)).To(Succeed())
}

var _ = Describe("Reconciler", func() {
	var (
		eng      *engine.Engine
		plat     *fakePlatform
		launch   *fakeLauncher
		locator  *fakeLocator
		clk      *clock.Fake
		recon    *reconcile.Reconciler
		ctx      context.Context
		workflowID string
	)

	BeforeEach(func() {
		backend, err := fsstore.New(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		bus := eventbus.NewInMemory()
		clk = clock.NewFake(time.Unix(1_700_000_000, 0))
		led := ledger.New(backend)
		lk := lock.NewInMemory()
		terminals := nexus.NewTerminalSet()

		eng = engine.New(backend, led, lk, bus, clk, terminals, nil)
		plat = &fakePlatform{issue: platform.Issue{Number: 7, Repo: "acme/repo", Open: true}}
		launch = &fakeLauncher{alive: true}
		locator = &fakeLocator{workspace: GinkgoT().TempDir()}
		logger := log.NewNop()

		recon = reconcile.New(eng, plat, launch, locator, bus, clk, logger, terminals, nil, reconcile.Options{})

		ctx = context.Background()
		workflowID, err = eng.CreateWorkflowForIssue(ctx, "7", "acme", "acme/repo", "standard", testDefinition())
		Expect(err).NotTo(HaveOccurred())
		Expect(eng.StartWorkflow(ctx, workflowID, "7")).To(Succeed())
	})

	Context("when no drift and the agent is alive", func() {
		It("takes no recovery action", func() {
			Expect(recon.RunCycle(ctx, false)).To(Succeed())
			Expect(launch.launchCalls).To(BeEmpty())

			status, err := eng.GetWorkflowStatus(ctx, "7")
			Expect(err).NotTo(HaveOccurred())
			Expect(status.State).To(Equal(nexus.WorkflowRunning))
		})
	})

	Context("when the expected agent's process is dead", func() {
		It("relaunches the agent as an orphan recovery", func() {
			launch.alive = false
			Expect(recon.RunCycle(ctx, false)).To(Succeed())
			Expect(launch.launchCalls).To(HaveLen(1))
			Expect(launch.launchCalls[0].AgentName).To(Equal("triage-agent"))
			Expect(launch.launchCalls[0].TriggerSource).To(Equal("orphan-recovery"))
		})

		It("does not relaunch twice within the cooldown window", func() {
			launch.alive = false
			Expect(recon.RunCycle(ctx, false)).To(Succeed())
			Expect(recon.RunCycle(ctx, false)).To(Succeed())
			Expect(launch.launchCalls).To(HaveLen(1))
		})
	})

	Context("when the local completion file names a different next agent", func() {
		It("raises a drift alert instead of auto-applying", func() {
			writeCompletionFile(locator.workspace, "acme", "7", nexus.CompletionSummary{
				Status: "complete", AgentType: "triage-agent", NextAgent: "reviewer-agent",
			})

			Expect(recon.RunCycle(ctx, false)).To(Succeed())

			status, err := eng.GetWorkflowStatus(ctx, "7")
			Expect(err).NotTo(HaveOccurred())
			Expect(status.CurrentStepName).To(Equal("triage"))
			Expect(launch.launchCalls).To(BeEmpty())
		})
	})

	Context("when the remote issue has been closed", func() {
		It("cancels the workflow", func() {
			plat.issue.Open = false
			Expect(recon.RunCycle(ctx, false)).To(Succeed())

			status, err := eng.GetWorkflowStatus(ctx, "7")
			Expect(err).NotTo(HaveOccurred())
			Expect(status.State).To(Equal(nexus.WorkflowCancelled))
		})
	})

	Context("on a startup cycle with a matching structured comment", func() {
		It("auto-reconciles the step forward without alerting", func() {
			plat.hasComment = true
			plat.comment = platform.Comment{
				ID:   "c1",
				Body: "## Triage complete — triage-agent\n\nReady for @implementer-agent",
			}

			Expect(recon.RunCycle(ctx, true)).To(Succeed())

			status, err := eng.GetWorkflowStatus(ctx, "7")
			Expect(err).NotTo(HaveOccurred())
			Expect(status.CurrentStepName).To(Equal("implement"))
		})
	})

	Context("when a completion file exists for an issue with no workflow mapping", func() {
		It("launches the next agent via the unmapped scan", func() {
			writeCompletionFile(locator.workspace, "acme", "999", nexus.CompletionSummary{
				Status: "complete", AgentType: "triage-agent", NextAgent: "implementer-agent",
			})

			Expect(recon.RunUnmappedScan(ctx, "acme")).To(Succeed())
			Expect(launch.launchCalls).To(HaveLen(1))
			Expect(launch.launchCalls[0].TriggerSource).To(Equal("completion-scan"))
		})
	})
})
