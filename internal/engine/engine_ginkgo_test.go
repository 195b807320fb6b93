package engine_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nickmisasi/nexuscore/internal/clock"
	"github.com/nickmisasi/nexuscore/internal/engine"
	"github.com/nickmisasi/nexuscore/internal/eventbus"
	"github.com/nickmisasi/nexuscore/internal/ledger"
	"github.com/nickmisasi/nexuscore/internal/lock"
	"github.com/nickmisasi/nexuscore/internal/nexus"
	"github.com/nickmisasi/nexuscore/internal/store/fsstore"
)

var _ = Describe("Engine.CompleteStep", func() {
	var (
		eng *engine.Engine
		bus eventbus.Bus
		ctx context.Context
	)

	BeforeEach(func() {
		backend, err := fsstore.New(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		bus = eventbus.NewInMemory()
		clk := clock.NewFake(time.Unix(1_700_000_000, 0))
		led := ledger.New(backend)
		locker := lock.NewInMemory()
		terminals := nexus.NewTerminalSet()
		eng = engine.New(backend, led, locker, bus, clk, terminals, nil)
		ctx = context.Background()

		workflowID, err := eng.CreateWorkflowForIssue(ctx, "42", "acme", "acme/repo", "standard", nexus.WorkflowDefinition{
			Name: "standard",
			Steps: []nexus.StepDefinition{
				{Name: "develop", Agent: nexus.Agent{Name: "developer"}},
				{Name: "review", Agent: nexus.Agent{Name: "reviewer"}},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(eng.StartWorkflow(ctx, workflowID, "42")).To(Succeed())
	})

	// Scenario 2 (idempotent completion): workflow for issue 42, step
	// "develop" running agent "developer". complete_step is invoked twice
	// concurrently with the same event_id; exactly one transition occurs,
	// step "review" becomes running.
	Context("with two concurrent submissions sharing one event ID", func() {
		It("applies exactly one transition and advances to the next agent once", func() {
			ch := make(chan eventbus.Event, 8)
			unsubscribe := bus.Subscribe(engine.TopicStepStatusChanged, ch)
			defer unsubscribe()

			outputs := map[string]any{"status": "complete", "next_agent": "reviewer"}

			var wg sync.WaitGroup
			results := make([]engine.CompleteStepResult, 2)
			errs := make([]error, 2)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], errs[i] = eng.CompleteStep(ctx, "42", "developer", outputs, "comment-789")
				}(i)
			}
			wg.Wait()

			Expect(errs[0]).NotTo(HaveOccurred())
			Expect(errs[1]).NotTo(HaveOccurred())

			transitions := 0
			for _, r := range results {
				if r.NextAgent == "reviewer" {
					transitions++
				}
			}
			Expect(transitions).To(Equal(1), "exactly one of the two concurrent calls should have produced the transition")

			close(ch)
			emitted := 0
			for range ch {
				emitted++
			}
			Expect(emitted).To(Equal(1), "exactly one step_status_changed event should have been published")

			status, err := eng.GetWorkflowStatus(ctx, "42")
			Expect(err).NotTo(HaveOccurred())
			Expect(status.CurrentStepName).To(Equal("review"))
		})
	})

	Context("when the reporting issue has no workflow mapping", func() {
		It("fails with ErrWorkflowNotFound and leaves the ledger untouched", func() {
			_, err := eng.CompleteStep(ctx, "unmapped-issue", "developer", map[string]any{"status": "complete"}, "evt-1")
			Expect(err).To(MatchError(engine.ErrWorkflowNotFound))
		})
	})
})

var _ = Describe("Engine.ResetWorkflowToAgent then CompleteStep", func() {
	It("transitions to step k+1 as if steps 1..k-1 had always been complete", func() {
		backend, err := fsstore.New(GinkgoT().TempDir())
		Expect(err).NotTo(HaveOccurred())

		bus := eventbus.NewInMemory()
		clk := clock.NewFake(time.Unix(1_700_000_000, 0))
		led := ledger.New(backend)
		locker := lock.NewInMemory()
		terminals := nexus.NewTerminalSet()
		eng := engine.New(backend, led, locker, bus, clk, terminals, nil)
		ctx := context.Background()

		workflowID, err := eng.CreateWorkflowForIssue(ctx, "7", "acme", "acme/repo", "standard", nexus.WorkflowDefinition{
			Name: "standard",
			Steps: []nexus.StepDefinition{
				{Name: "triage", Agent: nexus.Agent{Name: "triage-agent"}},
				{Name: "implement", Agent: nexus.Agent{Name: "implementer-agent"}},
				{Name: "review", Agent: nexus.Agent{Name: "reviewer-agent"}},
			},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(eng.StartWorkflow(ctx, workflowID, "7")).To(Succeed())

		_, err = eng.ResetWorkflowToAgent(ctx, "7", "implementer-agent")
		Expect(err).NotTo(HaveOccurred())

		result, err := eng.CompleteStep(ctx, "7", "implementer-agent", map[string]any{
			"status":     "complete",
			"next_agent": "reviewer-agent",
		}, "evt-reset")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.NextAgent).To(Equal("reviewer-agent"))

		status, err := eng.GetWorkflowStatus(ctx, "7")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.CurrentStepName).To(Equal("review"))
	})
})
