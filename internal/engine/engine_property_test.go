package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nickmisasi/nexuscore/internal/clock"
	"github.com/nickmisasi/nexuscore/internal/engine"
	"github.com/nickmisasi/nexuscore/internal/eventbus"
	"github.com/nickmisasi/nexuscore/internal/ledger"
	"github.com/nickmisasi/nexuscore/internal/lock"
	"github.com/nickmisasi/nexuscore/internal/nexus"
	"github.com/nickmisasi/nexuscore/internal/store/fsstore"
)

// TestWalkingEveryStepAlwaysTerminatesProperty checks the invariant that
// completing a workflow's steps in order, however many steps it has,
// always ends with the workflow in a terminal state and CurrentStepNum
// equal to the step count.
func TestWalkingEveryStepAlwaysTerminatesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("completing every step in order always terminates the workflow", prop.ForAll(
		func(stepCount int) bool {
			backend, err := fsstore.New(t.TempDir())
			if err != nil {
				return false
			}
			bus := eventbus.NewInMemory()
			clk := clock.NewFake(time.Unix(1_700_000_000, 0))
			led := ledger.New(backend)
			locker := lock.NewInMemory()
			terminals := nexus.NewTerminalSet()
			eng := engine.New(backend, led, locker, bus, clk, terminals, nil)
			ctx := context.Background()

			def := nexus.WorkflowDefinition{Name: "generated"}
			for i := 0; i < stepCount; i++ {
				def.Steps = append(def.Steps, nexus.StepDefinition{
					Name:  fmt.Sprintf("step-%d", i),
					Agent: nexus.Agent{Name: fmt.Sprintf("agent-%d", i)},
				})
			}

			issueID := fmt.Sprintf("issue-%d", stepCount)
			wfID, err := eng.CreateWorkflowForIssue(ctx, issueID, "acme", "acme/repo", "standard", def)
			if err != nil {
				return false
			}
			if err := eng.StartWorkflow(ctx, wfID, issueID); err != nil {
				return false
			}

			for i := 0; i < stepCount; i++ {
				next := "done"
				if i < stepCount-1 {
					next = fmt.Sprintf("agent-%d", i+1)
				}
				_, err := eng.CompleteStep(ctx, issueID, fmt.Sprintf("agent-%d", i), map[string]any{
					"status":     "complete",
					"next_agent": next,
				}, fmt.Sprintf("evt-%d-%d", stepCount, i))
				if err != nil {
					return false
				}
			}

			status, err := eng.GetWorkflowStatus(ctx, issueID)
			if err != nil {
				return false
			}
			return status.State == nexus.WorkflowCompleted && status.CurrentStepNum == stepCount
		},
		gen.IntRange(1, 6),
	))

	properties.TestingRun(t)
}
