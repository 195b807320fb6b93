package watch_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickmisasi/nexuscore/internal/clock"
	"github.com/nickmisasi/nexuscore/internal/engine"
	"github.com/nickmisasi/nexuscore/internal/eventbus"
	"github.com/nickmisasi/nexuscore/internal/nexus"
	"github.com/nickmisasi/nexuscore/internal/watch"
)

type fakeNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeNotifier) Send(chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func waitForCount(t *testing.T, n *fakeNotifier, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return n.count() >= want }, time.Second, 5*time.Millisecond)
}

func TestStartWatchSendsSnapshotFromFetcher(t *testing.T) {
	bus := eventbus.NewInMemory()
	notifier := &fakeNotifier{}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	svc := watch.New(bus, notifier, clk)
	svc.BindSnapshotFetcher(func(issueID, projectKey string) (watch.Snapshot, bool) {
		return watch.Snapshot{WorkflowState: "running", CurrentStep: "1/3", CurrentStepName: "triage", CurrentAgent: "triage-agent"}, true
	})

	svc.StartWatch(1, 1, "acme", "7", false)
	assert.Equal(t, 1, notifier.count())
}

func TestStartWatchWithoutFetcherSendsNothing(t *testing.T) {
	bus := eventbus.NewInMemory()
	notifier := &fakeNotifier{}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	svc := watch.New(bus, notifier, clk)

	svc.StartWatch(1, 1, "acme", "7", false)
	assert.Equal(t, 0, notifier.count())
	assert.Len(t, svc.Subscriptions(), 1)
}

func TestStopWatchRemovesSubscription(t *testing.T) {
	bus := eventbus.NewInMemory()
	notifier := &fakeNotifier{}
	svc := watch.New(bus, notifier, clock.NewFake(time.Unix(1_700_000_000, 0)))

	svc.StartWatch(1, 1, "acme", "7", false)
	svc.StopWatch(1, 1)
	assert.Empty(t, svc.Subscriptions())
}

func TestStepStatusChangedNotifiesMatchingSubscriber(t *testing.T) {
	bus := eventbus.NewInMemory()
	notifier := &fakeNotifier{}
	svc := watch.New(bus, notifier, clock.NewFake(time.Unix(1_700_000_000, 0)))
	svc.StartWatch(1, 1, "acme", "7", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	bus.Publish(eventbus.Event{Topic: engine.TopicStepStatusChanged, Payload: engine.StepStatusChangedEvent{
		IssueID:    "7",
		WorkflowID: "wf-1",
		Step:       nexus.Step{StepNum: 1, Name: "triage", Agent: nexus.Agent{Name: "triage-agent"}, Status: nexus.StepComplete},
	}})

	waitForCount(t, notifier, 1)
}

func TestWorkflowCompletedNotifiesAndUnsubscribes(t *testing.T) {
	bus := eventbus.NewInMemory()
	notifier := &fakeNotifier{}
	svc := watch.New(bus, notifier, clock.NewFake(time.Unix(1_700_000_000, 0)))
	svc.StartWatch(1, 1, "acme", "7", false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	bus.Publish(eventbus.Event{Topic: engine.TopicWorkflowCompleted, Payload: engine.WorkflowCompletedEvent{
		IssueID: "7", WorkflowID: "wf-1",
	}})

	waitForCount(t, notifier, 1)
	require.Eventually(t, func() bool { return len(svc.Subscriptions()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestMermaidDiagramThrottlesDuplicateSends(t *testing.T) {
	bus := eventbus.NewInMemory()
	notifier := &fakeNotifier{}
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	svc := watch.New(bus, notifier, clk)
	svc.StartWatch(1, 1, "acme", "7", true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	bus.Publish(eventbus.Event{Topic: watch.TopicMermaidDiagram, Payload: watch.MermaidDiagramEvent{
		IssueID: "7", WorkflowID: "wf-1", Diagram: "flowchart TD",
	}})
	waitForCount(t, notifier, 1)

	// Same diagram content again within the throttle window: suppressed.
	bus.Publish(eventbus.Event{Topic: watch.TopicMermaidDiagram, Payload: watch.MermaidDiagramEvent{
		IssueID: "7", WorkflowID: "wf-1", Diagram: "flowchart TD",
	}})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, notifier.count())

	// Different diagram content once the throttle window has passed: sent.
	clk.Advance(watch.DefaultMermaidThrottle)
	bus.Publish(eventbus.Event{Topic: watch.TopicMermaidDiagram, Payload: watch.MermaidDiagramEvent{
		IssueID: "7", WorkflowID: "wf-1", Diagram: "flowchart TD changed",
	}})
	waitForCount(t, notifier, 2)
}

func TestBuildDiagramRendersStepsInOrder(t *testing.T) {
	steps := []nexus.Step{
		{StepNum: 1, Name: "triage", Agent: nexus.Agent{Name: "triage-agent"}, Status: nexus.StepComplete},
		{StepNum: 2, Name: "implement", Agent: nexus.Agent{Name: "implementer-agent"}, Status: nexus.StepRunning},
	}
	diagram := watch.BuildDiagram(steps, "7")
	assert.Contains(t, diagram, `I["Issue #7"]`)
	assert.Contains(t, diagram, "triage-agent")
	assert.Contains(t, diagram, "implementer-agent")
	assert.Contains(t, diagram, "style S1")
	assert.Contains(t, diagram, "style S2")
}
