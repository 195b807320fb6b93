// Package watch implements WatchService: per-subscriber forwarding of
// workflow lifecycle events with content-hash dedup and throttling for
// diagram updates. Grounded on original_source's
// telegram/workflow_watch_service tests (subscription keying, the
// project/issue scoping rule, and the emoji-prefixed message formats) and
// the teacher's poller.go send-loop shape, generalized from a single
// Telegram bot chat target to an arbitrary Notifier.
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/nickmisasi/nexuscore/internal/clock"
	"github.com/nickmisasi/nexuscore/internal/engine"
	"github.com/nickmisasi/nexuscore/internal/eventbus"
	"github.com/nickmisasi/nexuscore/internal/nexus"
)

// DefaultMermaidThrottle bounds how often a diagram-update notice is sent
// to a given subscriber for the same workflow.
const DefaultMermaidThrottle = 30 * time.Second

// Notifier delivers a rendered line of text to one chat/subscriber target.
type Notifier interface {
	Send(chatID int64, text string) error
}

// SnapshotFetcher returns a point-in-time workflow snapshot used to greet
// a new subscriber and to re-sync subscribers after a reconnect.
type SnapshotFetcher func(issueID, projectKey string) (Snapshot, bool)

// Snapshot is the subset of workflow state shown on subscribe/reconnect.
type Snapshot struct {
	WorkflowState   string
	CurrentStep     string // e.g. "2/5"
	CurrentStepName string
	CurrentAgent    string
}

// Subscription is one chat/user's watch on a single (project, issue).
type Subscription struct {
	ChatID         int64
	UserID         int64
	ProjectKey     string
	IssueID        string
	WorkflowID     string
	MermaidEnabled bool

	lastDiagramHash string
	lastDiagramSent time.Time
}

func subscriptionKey(chatID, userID int64) string {
	return fmt.Sprintf("%d:%d", chatID, userID)
}

// Service routes workflow lifecycle events to subscribed chats. The event
// payloads carry no project key, so step, completion and diagram events are
// routed by issue ID alone: subscribers watching the same issue number under
// different projects all receive them, and a workflow completion
// unsubscribes all of them.
type Service struct {
	bus     eventbus.Bus
	notify  Notifier
	clock   clock.Clock
	fetcher SnapshotFetcher

	mermaidThrottle time.Duration

	stepCh      chan eventbus.Event
	completedCh chan eventbus.Event
	mermaidCh   chan eventbus.Event

	mu   sync.Mutex
	subs map[string]*Subscription
}

// New constructs a Service and subscribes it to the engine's lifecycle
// topics immediately. Run must be called (typically in its own goroutine)
// to actually drain the subscribed channels.
func New(bus eventbus.Bus, notify Notifier, clk clock.Clock) *Service {
	s := &Service{
		bus:             bus,
		notify:          notify,
		clock:           clk,
		mermaidThrottle: DefaultMermaidThrottle,
		subs:            map[string]*Subscription{},
	}

	s.stepCh = make(chan eventbus.Event, 64)
	s.completedCh = make(chan eventbus.Event, 64)
	s.mermaidCh = make(chan eventbus.Event, 64)
	bus.Subscribe(engine.TopicStepStatusChanged, s.stepCh)
	bus.Subscribe(engine.TopicWorkflowCompleted, s.completedCh)
	bus.Subscribe(TopicMermaidDiagram, s.mermaidCh)
	return s
}

// Run drains the subscribed event channels until ctx is cancelled,
// dispatching each to its handler. Intended to be run in its own
// goroutine for the lifetime of the process.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-s.stepCh:
			s.onStepStatusChanged(evt)
		case evt := <-s.completedCh:
			s.onWorkflowCompleted(evt)
		case evt := <-s.mermaidCh:
			s.onMermaidDiagram(evt)
		}
	}
}

// BindSnapshotFetcher installs the function used to render the initial
// and reconnect snapshots. Optional: without one, StartWatch sends no
// greeting beyond the bare watch-confirmation line.
func (s *Service) BindSnapshotFetcher(f SnapshotFetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetcher = f
}

// StartWatch registers a subscription and immediately sends a snapshot if
// a fetcher is bound.
func (s *Service) StartWatch(chatID, userID int64, projectKey, issueID string, mermaidEnabled bool) {
	s.mu.Lock()
	sub := &Subscription{
		ChatID:         chatID,
		UserID:         userID,
		ProjectKey:     projectKey,
		IssueID:        issueID,
		MermaidEnabled: mermaidEnabled,
	}
	s.subs[subscriptionKey(chatID, userID)] = sub
	fetcher := s.fetcher
	s.mu.Unlock()

	if fetcher == nil {
		return
	}
	snap, ok := fetcher(issueID, projectKey)
	if !ok {
		return
	}
	text := fmt.Sprintf(
		"Watching workflow #%s (%s)\nStatus: %s\nStep: %s (%s)\nAgent: %s",
		issueID, projectKey, snap.WorkflowState, snap.CurrentStep, snap.CurrentStepName, snap.CurrentAgent,
	)
	_ = s.notify.Send(chatID, text)
}

// StopWatch removes a subscription.
func (s *Service) StopWatch(chatID, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, subscriptionKey(chatID, userID))
}

// Subscriptions returns a snapshot copy of every active subscription, for
// the /tracked command listing.
func (s *Service) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, *sub)
	}
	return out
}

// SendReconnectSnapshots re-sends every subscriber's snapshot, used after
// a process restart to resynchronize chats without waiting for the next
// lifecycle event.
func (s *Service) SendReconnectSnapshots() {
	s.mu.Lock()
	fetcher := s.fetcher
	targets := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	if fetcher == nil {
		return
	}
	for _, sub := range targets {
		snap, ok := fetcher(sub.IssueID, sub.ProjectKey)
		if !ok {
			continue
		}
		text := fmt.Sprintf(
			"Watching workflow #%s (%s)\nStatus: %s\nStep: %s (%s)\nAgent: %s",
			sub.IssueID, sub.ProjectKey, snap.WorkflowState, snap.CurrentStep, snap.CurrentStepName, snap.CurrentAgent,
		)
		_ = s.notify.Send(sub.ChatID, text)
	}
}

func stepStatusIcon(status nexus.StepStatus) string {
	switch status {
	case nexus.StepComplete:
		return "✅"
	case nexus.StepRunning:
		return "▶️"
	case nexus.StepPending:
		return "⏳"
	case nexus.StepFailed:
		return "❌"
	case nexus.StepSkipped:
		return "⏭️"
	case nexus.StepPaused:
		return "⏸️"
	default:
		return "❓"
	}
}

func (s *Service) matchingSubscribers(projectKey, issueID string) []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Subscription
	for _, sub := range s.subs {
		if sub.IssueID == issueID && sub.ProjectKey == projectKey {
			out = append(out, sub)
		}
	}
	return out
}

func (s *Service) onStepStatusChanged(evt eventbus.Event) {
	payload, ok := evt.Payload.(engine.StepStatusChangedEvent)
	if !ok {
		return
	}

	s.mu.Lock()
	for _, sub := range s.subs {
		if sub.IssueID != payload.IssueID {
			continue
		}
		sub.WorkflowID = payload.WorkflowID
	}
	s.mu.Unlock()

	for _, sub := range s.matchingSubscribersByIssue(payload.IssueID) {
		text := fmt.Sprintf("%s #%s %s · %s → %s",
			stepStatusIcon(payload.Step.Status), payload.IssueID, payload.Step.Name, payload.Step.Agent.Name, payload.Step.Status)
		_ = s.notify.Send(sub.ChatID, text)
	}
}

// matchingSubscribersByIssue returns every subscriber watching issueID,
// whatever project key it subscribed with.
func (s *Service) matchingSubscribersByIssue(issueID string) []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Subscription
	for _, sub := range s.subs {
		if sub.IssueID == issueID {
			out = append(out, sub)
		}
	}
	return out
}

func (s *Service) onWorkflowCompleted(evt eventbus.Event) {
	payload, ok := evt.Payload.(engine.WorkflowCompletedEvent)
	if !ok {
		return
	}

	s.mu.Lock()
	var toNotify []*Subscription
	for key, sub := range s.subs {
		if sub.IssueID != payload.IssueID {
			continue
		}
		toNotify = append(toNotify, sub)
		delete(s.subs, key)
	}
	s.mu.Unlock()

	for _, sub := range toNotify {
		text := fmt.Sprintf("✅ Workflow #%s completed: success — workflow reached a terminal state", payload.IssueID)
		_ = s.notify.Send(sub.ChatID, text)
	}
}

// TopicMermaidDiagram is published whenever a fresh diagram render is
// available for an issue (see BuildDiagram / the /visualize command).
const TopicMermaidDiagram = "mermaid_diagram"

// MermaidDiagramEvent is the payload for TopicMermaidDiagram.
type MermaidDiagramEvent struct {
	IssueID    string
	WorkflowID string
	Diagram    string
}

func (s *Service) onMermaidDiagram(evt eventbus.Event) {
	payload, ok := evt.Payload.(MermaidDiagramEvent)
	if !ok {
		return
	}

	hash := sha256.Sum256([]byte(payload.Diagram))
	hashHex := hex.EncodeToString(hash[:])

	s.mu.Lock()
	now := s.clock.Now()
	var toNotify []*Subscription
	for _, sub := range s.subs {
		if sub.IssueID != payload.IssueID || !sub.MermaidEnabled {
			continue
		}
		if sub.lastDiagramHash == hashHex {
			continue
		}
		if !sub.lastDiagramSent.IsZero() && now.Sub(sub.lastDiagramSent) < s.mermaidThrottle {
			continue
		}
		sub.lastDiagramHash = hashHex
		sub.lastDiagramSent = now
		toNotify = append(toNotify, sub)
	}
	s.mu.Unlock()

	for _, sub := range toNotify {
		text := fmt.Sprintf("🧭 Workflow #%s diagram updated.", payload.IssueID)
		_ = s.notify.Send(sub.ChatID, text)
	}
}
