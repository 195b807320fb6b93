// Package eventbus is a small in-process publish/subscribe hub used to
// decouple the Reconciler, WorkflowEngine, and WebhookRouter from the
// WatchService's subscriber fan-out: producers publish nexus.Alert and
// workflow-change events without knowing who, if anyone, is watching.
package eventbus

import "sync"

// Event is a named payload published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Bus is a minimal synchronous multi-subscriber pub/sub hub.
type Bus interface {
	// Subscribe registers a channel to receive events on topic. The
	// returned unsubscribe func removes it. A channel that is not drained
	// fills up and then misses events; it never blocks publishers.
	Subscribe(topic string, ch chan<- Event) (unsubscribe func())

	// Publish delivers evt to every subscriber currently registered on
	// evt.Topic. Delivery is best-effort and non-blocking: a subscriber
	// whose channel is full misses the event rather than stalling Publish.
	Publish(evt Event)
}

// InMemory is the default Bus implementation, grounded on the same
// listener-registry shape the teacher uses for its poller callbacks.
type InMemory struct {
	mu          sync.Mutex
	subscribers map[string]map[chan<- Event]struct{}
}

// NewInMemory returns an empty in-process bus.
func NewInMemory() *InMemory {
	return &InMemory{subscribers: map[string]map[chan<- Event]struct{}{}}
}

func (b *InMemory) Subscribe(topic string, ch chan<- Event) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[topic] == nil {
		b.subscribers[topic] = map[chan<- Event]struct{}{}
	}
	b.subscribers[topic][ch] = struct{}{}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers[topic], ch)
	}
}

func (b *InMemory) Publish(evt Event) {
	b.mu.Lock()
	recipients := make([]chan<- Event, 0, len(b.subscribers[evt.Topic]))
	for ch := range b.subscribers[evt.Topic] {
		recipients = append(recipients, ch)
	}
	b.mu.Unlock()

	for _, ch := range recipients {
		select {
		case ch <- evt:
		default:
		}
	}
}

var _ Bus = (*InMemory)(nil)
