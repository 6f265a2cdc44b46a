// Package events is the transaction engine's pub/sub event broker: a
// subscriber-channel map with buffered fan-out carrying the four
// streamed event kinds (state-changed, progress, log-entry, terminal)
// from the scheduler to RPC subscribers.
package events

import (
	"sync"
	"time"

	"github.com/chefpack/chefd/pkg/txn"
)

// EventType is one of the four streamed event kinds.
type EventType string

const (
	EventStateChanged EventType = "state-changed"
	EventProgress     EventType = "progress"
	EventLogEntry     EventType = "log-entry"
	EventTerminal     EventType = "terminal"
)

// Event carries one transaction's observable change to RPC subscribers.
type Event struct {
	TransactionID uint64
	Type          EventType
	Timestamp     time.Time

	// State and Progress are populated for EventStateChanged,
	// EventProgress and EventTerminal.
	State    txn.State
	Progress txn.Progress

	// Log is populated only for EventLogEntry.
	Log *txn.LogEntry

	// FailureReason is populated only for EventTerminal when State is
	// not StateCompleted.
	FailureReason string
}

// Subscriber is a channel that receives events.
type Subscriber chan *Event

// Broker manages event subscriptions and distribution.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full; drop rather than block the broker.
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
