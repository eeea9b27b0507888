// Package events carries committed RegistryAction batches from the
// consensus FSM out to subscribers — chiefly the Mirror, which subscribes
// at startup per its §4.5 contract ("a stream of committed log entries").
//
// This is distinct from statemachine's per-digest one-shot waiters: this
// broker is a persistent, best-effort broadcast of every commit, not a
// single notification tied to one digest becoming locally available.
package events

import (
	"sync"
	"time"

	"github.com/clusterreg/registry/pkg/types"
)

// Committed is one committed batch, tagged with its Raft log index so
// subscribers (notably Mirror) can reason about ordering if they need to.
type Committed struct {
	Index     uint64
	Batch     types.Batch
	Timestamp time.Time
}

// Subscriber receives committed batches.
type Subscriber chan *Committed

// Broker distributes committed batches to every subscriber. Delivery is
// best-effort: a slow subscriber with a full buffer misses an event rather
// than stalling the commit path, matching the "bounded channels, shutdown
// drains them promptly" rule in §5. A missed event is not redelivered, and
// Mirror does not re-scan the graph for it: its drain loop only retries
// requests already in its pending set.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Committed
	stopCh      chan struct{}
}

// NewBroker creates a new, unstarted Broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Committed, 100),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker's distribution loop.
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new subscriber with a modest internal buffer.
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a subscriber.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish announces a committed batch to every subscriber.
func (b *Broker) Publish(index uint64, batch types.Batch) {
	event := &Committed{Index: index, Batch: batch, Timestamp: time.Now()}
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

func (b *Broker) broadcast(event *Committed) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full; this event is dropped for it.
		}
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
