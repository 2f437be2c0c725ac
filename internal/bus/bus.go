// Package bus broadcasts execution artifacts to subscribers of a document.
package bus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/NotebookKernel/backend/internal/result"
	"github.com/GriffinCanCode/NotebookKernel/backend/internal/shared/id"
)

// DefaultBuffer is the per-subscriber backlog used when none is given
const DefaultBuffer = 256

// Event is one artifact of an execution. Segment is the artifact's file
// name, unique within the execution.
type Event struct {
	DocumentID  string         `json:"documentId"`
	ExecutionID id.ExecutionID `json:"executionId"`
	Segment     string         `json:"segment"`
	Artifact    result.Result  `json:"artifact"`
	Replay      bool           `json:"replay,omitempty"`
}

// Key identifies the artifact an event carries
func (e Event) Key() string {
	return e.ExecutionID.String() + "/" + e.Segment
}

// Subscription receives the events of one document. Events are delivered
// in publish order; a subscriber that falls a full buffer behind loses the
// overflow and sees it counted in Dropped.
type Subscription struct {
	ID         id.SubscriptionID
	DocumentID string

	ch      chan Event
	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns the number of events lost to a full buffer
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) offer(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Bus fans events out by document id
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[string]map[id.SubscriptionID]*Subscription
	closed bool
}

// New creates a bus
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		logger: logger,
		subs:   make(map[string]map[id.SubscriptionID]*Subscription),
	}
}

// Subscribe registers a listener for one document. The caller must call
// Unsubscribe when done.
func (b *Bus) Subscribe(documentID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	sub := &Subscription{
		ID:         id.NewSubscriptionID(),
		DocumentID: documentID,
		ch:         make(chan Event, buffer),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	if b.subs[documentID] == nil {
		b.subs[documentID] = make(map[id.SubscriptionID]*Subscription)
	}
	b.subs[documentID][sub.ID] = sub
	return sub
}

// Unsubscribe removes a listener and closes its channel
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if subs, ok := b.subs[sub.DocumentID]; ok {
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(b.subs, sub.DocumentID)
		}
	}
	b.mu.Unlock()

	sub.once.Do(func() { close(sub.ch) })
}

// Publish sends an event to every subscriber of its document. It never
// blocks and returns the number of subscribers that received it.
func (b *Bus) Publish(ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs[ev.DocumentID] {
		if sub.offer(ev) {
			delivered++
			continue
		}
		b.logger.Warn("Subscriber buffer full, dropping event",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("document_id", ev.DocumentID),
			zap.String("execution_id", ev.ExecutionID.String()),
		)
	}
	return delivered
}

// Subscribers returns the number of listeners of a document
func (b *Bus) Subscribers(documentID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[documentID])
}

// Close unsubscribes everyone. Later subscriptions are closed immediately.
func (b *Bus) Close() {
	b.mu.Lock()
	var all []*Subscription
	for _, subs := range b.subs {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[id.SubscriptionID]*Subscription)
	b.closed = true
	b.mu.Unlock()

	for _, sub := range all {
		sub.once.Do(func() { close(sub.ch) })
	}
}
