package protection

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eth2030/mevguard/mevdetect"
	"github.com/eth2030/mevguard/txpool/batchpool"
	"github.com/eth2030/mevguard/txpool/commitreveal"
)

// EventType identifies the kind of event published by the engine.
type EventType string

const (
	EventCommitCreated   EventType = "commit.created"
	EventCommitRevealed  EventType = "commit.revealed"
	EventCommitExpired   EventType = "commit.expired"
	EventCommitCancelled EventType = "commit.cancelled"
	EventBatchCreated    EventType = "batch.created"
	EventBatchExecuted   EventType = "batch.executed"
	EventAttackDetected  EventType = "attack.detected"
)

// Event is a message published on the bus. Data is a *CommitEvent,
// *BatchEvent or *AttackEvent depending on Type.
type Event struct {
	Type      EventType
	Data      interface{}
	Timestamp time.Time
}

// CommitEvent accompanies the commit.* events. PenaltyBps is set on
// commit.expired: the no-reveal penalty owed on the committed amount.
type CommitEvent struct {
	Commit     *commitreveal.CommitData
	PenaltyBps uint64
}

// BatchEvent accompanies batch.created and batch.executed.
type BatchEvent struct {
	Batch *batchpool.TransactionBatch
}

// AttackEvent accompanies attack.detected.
type AttackEvent struct {
	Detection *mevdetect.Detection
}

// Subscription receives the events it was created for.
type Subscription struct {
	id     uint64
	types  map[EventType]struct{} // empty means every type
	ch     chan Event
	bus    *EventBus
	closed atomic.Bool
}

// Chan returns the delivery channel. It is closed on Unsubscribe or when
// the bus closes.
func (s *Subscription) Chan() <-chan Event {
	return s.ch
}

// Unsubscribe detaches the subscription. Safe to call multiple times.
func (s *Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.Unsubscribe(s)
	}
}

func (s *Subscription) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// EventBus fans engine events out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event, so a slow or stuck
// listener cannot stall the engine.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	nextID     uint64
	bufferSize int
	closed     bool
	dropped    atomic.Uint64
}

// NewEventBus creates a bus whose subscriptions buffer bufferSize events.
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize < 0 {
		bufferSize = 0
	}
	return &EventBus{
		subs:       make(map[uint64]*Subscription),
		bufferSize: bufferSize,
	}
}

// Subscribe creates a subscription for the given types, or for every type
// when none are given.
func (eb *EventBus) Subscribe(types ...EventType) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		sub := &Subscription{ch: make(chan Event)}
		sub.closed.Store(true)
		close(sub.ch)
		return sub
	}

	eb.nextID++
	typeSet := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		typeSet[t] = struct{}{}
	}
	sub := &Subscription{
		id:    eb.nextID,
		types: typeSet,
		ch:    make(chan Event, eb.bufferSize),
		bus:   eb,
	}
	eb.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel.
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.closed.CompareAndSwap(false, true) {
		return
	}
	eb.mu.Lock()
	delete(eb.subs, sub.id)
	eb.mu.Unlock()

	close(sub.ch)
}

// Publish delivers an event to every matching subscriber with room for it.
func (eb *EventBus) Publish(t EventType, data interface{}) {
	ev := Event{Type: t, Data: data, Timestamp: time.Now()}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.closed {
		return
	}
	for _, sub := range eb.subs {
		if sub.closed.Load() || !sub.wants(t) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			eb.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped on full buffers.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}

// SubscriberCount returns the number of live subscriptions.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}

// Close closes every subscription; later publishes are ignored.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return
	}
	eb.closed = true
	toClose := make([]*Subscription, 0, len(eb.subs))
	for _, sub := range eb.subs {
		toClose = append(toClose, sub)
	}
	eb.subs = make(map[uint64]*Subscription)
	eb.mu.Unlock()

	for _, sub := range toClose {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.ch)
		}
	}
}
