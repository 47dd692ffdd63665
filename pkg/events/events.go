package events

import (
	"sync"
	"time"

	"github.com/jamesaphoenix/tx/pkg/types"
)

// Subscriber is a channel that receives events
type Subscriber chan *types.Event

// Broker fans live events out to in-process subscribers. Persistence is
// the event repository's job; the broker only distributes, and a slow
// subscriber loses events rather than stalling publishers.
type Broker struct {
	subscribers map[Subscriber][]types.EventType
	mu          sync.RWMutex
	eventCh     chan *types.Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber][]types.EventType),
		eventCh:     make(chan *types.Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a subscription. With no types given the subscriber
// receives everything; otherwise only the listed types.
func (b *Broker) Subscribe(eventTypes ...types.EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = eventTypes
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish hands an event to the distribution loop. Publishing to a nil
// broker is a no-op so services can run without one wired in.
func (b *Broker) Publish(event *types.Event) {
	if b == nil {
		return
	}
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

func (b *Broker) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, eventTypes := range b.subscribers {
		if !wants(eventTypes, event.Type) {
			continue
		}
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

func wants(eventTypes []types.EventType, t types.EventType) bool {
	if len(eventTypes) == 0 {
		return true
	}
	for _, want := range eventTypes {
		if want == t {
			return true
		}
	}
	return false
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
