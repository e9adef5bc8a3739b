package events

import (
	"sync"
	"time"
)

// EventType represents the type of bus event
type EventType string

const (
	EventSessionOutput      EventType = "session.output"
	EventSessionExited      EventType = "session.exited"
	EventSessionRetry       EventType = "session.retry-profile"
	EventAuthStateChanged   EventType = "auth.state-changed"
	EventUsageUpdated       EventType = "usage.updated"
	EventAutoSwitchNotified EventType = "autoswitch.notified"
	EventConnected          EventType = "connected"
)

// Event is the outward-facing event envelope
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`
	SessionID string    `json:"sessionId,omitempty"`
	ProfileID string    `json:"profileId,omitempty"`
	AttemptID string    `json:"attemptId,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Bus manages subscriptions and event broadcasting.
// Delivery is fire-and-forget: a subscriber whose channel is full misses the
// event rather than blocking the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	done        chan struct{}
}

// NewBus creates a new event bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[chan Event]struct{}),
		done:        make(chan struct{}),
	}
}

// Subscribe creates a new subscription channel.
// Returns the event channel and an unsubscribe function.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)

	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		// Only close if the channel is still in subscribers map
		if _, exists := b.subscribers[ch]; exists {
			delete(b.subscribers, ch)
			close(ch)
		}
	}

	return ch, unsubscribe
}

// Publish broadcasts an event to all subscribers
func (b *Bus) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Channel full, skip this subscriber
		}
	}
}

// Shutdown closes the bus and all subscriber channels
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return
	default:
	}
	close(b.done)

	for ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[chan Event]struct{})
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
