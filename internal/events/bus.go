// Package events provides the in-process pub/sub bus that fans gateway
// events out to push dispatchers, SSE streams and metrics.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	TypeNewMessage            = "new_message"
	TypeMessageStatus         = "message_status"
	TypeIncomingCall          = "incoming_call"
	TypeCallEnded             = "call_ended"
	TypeMissedCall            = "missed_call"
	TypeCallHistoryUpdate     = "call_history_update"
	TypeProviderStatusChanged = "provider_status_changed"
	TypeProviderUnhealthy     = "provider_unhealthy"
	TypeProviderRecovered     = "provider_recovered"
)

// Event is a single bus message. Payload carries the type-specific body
// and is serialized as-is on the SSE stream.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// critical reports whether the event must never be silently lost. A
// subscriber too slow to take one is disconnected instead.
func critical(eventType string) bool {
	return eventType == TypeIncomingCall || eventType == TypeCallEnded
}

// Subscription is a registered bus listener. Events arrive on C until
// Close is called or the bus disconnects the subscriber for falling behind.
type Subscription struct {
	C chan Event

	bus  *Bus
	name string
	once sync.Once
}

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		close(s.C)
		s.bus.mu.Unlock()
	})
}

// Bus is a non-blocking fan-out pub/sub hub. Each subscriber gets a
// bounded queue; Publish never blocks the producer.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	depth  int
	logger *slog.Logger

	dropped uint64
}

// NewBus creates a bus whose subscribers buffer up to depth events.
func NewBus(depth int, logger *slog.Logger) *Bus {
	if depth <= 0 {
		depth = 64
	}
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		depth:  depth,
		logger: logger,
	}
}

// Subscribe registers a listener. The name appears in slow-consumer logs.
func (b *Bus) Subscribe(name string) *Subscription {
	sub := &Subscription{
		C:    make(chan Event, b.depth),
		bus:  b,
		name: name,
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers the event to every subscriber without blocking. A full
// subscriber queue drops the event, except for call-signalling events where
// losing one is worse than losing the listener: there the subscriber is
// disconnected so it can resubscribe and resync.
func (b *Bus) Publish(eventType string, payload any) {
	event := Event{Type: eventType, Timestamp: time.Now(), Payload: payload}

	// Sends happen under the lock so a concurrent Close cannot close a
	// channel mid-send. Sends are non-blocking, so the lock is held briefly.
	b.mu.Lock()
	var evict []*Subscription
	for sub := range b.subs {
		select {
		case sub.C <- event:
		default:
			if critical(eventType) {
				evict = append(evict, sub)
			} else {
				b.dropped++
				b.logger.Debug("dropped event for slow subscriber",
					"subscriber", sub.name, "event", eventType)
			}
		}
	}
	b.mu.Unlock()

	for _, sub := range evict {
		b.logger.Warn("disconnecting slow subscriber on critical event",
			"subscriber", sub.name, "event", eventType)
		sub.Close()
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedCount returns the total number of events dropped for slow
// subscribers since startup.
func (b *Bus) DroppedCount() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
