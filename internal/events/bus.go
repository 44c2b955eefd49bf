// Package events is a fan-out bus for fleet lifecycle events.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event types published on the bus.
const (
	HostConnected    = "host.connected"
	HostDisconnected = "host.disconnected"
	HostUpdateNeeded = "host.update_required"
	SessionCreated   = "session.created"
	SessionClosed    = "session.closed"
	SessionExpired   = "session.expired"
)

// Event is a single message on the bus.
type Event struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	AccountID string          `json:"account_id,omitempty"`
	HostID    string          `json:"host_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter struct {
	AccountID string
	Types     []string
}

func (f Filter) match(e Event) bool {
	if f.AccountID != "" && e.AccountID != f.AccountID {
		return false
	}
	if len(f.Types) == 0 {
		return true
	}
	for _, t := range f.Types {
		if t == e.Type {
			return true
		}
	}
	return false
}

// Bus is a fan-out pub/sub event bus. Subscribers receive events on a buffered
// channel. Slow subscribers miss events rather than block publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]Filter
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]Filter)}
}

// Subscribe returns a channel that receives events matching f. The channel
// is buffered (64).
func (b *Bus) Subscribe(f Filter) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = f
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish sends an event to all matching subscribers without blocking.
// A nil Bus discards events.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, f := range b.subs {
		if !f.match(e) {
			continue
		}
		select {
		case ch <- e:
		default:
			// slow subscriber, drop
		}
	}
}

// PublishData is a convenience method that encodes data into the event
// before publishing it.
func (b *Bus) PublishData(e Event, data any) {
	if data != nil {
		e.Data, _ = json.Marshal(data)
	}
	b.Publish(e)
}

// Subscribers returns the number of active subscribers.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes all subscribers and closes their channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
