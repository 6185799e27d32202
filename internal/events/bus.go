// Package events provides a publish/subscribe bus for connection status
// transitions and user-facing notices. Events flow from the core
// (connection manager, orchestrator, chat client) to subscribers (a UI
// layer, tests). The bus is nil-safe: calling Publish on a nil *Bus is
// a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Kind constants describe the type of event.
const (
	// KindStatus signals a server connection status transition.
	// ServerID, Status, and (for error transitions) Error are set.
	KindStatus = "status"
	// KindNotice signals a user-facing notification. Notice is set.
	KindNotice = "notice"
)

// Notice is a user-facing notification a UI layer can surface directly.
type Notice struct {
	// Type is "info", "success", "warning", or "error".
	Type string `json:"type"`
	// Title is the short headline.
	Title string `json:"title"`
	// Message is optional detail text.
	Message string `json:"message,omitempty"`
	// DurationMS is the suggested display duration; 0 means the
	// subscriber's default.
	DurationMS int `json:"durationMs,omitempty"`
}

// Event represents a single event published by a core component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Kind is KindStatus or KindNotice.
	Kind string `json:"kind"`
	// ServerID identifies the server for status events.
	ServerID string `json:"serverId,omitempty"`
	// Status is the new connection status for status events
	// (disconnected, connecting, connected, error).
	Status string `json:"status,omitempty"`
	// Error carries the failure message for error transitions.
	Error string `json:"error,omitempty"`
	// Notice is set for notice events.
	Notice *Notice `json:"notice,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event view.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// PublishStatus publishes a status transition for a server. errMsg is
// empty except for error transitions.
func (b *Bus) PublishStatus(serverID, status, errMsg string) {
	b.Publish(Event{
		Kind:     KindStatus,
		ServerID: serverID,
		Status:   status,
		Error:    errMsg,
	})
}

// PublishNotice publishes a user-facing notice.
func (b *Bus) PublishNotice(n Notice) {
	b.Publish(Event{
		Kind:   KindNotice,
		Notice: &n,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
