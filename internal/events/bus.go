// Package events provides a publish/subscribe event bus. Gateway
// attempts, speech state transitions and session lifecycle changes flow
// to subscribers such as the widget WebSocket. The bus is nil-safe:
// calling Publish on a nil *Bus is a no-op, so components do not need
// guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceGateway identifies events from the failover language gateway.
	SourceGateway = "gateway"
	// SourceSpeech identifies events from the speech coordinator.
	SourceSpeech = "speech"
	// SourceSession identifies widget session lifecycle events.
	SourceSession = "session"
)

// Kind constants describe the type of event within a source.
const (
	// KindAttempt signals one credential attempt finished.
	// Data: credential (last four characters), class, status, latency_ms.
	KindAttempt = "attempt"
	// KindAnswered signals the gateway produced generated text.
	// Data: attempts.
	KindAnswered = "answered"
	// KindExhausted signals every credential failed transiently.
	// Data: attempts.
	KindExhausted = "exhausted"
	// KindFatal signals a configuration or non-transient failure.
	// Data: attempts, error.
	KindFatal = "fatal"

	// KindStateChanged signals a speech state transition.
	// Data: session_id, from, to, handle.
	KindStateChanged = "state_changed"
	// KindNotice carries a short user-facing notice (speech errors,
	// voice messages dropped while busy).
	// Data: session_id, message.
	KindNotice = "notice"

	// KindSessionOpen signals a widget session was created.
	// Data: session_id.
	KindSessionOpen = "session_open"
	// KindIntentMatched signals the fast path answered a query.
	// Data: session_id, intent.
	KindIntentMatched = "intent_matched"
	// KindSessionClose signals a widget session was torn down.
	// Data: session_id, turns.
	KindSessionClose = "session_close"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to callers back
	// to the sendable channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, stamping Timestamp when it
// is zero. A full subscriber channel drops the event for that
// subscriber. Safe to call on a nil receiver.
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
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer.
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
