// Package conversation holds the append-only turn history of one widget
// session.
package conversation

import (
	"sync"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is one message exchanged between the user and the assistant.
// Turns are values and are never modified after creation.
type Turn struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTurn creates a turn stamped with the current time.
func NewTurn(speaker Speaker, text string) Turn {
	return Turn{Speaker: speaker, Text: text, Timestamp: time.Now()}
}

// History is an ordered, append-only sequence of turns. Entries are
// never removed or rewritten; its length only grows until the owning
// session is discarded. Safe for concurrent use.
type History struct {
	mu    sync.RWMutex
	turns []Turn
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{}
}

// Append adds a turn at the end. A zero Timestamp is filled in.
func (h *History) Append(t Turn) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, t)
}

// Snapshot returns a copy of the turns in insertion order. Later
// appends are not visible through a returned snapshot.
func (h *History) Snapshot() []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Len returns the number of turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}
