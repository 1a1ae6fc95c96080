// Package speech coordinates voice input and voice output so they never
// overlap. The Coordinator owns a three-state machine (Idle, Listening,
// Speaking) and drives platform Capture and Playback collaborators.
//
// Every capture and every utterance gets a fresh handle. Platform events
// carry the handle they belong to; an event whose handle is not current,
// or that arrives in the wrong state, is ignored. The Coordinator never
// calls into Capture or Playback while holding its lock, so collaborators
// may report events synchronously.
package speech

import (
	"log/slog"
	"sync"

	"github.com/nextfaang/mentor/internal/events"
	"github.com/nextfaang/mentor/internal/markup"
)

// State is the coordinator's mode.
type State int

const (
	Idle State = iota
	Listening
	Speaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Speaking:
		return "speaking"
	}
	return "unknown"
}

// Capture is the platform's speech recognizer. Start begins a single
// capture identified by handle; results come back through the
// Coordinator's Capture* methods.
type Capture interface {
	Start(handle uint64) error
	Stop(handle uint64)
}

// Playback is the platform's speech synthesizer. Completion comes back
// through the Coordinator's Playback* methods.
type Playback interface {
	Speak(handle uint64, text string) error
	Cancel(handle uint64)
}

// Config wires a Coordinator. Capture and Playback may be nil when the
// platform offers no voice; requests then fail back to Idle with a
// notice.
type Config struct {
	Capture  Capture
	Playback Playback

	// OnTranscript receives each final transcript. It runs after the
	// state has returned to Idle, outside the lock.
	OnTranscript func(text string)
	// OnState is told about every state change.
	OnState func(State)
	// OnNotice receives short user-facing notices (capture or playback
	// errors).
	OnNotice func(text string)

	Bus       *events.Bus
	SessionID string
	Logger    *slog.Logger
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	handle uint64 // handle of the active capture or utterance
	last   uint64 // last handle issued
	closed bool
}

// New returns a Coordinator in the Idle state.
func New(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "speech")
	if cfg.SessionID != "" {
		logger = logger.With("session_id", cfg.SessionID)
	}
	return &Coordinator{cfg: cfg, logger: logger}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartListening begins a capture. It is only honored from Idle and
// reports whether a capture was started.
func (c *Coordinator) StartListening() bool {
	c.mu.Lock()
	if c.closed || c.state != Idle {
		st := c.state
		c.mu.Unlock()
		c.logger.Debug("listen request dropped", "state", st)
		return false
	}
	h := c.issue(Listening)
	c.mu.Unlock()

	c.changed(Idle, Listening, h)

	if c.cfg.Capture == nil {
		c.abort(h, Listening, "Voice input is not available.")
		return false
	}
	if err := c.cfg.Capture.Start(h); err != nil {
		c.logger.Warn("capture start failed", "handle", h, "error", err)
		c.abort(h, Listening, "Voice input could not start.")
		return false
	}
	return true
}

// StopListening ends the current capture without a transcript.
func (c *Coordinator) StopListening() {
	h, ok := c.settle(0, Listening, true)
	if !ok {
		return
	}
	if c.cfg.Capture != nil {
		c.cfg.Capture.Stop(h)
	}
}

// CaptureResult delivers a final transcript for capture h. A blank
// transcript ends the capture like CaptureEnded.
func (c *Coordinator) CaptureResult(h uint64, text string) {
	if _, ok := c.settle(h, Listening, false); !ok {
		c.logger.Debug("stale capture result ignored", "handle", h)
		return
	}
	if markup.Strip(text) == "" {
		return
	}
	c.logger.Debug("transcript received", "handle", h, "len", len(text))
	if c.cfg.OnTranscript != nil {
		c.cfg.OnTranscript(text)
	}
}

// CaptureError reports that capture h failed.
func (c *Coordinator) CaptureError(h uint64, err error) {
	if _, ok := c.settle(h, Listening, false); !ok {
		return
	}
	c.logger.Warn("capture error", "handle", h, "error", err)
	c.notice("Voice input stopped: " + errText(err))
}

// CaptureEnded reports that capture h finished without a transcript.
func (c *Coordinator) CaptureEnded(h uint64) {
	c.settle(h, Listening, false)
}

// Speak plays text after stripping markup. Empty text is not spoken and
// requests outside Idle are dropped. Reports whether playback started.
func (c *Coordinator) Speak(text string) bool {
	plain := markup.Strip(text)
	if plain == "" {
		return false
	}

	c.mu.Lock()
	if c.closed || c.state != Idle {
		st := c.state
		c.mu.Unlock()
		c.logger.Debug("speak request dropped", "state", st)
		return false
	}
	h := c.issue(Speaking)
	c.mu.Unlock()

	c.changed(Idle, Speaking, h)

	if c.cfg.Playback == nil {
		c.abort(h, Speaking, "Voice output is not available.")
		return false
	}
	if err := c.cfg.Playback.Speak(h, plain); err != nil {
		c.logger.Warn("playback start failed", "handle", h, "error", err)
		c.abort(h, Speaking, "Voice output could not start.")
		return false
	}
	return true
}

// StopSpeaking forces Idle immediately and cancels the utterance.
func (c *Coordinator) StopSpeaking() {
	h, ok := c.settle(0, Speaking, true)
	if !ok {
		return
	}
	if c.cfg.Playback != nil {
		c.cfg.Playback.Cancel(h)
	}
}

// PlaybackStarted acknowledges that utterance h is audible.
func (c *Coordinator) PlaybackStarted(h uint64) {
	c.mu.Lock()
	current := c.state == Speaking && c.handle == h
	c.mu.Unlock()
	if current {
		c.logger.Debug("playback started", "handle", h)
	}
}

// PlaybackEnded reports that utterance h finished.
func (c *Coordinator) PlaybackEnded(h uint64) {
	c.settle(h, Speaking, false)
}

// PlaybackFailed reports that utterance h failed.
func (c *Coordinator) PlaybackFailed(h uint64, err error) {
	if _, ok := c.settle(h, Speaking, false); !ok {
		return
	}
	c.logger.Warn("playback error", "handle", h, "error", err)
	c.notice("Voice output stopped: " + errText(err))
}

// Close stops any capture or playback and makes every later request a
// no-op. Safe to call more than once.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	st, h := c.state, c.handle
	c.state = Idle
	c.handle = 0
	c.mu.Unlock()

	switch st {
	case Listening:
		if c.cfg.Capture != nil {
			c.cfg.Capture.Stop(h)
		}
	case Speaking:
		if c.cfg.Playback != nil {
			c.cfg.Playback.Cancel(h)
		}
	}
	if st != Idle {
		c.changed(st, Idle, h)
	}
}

// issue moves to st under a fresh handle. Caller holds c.mu.
func (c *Coordinator) issue(st State) uint64 {
	c.last++
	c.handle = c.last
	c.state = st
	return c.handle
}

// settle returns to Idle if the coordinator is in from and h is the
// current handle, or whatever the handle when force is set. It reports
// the settled handle.
func (c *Coordinator) settle(h uint64, from State, force bool) (uint64, bool) {
	c.mu.Lock()
	if c.state != from || (!force && h != c.handle) {
		c.mu.Unlock()
		return 0, false
	}
	cur := c.handle
	c.state = Idle
	c.handle = 0
	c.mu.Unlock()

	c.changed(from, Idle, cur)
	return cur, true
}

// abort reverts a request whose platform call failed.
func (c *Coordinator) abort(h uint64, from State, msg string) {
	if _, ok := c.settle(h, from, false); ok {
		c.notice(msg)
	}
}

func (c *Coordinator) changed(from, to State, h uint64) {
	c.logger.Debug("speech state changed", "from", from, "to", to, "handle", h)
	c.cfg.Bus.Publish(events.Event{
		Source: events.SourceSpeech,
		Kind:   events.KindStateChanged,
		Data: map[string]any{
			"session_id": c.cfg.SessionID,
			"from":       from.String(),
			"to":         to.String(),
			"handle":     h,
		},
	})
	if c.cfg.OnState != nil {
		c.cfg.OnState(to)
	}
}

func (c *Coordinator) notice(msg string) {
	c.cfg.Bus.Publish(events.Event{
		Source: events.SourceSpeech,
		Kind:   events.KindNotice,
		Data:   map[string]any{"session_id": c.cfg.SessionID, "message": msg},
	})
	if c.cfg.OnNotice != nil {
		c.cfg.OnNotice(msg)
	}
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
