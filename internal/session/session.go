// Package session owns the state of one open chat widget: its
// conversation history, the rules document it was opened with, the
// fast-path router, the failover gateway and the speech coordinator.
// A Session is created when the widget opens and torn down by Close.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nextfaang/mentor/internal/conversation"
	"github.com/nextfaang/mentor/internal/events"
	"github.com/nextfaang/mentor/internal/gateway"
	"github.com/nextfaang/mentor/internal/intent"
	"github.com/nextfaang/mentor/internal/rules"
	"github.com/nextfaang/mentor/internal/speech"
)

var (
	// ErrEmpty is returned for blank submissions.
	ErrEmpty = errors.New("empty message")
	// ErrBusy is returned while another submission is in flight.
	ErrBusy = errors.New("a reply is already in progress")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// BusyNoticeText tells the user a voice message was not taken because
// a reply is still being produced.
const BusyNoticeText = "Still working on the last reply. Please repeat that in a moment."

// Reply kinds.
const (
	ReplyIntent    = "intent"
	ReplyAnswered  = "answered"
	ReplyExhausted = "exhausted"
	ReplyFatal     = "fatal"
)

// Reply is the assistant's answer to one submission.
type Reply struct {
	Kind     string `json:"kind"`
	Text     string `json:"text"`
	Intent   string `json:"intent,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// Answerer is the slow path. *gateway.Gateway satisfies it.
type Answerer interface {
	Answer(ctx context.Context, q gateway.Query) gateway.Outcome
}

// Config holds the collaborators of a Session.
type Config struct {
	// ID identifies the session in logs, events and the attempt
	// ledger. Empty generates a UUIDv7.
	ID       string
	Rules    rules.Document
	Router   *intent.Router // nil uses the default intents
	Gateway  Answerer
	Greeting string

	// Voice enables spoken replies and voice input through Capture
	// and Playback.
	Voice    bool
	Capture  speech.Capture
	Playback speech.Playback

	// OnReply receives replies to voice transcripts, which are
	// submitted in the background.
	OnReply func(Reply, []conversation.Turn, error)
	// OnState and OnNotice are forwarded to the speech coordinator.
	// OnNotice also hears about voice messages dropped while busy.
	OnState  func(speech.State)
	OnNotice func(string)

	Bus    *events.Bus
	Logger *slog.Logger
}

// Session is safe for concurrent use. At most one submission is in
// flight at a time.
type Session struct {
	id       string
	doc      rules.Document
	router   *intent.Router
	gw       Answerer
	history  *conversation.History
	speech   *speech.Coordinator
	voice    bool
	onReply  func(Reply, []conversation.Turn, error)
	onNotice func(string)
	bus      *events.Bus
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	busy   bool
	closed bool
}

// New opens a session. The greeting, when set, is seeded as the first
// assistant turn.
func New(cfg Config) (*Session, error) {
	id := cfg.ID
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate session ID: %w", err)
		}
		id = u.String()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("session_id", id)

	router := cfg.Router
	if router == nil {
		router = intent.NewRouter(nil)
	}
	doc := cfg.Rules
	if doc.Entries == nil {
		doc.Entries = rules.Map{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:       id,
		doc:      doc,
		router:   router,
		gw:       cfg.Gateway,
		history:  conversation.NewHistory(),
		voice:    cfg.Voice,
		onReply:  cfg.OnReply,
		onNotice: cfg.OnNotice,
		bus:      cfg.Bus,
		logger:   logger.With("component", "session"),
		ctx:      ctx,
		cancel:   cancel,
	}

	sc := speech.Config{
		OnTranscript: s.submitTranscript,
		OnState:      cfg.OnState,
		OnNotice:     cfg.OnNotice,
		Bus:          cfg.Bus,
		SessionID:    id,
		Logger:       logger,
	}
	if cfg.Voice {
		sc.Capture = cfg.Capture
		sc.Playback = cfg.Playback
	}
	s.speech = speech.New(sc)

	if g := strings.TrimSpace(cfg.Greeting); g != "" {
		s.history.Append(conversation.NewTurn(conversation.SpeakerAssistant, g))
	}

	s.bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   events.KindSessionOpen,
		Data:   map[string]any{"session_id": id, "rules": doc.Len()},
	})
	s.logger.Info("session opened", "rules", doc.Len(), "voice", cfg.Voice)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Rules returns the rules document the session was opened with.
func (s *Session) Rules() rules.Document { return s.doc }

// History returns a snapshot of the conversation.
func (s *Session) History() []conversation.Turn { return s.history.Snapshot() }

// Submit answers text: the fast path first, then the gateway. Both the
// user turn and the assistant turn are appended to the history, and the
// reply is offered to the speech coordinator. Returns the reply and the
// history snapshot after the assistant turn.
func (s *Session) Submit(ctx context.Context, text string) (Reply, []conversation.Turn, error) {
	if strings.TrimSpace(text) == "" {
		return Reply{}, nil, ErrEmpty
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return Reply{}, nil, ErrClosed
	case s.busy:
		s.mu.Unlock()
		return Reply{}, nil, ErrBusy
	}
	s.busy = true
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
		s.wg.Done()
	}()

	// Close cancels whatever is in flight.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	prior := s.history.Snapshot()
	s.history.Append(conversation.NewTurn(conversation.SpeakerUser, text))

	reply := s.answer(ctx, text, prior)

	s.history.Append(conversation.NewTurn(conversation.SpeakerAssistant, reply.Text))
	// Error messages are shown, not read aloud.
	if s.voice && reply.Kind != ReplyFatal {
		s.speech.Speak(reply.Text)
	}

	return reply, s.history.Snapshot(), nil
}

func (s *Session) answer(ctx context.Context, text string, prior []conversation.Turn) Reply {
	if m, ok := s.router.Route(text, s.doc.Entries); ok {
		s.logger.Debug("intent matched", "intent", m.Intent)
		s.bus.Publish(events.Event{
			Source: events.SourceSession,
			Kind:   events.KindIntentMatched,
			Data:   map[string]any{"session_id": s.id, "intent": m.Intent},
		})
		return Reply{Kind: ReplyIntent, Text: m.Answer, Intent: m.Intent}
	}

	if s.gw == nil {
		return Reply{Kind: ReplyFatal, Text: gateway.NoCredentialsText}
	}

	out := s.gw.Answer(ctx, gateway.Query{
		SessionID:    s.id,
		PlatformInfo: s.doc.Raw,
		History:      prior,
		Text:         text,
	})

	r := Reply{Text: out.Text, Attempts: out.Attempts}
	switch out.Kind {
	case gateway.Answered:
		r.Kind = ReplyAnswered
	case gateway.Exhausted:
		r.Kind = ReplyExhausted
	default:
		r.Kind = ReplyFatal
	}
	return r
}

// submitTranscript forwards a voice transcript on a goroutine tracked by
// the session, so the coordinator's event path never blocks on the
// backend.
func (s *Session) submitTranscript(text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		reply, hist, err := s.Submit(s.ctx, text)
		if errors.Is(err, ErrBusy) {
			s.logger.Warn("transcript dropped while a reply is in progress")
			s.notice(BusyNoticeText)
			return
		}
		if err != nil {
			s.logger.Warn("transcript not submitted", "error", err)
		}
		if s.onReply != nil {
			s.onReply(reply, hist, err)
		}
	}()
}

func (s *Session) notice(msg string) {
	s.bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   events.KindNotice,
		Data:   map[string]any{"session_id": s.id, "message": msg},
	})
	if s.onNotice != nil {
		s.onNotice(msg)
	}
}

// StartListening asks the coordinator to begin voice capture.
func (s *Session) StartListening() bool { return s.speech.StartListening() }

// StopListening ends voice capture.
func (s *Session) StopListening() { s.speech.StopListening() }

// StopSpeaking interrupts playback.
func (s *Session) StopSpeaking() { s.speech.StopSpeaking() }

// SpeechState reports the coordinator state.
func (s *Session) SpeechState() speech.State { return s.speech.State() }

// Speech exposes the coordinator so platform adapters can deliver
// capture and playback events.
func (s *Session) Speech() *speech.Coordinator { return s.speech }

// Close stops capture and playback, cancels in-flight submissions and
// waits for them to finish. Safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.speech.Close()
	s.cancel()
	s.wg.Wait()

	turns := s.history.Len()
	s.bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   events.KindSessionClose,
		Data:   map[string]any{"session_id": s.id, "turns": turns},
	})
	s.logger.Info("session closed", "turns", turns)
}
