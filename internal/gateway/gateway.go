// Package gateway answers free-text queries through the generative
// backend, failing over across an ordered pool of credentials.
//
// Each call walks the pool from the first credential, one attempt per
// credential. Transient failures (transport errors, rate limiting,
// overload) advance to the next credential; any other failure ends the
// call immediately. The pool is walked at most once per call.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextfaang/mentor/internal/conversation"
	"github.com/nextfaang/mentor/internal/events"
	"github.com/nextfaang/mentor/internal/llm"
	"github.com/nextfaang/mentor/internal/markup"
	"github.com/nextfaang/mentor/internal/usage"
)

// User-visible texts for degraded outcomes.
const (
	FallbackText      = "All AI connections are currently busy. Please try again in a moment."
	NoReplyText       = "no reply produced"
	NoCredentialsText = "no credentials configured"
	CanceledText      = "request canceled"

	// ContextPrefix introduces the platform document as the leading turn.
	ContextPrefix = "Platform Info:\n"

	// DefaultTemperature is used when none is configured.
	DefaultTemperature float32 = 0.7
)

// Kind discriminates an Outcome.
type Kind int

const (
	// Answered carries model text (or NoReplyText).
	Answered Kind = iota
	// Exhausted means every credential failed transiently.
	Exhausted
	// Fatal means a non-transient failure or a configuration error.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Answered:
		return "answered"
	case Exhausted:
		return "exhausted"
	case Fatal:
		return "fatal"
	}
	return "unknown"
}

// Outcome is the single result of one Answer call.
type Outcome struct {
	Kind     Kind
	Text     string
	Attempts int
}

// Query is one slow-path request.
type Query struct {
	// SessionID tags ledger records and events. Optional.
	SessionID string
	// PlatformInfo is the raw rules document sent as leading context.
	PlatformInfo string
	// History is the conversation so far, oldest first, not including
	// the new user turn.
	History []conversation.Turn
	// Text is the new user turn.
	Text string
}

// Ledger records attempts. *usage.Store satisfies it.
type Ledger interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config holds Gateway dependencies.
type Config struct {
	Credentials []string
	Model       string
	Temperature float32
	Backend     llm.Backend
	Ledger      Ledger      // optional
	Bus         *events.Bus // optional
	Logger      *slog.Logger
}

// Gateway is safe for concurrent use; it holds no per-call state.
type Gateway struct {
	credentials []string
	model       string
	temperature float32
	backend     llm.Backend
	ledger      Ledger
	bus         *events.Bus
	logger      *slog.Logger
}

// New creates a Gateway. The credential slice is copied; its order is
// the failover order for every call.
func New(cfg Config) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	temp := cfg.Temperature
	if temp == 0 {
		temp = DefaultTemperature
	}
	return &Gateway{
		credentials: append([]string(nil), cfg.Credentials...),
		model:       cfg.Model,
		temperature: temp,
		backend:     cfg.Backend,
		ledger:      cfg.Ledger,
		bus:         cfg.Bus,
		logger:      logger.With("component", "gateway"),
	}
}

// PoolSize returns the number of configured credentials.
func (g *Gateway) PoolSize() int { return len(g.credentials) }

// Answer runs one query through the credential pool and returns exactly
// one Outcome. It never returns an error; failures are outcomes.
func (g *Gateway) Answer(ctx context.Context, q Query) Outcome {
	log := g.logger
	if q.SessionID != "" {
		log = log.With("session_id", q.SessionID)
	}

	if len(g.credentials) == 0 || g.backend == nil {
		log.Error("cannot answer: no credentials configured")
		return g.finish(q, Outcome{Kind: Fatal, Text: NoCredentialsText})
	}

	req := g.buildRequest(q)
	attempts := 0

	for i, cred := range g.credentials {
		if ctx.Err() != nil {
			log.Info("request canceled before attempt", "attempt", i+1)
			return g.finish(q, Outcome{Kind: Fatal, Text: CanceledText, Attempts: attempts})
		}

		credID := usage.CredentialID(cred)
		attempts++
		start := time.Now()
		resp, err := g.backend.Generate(ctx, cred, req)
		latency := time.Since(start)

		if err == nil {
			g.record(ctx, q, credID, usage.ClassSuccess, http.StatusOK, latency, resp)
			text := resp.Text
			if strings.TrimSpace(text) == "" {
				text = NoReplyText
			}
			log.Info("query answered",
				"credential", credID,
				"attempts", attempts,
				"output_tokens", resp.OutputTokens,
				"elapsed", latency.Round(time.Millisecond),
			)
			return g.finish(q, Outcome{Kind: Answered, Text: text, Attempts: attempts})
		}

		if ctx.Err() != nil {
			log.Info("request canceled during attempt", "credential", credID, "attempt", attempts)
			return g.finish(q, Outcome{Kind: Fatal, Text: CanceledText, Attempts: attempts})
		}

		pe := llm.Classify(err)
		if pe.Transient() {
			log.Warn("transient backend failure, trying next credential",
				"credential", credID,
				"attempt", attempts,
				"status", pe.Status,
				"error", pe.Message,
			)
			g.record(ctx, q, credID, usage.ClassTransient, pe.Status, latency, nil)
			continue
		}

		log.Error("backend rejected request",
			"credential", credID,
			"attempt", attempts,
			"status", pe.Status,
			"error", pe.Message,
		)
		g.record(ctx, q, credID, usage.ClassNonTransient, pe.Status, latency, nil)
		return g.finish(q, Outcome{Kind: Fatal, Text: detail(pe), Attempts: attempts})
	}

	log.Warn("all credentials failed transiently", "attempts", attempts)
	return g.finish(q, Outcome{Kind: Exhausted, Text: FallbackText, Attempts: attempts})
}

// buildRequest assembles the payload: the platform context turn, the
// history in order, then the new user turn. The rules document is sent
// verbatim; conversation texts are stripped of markup.
func (g *Gateway) buildRequest(q Query) llm.Request {
	msgs := make([]llm.Message, 0, len(q.History)+2)
	msgs = append(msgs, llm.Message{
		Role: llm.RoleUser,
		Text: ContextPrefix + q.PlatformInfo,
	})
	for _, t := range q.History {
		role := llm.RoleUser
		if t.Speaker == conversation.SpeakerAssistant {
			role = llm.RoleModel
		}
		msgs = append(msgs, llm.Message{Role: role, Text: markup.Strip(t.Text)})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Text: markup.Strip(q.Text)})

	return llm.Request{
		Model:       g.model,
		Temperature: g.temperature,
		Messages:    msgs,
	}
}

func (g *Gateway) record(ctx context.Context, q Query, credID, class string, status int, latency time.Duration, resp *llm.Response) {
	data := map[string]any{
		"credential": credID,
		"class":      class,
		"status":     status,
		"latency_ms": latency.Milliseconds(),
	}
	if q.SessionID != "" {
		data["session_id"] = q.SessionID
	}
	g.bus.Publish(events.Event{
		Source: events.SourceGateway,
		Kind:   events.KindAttempt,
		Data:   data,
	})

	if g.ledger == nil {
		return
	}
	rec := usage.Record{
		SessionID:    q.SessionID,
		Model:        g.model,
		CredentialID: credID,
		Class:        class,
		Status:       status,
		Latency:      latency,
	}
	if resp != nil {
		rec.InputTokens = resp.InputTokens
		rec.OutputTokens = resp.OutputTokens
	}
	// The ledger must not depend on the caller's cancellation.
	if err := g.ledger.Record(context.WithoutCancel(ctx), rec); err != nil {
		g.logger.Warn("failed to record attempt", "error", err)
	}
}

func (g *Gateway) finish(q Query, out Outcome) Outcome {
	kind := events.KindAnswered
	switch out.Kind {
	case Exhausted:
		kind = events.KindExhausted
	case Fatal:
		kind = events.KindFatal
	}
	data := map[string]any{"attempts": out.Attempts}
	if q.SessionID != "" {
		data["session_id"] = q.SessionID
	}
	if out.Kind == Fatal {
		data["error"] = out.Text
	}
	g.bus.Publish(events.Event{Source: events.SourceGateway, Kind: kind, Data: data})
	return out
}

func detail(pe *llm.ProviderError) string {
	if pe.Message != "" {
		return pe.Message
	}
	if s := http.StatusText(pe.Status); s != "" {
		return s
	}
	return "backend request failed"
}
