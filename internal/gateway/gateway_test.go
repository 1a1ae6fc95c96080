package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextfaang/mentor/internal/conversation"
	"github.com/nextfaang/mentor/internal/events"
	"github.com/nextfaang/mentor/internal/llm"
	"github.com/nextfaang/mentor/internal/usage"
)

// result is one scripted backend reply.
type result struct {
	resp *llm.Response
	err  error
}

// fakeBackend replies per credential and records every call.
type fakeBackend struct {
	mu      sync.Mutex
	results map[string]result
	calls   []string
	reqs    []llm.Request
	hook    func(cred string)
}

func (f *fakeBackend) Generate(_ context.Context, cred string, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cred)
	f.reqs = append(f.reqs, req)
	r, ok := f.results[cred]
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(cred)
	}
	if !ok {
		return &llm.Response{Text: "default reply"}, nil
	}
	return r.resp, r.err
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func ok(text string) result {
	return result{resp: &llm.Response{Text: text, InputTokens: 10, OutputTokens: 3}}
}

func fail(status int, msg string) result {
	return result{err: &llm.ProviderError{Status: status, Message: msg}}
}

var (
	rateLimited = fail(429, "quota exceeded")
	overloaded  = fail(503, "overloaded")
	transport   = result{err: errors.New("dial tcp: connection refused")}
	badRequest  = fail(400, "API key not valid")
)

type memLedger struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (m *memLedger) Record(_ context.Context, rec usage.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

func newGateway(b llm.Backend, creds []string, ledger Ledger, bus *events.Bus) *Gateway {
	return New(Config{
		Credentials: creds,
		Model:       "gemini-2.0-flash",
		Backend:     b,
		Ledger:      ledger,
		Bus:         bus,
	})
}

func TestAnswer_FailoverOutcomes(t *testing.T) {
	creds := []string{"key-0001", "key-0002", "key-0003", "key-0004"}

	tests := []struct {
		name         string
		results      map[string]result
		wantKind     Kind
		wantText     string
		wantAttempts int
	}{
		{
			name:         "first succeeds",
			results:      map[string]result{"key-0001": ok("hello")},
			wantKind:     Answered,
			wantText:     "hello",
			wantAttempts: 1,
		},
		{
			name: "k transient then success",
			results: map[string]result{
				"key-0001": rateLimited,
				"key-0002": overloaded,
				"key-0003": ok("third time"),
				"key-0004": ok("never reached"),
			},
			wantKind:     Answered,
			wantText:     "third time",
			wantAttempts: 3,
		},
		{
			name: "transport failure is transient",
			results: map[string]result{
				"key-0001": transport,
				"key-0002": ok("second"),
			},
			wantKind:     Answered,
			wantText:     "second",
			wantAttempts: 2,
		},
		{
			name: "non-transient stops immediately",
			results: map[string]result{
				"key-0001": badRequest,
				"key-0002": ok("would have worked"),
			},
			wantKind:     Fatal,
			wantText:     "API key not valid",
			wantAttempts: 1,
		},
		{
			name: "non-transient after transient",
			results: map[string]result{
				"key-0001": rateLimited,
				"key-0002": fail(500, ""),
				"key-0003": ok("unused"),
			},
			wantKind:     Fatal,
			wantText:     "Internal Server Error",
			wantAttempts: 2,
		},
		{
			name: "all transient exhausts once",
			results: map[string]result{
				"key-0001": rateLimited,
				"key-0002": overloaded,
				"key-0003": transport,
				"key-0004": rateLimited,
			},
			wantKind:     Exhausted,
			wantText:     FallbackText,
			wantAttempts: 4,
		},
		{
			name: "empty candidate",
			results: map[string]result{
				"key-0001": {resp: &llm.Response{}},
			},
			wantKind:     Answered,
			wantText:     NoReplyText,
			wantAttempts: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBackend{results: tt.results}
			g := newGateway(b, creds, nil, nil)

			out := g.Answer(context.Background(), Query{Text: "hi"})

			if out.Kind != tt.wantKind {
				t.Errorf("Kind = %v, want %v", out.Kind, tt.wantKind)
			}
			if out.Text != tt.wantText {
				t.Errorf("Text = %q, want %q", out.Text, tt.wantText)
			}
			if out.Attempts != tt.wantAttempts {
				t.Errorf("Attempts = %d, want %d", out.Attempts, tt.wantAttempts)
			}
			if got := b.callCount(); got != tt.wantAttempts {
				t.Errorf("backend calls = %d, want %d", got, tt.wantAttempts)
			}
			// Credentials are always consulted in pool order.
			for i, c := range b.calls {
				if c != creds[i] {
					t.Errorf("call %d used %q, want %q", i, c, creds[i])
				}
			}
		})
	}
}

func TestAnswer_EmptyPool(t *testing.T) {
	b := &fakeBackend{}
	g := newGateway(b, nil, nil, nil)

	out := g.Answer(context.Background(), Query{Text: "hi"})
	if out.Kind != Fatal || out.Text != NoCredentialsText {
		t.Errorf("Answer() = %+v, want Fatal(%q)", out, NoCredentialsText)
	}
	if out.Attempts != 0 || b.callCount() != 0 {
		t.Errorf("attempts = %d, calls = %d, want 0", out.Attempts, b.callCount())
	}
}

func TestAnswer_EveryCallStartsAtFirstCredential(t *testing.T) {
	b := &fakeBackend{results: map[string]result{
		"key-0001": rateLimited,
		"key-0002": ok("fine"),
	}}
	g := newGateway(b, []string{"key-0001", "key-0002"}, nil, nil)

	for range 3 {
		g.Answer(context.Background(), Query{Text: "hi"})
	}

	want := []string{"key-0001", "key-0002", "key-0001", "key-0002", "key-0001", "key-0002"}
	if len(b.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", b.calls, want)
	}
	for i := range want {
		if b.calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, b.calls[i], want[i])
		}
	}
}

func TestAnswer_Payload(t *testing.T) {
	b := &fakeBackend{}
	g := newGateway(b, []string{"key-0001"}, nil, nil)

	history := []conversation.Turn{
		conversation.NewTurn(conversation.SpeakerAssistant, "**Welcome** to the arena"),
		conversation.NewTurn(conversation.SpeakerUser, "what is a <b>heap</b>?"),
		conversation.NewTurn(conversation.SpeakerAssistant, "A tree."),
	}
	g.Answer(context.Background(), Query{
		PlatformInfo: "contact: help@example.com",
		History:      history,
		Text:         "tell me more",
	})

	if len(b.reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(b.reqs))
	}
	req := b.reqs[0]
	if req.Model != "gemini-2.0-flash" {
		t.Errorf("Model = %q", req.Model)
	}
	if req.Temperature != DefaultTemperature {
		t.Errorf("Temperature = %v, want %v", req.Temperature, DefaultTemperature)
	}

	want := []llm.Message{
		{Role: llm.RoleUser, Text: "Platform Info:\ncontact: help@example.com"},
		{Role: llm.RoleModel, Text: "Welcome to the arena"},
		{Role: llm.RoleUser, Text: "what is a heap?"},
		{Role: llm.RoleModel, Text: "A tree."},
		{Role: llm.RoleUser, Text: "tell me more"},
	}
	if len(req.Messages) != len(want) {
		t.Fatalf("messages = %d, want %d: %+v", len(req.Messages), len(want), req.Messages)
	}
	for i := range want {
		if req.Messages[i] != want[i] {
			t.Errorf("messages[%d] = %+v, want %+v", i, req.Messages[i], want[i])
		}
	}
}

func TestAnswer_PlatformInfoSentVerbatim(t *testing.T) {
	b := &fakeBackend{}
	g := newGateway(b, []string{"key-0001"}, nil, nil)

	raw := "features:  *timers*, _ratings_\n# note\nroadmap: - leagues\n1. first"
	g.Answer(context.Background(), Query{
		PlatformInfo: raw,
		History: []conversation.Turn{
			conversation.NewTurn(conversation.SpeakerAssistant, "# Hello\n\n*welcome*"),
		},
		Text: "what is **new**?",
	})

	if len(b.reqs) != 1 {
		t.Fatalf("requests = %d, want 1", len(b.reqs))
	}
	msgs := b.reqs[0].Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %d, want 3: %+v", len(msgs), msgs)
	}
	if got, want := msgs[0].Text, ContextPrefix+raw; got != want {
		t.Errorf("context turn = %q, want %q", got, want)
	}
	if msgs[1].Text != "Hello\nwelcome" {
		t.Errorf("history turn = %q, want stripped", msgs[1].Text)
	}
	if msgs[2].Text != "what is new?" {
		t.Errorf("user turn = %q, want stripped", msgs[2].Text)
	}
}

func TestAnswer_CanceledContext(t *testing.T) {
	b := &fakeBackend{}
	g := newGateway(b, []string{"key-0001", "key-0002"}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := g.Answer(ctx, Query{Text: "hi"})
	if out.Kind != Fatal || out.Text != CanceledText {
		t.Errorf("Answer() = %+v, want Fatal(%q)", out, CanceledText)
	}
	if b.callCount() != 0 {
		t.Errorf("backend calls = %d, want 0", b.callCount())
	}
}

func TestAnswer_CanceledMidIteration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := &fakeBackend{
		results: map[string]result{"key-0001": rateLimited},
		hook: func(cred string) {
			if cred == "key-0001" {
				cancel()
			}
		},
	}
	g := newGateway(b, []string{"key-0001", "key-0002"}, nil, nil)

	out := g.Answer(ctx, Query{Text: "hi"})
	if out.Kind != Fatal || out.Text != CanceledText {
		t.Errorf("Answer() = %+v, want Fatal(%q)", out, CanceledText)
	}
	if b.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1", b.callCount())
	}
}

func TestAnswer_RecordsLedgerAndEvents(t *testing.T) {
	b := &fakeBackend{results: map[string]result{
		"AIzaSecretAAAA": rateLimited,
		"AIzaSecretBBBB": ok("done"),
	}}
	ledger := &memLedger{}
	bus := events.New()
	ch := bus.Subscribe(16)
	defer bus.Unsubscribe(ch)

	g := newGateway(b, []string{"AIzaSecretAAAA", "AIzaSecretBBBB"}, ledger, bus)
	out := g.Answer(context.Background(), Query{SessionID: "sess-1", Text: "hi"})
	if out.Kind != Answered {
		t.Fatalf("Kind = %v, want Answered", out.Kind)
	}

	if len(ledger.recs) != 2 {
		t.Fatalf("ledger records = %d, want 2", len(ledger.recs))
	}
	first, second := ledger.recs[0], ledger.recs[1]
	if first.CredentialID != "AAAA" || first.Class != usage.ClassTransient || first.Status != 429 {
		t.Errorf("first record = %+v", first)
	}
	if second.CredentialID != "BBBB" || second.Class != usage.ClassSuccess || second.OutputTokens != 3 {
		t.Errorf("second record = %+v", second)
	}
	if second.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", second.SessionID)
	}

	var kinds []string
	timeout := time.After(time.Second)
	for len(kinds) < 3 {
		select {
		case e := <-ch:
			if e.Source != events.SourceGateway {
				t.Errorf("Source = %q", e.Source)
			}
			if cred, ok := e.Data["credential"].(string); ok && len(cred) > 4 {
				t.Errorf("event leaked credential %q", cred)
			}
			kinds = append(kinds, e.Kind)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %v", kinds)
		}
	}
	want := []string{events.KindAttempt, events.KindAttempt, events.KindAnswered}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, kinds[i], want[i])
		}
	}
}

func TestKindString(t *testing.T) {
	for k, want := range map[Kind]string{Answered: "answered", Exhausted: "exhausted", Fatal: "fatal", Kind(9): "unknown"} {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}
