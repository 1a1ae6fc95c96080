package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/nextfaang/mentor/internal/config"
	"github.com/nextfaang/mentor/internal/httpkit"
)

// GeminiConfig configures a GeminiBackend.
type GeminiConfig struct {
	// BaseURL overrides the API endpoint (proxies, tests). Empty uses
	// the library default.
	BaseURL string
	// Timeout bounds a single request. Zero means 60 seconds.
	Timeout time.Duration
	// HTTPClient overrides the client built from Timeout.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// GeminiBackend talks to the Gemini generateContent API. One genai
// client is created lazily per credential and reused.
type GeminiBackend struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	clients map[string]*genai.Client
}

// NewGeminiBackend creates a backend from cfg.
func NewGeminiBackend(cfg GeminiConfig) *GeminiBackend {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		// Generation can take a while before the first header byte.
		t := httpkit.NewTransport()
		t.ResponseHeaderTimeout = timeout
		hc = httpkit.NewClient(
			httpkit.WithTimeout(timeout),
			httpkit.WithTransport(t),
		)
	}

	return &GeminiBackend{
		baseURL:    cfg.BaseURL,
		httpClient: hc,
		logger:     logger.With("provider", "gemini"),
		clients:    make(map[string]*genai.Client),
	}
}

func (b *GeminiBackend) client(ctx context.Context, credential string) (*genai.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.clients[credential]; ok {
		return c, nil
	}

	cc := &genai.ClientConfig{
		APIKey:     credential,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: b.httpClient,
	}
	if b.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: b.baseURL}
	}

	c, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	b.clients[credential] = c
	return c, nil
}

// Generate sends req using credential. Non-success responses come back
// as errors that Classify understands.
func (b *GeminiBackend) Generate(ctx context.Context, credential string, req Request) (*Response, error) {
	if credential == "" {
		return nil, &ProviderError{Status: http.StatusUnauthorized, Message: "empty credential"}
	}

	c, err := b.client(ctx, credential)
	if err != nil {
		return nil, &ProviderError{Status: http.StatusBadRequest, Message: err.Error(), Err: err}
	}

	contents := toContents(req.Messages)
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}

	b.logger.Debug("sending request",
		"model", req.Model,
		"messages", len(contents),
		"temperature", req.Temperature,
	)
	if b.logger.Enabled(ctx, config.LevelTrace) {
		b.logger.Log(ctx, config.LevelTrace, "request payload", "messages", req.Messages)
	}

	start := time.Now()
	resp, err := c.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}

	out := &Response{
		Model: req.Model,
		Text:  resp.Text(),
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if u := resp.UsageMetadata; u != nil {
		out.InputTokens = int(u.PromptTokenCount)
		out.OutputTokens = int(u.CandidatesTokenCount)
	}

	b.logger.Debug("response received",
		"model", out.Model,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	b.logger.Log(ctx, config.LevelTrace, "response text", "text", out.Text)

	return out, nil
}

func toContents(msgs []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := genai.RoleUser
		if m.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, genai.Role(role)))
	}
	return contents
}
