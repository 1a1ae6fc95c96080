// Package rules loads the platform rules document: a line-oriented
// "key: value" text that feeds both the intent fast path and the
// context turn sent to the generative backend.
package rules

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nextfaang/mentor/internal/httpkit"
)

// maxDocumentBytes caps how much of the document is read.
const maxDocumentBytes = 1 << 20

// Map maps a lower-cased intent key to its answer.
type Map map[string]string

// Lookup returns the entry for key, matched case-insensitively.
func (m Map) Lookup(key string) string {
	return m[strings.ToLower(key)]
}

// Document is a loaded rules document. Raw is the text exactly as
// fetched; Entries is its parsed form. The zero value is the empty
// document returned whenever loading fails.
type Document struct {
	Raw      string
	Entries  Map
	LoadedAt time.Time
}

// Len returns the number of parsed entries.
func (d Document) Len() int {
	return len(d.Entries)
}

// Parse splits text into lines and collects every "key:value" line.
// The first colon separates key from value and both sides are trimmed.
// Lines without a colon or with an empty key are skipped. Keys are
// lower-cased; a later duplicate replaces an earlier one.
func Parse(text string) Map {
	m := make(Map)
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			continue
		}
		m[key] = strings.TrimSpace(value)
	}
	return m
}

// Loader fetches the rules document from a URL or a local file.
type Loader struct {
	source string
	client *http.Client
	logger *slog.Logger
}

// NewLoader creates a loader for source, which is either an http(s)
// URL or a file path. A nil client gets an httpkit client with
// connect-level retry.
func NewLoader(source string, client *http.Client, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rules")
	if client == nil {
		client = httpkit.NewClient(
			httpkit.WithTimeout(10*time.Second),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		)
	}
	return &Loader{source: source, client: client, logger: logger}
}

// Source returns the configured document location.
func (l *Loader) Source() string {
	return l.source
}

// Load fetches and parses the document. It never fails: any error is
// logged and an empty Document is returned, so the fast path degrades
// to "no match".
func (l *Loader) Load(ctx context.Context) Document {
	raw, err := l.fetch(ctx)
	if err != nil {
		l.logger.Warn("rules document unavailable", "source", l.source, "error", err)
		return Document{Entries: Map{}}
	}

	doc := Document{
		Raw:      raw,
		Entries:  Parse(raw),
		LoadedAt: time.Now(),
	}
	l.logger.Debug("rules document loaded", "source", l.source, "entries", doc.Len(), "bytes", len(raw))
	return doc
}

func (l *Loader) fetch(ctx context.Context) (string, error) {
	if l.source == "" {
		return "", fmt.Errorf("no rules source configured")
	}
	if strings.HasPrefix(l.source, "http://") || strings.HasPrefix(l.source, "https://") {
		return l.fetchURL(ctx)
	}

	f, err := os.Open(l.source)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return readCapped(f)
}

func (l *Loader) fetchURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.source, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 256)
		return "", fmt.Errorf("fetch: status %d: %s", resp.StatusCode, body)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)
	return readCapped(resp.Body)
}

func readCapped(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes))
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return string(data), nil
}
