// Package api implements the HTTP surface: health and version probes,
// rules and ledger introspection, and the WebSocket endpoint that backs
// one chat widget per connection.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextfaang/mentor/internal/buildinfo"
	"github.com/nextfaang/mentor/internal/events"
	"github.com/nextfaang/mentor/internal/rules"
	"github.com/nextfaang/mentor/internal/session"
	"github.com/nextfaang/mentor/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// RulesSource loads the rules document. *rules.Loader satisfies it.
type RulesSource interface {
	Load(ctx context.Context) rules.Document
}

// Config holds the server's collaborators.
type Config struct {
	Address  string
	Port     int
	Gateway  session.Answerer
	Rules    RulesSource
	Ledger   *usage.Store // optional; enables /v1/usage
	Greeting string
	Voice    bool
	Bus      *events.Bus
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The widget is embedded in pages served from other origins.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/rules", s.handleRules)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/ws", s.handleWS)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns when the server stops;
// http.ErrServerClosed signals a clean Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and closes open widget sockets,
// which http.Server does not track once hijacked.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.Close()
	}
	s.mu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) track(c *websocket.Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, buildinfo.BuildInfo(), s.logger)
}

// rulesResponse is the body of GET /v1/rules.
type rulesResponse struct {
	Entries  rules.Map `json:"entries"`
	Count    int       `json:"count"`
	LoadedAt string    `json:"loaded_at,omitempty"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	resp := rulesResponse{Entries: rules.Map{}}
	if s.cfg.Rules != nil {
		doc := s.cfg.Rules.Load(r.Context())
		if doc.Entries != nil {
			resp.Entries = doc.Entries
		}
		resp.Count = doc.Len()
		if !doc.LoadedAt.IsZero() {
			resp.LoadedAt = doc.LoadedAt.UTC().Format(time.RFC3339)
		}
	}
	writeJSON(w, resp, s.logger)
}

// usageResponse is the body of GET /v1/usage.
type usageResponse struct {
	Hours   int                       `json:"hours"`
	Total   *usage.Summary            `json:"total"`
	ByClass map[string]*usage.Summary `json:"by_class"`
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Ledger == nil {
		http.Error(w, "attempt ledger not configured", http.StatusNotFound)
		return
	}

	const hours = 24
	end := time.Now().Add(time.Minute)
	start := end.Add(-hours * time.Hour)

	total, err := s.cfg.Ledger.Summary(start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		http.Error(w, "usage summary failed", http.StatusInternalServerError)
		return
	}
	byClass, err := s.cfg.Ledger.SummaryByClass(start, end)
	if err != nil {
		s.logger.Error("usage summary by class failed", "error", err)
		http.Error(w, "usage summary failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, usageResponse{Hours: hours, Total: total, ByClass: byClass}, s.logger)
}
