package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextfaang/mentor/internal/gateway"
	"github.com/nextfaang/mentor/internal/session"
)

const testRules = `platformname: NEXTFAANG Arena
contact: help@example.com
roadmap: Mock interviews
`

// writeWorkspace creates a config and rules file in a temp directory
// and returns the config path. extra is appended to the config.
func writeWorkspace(t *testing.T, extra string) string {
	t.Helper()
	t.Setenv("MENTOR_GEMINI_API_KEYS", "")
	dir := t.TempDir()

	rulesPath := filepath.Join(dir, "rules.txt")
	if err := os.WriteFile(rulesPath, []byte(testRules), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	cfg := fmt.Sprintf("rules:\n  source: %s\ndata_dir: %s\nlog_level: error\n%s",
		rulesPath, filepath.Join(dir, "db"), extra)
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func fakeGemini(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_Version(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"version"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("text output = %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), &out, io.Discard, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("json output: %v", err)
	}
	if info["version"] == "" {
		t.Error("version missing from json output")
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, io.Discard, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "Usage: mentor") {
			t.Errorf("run(%v) output = %q", args, out.String())
		}
	}
}

func TestRun_ArgumentErrors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"-bogus"}, "unknown flag"},
		{[]string{"dance"}, "unknown command"},
		{[]string{"-o", "yaml", "version"}, "unknown output format"},
		{[]string{"ask"}, "usage: mentor ask"},
		{[]string{"-config", "/nonexistent/config.yaml", "rules"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			err := run(context.Background(), io.Discard, io.Discard, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRun_Rules(t *testing.T) {
	cfgPath := writeWorkspace(t, "")

	var out bytes.Buffer
	if err := run(context.Background(), &out, io.Discard, []string{"-config", cfgPath, "rules"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	text := out.String()
	if !strings.Contains(text, "(3 entries)") || !strings.Contains(text, "help@example.com") {
		t.Errorf("output = %q", text)
	}

	out.Reset()
	if err := run(context.Background(), &out, io.Discard, []string{"-config=" + cfgPath, "-o=json", "rules"}); err != nil {
		t.Fatalf("run json: %v", err)
	}
	var entries map[string]string
	if err := json.Unmarshal(out.Bytes(), &entries); err != nil {
		t.Fatalf("json output: %v", err)
	}
	if entries["roadmap"] != "Mock interviews" {
		t.Errorf("entries = %v", entries)
	}
}

func TestRun_AskIntent(t *testing.T) {
	cfgPath := writeWorkspace(t, "")

	var out bytes.Buffer
	err := run(context.Background(), &out, io.Discard, []string{"-config", cfgPath, "ask", "how", "do", "I", "contact", "you?"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "**contact**: help@example.com" {
		t.Errorf("output = %q", got)
	}
}

func TestRun_AskGemini(t *testing.T) {
	srv := fakeGemini(t, http.StatusOK,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Use memoization."}]}}]}`)
	cfgPath := writeWorkspace(t, fmt.Sprintf("gemini:\n  api_keys: [key-1111]\n  base_url: %s\n  timeout: 5s\n", srv.URL))

	var out bytes.Buffer
	err := run(context.Background(), &out, io.Discard, []string{"-config", cfgPath, "-o", "json", "ask", "explain dynamic programming"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var reply session.Reply
	if err := json.Unmarshal(out.Bytes(), &reply); err != nil {
		t.Fatalf("json output %q: %v", out.String(), err)
	}
	if reply.Kind != session.ReplyAnswered || reply.Text != "Use memoization." {
		t.Errorf("reply = %+v", reply)
	}
}

func TestRun_AskExhausted(t *testing.T) {
	srv := fakeGemini(t, http.StatusTooManyRequests,
		`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`)
	cfgPath := writeWorkspace(t, fmt.Sprintf("gemini:\n  api_keys: [key-1111, key-2222]\n  base_url: %s\n  timeout: 5s\n", srv.URL))

	var out bytes.Buffer
	err := run(context.Background(), &out, io.Discard, []string{"-config", cfgPath, "ask", "explain recursion"})
	if err != nil {
		t.Fatalf("exhausted pool should not fail the command: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != gateway.FallbackText {
		t.Errorf("output = %q", got)
	}
}

func TestRun_AskWithoutCredentials(t *testing.T) {
	cfgPath := writeWorkspace(t, "")

	err := run(context.Background(), io.Discard, io.Discard, []string{"-config", cfgPath, "ask", "explain recursion"})
	if err == nil || !strings.Contains(err.Error(), gateway.NoCredentialsText) {
		t.Errorf("err = %v, want %q", err, gateway.NoCredentialsText)
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestRun_ServeUntilCancelled(t *testing.T) {
	port := freePort(t)
	cfgPath := writeWorkspace(t, fmt.Sprintf("listen:\n  address: 127.0.0.1\n  port: %d\n", port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, io.Discard, io.Discard, []string{"-config", cfgPath, "serve"}) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never became healthy: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := os.Stat(filepath.Join(filepath.Dir(cfgPath), "db", "usage.db")); err != nil {
		t.Errorf("attempt ledger not created: %v", err)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}
