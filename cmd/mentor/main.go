// Mentor is the backend of the NEXTFAANG AI Mentor chat widget.
//
// It serves one WebSocket session per open widget, answering platform
// questions from a rules document and everything else through Gemini
// with credential failover. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mentor serve              Start the HTTP and WebSocket server
//	mentor init [dir]         Initialize a working directory with defaults
//	mentor ask <question>     Ask a single question (for testing)
//	mentor rules              Print the parsed rules document
//	mentor version            Print version and build information
//	mentor -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/nextfaang/mentor/internal/api"
	"github.com/nextfaang/mentor/internal/buildinfo"
	"github.com/nextfaang/mentor/internal/config"
	"github.com/nextfaang/mentor/internal/events"
	"github.com/nextfaang/mentor/internal/gateway"
	"github.com/nextfaang/mentor/internal/httpkit"
	"github.com/nextfaang/mentor/internal/llm"
	"github.com/nextfaang/mentor/internal/rules"
	"github.com/nextfaang/mentor/internal/session"
	"github.com/nextfaang/mentor/internal/usage"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the mentor command. Structured logs
// go to stdout; the caller prints the returned error to stderr.
//
// Arguments are parsed by hand. The flag package relies on
// package-level globals, which makes it impossible to call run
// concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mentor ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "rules":
		return runRules(ctx, stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Mentor - NEXTFAANG AI Mentor backend")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mentor [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the HTTP and WebSocket server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  rules        Print the parsed rules document")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/mentor/config.yaml, /etc/mentor/config.yaml")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s replaces the configured Gemini credential pool (comma separated).\n", config.EnvAPIKeys)
	return nil
}

// runAsk answers one question through a throwaway session: the rules
// fast path first, then the gateway. No attempts are recorded.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	question := strings.Join(args, " ")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)
	logger.Debug("config loaded", "path", cfgPath)

	doc := newRulesLoader(cfg, logger).Load(ctx)
	gw := newGateway(cfg, nil, nil, logger)

	sess, err := session.New(session.Config{
		ID:      "cli",
		Rules:   doc,
		Gateway: gw,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	reply, _, err := sess.Submit(ctx, question)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		if err := writeJSON(stdout, reply); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(stdout, reply.Text)
	}

	if reply.Kind == session.ReplyFatal {
		return fmt.Errorf("ask: %s", reply.Text)
	}
	return nil
}

// runRules loads the configured rules document and prints its entries
// in key order.
func runRules(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	doc := newRulesLoader(cfg, logger).Load(ctx)

	if outputFmt == "json" {
		entries := doc.Entries
		if entries == nil {
			entries = rules.Map{}
		}
		return writeJSON(stdout, entries)
	}

	keys := make([]string, 0, len(doc.Entries))
	for k := range doc.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(stdout, "%s (%d entries)\n", cfg.Rules.Source, len(keys))
	for _, k := range keys {
		fmt.Fprintf(stdout, "  %-14s %s\n", k+":", doc.Entries[k])
	}
	return nil
}

// runServe starts the API server and blocks until ctx is cancelled or
// SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Mentor", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level and format are known.
	logger = configuredLogger(stdout, cfg)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Gemini.Model,
		"credentials", len(cfg.Gemini.APIKeys),
		"rules", cfg.Rules.Source,
		"voice", cfg.Speech.Enabled,
	)
	if !cfg.Gemini.Configured() {
		logger.Warn("no Gemini credentials configured; only rules answers are available")
	}

	// --- Data directory ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Attempt ledger ---
	ledger, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return fmt.Errorf("open attempt ledger: %w", err)
	}
	defer ledger.Close()

	bus := events.New()

	gw := newGateway(cfg, ledger, bus, logger)
	loader := newRulesLoader(cfg, logger)

	// Probe once at startup so a bad source shows up in the logs early.
	// Sessions reload the document when they open.
	if doc := loader.Load(ctx); doc.Len() == 0 {
		logger.Warn("rules document is empty", "source", loader.Source())
	} else {
		logger.Info("rules document loaded", "source", loader.Source(), "entries", doc.Len())
	}

	server := api.NewServer(api.Config{
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		Gateway:  gw,
		Rules:    loader,
		Ledger:   ledger,
		Greeting: strings.TrimSpace(cfg.Greeting),
		Voice:    cfg.Speech.Enabled,
		Bus:      bus,
		Logger:   logger,
	})

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go logEvents(ctx, bus, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Mentor stopped")
	return nil
}

// logEvents mirrors the event bus into the debug log until ctx ends.
func logEvents(ctx context.Context, bus *events.Bus, logger *slog.Logger) {
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			logger.Debug("event", "source", e.Source, "kind", e.Kind, "data", e.Data)
		}
	}
}

func newGateway(cfg *config.Config, ledger gateway.Ledger, bus *events.Bus, logger *slog.Logger) *gateway.Gateway {
	backend := llm.NewGeminiBackend(llm.GeminiConfig{
		BaseURL: cfg.Gemini.BaseURL,
		Timeout: cfg.Gemini.Timeout,
		Logger:  logger,
	})
	return gateway.New(gateway.Config{
		Credentials: cfg.Gemini.APIKeys,
		Model:       cfg.Gemini.Model,
		Temperature: cfg.Gemini.Temperature,
		Backend:     backend,
		Ledger:      ledger,
		Bus:         bus,
		Logger:      logger,
	})
}

func newRulesLoader(cfg *config.Config, logger *slog.Logger) *rules.Loader {
	client := httpkit.NewClient(
		httpkit.WithTimeout(cfg.Rules.Timeout),
		httpkit.WithRetry(2, 500*time.Millisecond),
		httpkit.WithLogger(logger),
	)
	return rules.NewLoader(cfg.Rules.Source, client, logger)
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Any format other than "json" yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger described by cfg. The level was
// already checked by Validate.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates, parses and validates the YAML configuration. If
// explicit is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
