package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nextfaang/mentor/internal/config"
	"github.com/nextfaang/mentor/internal/defaults"
)

// runInit initializes a Mentor working directory: the data directory,
// a config file and a sample rules document. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Mentor workspace in %s\n", dir)

	dbDir := filepath.Join(dir, "db")
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dbDir, err)
	}

	// The config usually holds API keys.
	if err := writeIfMissing(w, filepath.Join(dir, "config.yaml"), defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	if err := writeIfMissing(w, filepath.Join(dir, "rules.txt"), defaults.RulesTXT, 0o644); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit rules.txt with your platform details and set GEMINI_API_KEY")
	fmt.Fprintf(w, "(or %s for a pool of keys), then run: mentor serve\n", config.EnvAPIKeys)
	return nil
}

// writeIfMissing writes content to path with the given mode unless the
// file already exists, reporting either outcome to w.
func writeIfMissing(w io.Writer, path string, content []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
