// Package config handles Mentor configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvAPIKeys names the environment variable that, when non-empty,
// replaces the configured credential pool. Keys are comma separated and
// keep their order.
const EnvAPIKeys = "MENTOR_GEMINI_API_KEYS"

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mentor/config.yaml, /etc/mentor/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mentor", "config.yaml"))
	}

	paths = append(paths, "/etc/mentor/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Mentor configuration.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	Gemini    GeminiConfig `yaml:"gemini"`
	Rules     RulesConfig  `yaml:"rules"`
	Speech    SpeechConfig `yaml:"speech"`
	DataDir   string       `yaml:"data_dir"`
	Greeting  string       `yaml:"greeting"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the HTTP/WebSocket server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// GeminiConfig defines the generative backend and its credential pool.
type GeminiConfig struct {
	// APIKeys is the ordered credential pool. Every request starts at
	// the first key.
	APIKeys     []string      `yaml:"api_keys"`
	Model       string        `yaml:"model"`
	Temperature float32       `yaml:"temperature"`
	BaseURL     string        `yaml:"base_url"` // Optional endpoint override (proxies, tests)
	Timeout     time.Duration `yaml:"timeout"`  // Per-attempt timeout
}

// Configured reports whether at least one credential is present.
func (g GeminiConfig) Configured() bool {
	return len(g.APIKeys) > 0
}

// RulesConfig locates the platform rules document.
type RulesConfig struct {
	// Source is an http(s) URL or a local file path.
	Source  string        `yaml:"source"`
	Timeout time.Duration `yaml:"timeout"`
}

// SpeechConfig toggles the voice surface offered to widget clients.
type SpeechConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file, expands ${VAR}
// references, applies defaults and the credential-pool environment
// override.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		Listen: ListenConfig{Port: 8080},
		Speech: SpeechConfig{Enabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	v := os.Getenv(EnvAPIKeys)
	if strings.TrimSpace(v) == "" {
		return
	}
	var keys []string
	for _, k := range strings.Split(v, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	c.Gemini.APIKeys = keys
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-2.0-flash"
	}
	if c.Gemini.Temperature == 0 {
		c.Gemini.Temperature = 0.7
	}
	if c.Gemini.Timeout == 0 {
		c.Gemini.Timeout = 60 * time.Second
	}
	if c.Rules.Source == "" {
		c.Rules.Source = "rules.txt"
	}
	if c.Rules.Timeout == 0 {
		c.Rules.Timeout = 10 * time.Second
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}

	// Blank entries would burn an attempt on a request that cannot
	// authenticate.
	keys := c.Gemini.APIKeys[:0]
	for _, k := range c.Gemini.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	c.Gemini.APIKeys = keys
}

// Validate checks values that would otherwise fail later at runtime.
// An empty credential pool is not an error here: the gateway reports
// it to the user on the first slow-path request.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Gemini.Temperature < 0 || c.Gemini.Temperature > 2 {
		return fmt.Errorf("gemini.temperature %.2f out of range [0, 2]", c.Gemini.Temperature)
	}
	return nil
}
