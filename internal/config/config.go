// Package config handles helix configuration loading and the in-memory
// tree store backing the gateway's config.get/config.patch methods.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/helixrun/helix/internal/email"
)

// searchPathsFunc is overridable in tests.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/helix/config.yaml, /config/config.yaml,
// /etc/helix/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "helix", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/helix/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds the gateway's tree-shaped configuration. Each top-level
// field corresponds to a named subtree addressable via config.get/
// config.patch ("gateway", "channels.<name>", "hooks.<name>",
// "voice.*", "auth.profiles.<id>").
type Config struct {
	Gateway  GatewayConfig                  `yaml:"gateway"`
	Channels map[string]ChannelConfig       `yaml:"channels"`
	Email    map[string]email.AccountConfig `yaml:"email"`
	Hooks    map[string]HookConfig          `yaml:"hooks"`
	Voice    VoiceConfig                    `yaml:"voice"`
	Auth     AuthConfig                     `yaml:"auth"`
	Thinker  ThinkerConfig                  `yaml:"thinker"`
	Pricing  map[string]PricingEntry        `yaml:"pricing"`
	DataDir  string                         `yaml:"data_dir"`
	LogLevel string                         `yaml:"log_level"`
}

// GatewayConfig defines the WebSocket control-plane listener.
type GatewayConfig struct {
	Address          string `yaml:"address"` // bind address, "" = all interfaces
	Port             int    `yaml:"port"`
	HandshakeTimeout int    `yaml:"handshake_timeout_sec"`
	MethodTimeout    int    `yaml:"method_timeout_sec"`
	EnqueueTimeout   int    `yaml:"enqueue_timeout_sec"`
}

// ChannelConfig defines one messaging channel's admission policy and
// adapter-specific settings.
type ChannelConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Policy    string            `yaml:"policy"` // "open", "allowlist", "pairing"
	Allowlist []string          `yaml:"allowlist"`
	Settings  map[string]string `yaml:"settings"`
}

// HookConfig defines one named hook's trigger wiring.
type HookConfig struct {
	Enabled    bool              `yaml:"enabled"`
	Trigger    string            `yaml:"trigger"`
	Action     string            `yaml:"action"` // "command" or a built-in name (e.g. "github_issue")
	Command    string            `yaml:"command"`
	Config     map[string]string `yaml:"config"`
	TimeoutSec int               `yaml:"timeout_sec"`
}

// VoiceConfig defines the voice pipeline's mode and provider settings.
type VoiceConfig struct {
	Mode     string         `yaml:"mode"` // "off", "push_to_talk", "wake_word", "always_on"
	VAD      VADConfig      `yaml:"vad"`
	WakeWord WakeWordConfig `yaml:"wakeword"`
	STT      ProviderConfig `yaml:"stt"`
	TTS      ProviderConfig `yaml:"tts"`
}

// VADConfig defines voice-activity-detection hysteresis and threshold.
type VADConfig struct {
	EnergyThreshold   float64 `yaml:"energy_threshold"`
	HangoverMs        int     `yaml:"hangover_ms"`
	MinSpeechMs       int     `yaml:"min_speech_ms"`
	AdaptiveThreshold bool    `yaml:"adaptive_threshold"`
}

// WakeWordConfig defines wake-word gating.
type WakeWordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Word    string `yaml:"word"`
}

// ProviderConfig defines a subprocess-backed STT or TTS provider.
type ProviderConfig struct {
	Binary     string   `yaml:"binary"`
	Args       []string `yaml:"args"`
	TimeoutSec int      `yaml:"timeout_sec"`
}

// ThinkerConfig defines the LLM backend wired into the Thinker Port.
type ThinkerConfig struct {
	Provider   string `yaml:"provider"` // "anthropic", "ollama"
	Model      string `yaml:"model"`
	OllamaURL  string `yaml:"ollama_url"`
	APIKey     string `yaml:"api_key"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// AuthConfig defines client-session auth profiles keyed by profile id.
type AuthConfig struct {
	Profiles map[string]AuthProfile `yaml:"profiles"`
}

// AuthProfile defines a token's allowed scopes and session role.
type AuthProfile struct {
	Token  string   `yaml:"token"`
	Role   string   `yaml:"role"` // "node", "admin", "observer"
	Scopes []string `yaml:"scopes"`
}

// PricingEntry defines per-million-token pricing for Thinker cost
// accounting.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Configured reports whether the Thinker provider has what it needs to
// dispatch (an API key for Anthropic, a reachable URL for Ollama).
func (c ThinkerConfig) Configured() bool {
	switch c.Provider {
	case "anthropic":
		return c.APIKey != ""
	case "ollama":
		return c.OllamaURL != ""
	default:
		return false
	}
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${ANTHROPIC_API_KEY}).
	// Long-lived secrets belong in the sibling secrets store (secrets.go);
	// this is a convenience for container deployments that inject via env.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Gateway.Port == 0 {
		c.Gateway.Port = 7777
	}
	if c.Gateway.HandshakeTimeout == 0 {
		c.Gateway.HandshakeTimeout = 10
	}
	if c.Gateway.MethodTimeout == 0 {
		c.Gateway.MethodTimeout = 30
	}
	if c.Gateway.EnqueueTimeout == 0 {
		c.Gateway.EnqueueTimeout = 2
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Channels == nil {
		c.Channels = map[string]ChannelConfig{}
	}
	if c.Email == nil {
		c.Email = map[string]email.AccountConfig{}
	}
	for name, acct := range c.Email {
		acct.ApplyDefaults()
		c.Email[name] = acct
	}
	if c.Hooks == nil {
		c.Hooks = map[string]HookConfig{}
	}
	for name, h := range c.Hooks {
		if h.TimeoutSec == 0 {
			h.TimeoutSec = 5
			c.Hooks[name] = h
		}
	}
	if c.Voice.Mode == "" {
		c.Voice.Mode = "off"
	}
	if c.Voice.VAD.HangoverMs == 0 {
		c.Voice.VAD.HangoverMs = 300
	}
	if c.Voice.VAD.MinSpeechMs == 0 {
		c.Voice.VAD.MinSpeechMs = 150
	}
	if c.Voice.STT.TimeoutSec == 0 {
		c.Voice.STT.TimeoutSec = 60
	}
	if c.Voice.TTS.TimeoutSec == 0 {
		c.Voice.TTS.TimeoutSec = 60
	}
	if c.Thinker.TimeoutSec == 0 {
		c.Thinker.TimeoutSec = 120
	}
	if c.Thinker.Provider == "ollama" && c.Thinker.OllamaURL == "" {
		c.Thinker.OllamaURL = "http://localhost:11434"
	}
	if c.Auth.Profiles == nil {
		c.Auth.Profiles = map[string]AuthProfile{}
	}
	if c.Pricing == nil {
		c.Pricing = map[string]PricingEntry{}
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port %d out of range (1-65535)", c.Gateway.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	for name, ch := range c.Channels {
		switch ch.Policy {
		case "", "open", "allowlist", "pairing":
		default:
			return fmt.Errorf("channels.%s.policy %q invalid (open, allowlist, pairing)", name, ch.Policy)
		}
	}
	for name, acct := range c.Email {
		if acct.IMAP.Host == "" {
			return fmt.Errorf("email.%s.imap.host is required", name)
		}
		if acct.SMTP.Host == "" {
			return fmt.Errorf("email.%s.smtp.host is required", name)
		}
	}
	switch c.Voice.Mode {
	case "off", "push_to_talk", "wake_word", "always_on":
	default:
		return fmt.Errorf("voice.mode %q invalid (off, push_to_talk, wake_word, always_on)", c.Voice.Mode)
	}
	for id, p := range c.Auth.Profiles {
		switch p.Role {
		case "node", "admin", "observer":
		default:
			return fmt.Errorf("auth.profiles.%s.role %q invalid (node, admin, observer)", id, p.Role)
		}
	}
	return nil
}

// Default returns a default configuration suitable for local development
// against an Ollama Thinker backend. All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		Thinker: ThinkerConfig{
			Provider: "ollama",
			Model:    "qwen3:4b",
		},
	}
	cfg.applyDefaults()
	return cfg
}
