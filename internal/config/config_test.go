package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/helixrun/helix/internal/email"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("gateway:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error. Override
	// searchPathsFunc to avoid finding real config files on
	// developer/deploy machines (~/.config/helix/config.yaml, etc).
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("gateway:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("thinker:\n  provider: anthropic\n  api_key: ${HELIX_TEST_TOKEN}\n"), 0600)
	os.Setenv("HELIX_TEST_TOKEN", "secret123")
	defer os.Unsetenv("HELIX_TEST_TOKEN")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Thinker.APIKey != "secret123" {
		t.Errorf("api_key = %q, want %q", cfg.Thinker.APIKey, "secret123")
	}
}

func TestLoad_ChannelsAndHooks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
channels:
  telegram:
    enabled: true
    policy: pairing
hooks:
  notify:
    enabled: true
    trigger: device:approved
    action: command
    command: /usr/bin/notify
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	ch, ok := cfg.Channels["telegram"]
	if !ok {
		t.Fatal("expected channels.telegram to be present")
	}
	if ch.Policy != "pairing" {
		t.Errorf("channels.telegram.policy = %q, want pairing", ch.Policy)
	}

	h, ok := cfg.Hooks["notify"]
	if !ok {
		t.Fatal("expected hooks.notify to be present")
	}
	if h.TimeoutSec != 5 {
		t.Errorf("hooks.notify.timeout_sec default = %d, want 5", h.TimeoutSec)
	}
}

func TestLoad_EmailAccountDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(`
email:
  home:
    imap:
      host: imap.example.com
      username: me@example.com
      password: hunter2
    smtp:
      host: smtp.example.com
      username: me@example.com
      password: hunter2
    default_from: me@example.com
`), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	acct, ok := cfg.Email["home"]
	if !ok {
		t.Fatal("expected email.home to be present")
	}
	if acct.IMAP.Port != 993 || !acct.IMAP.TLS {
		t.Errorf("email.home.imap defaults = %+v, want port 993, tls true", acct.IMAP)
	}
	if acct.SMTP.Port != 587 || !acct.SMTP.StartTLS {
		t.Errorf("email.home.smtp defaults = %+v, want port 587, starttls true", acct.SMTP)
	}
}

func TestValidate_EmailMissingHost(t *testing.T) {
	cfg := Default()
	cfg.Email = map[string]email.AccountConfig{"home": {}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for email account missing imap.host")
	}
}

func TestApplyDefaults_Gateway(t *testing.T) {
	cfg := Default()
	if cfg.Gateway.Port != 7777 {
		t.Errorf("gateway.port = %d, want 7777", cfg.Gateway.Port)
	}
	if cfg.Gateway.HandshakeTimeout != 10 {
		t.Errorf("gateway.handshake_timeout_sec = %d, want 10", cfg.Gateway.HandshakeTimeout)
	}
	if cfg.Gateway.EnqueueTimeout != 2 {
		t.Errorf("gateway.enqueue_timeout_sec = %d, want 2", cfg.Gateway.EnqueueTimeout)
	}
}

func TestApplyDefaults_Voice(t *testing.T) {
	cfg := Default()
	if cfg.Voice.Mode != "off" {
		t.Errorf("voice.mode = %q, want off", cfg.Voice.Mode)
	}
	if cfg.Voice.VAD.HangoverMs != 300 {
		t.Errorf("voice.vad.hangover_ms = %d, want 300", cfg.Voice.VAD.HangoverMs)
	}
}

func TestValidate_BadGatewayPort(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for gateway.port out of range")
	}
}

func TestValidate_BadChannelPolicy(t *testing.T) {
	cfg := Default()
	cfg.Channels = map[string]ChannelConfig{"slack": {Policy: "bogus"}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for invalid channel policy")
	}
	if !strings.Contains(err.Error(), "channels.slack.policy") {
		t.Errorf("error should mention channels.slack.policy, got: %v", err)
	}
}

func TestValidate_BadVoiceMode(t *testing.T) {
	cfg := Default()
	cfg.Voice.Mode = "bogus"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for invalid voice.mode")
	}
	if !strings.Contains(err.Error(), "voice.mode") {
		t.Errorf("error should mention voice.mode, got: %v", err)
	}
}

func TestValidate_BadAuthProfileRole(t *testing.T) {
	cfg := Default()
	cfg.Auth.Profiles = map[string]AuthProfile{"dev1": {Role: "superuser"}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for invalid auth profile role")
	}
	if !strings.Contains(err.Error(), "auth.profiles.dev1.role") {
		t.Errorf("error should mention auth.profiles.dev1.role, got: %v", err)
	}
}

func TestThinkerConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  ThinkerConfig
		want bool
	}{
		{"anthropic with key", ThinkerConfig{Provider: "anthropic", APIKey: "sk-ant-x"}, true},
		{"anthropic without key", ThinkerConfig{Provider: "anthropic"}, false},
		{"ollama with url", ThinkerConfig{Provider: "ollama", OllamaURL: "http://localhost:11434"}, true},
		{"unknown provider", ThinkerConfig{Provider: "bogus"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}
