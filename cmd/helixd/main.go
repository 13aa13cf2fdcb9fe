// Package main is the entry point for the helix gateway daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/helixrun/helix/internal/buildinfo"
	"github.com/helixrun/helix/internal/channels"
	"github.com/helixrun/helix/internal/config"
	"github.com/helixrun/helix/internal/dispatch"
	"github.com/helixrun/helix/internal/events"
	"github.com/helixrun/helix/internal/gateway"
	"github.com/helixrun/helix/internal/hooks"
	"github.com/helixrun/helix/internal/pairing"
	"github.com/helixrun/helix/internal/session"
	"github.com/helixrun/helix/internal/thinker"
	"github.com/helixrun/helix/internal/usage"
)

// Exit codes (spec §6).
const (
	exitOK             = 0
	exitBadArgs        = 2
	exitConfigError    = 3
	exitBindFailure    = 4
	exitAlreadyRunning = 5
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	port := flag.Int("port", 0, "override gateway.port")
	jsonOut := flag.Bool("json", false, "status: emit machine-readable JSON")
	htmlOut := flag.Bool("html", false, "status: render human-readable output as HTML instead of Markdown")
	addr := flag.String("addr", "localhost:7777", "status/pair/health: gateway address to connect to")
	deviceID := flag.String("device-id", "", "status/pair/health: admin device id for the control-plane handshake")
	deviceToken := flag.String("device-token", "", "status/pair/health: admin device bearer token")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if flag.NArg() == 0 {
		printHelp()
		os.Exit(exitOK)
	}

	switch flag.Arg(0) {
	case "start":
		runStart(logger, *configPath, *port)
	case "status":
		runStatus(*addr, *deviceID, *deviceToken, *jsonOut, *htmlOut)
	case "pair":
		if flag.NArg() < 2 || flag.Arg(1) != "approve" || flag.NArg() < 4 {
			fmt.Fprintln(os.Stderr, "usage: helixd pair approve <channel> <code>")
			os.Exit(exitBadArgs)
		}
		runPairApprove(*addr, *deviceID, *deviceToken, flag.Arg(2), flag.Arg(3))
	case "health":
		runHealth(*addr)
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.RuntimeInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		os.Exit(exitBadArgs)
	}
}

func printHelp() {
	fmt.Println("helixd - AI assistant gateway")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  start         Start the gateway daemon")
	fmt.Println("  status        Report the running daemon's state")
	fmt.Println("  pair approve  Approve a pending pairing code for a channel")
	fmt.Println("  health        Check the gateway's /healthz endpoint")
	fmt.Println("  version       Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// runStart loads config, wires every component (spec §2's data-flow:
// adapters → Channel Manager → bus → Hook Engine → Thinker → reply),
// and serves the WebSocket control plane until an interrupt or
// terminate signal arrives.
func runStart(logger *slog.Logger, configPath string, portOverride int) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(exitConfigError)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(exitConfigError)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(exitConfigError)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	if portOverride != 0 {
		cfg.Gateway.Port = portOverride
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Error("failed to create data directory", "path", cfg.DataDir, "error", err)
		os.Exit(exitConfigError)
	}

	lock, err := acquireInstanceLock(cfg.DataDir)
	if err != nil {
		logger.Error("another helixd instance appears to be running", "data_dir", cfg.DataDir, "error", err)
		os.Exit(exitAlreadyRunning)
	}
	defer lock.release()

	secrets, err := config.OpenSecretStore(cfg.DataDir)
	if err != nil {
		logger.Error("failed to open secret store", "error", err)
		os.Exit(exitConfigError)
	}
	overlaySecrets(cfg, secrets)

	logger.Info("config loaded", "path", cfgPath, "port", cfg.Gateway.Port, "provider", cfg.Thinker.Provider, "model", cfg.Thinker.Model)

	bus := events.New()
	sessions := session.NewRegistry(bus)
	cfgStore, err := config.NewStore(cfg)
	if err != nil {
		logger.Error("failed to build config store", "error", err)
		os.Exit(exitConfigError)
	}
	pairingStore := pairing.New(bus)

	mgr := channels.NewManager(bus, pairingStore, sessions.IsPaired, logger)
	registerChannelAdapters(mgr, cfg, logger)

	hooksEng := hooks.NewEngine(bus, logger)
	registerHooks(hooksEng, cfg)

	usageStore, err := usage.NewStore(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		logger.Error("failed to open usage store", "error", err)
		os.Exit(exitConfigError)
	}
	defer usageStore.Close()

	var think *thinker.Thinker
	if cfg.Thinker.Configured() {
		think, err = thinker.NewFromConfig(cfg.Thinker, bus, logger,
			thinker.WithUsageStore(usageStore),
			thinker.WithPricing(cfg.Pricing))
		if err != nil {
			logger.Error("failed to construct thinker", "error", err)
			os.Exit(exitConfigError)
		}
	} else {
		logger.Warn("thinker not configured - channel messages will not receive replies")
	}

	// Voice pipeline is left unconstructed: no Recorder/Player hardware
	// binding exists yet, and the gateway's voice.* methods already
	// treat a nil pipeline as "voice disabled" (ErrProviderUnavailable).

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	router := dispatch.NewRouter(bus, mgr, hooksEng, think, logger)
	go router.Run(ctx)

	srv := gateway.NewServer(gateway.Deps{
		Bus:              bus,
		Sessions:         sessions,
		Config:           cfgStore,
		Pairing:          pairingStore,
		Channels:         mgr,
		Hooks:            hooksEng,
		VoicePl:          nil,
		Logger:           logger,
		HandshakeTimeout: time.Duration(cfg.Gateway.HandshakeTimeout) * time.Second,
		MethodTimeout:    time.Duration(cfg.Gateway.MethodTimeout) * time.Second,
		EnqueueTimeout:   time.Duration(cfg.Gateway.EnqueueTimeout) * time.Second,
	})

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Gateway.Address, cfg.Gateway.Port),
		Handler: srv.Handler(),
	}

	for name, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		if err := mgr.Start(ctx, name); err != nil {
			logger.Error("failed to start channel adapter", "channel", name, "error", err)
		}
	}
	if len(cfg.Email) > 0 {
		if err := mgr.Start(ctx, "email"); err != nil {
			logger.Error("failed to start email adapter", "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("helixd starting", "addr", httpSrv.Addr, "version", buildinfo.Version)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("gateway server failed to bind/serve", "error", err)
		os.Exit(exitBindFailure)
	}

	logger.Info("helixd stopped")
}

// registerChannelAdapters builds and registers one adapter per enabled
// channel in cfg, plus one email adapter for the first configured email
// account (the others are not registered). Channels without a dedicated adapter
// implementation (whatsapp, telegram, discord, slack, imessage) get a
// channels.StubAdapter, matching the roster's current maturity level.
func registerChannelAdapters(mgr *channels.Manager, cfg *config.Config, logger *slog.Logger) {
	for name, ch := range cfg.Channels {
		if !ch.Enabled {
			continue
		}
		var adapter channels.Adapter
		switch name {
		case "signal":
			command := ch.Settings["command"]
			if command == "" {
				command = "signal-cli"
			}
			adapter = channels.NewSignalAdapter(command, nil, logger)
		default:
			adapter = channels.NewStubAdapter(name)
		}
		mgr.Register(adapter, channels.Policy(policyOrDefault(ch.Policy)), ch.Allowlist)
	}

	// EmailAdapter.Name() is fixed ("email"), so only one account can be
	// registered as a channel at a time; config.yaml's email map exists
	// to let config.get/config.patch address each account's settings
	// independently, not to run several inboxes concurrently.
	if len(cfg.Email) > 1 {
		logger.Warn("multiple email accounts configured; only one is wired as the email channel", "count", len(cfg.Email))
	}
	for _, acct := range cfg.Email {
		mgr.Register(channels.NewEmailAdapter(acct, logger), channels.PolicyOpen, nil)
		break
	}
}

func policyOrDefault(p string) string {
	if p == "" {
		return "open"
	}
	return p
}

// registerHooks builds one hooks.Hook per enabled entry in cfg.Hooks,
// wiring either a built-in action (ActionName) or an external command.
func registerHooks(eng *hooks.Engine, cfg *config.Config) {
	for name, h := range cfg.Hooks {
		if !h.Enabled {
			continue
		}
		hook := &hooks.Hook{
			Name:    name,
			Trigger: h.Trigger,
			Enabled: h.Enabled,
			Config:  h.Config,
			Timeout: time.Duration(h.TimeoutSec) * time.Second,
		}
		if h.Action == "command" {
			hook.Command = h.Command
		} else {
			hook.ActionName = h.Action
		}
		eng.Register(hook)
	}
}

// overlaySecrets fills empty credential fields from the secret store,
// using the same dotted paths secretPaths protects from config.get/
// config.patch diffs. A value already present in the YAML (e.g. from
// an expanded env var) is never overwritten.
func overlaySecrets(cfg *config.Config, secrets *config.SecretStore) {
	if cfg.Thinker.APIKey == "" {
		if v, ok := secrets.Get("thinker.api_key"); ok {
			cfg.Thinker.APIKey = v
		}
	}
	for name, acct := range cfg.Email {
		if acct.IMAP.Password == "" {
			if v, ok := secrets.Get("email." + name + ".imap.password"); ok {
				acct.IMAP.Password = v
			}
		}
		if acct.SMTP.Password == "" {
			if v, ok := secrets.Get("email." + name + ".smtp.password"); ok {
				acct.SMTP.Password = v
			}
		}
		cfg.Email[name] = acct
	}
	for name, ch := range cfg.Channels {
		for _, key := range []string{"token", "api_key", "password"} {
			if ch.Settings[key] == "" {
				if v, ok := secrets.Get("channels." + name + ".settings." + key); ok {
					if ch.Settings == nil {
						ch.Settings = map[string]string{}
					}
					ch.Settings[key] = v
				}
			}
		}
		cfg.Channels[name] = ch
	}
}

func runHealth(addr string) {
	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	if resp.StatusCode != http.StatusOK {
		fmt.Printf("unhealthy (status %d): %v\n", resp.StatusCode, body)
		os.Exit(1)
	}
	fmt.Printf("ok: %v\n", body)
}

func runPairApprove(addr, deviceID, token, channel, code string) {
	client, err := dialControlPlane(addr, deviceID, token, []string{gateway.ScopeAdmin})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	result, err := client.Call("cli-1", "pairing.approve", map[string]string{
		"channel": channel,
		"code":    code,
	}, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pairing.approve failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("approved: %s\n", string(result))
}

func runStatus(addr, deviceID, token string, jsonOut, htmlOut bool) {
	client, err := dialControlPlane(addr, deviceID, token, []string{gateway.ScopeNodeRead})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	result, err := client.Call("cli-1", "node.describe", map[string]string{}, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "node.describe failed: %v\n", err)
		os.Exit(1)
	}

	if jsonOut {
		fmt.Println(string(result))
		return
	}
	renderStatusMarkdown(result, htmlOut)
}

// acquireInstanceLock is a pidfile-based single-instance guard (spec §6
// exit code 5): it fails if helixd.pid names a process still alive.
type instanceLock struct {
	path string
}

func acquireInstanceLock(dataDir string) (*instanceLock, error) {
	path := filepath.Join(dataDir, "helixd.pid")

	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(string(data)); perr == nil && processAlive(pid) {
			return nil, fmt.Errorf("pidfile %s names running process %d", path, pid)
		}
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return nil, fmt.Errorf("writing pidfile: %w", err)
	}
	return &instanceLock{path: path}, nil
}

func (l *instanceLock) release() {
	os.Remove(l.path)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
