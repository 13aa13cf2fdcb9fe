// Package channels implements the Channel Manager: per-channel
// adapters with start/stop/send/events, admission policy enforced
// before bus placement, pairing-prompt injection for unknown senders,
// and adapter connection health tracked via internal/connwatch.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helixrun/helix/internal/connwatch"
	"github.com/helixrun/helix/internal/events"
	"github.com/helixrun/helix/internal/pairing"
)

// Policy is a channel's admission policy (spec §3: Channel).
type Policy string

const (
	PolicyOpen      Policy = "open"
	PolicyAllowlist Policy = "allowlist"
	PolicyPairing   Policy = "pairing"
)

// AdapterState mirrors the connwatch-driven connection lifecycle a
// channel adapter moves through.
type AdapterState string

const (
	StateDisconnected AdapterState = "disconnected"
	StateConnecting   AdapterState = "connecting"
	StateConnected    AdapterState = "connected"
	StateDegraded     AdapterState = "degraded"
)

// Inbound is a message arriving from a channel adapter, before
// admission policy has been evaluated.
type Inbound struct {
	Channel string
	Sender  string
	Text    string
	SentAt  time.Time
}

// Adapter is the capability set every channel implementation provides.
// Wire-protocol internals are out of scope; adapters are thin shells
// around whatever transport the channel uses.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, recipient, payload string) error
	Events() <-chan Inbound
}

// PairedChecker reports whether a (channel, sender) pair has already
// been paired — the Channel Manager consults it for policy=pairing
// admission without depending on internal/session directly.
type PairedChecker func(channel, sender string) bool

// channelState is the Manager's per-channel mutable bookkeeping.
type channelState struct {
	adapter         Adapter
	policy          Policy
	allowlist       map[string]struct{}
	watcher         *connwatch.Watcher
	consecutiveFail int
	state           AdapterState
}

// Manager owns the set of registered channel adapters, evaluates
// admission policy on every inbound item before it reaches the bus,
// and injects pairing prompts for unknown senders on pairing-policy
// channels.
type Manager struct {
	mu       sync.Mutex
	channels map[string]*channelState
	bus      *events.Bus
	pairing  *pairing.Store
	paired   PairedChecker
	watchers *connwatch.Manager
	logger   *slog.Logger
}

// NewManager creates a Channel Manager. paired is consulted to decide
// whether a sender on a pairing-policy channel has already been bound
// to an approved device; pass a function backed by the session
// registry in production.
func NewManager(bus *events.Bus, pairingStore *pairing.Store, paired PairedChecker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]*channelState),
		bus:      bus,
		pairing:  pairingStore,
		paired:   paired,
		watchers: connwatch.NewManager(logger),
		logger:   logger,
	}
}

// pinger is implemented by adapters that can answer a cheap liveness
// check (e.g. the email adapter, which pings its IMAP server). Adapters that don't implement it are treated as healthy for
// as long as Start succeeded — connwatch still runs its background
// poll, it just never reports them down.
type pinger interface {
	Ping(ctx context.Context) error
}

func probeFor(a Adapter) connwatch.ProbeFunc {
	return func(ctx context.Context) error {
		if p, ok := a.(pinger); ok {
			return p.Ping(ctx)
		}
		return nil
	}
}

// Register adds a channel adapter under the given policy and
// allowlist, but does not start it — call Start for that.
func (m *Manager) Register(adapter Adapter, policy Policy, allowlist []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	allow := make(map[string]struct{}, len(allowlist))
	for _, s := range allowlist {
		allow[s] = struct{}{}
	}
	m.channels[adapter.Name()] = &channelState{
		adapter:   adapter,
		policy:    policy,
		allowlist: allow,
		state:     StateDisconnected,
	}
}

// Start launches the named channel's adapter, wires a connwatch.Watcher
// around it for connected/degraded tracking, and begins draining its
// inbound events into the Manager's admission pipeline.
func (m *Manager) Start(ctx context.Context, name string) error {
	m.mu.Lock()
	cs, ok := m.channels[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("channels: unknown channel %q", name)
	}

	m.setState(name, StateConnecting)
	if err := cs.adapter.Start(ctx); err != nil {
		m.setState(name, StateDisconnected)
		return fmt.Errorf("channels: starting %q: %w", name, err)
	}
	m.setState(name, StateConnected)
	m.publishStatus(name)

	watcher := m.watchers.Watch(ctx, connwatch.WatcherConfig{
		Name:    name,
		Probe:   probeFor(cs.adapter),
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			m.mu.Lock()
			already := cs.state == StateConnected
			m.mu.Unlock()
			if already {
				return // Start has already published the connected status
			}
			m.setState(name, StateConnected)
			m.publishStatus(name)
		},
		OnDown: func(err error) {
			m.setState(name, StateDegraded)
			m.publishStatus(name)
		},
		Logger: m.logger,
	})
	m.mu.Lock()
	cs.watcher = watcher
	m.mu.Unlock()

	go m.drain(ctx, name, cs)
	return nil
}

// drain forwards the adapter's inbound events through admission policy
// and onto the bus, tracking consecutive adapter-level failures for
// the degraded transition (spec §4.3: "degraded after 3 consecutive
// failures").
func (m *Manager) drain(ctx context.Context, name string, cs *channelState) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-cs.adapter.Events():
			if !ok {
				return
			}
			m.admit(ctx, name, cs, in)
		}
	}
}

func (m *Manager) admit(ctx context.Context, name string, cs *channelState, in Inbound) {
	admitted := m.isAdmitted(name, cs, in.Sender)
	if admitted {
		m.mu.Lock()
		cs.consecutiveFail = 0
		m.mu.Unlock()

		m.bus.Publish(events.Event{
			Source: events.SourceChannel,
			Kind:   events.KindChannelStatus,
			Data: map[string]any{
				"channel": name,
				"sender":  in.Sender,
				"text":    in.Text,
				"status":  "admitted",
			},
		})
		return
	}

	if cs.policy != PolicyPairing {
		// allowlist policy rejects silently: sender never sees a
		// pairing prompt for a channel that isn't configured for pairing.
		return
	}

	code, err := m.pairing.Issue(name, in.Sender)
	if err != nil {
		m.logger.Warn("failed to issue pairing code", "channel", name, "sender", in.Sender, "error", err)
		return
	}
	if sendErr := cs.adapter.Send(ctx, in.Sender, pairingPrompt(code.Value)); sendErr != nil {
		m.recordFailure(name, cs)
		m.logger.Warn("failed to send pairing prompt", "channel", name, "sender", in.Sender, "error", sendErr)
	}
}

func pairingPrompt(code string) string {
	return fmt.Sprintf("This device isn't paired yet. Reply with code %s to an admin, or have an admin run pairing.approve to link it.", code)
}

// isAdmitted implements spec §3's admission predicate:
// (policy=open) ∨ (policy=allowlist ∧ sender∈allowlist) ∨ (policy=pairing ∧ paired).
func (m *Manager) isAdmitted(name string, cs *channelState, sender string) bool {
	switch cs.policy {
	case PolicyOpen:
		return true
	case PolicyAllowlist:
		m.mu.Lock()
		_, ok := cs.allowlist[sender]
		m.mu.Unlock()
		return ok
	case PolicyPairing:
		if m.paired == nil {
			return false
		}
		return m.paired(name, sender)
	default:
		return false
	}
}

func (m *Manager) recordFailure(name string, cs *channelState) {
	m.mu.Lock()
	cs.consecutiveFail++
	degraded := cs.consecutiveFail >= 3
	m.mu.Unlock()

	if degraded {
		m.setState(name, StateDegraded)
		m.publishStatus(name)
	}
}

func (m *Manager) setState(name string, state AdapterState) {
	m.mu.Lock()
	if cs, ok := m.channels[name]; ok {
		cs.state = state
	}
	m.mu.Unlock()
}

func (m *Manager) publishStatus(name string) {
	m.mu.Lock()
	cs, ok := m.channels[name]
	var state AdapterState
	if ok {
		state = cs.state
	}
	m.mu.Unlock()

	m.bus.Publish(events.Event{
		Source: events.SourceChannel,
		Kind:   events.KindChannelStatus,
		Data: map[string]any{
			"channel": name,
			"state":   string(state),
		},
	})
}

// Send routes an outbound payload through the named channel's adapter.
func (m *Manager) Send(ctx context.Context, channel, recipient, payload string) error {
	m.mu.Lock()
	cs, ok := m.channels[channel]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("channels: unknown channel %q", channel)
	}
	if err := cs.adapter.Send(ctx, recipient, payload); err != nil {
		m.recordFailure(channel, cs)
		return err
	}
	return nil
}

// Stop shuts down the named channel's adapter.
func (m *Manager) Stop(name string) error {
	m.mu.Lock()
	cs, ok := m.channels[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("channels: unknown channel %q", name)
	}
	if cs.watcher != nil {
		cs.watcher.Stop()
	}
	m.setState(name, StateDisconnected)
	return cs.adapter.Stop()
}

// Status returns the current adapter state for every registered channel.
func (m *Manager) Status() map[string]AdapterState {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]AdapterState, len(m.channels))
	for name, cs := range m.channels {
		out[name] = cs.state
	}
	return out
}
