package channels

import (
	"context"
	"testing"
	"time"

	"github.com/helixrun/helix/internal/events"
	"github.com/helixrun/helix/internal/pairing"
)

func newTestManager(t *testing.T, paired PairedChecker) (*Manager, *events.Bus, <-chan events.Event) {
	t.Helper()
	bus := events.New()
	sub := bus.Subscribe(32)
	t.Cleanup(func() { bus.Unsubscribe(sub) })
	mgr := NewManager(bus, pairing.New(bus), paired, nil)
	return mgr, bus, sub
}

func drainChan(ch <-chan events.Event, n int, timeout time.Duration) []events.Event {
	var got []events.Event
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case e := <-ch:
			got = append(got, e)
		case <-deadline:
			return got
		}
	}
	return got
}

func TestOpenPolicyAdmitsEveryone(t *testing.T) {
	mgr, _, sub := newTestManager(t, nil)
	adapter := NewStubAdapter("whatsapp")
	mgr.Register(adapter, PolicyOpen, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx, "whatsapp"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	drainChan(sub, 1, time.Second) // connected channel:status

	adapter.Inject(Inbound{Channel: "whatsapp", Sender: "+999", Text: "hi"})

	got := drainChan(sub, 1, time.Second)
	if len(got) != 1 || got[0].Data["status"] != "admitted" {
		t.Fatalf("events = %+v, want one admitted channel:status", got)
	}
}

func TestAllowlistPolicyRejectsUnknownSender(t *testing.T) {
	mgr, _, sub := newTestManager(t, nil)
	adapter := NewStubAdapter("telegram")
	mgr.Register(adapter, PolicyAllowlist, []string{"alice"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx, "telegram"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	drainChan(sub, 1, time.Second)

	adapter.Inject(Inbound{Channel: "telegram", Sender: "mallory", Text: "hi"})
	got := drainChan(sub, 1, 200*time.Millisecond)
	if len(got) != 0 {
		t.Fatalf("allowlist should silently reject unknown sender, got %+v", got)
	}

	adapter.Inject(Inbound{Channel: "telegram", Sender: "alice", Text: "hi"})
	got = drainChan(sub, 1, time.Second)
	if len(got) != 1 || got[0].Data["status"] != "admitted" {
		t.Fatalf("events = %+v, want one admitted channel:status for alice", got)
	}
}

func TestPairingPolicyIssuesCodeForUnknownSender(t *testing.T) {
	mgr, _, sub := newTestManager(t, func(channel, sender string) bool { return false })
	adapter := NewStubAdapter("discord")
	mgr.Register(adapter, PolicyPairing, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx, "discord"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	drainChan(sub, 1, time.Second)

	adapter.Inject(Inbound{Channel: "discord", Sender: "unknown-user", Text: "hi"})

	got := drainChan(sub, 1, time.Second)
	if len(got) != 1 || got[0].Kind != events.KindPairingRequested {
		t.Fatalf("events = %+v, want one pairing:requested", got)
	}

	sent := adapter.Sent()
	if len(sent) != 1 || sent[0].Recipient != "unknown-user" {
		t.Fatalf("adapter.Sent() = %+v, want one pairing prompt to unknown-user", sent)
	}
}

func TestPairingPolicyAdmitsPairedSender(t *testing.T) {
	mgr, _, sub := newTestManager(t, func(channel, sender string) bool { return sender == "known-user" })
	adapter := NewStubAdapter("slack")
	mgr.Register(adapter, PolicyPairing, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx, "slack"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	drainChan(sub, 1, time.Second)

	adapter.Inject(Inbound{Channel: "slack", Sender: "known-user", Text: "hi"})
	got := drainChan(sub, 1, time.Second)
	if len(got) != 1 || got[0].Data["status"] != "admitted" {
		t.Fatalf("events = %+v, want one admitted channel:status", got)
	}
}

func TestSendUnknownChannel(t *testing.T) {
	mgr, _, _ := newTestManager(t, nil)
	if err := mgr.Send(context.Background(), "nonexistent", "someone", "hi"); err == nil {
		t.Fatal("expected error sending on unregistered channel")
	}
}

func TestStatusReflectsConnectedState(t *testing.T) {
	mgr, _, sub := newTestManager(t, nil)
	adapter := NewStubAdapter("imessage")
	mgr.Register(adapter, PolicyOpen, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx, "imessage"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	drainChan(sub, 1, time.Second)

	status := mgr.Status()
	if status["imessage"] != StateConnected {
		t.Errorf("Status()[imessage] = %q, want %q", status["imessage"], StateConnected)
	}

	if err := mgr.Stop("imessage"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	status = mgr.Status()
	if status["imessage"] != StateDisconnected {
		t.Errorf("Status()[imessage] after Stop = %q, want %q", status["imessage"], StateDisconnected)
	}
}
