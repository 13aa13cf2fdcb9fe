package channels

import (
	"context"
	"fmt"
	"sync"
)

// StubAdapter is a minimal Adapter whose Events() channel is fed by an
// injectable source — a test harness pushing synthetic inbound items,
// or (in production, until a real wire integration lands) a long-poll
// loop that never fires. It lets the Manager's policy/pairing/backoff
// logic be exercised for whatsapp, telegram, discord, slack, and
// imessage without any of those wire protocols actually being
// implemented (out of scope per the gateway's own protocol design).
type StubAdapter struct {
	name string

	mu      sync.Mutex
	started bool
	sent    []sentMessage

	in chan Inbound
}

type sentMessage struct {
	Recipient string
	Payload   string
}

// NewStubAdapter creates a stub for the named channel.
func NewStubAdapter(name string) *StubAdapter {
	return &StubAdapter{
		name: name,
		in:   make(chan Inbound, 32),
	}
}

func (a *StubAdapter) Name() string { return a.name }

func (a *StubAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = true
	return nil
}

func (a *StubAdapter) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.started = false
	return nil
}

func (a *StubAdapter) Send(ctx context.Context, recipient, payload string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return fmt.Errorf("channels: %s adapter not started", a.name)
	}
	a.sent = append(a.sent, sentMessage{Recipient: recipient, Payload: payload})
	return nil
}

func (a *StubAdapter) Events() <-chan Inbound {
	return a.in
}

// Inject pushes a synthetic inbound item, simulating a message arriving
// from the channel's wire protocol. Used by tests and, in a deployed
// gateway without a real transport wired in, left unused.
func (a *StubAdapter) Inject(in Inbound) {
	a.in <- in
}

// Sent returns the payloads sent through this adapter, for assertions.
func (a *StubAdapter) Sent() []sentMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]sentMessage, len(a.sent))
	copy(out, a.sent)
	return out
}
