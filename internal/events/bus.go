// Package events provides the publish/subscribe bus that carries
// operational events from gateway components (config store, device
// registry, channel manager, hook engine, voice pipeline, Thinker Port)
// to WebSocket subscribers. The bus is nil-safe: calling Publish on a
// nil *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceConfig  = "config"
	SourceSession = "session"
	SourceChannel = "channel"
	SourcePairing = "pairing"
	SourceHook    = "hook"
	SourceVoice   = "voice"
	SourceThinker = "thinker"
	SourceGateway = "gateway"
)

// Kind constants are the event names defined in the gateway's external
// interface (the minimum set a subscribed client must recognize).
const (
	// KindConfigChanged signals a committed config.patch. Data carries
	// the structural diff: added/modified/removed (dotted paths only,
	// no values, no secrets).
	KindConfigChanged = "config:changed"

	// KindDeviceApproved signals a pending device was promoted.
	// Data: device_id, scopes.
	KindDeviceApproved = "device:approved"
	// KindDeviceRevoked signals an approved device's access was pulled.
	// Data: device_id.
	KindDeviceRevoked = "device:revoked"

	// KindPairingRequested signals an unknown sender reached a
	// pairing-policy channel and was issued a code.
	// Data: channel, code, sender.
	KindPairingRequested = "pairing:requested"
	// KindPairingApproved signals a pairing code was redeemed.
	// Data: channel, code, sender.
	KindPairingApproved = "pairing:approved"

	// KindChannelStatus signals an adapter lifecycle transition.
	// Data: channel, state (disconnected, connecting, connected, degraded).
	// It also carries each admitted inbound message, with Data: channel,
	// sender, text, status ("admitted").
	KindChannelStatus = "channel:status"

	// KindVoiceState signals a voice pipeline state transition.
	// Data: state, plus trigger (wake_word, explicit, auto_stop) when
	// the transition has one.
	KindVoiceState = "voice:state"
	// KindVoiceTranscript signals STT output became available.
	// Data: text, confidence.
	KindVoiceTranscript = "voice:transcript"
	// KindVoiceError signals a voice pipeline failure.
	// Data: error_code, message.
	KindVoiceError = "voice:error"

	// KindHookFired signals a hook's trigger event matched and an
	// invocation ran; coalesced triggers publish nothing.
	// Data: hook, trigger, success, duration_ms.
	KindHookFired = "hook:fired"

	// KindThinkerPreflight is emitted before a think() call dispatches
	// to the provider. Emission is mandatory and must precede dispatch:
	// observers must see the attempt even if the provider never returns.
	// Data: request_id, provider, model, prompt_size, started_at.
	KindThinkerPreflight = "thinker:preflight"
	// KindThinkerComplete signals a think() call finished (success or
	// error). Data: request_id, latency_ms, tokens_in, tokens_out,
	// cost_cents, success, error_code, message.
	KindThinkerComplete = "thinker:complete"

	// KindBackpressure signals a connection's outbound queue dropped
	// non-critical events. Data: connection_id, dropped.
	KindBackpressure = "backpressure"
)

// Event represents a single item published on the bus.
type Event struct {
	// Seq is a per-bus, strictly increasing sequence number assigned at
	// publish time. Invariant (spec §3/§5): subscribers observe Seq
	// values monotonically.
	Seq uint64 `json:"seq"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind is the wire event name (e.g. "voice:state").
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers. The gateway's per-connection outbound queue
// (internal/gateway) layers its own critical-event exemption and
// connection-close policy on top of a Subscribe channel; the bus itself
// has no notion of "critical".
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
	seq        uint64
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish assigns the next sequence number and timestamp (if unset) and
// sends the event to all subscribers. Non-blocking: if a subscriber's
// channel is full, the event is dropped for that subscriber. Safe to
// call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.Seq = atomic.AddUint64(&b.seq, 1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers (matches the gateway's minimum outbound queue
// capacity).
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
