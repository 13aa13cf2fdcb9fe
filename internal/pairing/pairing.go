// Package pairing implements the pairing-code store: short-lived,
// per-channel codes that bind an unknown sender to a new paired
// device once an admin approves them.
package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/helixrun/helix/internal/events"
)

// alphabet is the 32-symbol set pairing codes are drawn from:
// A-Z and 2-9, excluding the visually ambiguous 0, O, 1, I.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLength = 8
	maxPending = 3
	codeExpiry = time.Hour
)

// Code is a pending pairing code awaiting pairing.approve.
type Code struct {
	Value     string
	Channel   string
	Sender    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the code is past its expiry at t.
func (c Code) Expired(t time.Time) bool {
	return t.After(c.ExpiresAt)
}

// Store holds pending pairing codes, keyed by channel. A single mutex
// guards both the alphabet draw and the dedup/cap check (spec §5: "the
// pairing-code store uses a single mutex held only for the 32-alphabet
// draw + dedup check").
type Store struct {
	mu      sync.Mutex
	pending map[string][]Code // channel -> codes, oldest first
	bus     *events.Bus
	now     func() time.Time
}

// New creates an empty pairing-code store that publishes pairing:requested
// and pairing:approved events on bus.
func New(bus *events.Bus) *Store {
	return &Store{
		pending: make(map[string][]Code),
		bus:     bus,
		now:     time.Now,
	}
}

// Issue generates a fresh code for sender on channel, evicting the
// oldest pending code on that channel first if the 3-pending cap would
// otherwise be exceeded, and publishes pairing:requested.
func (s *Store) Issue(channel, sender string) (Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.pending[channel]
	value, err := s.drawUnique(existing)
	if err != nil {
		return Code{}, err
	}

	if len(existing) >= maxPending {
		existing = existing[len(existing)-maxPending+1:]
	}

	now := s.now()
	code := Code{
		Value:     value,
		Channel:   channel,
		Sender:    sender,
		IssuedAt:  now,
		ExpiresAt: now.Add(codeExpiry),
	}
	s.pending[channel] = append(existing, code)

	s.bus.Publish(events.Event{
		Source: events.SourcePairing,
		Kind:   events.KindPairingRequested,
		Data: map[string]any{
			"channel": channel,
			"code":    value,
			"sender":  sender,
		},
	})
	return code, nil
}

// ErrUnknownCode is returned by Approve when the code does not match any
// pending entry for the channel.
var ErrUnknownCode = fmt.Errorf("unknown-code")

// ErrExpiredCode is returned by Approve when the code matched but its
// expiry has passed.
var ErrExpiredCode = fmt.Errorf("expired")

// Approve consumes a pending code, returning the sender it was issued
// to. Errors are ErrUnknownCode or ErrExpiredCode, matching the wire
// error codes "unknown-code"/"expired" (spec §3 pairing algorithm).
func (s *Store) Approve(channel, code string) (sender string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	codes := s.pending[channel]
	for i, c := range codes {
		if c.Value != code {
			continue
		}
		s.pending[channel] = append(codes[:i:i], codes[i+1:]...)
		if c.Expired(s.now()) {
			return "", ErrExpiredCode
		}
		s.bus.Publish(events.Event{
			Source: events.SourcePairing,
			Kind:   events.KindPairingApproved,
			Data: map[string]any{
				"channel": channel,
				"code":    code,
				"sender":  c.Sender,
			},
		})
		return c.Sender, nil
	}
	return "", ErrUnknownCode
}

// ListPending returns the pending codes for channel, oldest first.
func (s *Store) ListPending(channel string) []Code {
	s.mu.Lock()
	defer s.mu.Unlock()

	codes := s.pending[channel]
	out := make([]Code, len(codes))
	copy(out, codes)
	return out
}

// drawUnique draws a code not present in existing. Rejection-sampling
// keeps the retry count negligible: collision probability against at
// most 3 pending 8-character codes from a 32-symbol alphabet is
// astronomically small, but the loop guards correctness regardless.
func (s *Store) drawUnique(existing []Code) (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		candidate, err := randomCode()
		if err != nil {
			return "", err
		}
		if !containsCode(existing, candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("pairing: failed to draw a unique code after 100 attempts")
}

func containsCode(codes []Code, value string) bool {
	for _, c := range codes {
		if c.Value == value {
			return true
		}
	}
	return false
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", fmt.Errorf("pairing: random draw: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}
