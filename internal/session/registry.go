// Package session implements the Client session & Paired device
// registry: the pending/approved/revoked device lifecycle and the
// per-WebSocket-connection session state machine.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixrun/helix/internal/events"
)

// Role is a client session's authorization level.
type Role string

const (
	RoleNode     Role = "node"
	RoleAdmin    Role = "admin"
	RoleObserver Role = "observer"
)

// State is a session's position in the handshake lifecycle
// (spec §3: "awaiting-hello → challenged → authenticated → closed").
type State string

const (
	StateAwaitingHello State = "awaiting-hello"
	StateChallenged    State = "challenged"
	StateAuthenticated State = "authenticated"
	StateClosed        State = "closed"
)

// PendingDevice is an unapproved pairing request awaiting
// device.pair.approve/.reject.
type PendingDevice struct {
	ID           string
	Name         string
	Platform     string
	RequestedAt  time.Time
	RequestedFor []string // requested scopes
}

// Device is an approved, paired device.
type Device struct {
	ID        string
	Name      string
	Platform  string
	PublicKey string // informational; signature verification is future work
	// Secret is the plaintext bearer token the device must present as
	// hello{token}. It is populated only on the Device value Approve
	// returns (the one-time reveal) — every other read (Lookup,
	// ListApproved) sees it empty; only SecretHash is ever stored.
	Secret     string
	SecretHash string
	Scopes     []string
	ApprovedAt time.Time
	LastSeen   time.Time
	RevokedAt  *time.Time
}

// VerifySecret checks a presented bearer token against this device's
// stored argon2id secret hash.
func (d Device) VerifySecret(token string) bool {
	return d.SecretHash != "" && verifySecret(token, d.SecretHash)
}

// Approved reports whether the device currently holds scopes (i.e. has
// not been revoked).
func (d Device) Approved() bool {
	return d.RevokedAt == nil
}

// Registry holds pending and approved devices. All mutating methods
// serialize through a single mutex — the §5 "single-writer discipline"
// — and readers receive independent copies so no caller can observe a
// torn intermediate state.
type Registry struct {
	mu       sync.Mutex
	pending  map[string]PendingDevice
	approved map[string]Device
	bus      *events.Bus
}

// NewRegistry creates an empty registry that publishes device lifecycle
// events on bus.
func NewRegistry(bus *events.Bus) *Registry {
	return &Registry{
		pending:  make(map[string]PendingDevice),
		approved: make(map[string]Device),
		bus:      bus,
	}
}

// RequestPairing registers a new pending device and returns its id.
func (r *Registry) RequestPairing(name, platform string, requestedScopes []string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := uuid.NewString()
	r.pending[id] = PendingDevice{
		ID:           id,
		Name:         name,
		Platform:     platform,
		RequestedAt:  time.Now(),
		RequestedFor: requestedScopes,
	}
	return id
}

// ListPending returns a snapshot of pending devices.
func (r *Registry) ListPending() []PendingDevice {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]PendingDevice, 0, len(r.pending))
	for _, d := range r.pending {
		out = append(out, d)
	}
	return out
}

// ListApproved returns a snapshot of approved devices, including revoked
// ones (spec §3.1: device.pair.list shows full lifecycle history).
func (r *Registry) ListApproved() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Device, 0, len(r.approved))
	for _, d := range r.approved {
		out = append(out, d)
	}
	return out
}

// Approve promotes a pending device, granting it scopes ⊆ its requested
// set, and publishes device:approved.
func (r *Registry) Approve(id string, grantedScopes []string) (Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[id]
	if !ok {
		return Device{}, fmt.Errorf("unknown pending device %q", id)
	}
	delete(r.pending, id)

	secret, err := randomSecret()
	if err != nil {
		return Device{}, fmt.Errorf("generating device secret: %w", err)
	}
	secretHash, err := hashSecret(secret)
	if err != nil {
		return Device{}, fmt.Errorf("hashing device secret: %w", err)
	}

	stored := Device{
		ID:         id,
		Name:       p.Name,
		Platform:   p.Platform,
		SecretHash: secretHash,
		Scopes:     grantedScopes,
		ApprovedAt: time.Now(),
		LastSeen:   time.Now(),
	}
	r.approved[id] = stored

	// The plaintext secret is the one-time reveal handed back to the
	// caller (device.pair.approve's response) — it is never stored.
	dev := stored
	dev.Secret = secret

	r.bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   events.KindDeviceApproved,
		Data: map[string]any{
			"device_id": id,
			"scopes":    grantedScopes,
		},
	})
	return dev, nil
}

// Reject discards a pending device with no side effects beyond removal.
func (r *Registry) Reject(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[id]; !ok {
		return fmt.Errorf("unknown pending device %q", id)
	}
	delete(r.pending, id)
	return nil
}

// Revoke marks an approved device revoked and publishes device:revoked.
// Every gateway connection subscribes to the bus and tears itself down
// on a device:revoked event naming its own DeviceID (connection.go's
// pumpEvents), so this publish is what actually closes live sessions.
func (r *Registry) Revoke(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.approved[id]
	if !ok {
		return fmt.Errorf("unknown device %q", id)
	}
	now := time.Now()
	dev.RevokedAt = &now
	r.approved[id] = dev

	r.bus.Publish(events.Event{
		Source: events.SourceSession,
		Kind:   events.KindDeviceRevoked,
		Data:   map[string]any{"device_id": id},
	})
	return nil
}

// Touch updates a device's LastSeen timestamp, called on each inbound
// method call so node.describe can report activity.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if dev, ok := r.approved[id]; ok {
		dev.LastSeen = time.Now()
		r.approved[id] = dev
	}
}

// randomSecret generates a bearer token for a newly approved device's
// hello{token} handshake credential.
func randomSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// IsPaired reports whether an approved, non-revoked device exists for
// the given channel/sender pair — Device.Platform holds the channel
// name and Device.Name the sender identifier for devices paired through
// the pairing-code flow (RequestPairing's (name, platform) args).
// Suitable as a channels.PairedChecker.
func (r *Registry) IsPaired(channel, sender string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dev := range r.approved {
		if dev.Platform == channel && dev.Name == sender && dev.Approved() {
			return true
		}
	}
	return false
}

// Lookup returns the approved device for id, if any and not revoked.
func (r *Registry) Lookup(id string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.approved[id]
	if !ok || !dev.Approved() {
		return Device{}, false
	}
	return dev, true
}

// Session is the per-connection state tracked from TCP accept through
// socket close (spec §3: Client session).
type Session struct {
	ID          string
	Role        Role
	Scopes      []string
	Nonce       string
	DeviceID    string
	State       State
	ConnectedAt time.Time
	LastSeenAt  time.Time
}

// NewSession creates a session in awaiting-hello state with a fresh id.
func NewSession() *Session {
	now := time.Now()
	return &Session{
		ID:          uuid.NewString(),
		State:       StateAwaitingHello,
		ConnectedAt: now,
		LastSeenAt:  now,
	}
}

// HasScope reports whether the session was granted the named scope.
func (s *Session) HasScope(scope string) bool {
	for _, sc := range s.Scopes {
		if sc == scope {
			return true
		}
	}
	return false
}
