package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/helixrun/helix/internal/buildinfo"
	"github.com/helixrun/helix/internal/config"
	"github.com/helixrun/helix/internal/events"
	"github.com/helixrun/helix/internal/pairing"
	"github.com/helixrun/helix/internal/session"
	"github.com/helixrun/helix/internal/voice"
)

// Scope names required by the method namespace (spec §6).
const (
	ScopeConfigRead  = "config.read"
	ScopeConfigWrite = "config.write"
	ScopeAdmin       = "admin"
	ScopeNodeRead    = "node.read"
	ScopeVoice       = "voice"
)

// methodFn implements one namespaced method call. params is the raw
// JSON params object (nil if the caller sent none); the result is
// marshaled into the wire {"id":...,"result":...} envelope.
type methodFn func(ctx context.Context, sess *session.Session, params json.RawMessage) (any, error)

type methodHandler struct {
	scope string
	fn    methodFn
}

// requestError pairs a wire error code with a message, letting method
// handlers return a typed failure that handleMethod renders verbatim
// instead of falling back to ErrInternal.
type requestError struct {
	code    string
	message string
}

func (e *requestError) Error() string { return e.message }

func newRequestError(code, message string) error {
	return &requestError{code: code, message: message}
}

// toWireError converts a handler error into the wire shape. requestError
// values carry their own code; anything else is surfaced as "internal"
// with the underlying message suppressed per spec §7 ("surfaces a
// request id only"): the detail is discarded, not logged, and only a
// generic message is returned.
func toWireError(err error) *wireError {
	var re *requestError
	if errors.As(err, &re) {
		return newWireError(re.code, re.message)
	}
	return newWireError(ErrInternal, "internal error")
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		var zero T
		return zero, newRequestError(ErrBadRequest, fmt.Sprintf("invalid params: %v", err))
	}
	return v, nil
}

// resolveDevice authenticates a hello{deviceId,token,scopes} against
// config auth profiles first (static, config-defined credentials), then
// the paired-device registry (devices approved via device.pair.approve
// or pairing.approve). grantedScopes = requestedScopes ∩ device.scopes
// (spec §4.1 step 2).
func (s *Server) resolveDevice(deviceID, token string, requested []string) (session.Role, []string, bool) {
	if s.cfg != nil {
		if profile, ok := s.cfg.Snapshot().Auth.Profiles[deviceID]; ok {
			if profile.Token != "" && profile.Token == token {
				return session.Role(profile.Role), intersect(requested, profile.Scopes), true
			}
			return "", nil, false
		}
	}

	dev, ok := s.sessions.Lookup(deviceID)
	if !ok || token == "" || !dev.VerifySecret(token) {
		return "", nil, false
	}
	return session.RoleNode, intersect(requested, dev.Scopes), true
}

func intersect(requested, granted []string) []string {
	grantedSet := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		grantedSet[s] = struct{}{}
	}
	var out []string
	for _, r := range requested {
		if _, ok := grantedSet[r]; ok {
			out = append(out, r)
		}
	}
	return out
}

// registerMethods builds the minimum method namespace (spec §6).
func (s *Server) registerMethods() {
	s.methods = map[string]methodHandler{
		"config.get":          {scope: ScopeConfigRead, fn: s.methodConfigGet},
		"config.patch":        {scope: ScopeConfigWrite, fn: s.methodConfigPatch},
		"device.pair.list":    {scope: ScopeAdmin, fn: s.methodDevicePairList},
		"device.pair.approve": {scope: ScopeAdmin, fn: s.methodDevicePairApprove},
		"device.pair.reject":  {scope: ScopeAdmin, fn: s.methodDevicePairReject},
		"device.revoke":       {scope: ScopeAdmin, fn: s.methodDeviceRevoke},
		"pairing.list":        {scope: ScopeAdmin, fn: s.methodPairingList},
		"pairing.approve":     {scope: ScopeAdmin, fn: s.methodPairingApprove},
		"node.list":           {scope: ScopeNodeRead, fn: s.methodNodeList},
		"node.describe":       {scope: ScopeNodeRead, fn: s.methodNodeDescribe},
		"hooks.list":          {scope: ScopeConfigRead, fn: s.methodHooksList},
		"voice.mode.set":      {scope: ScopeVoice, fn: s.methodVoiceModeSet},
		"voice.speak":         {scope: ScopeVoice, fn: s.methodVoiceSpeak},
		"voice.interrupt":     {scope: ScopeVoice, fn: s.methodVoiceInterrupt},
	}
}

// --- config.* -----------------------------------------------------

type configGetParams struct {
	Path string `json:"path"`
}

func (s *Server) methodConfigGet(_ context.Context, _ *session.Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[configGetParams](params)
	if err != nil {
		return nil, err
	}
	v, err := s.cfg.Get(p.Path)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, newRequestError(ErrNotFound, fmt.Sprintf("no config at %q", p.Path))
		}
		return nil, err
	}
	return v, nil
}

type configPatchParams struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

func (s *Server) methodConfigPatch(_ context.Context, _ *session.Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[configPatchParams](params)
	if err != nil {
		return nil, err
	}
	diff, err := s.cfg.Patch(p.Path, p.Value)
	if err != nil {
		return nil, newRequestError(ErrConflict, err.Error())
	}
	s.bus.Publish(events.Event{
		Source: events.SourceGateway,
		Kind:   events.KindConfigChanged,
		Data: map[string]any{
			"added":    diff.Added,
			"modified": diff.Modified,
			"removed":  diff.Removed,
		},
	})
	return map[string]any{"added": diff.Added, "modified": diff.Modified, "removed": diff.Removed}, nil
}

// --- device.pair.* --------------------------------------------------

func (s *Server) methodDevicePairList(_ context.Context, _ *session.Session, _ json.RawMessage) (any, error) {
	return map[string]any{
		"pending":  s.sessions.ListPending(),
		"approved": s.sessions.ListApproved(),
	}, nil
}

type deviceIDParams struct {
	ID string `json:"id"`
}

func (s *Server) methodDevicePairApprove(_ context.Context, _ *session.Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[deviceIDParams](params)
	if err != nil {
		return nil, err
	}
	pending := findPending(s.sessions.ListPending(), p.ID)
	if pending == nil {
		return nil, newRequestError(ErrNotFound, "unknown pending device")
	}
	dev, err := s.sessions.Approve(p.ID, pending.RequestedFor)
	if err != nil {
		return nil, newRequestError(ErrNotFound, err.Error())
	}
	return map[string]any{"id": dev.ID, "secret": dev.Secret, "scopes": dev.Scopes}, nil
}

func findPending(pending []session.PendingDevice, id string) *session.PendingDevice {
	for i := range pending {
		if pending[i].ID == id {
			return &pending[i]
		}
	}
	return nil
}

func (s *Server) methodDevicePairReject(_ context.Context, _ *session.Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[deviceIDParams](params)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Reject(p.ID); err != nil {
		return nil, newRequestError(ErrNotFound, err.Error())
	}
	return map[string]any{"rejected": p.ID}, nil
}

func (s *Server) methodDeviceRevoke(_ context.Context, _ *session.Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[deviceIDParams](params)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Revoke(p.ID); err != nil {
		return nil, newRequestError(ErrNotFound, err.Error())
	}
	return map[string]any{"revoked": p.ID}, nil
}

// --- pairing.* (channel DM pairing) ----------------------------------

type pairingListParams struct {
	Channel string `json:"channel"`
}

func (s *Server) methodPairingList(_ context.Context, _ *session.Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[pairingListParams](params)
	if err != nil {
		return nil, err
	}
	return s.pairing.ListPending(p.Channel), nil
}

type pairingApproveParams struct {
	Channel string `json:"channel"`
	Code    string `json:"code"`
}

// defaultPairedScopes is granted to a device created via channel DM
// pairing — narrower than an admin-approved device, since the only
// proof of identity is having replied to the pairing prompt on the
// channel itself.
var defaultPairedScopes = []string{ScopeVoice}

func (s *Server) methodPairingApprove(_ context.Context, _ *session.Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[pairingApproveParams](params)
	if err != nil {
		return nil, err
	}
	sender, err := s.pairing.Approve(p.Channel, p.Code)
	if err != nil {
		switch {
		case errors.Is(err, pairing.ErrExpiredCode):
			return nil, newRequestError(ErrExpired, "pairing code expired")
		default:
			return nil, newRequestError(ErrUnknownCode, "unknown pairing code")
		}
	}

	id := s.sessions.RequestPairing(sender, p.Channel, defaultPairedScopes)
	dev, err := s.sessions.Approve(id, defaultPairedScopes)
	if err != nil {
		return nil, err
	}
	return map[string]any{"device_id": dev.ID, "secret": dev.Secret, "sender": sender}, nil
}

// --- node.* -----------------------------------------------------------

func (s *Server) methodNodeList(_ context.Context, _ *session.Session, _ json.RawMessage) (any, error) {
	return s.channels.Status(), nil
}

func (s *Server) methodNodeDescribe(_ context.Context, _ *session.Session, params json.RawMessage) (any, error) {
	p, err := decodeParams[deviceIDParams](params)
	if err != nil {
		return nil, err
	}
	if p.ID == "" {
		// No id: describe the gateway process itself (the CLI status view).
		return buildinfo.RuntimeInfo(), nil
	}
	statuses := s.channels.Status()
	st, ok := statuses[p.ID]
	if !ok {
		return nil, newRequestError(ErrNotFound, fmt.Sprintf("unknown node %q", p.ID))
	}
	out := map[string]any{"id": p.ID, "state": string(st)}
	if s.voicePl != nil {
		out["voice_stats"] = s.voicePl.Stats()
	}
	return out, nil
}

// --- hooks.* ------------------------------------------------------

func (s *Server) methodHooksList(_ context.Context, _ *session.Session, _ json.RawMessage) (any, error) {
	hooks := s.hooksEng.List()
	out := make([]map[string]any, 0, len(hooks))
	for _, h := range hooks {
		out = append(out, map[string]any{
			"name":           h.Name,
			"trigger":        h.Trigger,
			"enabled":        h.Enabled,
			"trigger_count":  h.TriggerCount(),
			"last_triggered": h.LastTriggered(),
			"history":        h.History(),
		})
	}
	return out, nil
}

// --- voice.* ------------------------------------------------------

type voiceModeParams struct {
	Mode string `json:"mode"`
}

func (s *Server) methodVoiceModeSet(_ context.Context, _ *session.Session, params json.RawMessage) (any, error) {
	if s.voicePl == nil {
		return nil, newRequestError(ErrProviderUnavailable, "voice pipeline disabled")
	}
	p, err := decodeParams[voiceModeParams](params)
	if err != nil {
		return nil, err
	}
	switch voice.Mode(p.Mode) {
	case voice.ModeOff, voice.ModePushToTalk, voice.ModeWakeWord, voice.ModeAlwaysOn:
	default:
		return nil, newRequestError(ErrBadRequest, fmt.Sprintf("invalid voice mode %q", p.Mode))
	}
	// Method call wins over a concurrent config.patch on
	// voice.conversation.mode (open question in spec §9); write the
	// result back into the config tree so readers stay consistent.
	s.voicePl.SetMode(voice.Mode(p.Mode))
	s.cfg.Patch("voice.mode", p.Mode)
	return map[string]any{"mode": p.Mode}, nil
}

type voiceSpeakParams struct {
	Text string `json:"text"`
}

func (s *Server) methodVoiceSpeak(ctx context.Context, _ *session.Session, params json.RawMessage) (any, error) {
	if s.voicePl == nil {
		return nil, newRequestError(ErrProviderUnavailable, "voice pipeline disabled")
	}
	p, err := decodeParams[voiceSpeakParams](params)
	if err != nil {
		return nil, err
	}
	if p.Text == "" {
		return nil, newRequestError(ErrBadRequest, "text must not be empty")
	}
	// Detach from the method call's deadline: Speak continues long after
	// this handler returns "queued", so it must not inherit callCtx's
	// cancellation when handleMethod's deferred cancel() fires.
	go s.voicePl.Speak(context.WithoutCancel(ctx), p.Text)
	return map[string]any{"queued": true}, nil
}

func (s *Server) methodVoiceInterrupt(_ context.Context, _ *session.Session, _ json.RawMessage) (any, error) {
	if s.voicePl == nil {
		return nil, newRequestError(ErrProviderUnavailable, "voice pipeline disabled")
	}
	s.voicePl.Interrupt()
	return map[string]any{"interrupted": true}, nil
}
