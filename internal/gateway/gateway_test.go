package gateway

import (
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helixrun/helix/internal/channels"
	"github.com/helixrun/helix/internal/config"
	"github.com/helixrun/helix/internal/events"
	"github.com/helixrun/helix/internal/hooks"
	"github.com/helixrun/helix/internal/pairing"
	"github.com/helixrun/helix/internal/session"
)

// testServer builds a Server with an auth profile "d1"/"t" granted
// config.read only, serves it over httptest, and returns the test
// server, its WebSocket URL, the session registry and the event bus.
func testServer(t *testing.T) (*httptest.Server, string, *session.Registry, *events.Bus) {
	t.Helper()

	bus := events.New()
	cfg := config.Default()
	cfg.Auth.Profiles = map[string]config.AuthProfile{
		"d1": {Token: "t", Role: "node", Scopes: []string{"config.read"}},
	}
	cfgStore, err := config.NewStore(cfg)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	sessions := session.NewRegistry(bus)

	srv := NewServer(Deps{
		Bus:              bus,
		Sessions:         sessions,
		Config:           cfgStore,
		Pairing:          pairing.New(bus),
		Channels:         channels.NewManager(bus, pairing.New(bus), func(string, string) bool { return false }, nil),
		Hooks:            hooks.NewEngine(bus, nil),
		HandshakeTimeout: time.Second,
		MethodTimeout:    time.Second,
		EnqueueTimeout:   time.Second,
	})

	ts := httptest.NewServer(srv.Handler())
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return ts, wsURL, sessions, bus
}

func dialAndHello(t *testing.T, wsURL string, scopes []string) (*websocket.Conn, helloOkFrame) {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var challenge struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
	}
	if err := ws.ReadJSON(&challenge); err != nil {
		t.Fatalf("reading challenge: %v", err)
	}
	if challenge.Type != "challenge" || challenge.Challenge == "" {
		t.Fatalf("unexpected challenge frame: %+v", challenge)
	}

	if err := ws.WriteJSON(map[string]any{
		"type":     "hello",
		"deviceId": "d1",
		"token":    "t",
		"scopes":   scopes,
	}); err != nil {
		t.Fatalf("sending hello: %v", err)
	}

	var ok helloOkFrame
	if err := ws.ReadJSON(&ok); err != nil {
		t.Fatalf("reading hello response: %v", err)
	}
	if ok.Type != "hello-ok" {
		t.Fatalf("expected hello-ok, got %+v", ok)
	}
	return ws, ok
}

type helloOkFrame struct {
	Type          string   `json:"type"`
	Role          string   `json:"role"`
	GrantedScopes []string `json:"grantedScopes"`
	Version       string   `json:"version"`
}

type testMethodResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// TestFreshConnectAndConfigRead exercises scenario 1: challenge precedes
// hello-ok (P1), and a config.read-scoped connection can read a subtree.
func TestFreshConnectAndConfigRead(t *testing.T) {
	ts, wsURL, _, _ := testServer(t)
	defer ts.Close()

	ws, ok := dialAndHello(t, wsURL, []string{"config.read"})
	defer ws.Close()

	if len(ok.GrantedScopes) != 1 || ok.GrantedScopes[0] != "config.read" {
		t.Fatalf("grantedScopes = %v, want [config.read]", ok.GrantedScopes)
	}

	if err := ws.WriteJSON(map[string]any{
		"id":     1,
		"method": "config.get",
		"params": map[string]string{"path": "voice.stt"},
	}); err != nil {
		t.Fatalf("sending config.get: %v", err)
	}

	var resp testMethodResponse
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("reading config.get response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("config.get returned error: %+v", resp.Error)
	}
	if resp.ID != 1 {
		t.Fatalf("response id = %d, want 1", resp.ID)
	}
	if len(resp.Result) == 0 {
		t.Fatal("expected non-empty result for voice.stt")
	}
}

// TestUnscopedWriteRefused exercises scenario 2: a config.read-only
// connection attempting config.patch is refused with "forbidden" (P2),
// and no config:changed event is observed on the bus.
func TestUnscopedWriteRefused(t *testing.T) {
	ts, wsURL, _, bus := testServer(t)
	defer ts.Close()

	sub := bus.Subscribe(16)
	defer bus.Unsubscribe(sub)

	ws, _ := dialAndHello(t, wsURL, []string{"config.read"})
	defer ws.Close()

	if err := ws.WriteJSON(map[string]any{
		"id":     2,
		"method": "config.patch",
		"params": map[string]any{"path": "voice", "value": map[string]any{}},
	}); err != nil {
		t.Fatalf("sending config.patch: %v", err)
	}

	var resp testMethodResponse
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("reading config.patch response: %v", err)
	}
	if resp.Error == nil {
		t.Fatal("expected an error response for unscoped config.patch")
	}
	if resp.Error.Code != ErrForbidden {
		t.Errorf("error code = %q, want %q", resp.Error.Code, ErrForbidden)
	}
	if resp.ID != 2 {
		t.Fatalf("response id = %d, want 2", resp.ID)
	}

	for {
		select {
		case e := <-sub:
			if e.Kind == events.KindConfigChanged {
				t.Fatalf("refused config.patch published %+v", e)
			}
		default:
			return
		}
	}
}

// TestNoMethodServicedBeforeHelloOk exercises P1's second clause: a
// method call sent before hello is rejected, not serviced.
func TestNoMethodServicedBeforeHelloOk(t *testing.T) {
	ts, wsURL, _, _ := testServer(t)
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	var challenge struct {
		Type string `json:"type"`
	}
	if err := ws.ReadJSON(&challenge); err != nil {
		t.Fatalf("reading challenge: %v", err)
	}

	if err := ws.WriteJSON(map[string]any{
		"id":     1,
		"method": "config.get",
		"params": map[string]string{"path": "voice.stt"},
	}); err != nil {
		t.Fatalf("sending premature method call: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, _, err = ws.ReadMessage()
	if err == nil {
		t.Fatal("expected the connection to reject a method call sent before hello-ok")
	}
}

// TestBadCredentialsRejected covers the handshake's unauthenticated path.
func TestBadCredentialsRejected(t *testing.T) {
	ts, wsURL, _, _ := testServer(t)
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	var challenge struct {
		Type string `json:"type"`
	}
	if err := ws.ReadJSON(&challenge); err != nil {
		t.Fatalf("reading challenge: %v", err)
	}

	if err := ws.WriteJSON(map[string]any{
		"type":     "hello",
		"deviceId": "d1",
		"token":    "wrong-token",
		"scopes":   []string{"config.read"},
	}); err != nil {
		t.Fatalf("sending hello: %v", err)
	}

	var resp struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	}
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("reading hello response: %v", err)
	}
	if resp.Type != "hello-err" {
		t.Fatalf("expected hello-err, got %+v", resp)
	}
}

// TestRevokeClosesSession exercises spec §3's "revocation... closes all
// sessions referencing the device": a connection authenticated as a
// paired device has its socket torn down once that device is revoked.
func TestRevokeClosesSession(t *testing.T) {
	ts, wsURL, sessions, _ := testServer(t)
	defer ts.Close()

	id := sessions.RequestPairing("phone", "signal", []string{"config.read"})
	dev, err := sessions.Approve(id, []string{"config.read"})
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}

	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	var challenge struct {
		Type string `json:"type"`
	}
	if err := ws.ReadJSON(&challenge); err != nil {
		t.Fatalf("reading challenge: %v", err)
	}
	if err := ws.WriteJSON(map[string]any{
		"type":     "hello",
		"deviceId": dev.ID,
		"token":    dev.Secret,
		"scopes":   []string{"config.read"},
	}); err != nil {
		t.Fatalf("sending hello: %v", err)
	}
	var ok helloOkFrame
	if err := ws.ReadJSON(&ok); err != nil {
		t.Fatalf("reading hello response: %v", err)
	}
	if ok.Type != "hello-ok" {
		t.Fatalf("expected hello-ok, got %+v", ok)
	}

	if err := sessions.Revoke(dev.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue // drained an event frame queued before the close
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			t.Fatal("connection was not closed within the deadline after revocation")
		}
		return // connection closed, as expected
	}
}
