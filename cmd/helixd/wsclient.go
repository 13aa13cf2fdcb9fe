package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// controlClient is a minimal hand-rolled client for the gateway's
// challenge/hello/method-call wire protocol (internal/gateway/protocol.go) —
// deliberately not importing that package, since the wire format is the
// contract a real external client (desktop/mobile shell, this CLI) speaks
// without any Go-level coupling to the server's unexported types.
type controlClient struct {
	ws *websocket.Conn
}

type clientEnvelope struct {
	Type     string          `json:"type,omitempty"`
	ID       string          `json:"id,omitempty"`
	Method   string          `json:"method,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
	DeviceID string          `json:"deviceId,omitempty"`
	Token    string          `json:"token,omitempty"`
	Scopes   []string        `json:"scopes,omitempty"`
}

type clientWireError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type clientMethodResponse struct {
	ID     string           `json:"id"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *clientWireError `json:"error,omitempty"`
}

// dialControlPlane connects to the gateway's WebSocket endpoint and
// completes the challenge/hello handshake with the given device
// credentials, requesting requestedScopes.
func dialControlPlane(addr, deviceID, token string, requestedScopes []string) (*controlClient, error) {
	u := fmt.Sprintf("ws://%s/ws", addr)
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}

	// Discard the challenge frame: this client has no signature scheme
	// to respond with, matching the gateway's current bearer-token-only
	// device resolution.
	if _, _, err := ws.ReadMessage(); err != nil {
		ws.Close()
		return nil, fmt.Errorf("reading challenge: %w", err)
	}

	hello := clientEnvelope{Type: "hello", DeviceID: deviceID, Token: token, Scopes: requestedScopes}
	if err := ws.WriteJSON(hello); err != nil {
		ws.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	var resp struct {
		Type          string   `json:"type"`
		Reason        string   `json:"reason"`
		Role          string   `json:"role"`
		GrantedScopes []string `json:"grantedScopes"`
	}
	if err := ws.ReadJSON(&resp); err != nil {
		ws.Close()
		return nil, fmt.Errorf("reading hello response: %w", err)
	}
	if resp.Type != "hello-ok" {
		ws.Close()
		return nil, fmt.Errorf("handshake rejected: %s", resp.Reason)
	}

	return &controlClient{ws: ws}, nil
}

// Call issues a method call and waits for its matching response,
// skipping any server-push event frames interleaved on the same socket.
func (c *controlClient) Call(id, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	if err := c.ws.WriteJSON(clientEnvelope{ID: id, Method: method, Params: raw}); err != nil {
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	c.ws.SetReadDeadline(time.Now().Add(timeout))
	for {
		var raw json.RawMessage
		if err := c.ws.ReadJSON(&raw); err != nil {
			return nil, fmt.Errorf("reading %s response: %w", method, err)
		}
		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &probe); err == nil && probe.Type == "event" {
			continue // server-push event, not our method's response
		}
		var resp clientMethodResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, err
		}
		if resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s (%s)", method, resp.Error.Message, resp.Error.Code)
		}
		return resp.Result, nil
	}
}

func (c *controlClient) Close() error {
	return c.ws.Close()
}
