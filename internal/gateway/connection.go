package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helixrun/helix/internal/buildinfo"
	"github.com/helixrun/helix/internal/events"
	"github.com/helixrun/helix/internal/session"
)

// connection owns one accepted WebSocket: an inbound reader and an
// outbound writer communicating through a bounded, eviction-aware
// queue (spec §4.1 concurrency contract, §5 "inbound/outbound pair").
type connection struct {
	srv  *Server
	ws   *websocket.Conn
	sess *session.Session

	writeMu sync.Mutex // serializes raw websocket writes (handshake + outbox)

	out       *outbox
	sub       <-chan events.Event
	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn, srv *Server) *connection {
	return &connection{
		srv:  srv,
		ws:   ws,
		sess: session.NewSession(),
		out:  newOutbox(outboundQueueCapacity),
	}
}

// run drives the connection end to end: challenge, hello handshake,
// then the interleaved method-call / event-fan-out phase. It returns
// once the socket is closed, by either side.
func (c *connection) run(ctx context.Context) {
	defer c.teardown()

	nonce, err := randomNonce()
	if err != nil {
		c.srv.logger.Error("gateway: failed to generate challenge nonce", "error", err)
		return
	}
	c.sess.Nonce = nonce
	c.sess.State = session.StateChallenged

	if err := c.writeJSON(challengeMsg{Type: "challenge", Challenge: nonce}); err != nil {
		return
	}

	if !c.handshake(ctx) {
		return
	}

	c.sub = c.srv.subscribe()
	defer c.srv.unsubscribe(c.sub)

	go c.pumpOutbox(ctx)
	go c.pumpEvents(ctx)

	c.readLoop(ctx)
}

// handshake waits for the client's hello frame within the configured
// timeout, resolves the device, and replies hello-ok/hello-err. Returns
// false if the connection should be torn down (timeout, bad hello, or
// resolution failure already reported to the client).
func (c *connection) handshake(ctx context.Context) bool {
	type result struct {
		env envelope
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			resCh <- result{err: err}
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			resCh <- result{err: err}
			return
		}
		resCh <- result{env: env}
	}()

	select {
	case <-time.After(c.srv.handshakeTimeout):
		c.closeWithCode(websocket.CloseNormalClosure, ErrHandshakeTimeout)
		return false
	case <-ctx.Done():
		return false
	case r := <-resCh:
		if r.err != nil || r.env.Type != "hello" {
			c.closeWithCode(websocket.ClosePolicyViolation, ErrBadRequest)
			return false
		}
		return c.completeHello(r.env)
	}
}

func (c *connection) completeHello(env envelope) bool {
	role, granted, ok := c.srv.resolveDevice(env.DeviceID, env.Token, env.Scopes)
	if !ok {
		c.writeJSON(helloErrMsg{Type: "hello-err", Reason: "unauthenticated"})
		c.closeWithCode(websocket.ClosePolicyViolation, "unauthenticated")
		return false
	}

	c.sess.DeviceID = env.DeviceID
	c.sess.Role = role
	c.sess.Scopes = granted
	c.sess.State = session.StateAuthenticated
	c.srv.sessions.Touch(env.DeviceID)

	return c.writeJSON(helloOkMsg{
		Type:          "hello-ok",
		Role:          string(role),
		GrantedScopes: granted,
		Version:       buildinfo.Version,
	}) == nil
}

// readLoop services method calls until the socket closes. Per P1, no
// method call reaches dispatch before hello-ok — handshake() already
// guarantees that by construction (readLoop only starts after it).
func (c *connection) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.replyError(nil, newWireError(ErrBadRequest, err.Error()))
			continue
		}
		if env.Type == "subscribe" {
			// subscription is implicit today (every authenticated
			// connection receives the full event stream); the frame is
			// accepted as a no-op for forward wire compatibility with
			// clients that always send it before relying on events.
			continue
		}
		c.handleMethod(ctx, env)
	}
}

func (c *connection) handleMethod(ctx context.Context, env envelope) {
	if env.Method == "" {
		c.replyError(env.ID, newWireError(ErrBadRequest, "missing method"))
		return
	}
	h, ok := c.srv.methods[env.Method]
	if !ok {
		c.replyError(env.ID, newWireError(ErrNotFound, fmt.Sprintf("unknown method %q", env.Method)))
		return
	}
	if !c.sess.HasScope(h.scope) {
		c.replyError(env.ID, newWireError(ErrForbidden, fmt.Sprintf("method %q requires scope %q", env.Method, h.scope)))
		return
	}

	c.srv.sessions.Touch(c.sess.DeviceID)

	callCtx, cancel := context.WithTimeout(ctx, c.srv.methodTimeout)
	defer cancel()

	result, err := h.fn(callCtx, c.sess, env.Params)
	if err != nil {
		c.replyError(env.ID, toWireError(err))
		return
	}
	c.writeJSON(methodResponse{ID: env.ID, Result: result})
}

func (c *connection) replyError(id json.RawMessage, wireErr *wireError) {
	c.writeJSON(methodResponse{ID: id, Error: wireErr})
}

// pumpOutbox drains the outbox and writes frames to the socket,
// serialized against handshake/direct writes via writeMu.
func (c *connection) pumpOutbox(ctx context.Context) {
	items := c.out.deliver()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-items:
			if !ok {
				return
			}
			if c.writeRaw(item.payload) != nil {
				return
			}
		case <-c.out.closeSignal():
			c.closeWithCode(websocket.ClosePolicyViolation, ErrSlowClient)
			return
		}
	}
}

// pumpEvents subscribes this connection to the bus and enqueues each
// event onto the outbox, subject to backpressure eviction (spec §4.1).
// A device:revoked event naming this connection's DeviceID tears the
// connection down immediately instead of being forwarded (spec §3:
// "revocation... closes all sessions referencing the device").
func (c *connection) pumpEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-c.sub:
			if !ok {
				return
			}
			if e.Kind == events.KindDeviceRevoked && c.revokes(e) {
				c.closeWithCode(websocket.ClosePolicyViolation, "device revoked")
				return
			}
			payload, err := json.Marshal(eventMsg{
				Type:  "event",
				Event: e.Kind,
				Data:  e.Data,
				Seq:   e.Seq,
				TS:    e.Timestamp.UnixMilli(),
			})
			if err != nil {
				continue
			}
			dropped := c.out.push(outboundItem{
				payload:  payload,
				critical: isCritical(e.Kind),
				isEvent:  true,
			})
			if dropped > 0 {
				c.emitBackpressure(dropped)
			}
		}
	}
}

// revokes reports whether a device:revoked event names this
// connection's authenticated device.
func (c *connection) revokes(e events.Event) bool {
	if c.sess.DeviceID == "" {
		return false
	}
	id, _ := e.Data["device_id"].(string)
	return id == c.sess.DeviceID
}

func (c *connection) emitBackpressure(dropped int) {
	payload, err := json.Marshal(eventMsg{
		Type:  "event",
		Event: events.KindBackpressure,
		Data:  map[string]any{"connection_id": c.sess.ID, "dropped": dropped},
		TS:    time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	// Backpressure notices are themselves exempt from eviction — a
	// client needs to learn it lost events even while still slow.
	c.out.push(outboundItem{payload: payload, critical: true})
}

func (c *connection) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.writeRaw(data)
}

func (c *connection) writeRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *connection) closeWithCode(code int, reason string) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.ws.Close()
}

func (c *connection) teardown() {
	c.closeOnce.Do(func() {
		c.sess.State = session.StateClosed
		c.ws.Close()
		c.out.close()
	})
}
