package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/helixrun/helix/internal/buildinfo"
	"github.com/helixrun/helix/internal/channels"
	"github.com/helixrun/helix/internal/config"
	"github.com/helixrun/helix/internal/events"
	"github.com/helixrun/helix/internal/hooks"
	"github.com/helixrun/helix/internal/pairing"
	"github.com/helixrun/helix/internal/session"
	"github.com/helixrun/helix/internal/voice"
)

const outboundQueueCapacity = 64

// Server accepts WebSocket connections on a loopback address and
// speaks the control-plane protocol: challenge/hello handshake, scoped
// method dispatch, and event fan-out from the shared bus.
type Server struct {
	upgrader websocket.Upgrader

	bus      *events.Bus
	sessions *session.Registry
	cfg      *config.Store
	pairing  *pairing.Store
	channels *channels.Manager
	hooksEng *hooks.Engine
	voicePl  *voice.Pipeline

	handshakeTimeout time.Duration
	methodTimeout    time.Duration
	enqueueTimeout   time.Duration

	methods map[string]methodHandler
	logger  *slog.Logger
}

// Deps bundles the components a Server routes method calls to. VoicePl
// may be nil (voice disabled); everything else is required.
type Deps struct {
	Bus      *events.Bus
	Sessions *session.Registry
	Config   *config.Store
	Pairing  *pairing.Store
	Channels *channels.Manager
	Hooks    *hooks.Engine
	VoicePl  *voice.Pipeline
	Logger   *slog.Logger

	HandshakeTimeout time.Duration
	MethodTimeout    time.Duration
	EnqueueTimeout   time.Duration
}

// NewServer builds a Server and registers the minimum method namespace.
func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		upgrader:         websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		bus:              d.Bus,
		sessions:         d.Sessions,
		cfg:              d.Config,
		pairing:          d.Pairing,
		channels:         d.Channels,
		hooksEng:         d.Hooks,
		voicePl:          d.VoicePl,
		handshakeTimeout: nonZero(d.HandshakeTimeout, 10*time.Second),
		methodTimeout:    nonZero(d.MethodTimeout, 30*time.Second),
		enqueueTimeout:   nonZero(d.EnqueueTimeout, 2*time.Second),
		logger:           logger,
	}
	s.registerMethods()
	return s
}

func nonZero(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// Handler returns the http.Handler to mount at the control-plane's
// WebSocket upgrade path (conventionally "/ws").
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": buildinfo.Version})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	c := newConnection(conn, s)
	go c.run(r.Context())
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("gateway: generating nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *Server) subscribe() <-chan events.Event {
	return s.bus.Subscribe(outboundQueueCapacity)
}

func (s *Server) unsubscribe(ch <-chan events.Event) {
	s.bus.Unsubscribe(ch)
}

// isCritical reports whether an event kind is exempt from backpressure
// drops (spec §7: "security, pair approval, errors").
func isCritical(kind string) bool {
	switch kind {
	case events.KindDeviceApproved, events.KindDeviceRevoked,
		events.KindPairingApproved, events.KindVoiceError:
		return true
	default:
		return false
	}
}
