package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/ephemeralrooms/ephemeralrooms/internal/errs"
	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
	"github.com/ephemeralrooms/ephemeralrooms/internal/session"
	"github.com/ephemeralrooms/ephemeralrooms/internal/transport"
	"github.com/ephemeralrooms/ephemeralrooms/internal/wire"
)

var errMissingTLS = fmt.Errorf("relay http server requires TLS config unless plaintext is explicitly allowed")

// ServerConfig configures the relay's HTTP admission surface (spec.md
// §4.9 "URL surface").
type ServerConfig struct {
	Addr         string
	TLSConfig    *tls.Config
	PlainText    bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         ":8843",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the relay's single HTTP listener: it upgrades host and client
// WebSocket connections into the registry and serves the invite-token and
// Prometheus surfaces alongside them (spec.md §4.9).
type Server struct {
	cfg    ServerConfig
	router *Router
	gather prometheus.Gatherer
	log    *slog.Logger

	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer wires an HTTP server against router, registering every route
// named in spec.md §4.9's URL surface.
func NewServer(cfg ServerConfig, router *Router, gather prometheus.Gatherer, log *slog.Logger) *Server {
	s := &Server{cfg: cfg, router: router, gather: gather, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /rooms/{roomId}", s.handleHostUpgrade)
	mux.HandleFunc("GET /rooms/{roomId}/join", s.handleClientJoin)
	mux.HandleFunc("POST /invite/create/{roomId}", s.handleInviteCreate)
	mux.HandleFunc("GET /invite/validate/{token}", s.handleInviteValidate)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gather, promhttp.HandlerOpts{}))

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		TLSConfig:    cfg.TLSConfig,
	}
	return s
}

// Start begins serving. It blocks until the listener is bound, then
// serves in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go func() {
		var serveErr error
		if s.cfg.TLSConfig != nil {
			serveErr = s.server.ServeTLS(ln, "", "")
		} else if s.cfg.PlainText {
			serveErr = s.server.Serve(ln)
		} else {
			serveErr = errMissingTLS
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			s.log.Error("relay http server stopped", slog.String("error", serveErr.Error()))
		}
	}()
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Addr returns the bound listener address, valid after Start.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

func (s *Server) handleHostUpgrade(w http.ResponseWriter, r *http.Request) {
	roomID, err := identity.ParseRoomID(r.PathValue("roomId"))
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	link := newWSLink(conn)

	record, err := s.router.AdmitHost(remoteIP(r), roomID, link)
	if err != nil {
		writeErrorFrame(r.Context(), conn, err)
		conn.Close(websocket.StatusPolicyViolation, "room unavailable")
		return
	}

	s.sendEnvelope(r.Context(), conn, wire.Envelope{Type: wire.TypeRoomCreated, RoomID: roomID.String()})
	s.hostReadLoop(r.Context(), conn, record)
}

func (s *Server) handleClientJoin(w http.ResponseWriter, r *http.Request) {
	roomID, err := identity.ParseRoomID(r.PathValue("roomId"))
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing invite token", http.StatusBadRequest)
		return
	}
	tokenRoomID, err := s.router.Registry.ConsumeInviteToken(token, time.Now())
	if err != nil || tokenRoomID != roomID {
		if s.router.Metrics != nil {
			s.router.Metrics.RecordInviteTokenRejected()
		}
		http.Error(w, "invalid or expired invite token", http.StatusForbidden)
		return
	}
	if s.router.Metrics != nil {
		s.router.Metrics.RecordInviteTokenConsumed()
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	link := newWSLink(conn)

	record, participantID, err := s.router.AdmitClient(remoteIP(r), roomID, link)
	if err != nil {
		writeErrorFrame(r.Context(), conn, err)
		conn.Close(websocket.StatusPolicyViolation, "room unavailable")
		return
	}

	s.sendEnvelope(r.Context(), conn, wire.Envelope{
		Type:          wire.TypeConnected,
		RoomID:        roomID.String(),
		ParticipantID: participantID.String(),
	})
	s.clientReadLoop(r.Context(), conn, record, participantID)
}

func (s *Server) handleInviteCreate(w http.ResponseWriter, r *http.Request) {
	roomID, err := identity.ParseRoomID(r.PathValue("roomId"))
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	if !s.router.InviteLimiter.Allow(remoteIP(r)) {
		if s.router.Metrics != nil {
			s.router.Metrics.RecordRateLimitReject("invite_create")
		}
		writeJSONStatus(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
		return
	}

	now := time.Now()
	inv, err := s.router.Registry.CreateInviteToken(roomID, now)
	if err != nil {
		if s.router.Metrics != nil {
			s.router.Metrics.RecordInviteTokenRejected()
		}
		writeJSONStatus(w, errStatus(err), map[string]string{"error": err.Error()})
		return
	}
	if s.router.Metrics != nil {
		s.router.Metrics.RecordInviteTokenIssued()
	}

	writeJSONStatus(w, http.StatusCreated, map[string]any{
		"token":     inv.Token,
		"roomId":    roomID.String(),
		"expiresIn": int64(inv.ExpiresAt.Sub(now).Seconds()),
	})
}

func (s *Server) handleInviteValidate(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")
	roomID, ok := s.router.Registry.PeekInviteToken(token, time.Now())
	if !ok {
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": false})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"valid": true, "roomId": roomID.String()})
}

// hostReadLoop pumps envelopes from the host connection, interpreting
// only routing metadata (type, target participant) and forwarding the
// opaque payload untouched (spec.md §4.9, §8 invariant 7).
func (s *Server) hostReadLoop(ctx context.Context, conn *websocket.Conn, record *RoomRecord) {
	defer s.router.Registry.Destroy(record.RoomID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			continue
		}
		record.Touch(time.Now())

		switch env.Type {
		case wire.TypeRoomOpen:
			record.MarkOpen()
		case wire.TypeBroadcast:
			delivery, err := retypeDelivery(env)
			if err == nil {
				s.router.Broadcast(record, delivery)
			}
		case wire.TypeDirect:
			target, err := identity.ParseParticipantID(env.ParticipantID)
			if err != nil {
				continue
			}
			delivery, err := retypeDelivery(env)
			if err == nil {
				_ = s.router.Direct(record, target, delivery)
			}
		case wire.TypeKick:
			target, err := identity.ParseParticipantID(env.ParticipantID)
			if err == nil {
				kicked, _ := wire.Encode(wire.Envelope{Type: wire.TypeKicked, Reason: env.Reason})
				s.router.Kick(record, target, kicked)
			}
		case wire.TypeRoomClose:
			destroyed, _ := wire.Encode(wire.Envelope{Type: wire.TypeRoomDestroyed, Reason: env.Reason})
			s.router.CloseRoom(record, string(session.ReasonHostClosed), destroyed)
			return
		case wire.TypeHeartbeat:
			s.sendEnvelope(ctx, conn, wire.Envelope{Type: wire.TypeHeartbeatAck})
		}
	}
}

// clientReadLoop pumps envelopes from one client connection.
func (s *Server) clientReadLoop(ctx context.Context, conn *websocket.Conn, record *RoomRecord, participantID identity.ParticipantID) {
	defer record.RemoveParticipant(participantID)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			continue
		}

		switch env.Type {
		case wire.TypeMessage:
			env.SenderID = participantID.String()
			delivery, err := retypeDelivery(env)
			if err != nil {
				continue
			}
			_ = s.router.RelayClientMessage(record, participantID, delivery)
		case wire.TypeHeartbeat:
			s.sendEnvelope(ctx, conn, wire.Envelope{Type: wire.TypeHeartbeatAck})
		}
	}
}

// retypeDelivery re-encodes a raw BROADCAST/DIRECT/MESSAGE envelope's
// opaque payload as CLIENT_MESSAGE, the single "relay -> endpoint"
// delivery type every receiving endpoint's read loop recognizes (spec.md
// §4.8 "Relay -> endpoint" frame types), carrying the original envelope's
// sender id forward untouched.
func retypeDelivery(env wire.Envelope) ([]byte, error) {
	return wire.Encode(wire.Envelope{
		Type:     wire.TypeClientMessage,
		SenderID: env.SenderID,
		Payload:  env.Payload,
	})
}

func (s *Server) sendEnvelope(ctx context.Context, conn *websocket.Conn, env wire.Envelope) {
	data, err := wire.Encode(env)
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func writeErrorFrame(ctx context.Context, conn *websocket.Conn, cause error) {
	data, err := wire.Encode(wire.Envelope{Type: wire.TypeError, Message: cause.Error()})
	if err != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func errStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errs.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrServerAtCapacity), errors.Is(err, errs.ErrTokenLimit):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func remoteIP(r *http.Request) string {
	host, _, splitErr := net.SplitHostPort(r.RemoteAddr)
	if splitErr != nil {
		return r.RemoteAddr
	}
	return host
}

// wsLink adapts a raw WebSocket connection to the Link interface the
// registry and router use for opaque forwarding. Sends go through a
// bounded OutboundQueue drained by a dedicated goroutine, so one slow
// participant can't block the router's fan-out to everyone else
// (spec.md §4.9 backpressure policy).
type wsLink struct {
	conn   *websocket.Conn
	queue  *transport.OutboundQueue
	ctx    context.Context
	cancel context.CancelFunc
}

func newWSLink(conn *websocket.Conn) *wsLink {
	ctx, cancel := context.WithCancel(context.Background())
	l := &wsLink{
		conn:   conn,
		queue:  transport.NewOutboundQueue(transport.DefaultQueueCapacity),
		ctx:    ctx,
		cancel: cancel,
	}
	go l.drainLoop()
	return l
}

func (l *wsLink) drainLoop() {
	for {
		data, err := l.queue.Dequeue(l.ctx)
		if err != nil {
			return
		}
		if err := l.conn.Write(l.ctx, websocket.MessageText, data); err != nil {
			l.queue.Close()
			return
		}
	}
}

func (l *wsLink) Send(frame []byte) error {
	if err := l.queue.Enqueue(frame, wire.IsControl(frame)); err != nil {
		_ = l.Close()
		return err
	}
	return nil
}

func (l *wsLink) Close() error {
	l.cancel()
	l.queue.Close()
	return l.conn.Close(websocket.StatusNormalClosure, "closed")
}
