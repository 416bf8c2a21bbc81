// Package endpoint is the top-level orchestrator cmd/roomendpoint drives:
// it dials the relay, runs the join handshake (spec.md §4.5) on whichever
// side of it the caller is on, and then hands the caller a Room that wraps
// internal/session's send/deliver pipeline over the wire connection.
//
// Everything here is the plumbing between a transport.Conn and a
// session.Session — the cryptography itself lives in internal/handshake,
// internal/session, and internal/primitives.
package endpoint

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/ephemeralrooms/ephemeralrooms/internal/config"
	"github.com/ephemeralrooms/ephemeralrooms/internal/frame"
	"github.com/ephemeralrooms/ephemeralrooms/internal/handshake"
	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
	"github.com/ephemeralrooms/ephemeralrooms/internal/primitives"
	"github.com/ephemeralrooms/ephemeralrooms/internal/rekey"
	"github.com/ephemeralrooms/ephemeralrooms/internal/session"
	"github.com/ephemeralrooms/ephemeralrooms/internal/transport"
	"github.com/ephemeralrooms/ephemeralrooms/internal/wire"
)

// rekeyCheckInterval is how often the host loop polls Session.ShouldRekey;
// it just needs to be short relative to RekeyInterval, not jittered itself.
const rekeyCheckInterval = 5 * time.Second

// Endpoint dials a single relay on behalf of either a host or a client.
type Endpoint struct {
	cfg    *config.EndpointConfig
	dialer transport.Dialer
	log    *slog.Logger
}

// New builds an Endpoint against cfg, dialing the relay over WebSocket.
func New(cfg *config.EndpointConfig, log *slog.Logger) *Endpoint {
	return &Endpoint{cfg: cfg, dialer: transport.NewWebSocketDialer(), log: log}
}

// Room is a live, authenticated view of one room from this endpoint's
// side, wrapping a session.Session over its transport connection.
type Room struct {
	RoomID      identity.RoomID
	Self        identity.ParticipantID
	sess        *session.Session
	conn        transport.Conn
	sendType    wire.Type
	log         *slog.Logger
	messages    chan session.DeliveredMessage
	destroyedCh chan session.DestroyReason

	// selfKeys is this client's current DH key pair, updated in place
	// every time a rekey round rotates it (spec.md §4.6 step 5). Nil on
	// the host side, which has no single "current" key pair of its own.
	selfKeys *primitives.KeyPair

	// rekeyMu guards rekeyRound, the host's in-flight rekey round state.
	rekeyMu    sync.Mutex
	rekeyRound *hostRekeyRound

	// onRekeyConfirm/onRekeyInit are set by ServeHandshakes/ServeClient
	// before entering their read loops, routing the two rekey control
	// content types out of the ordinary delivered-message path (spec.md
	// §4.6) since only the caller holds the key material to act on them.
	onRekeyConfirm func(session.DeliveredMessage)
	onRekeyInit    func(session.DeliveredMessage)
}

func (r *Room) onDeliver(msg session.DeliveredMessage) {
	switch msg.Content {
	case frame.ContentRekeyConfirm:
		if r.onRekeyConfirm != nil {
			r.onRekeyConfirm(msg)
		}
		return
	case frame.ContentRekeyInit:
		if r.onRekeyInit != nil {
			r.onRekeyInit(msg)
		}
		return
	}

	select {
	case r.messages <- msg:
	default:
		r.log.Warn("dropped delivered message: receiver not keeping up")
	}
}

// hostRekeyRound tracks one host-driven rekey round in flight (spec.md
// §4.6): the fresh ephemeral pair and candidate master for this round, and
// the set of participants still owed a confirmation.
type hostRekeyRound struct {
	epoch     uint32
	ephPriv   [primitives.KeySize]byte
	ephPub    [primitives.KeySize]byte
	oldMaster []byte
	newMaster []byte
	awaiting  map[identity.ParticipantID]struct{}
}

func (r *Room) onDestroy(reason session.DestroyReason) {
	select {
	case r.destroyedCh <- reason:
	default:
	}
}

// SendFrame implements session.Sender by wrapping a sealed §3 message
// frame in a wire envelope and writing it to the relay connection.
func (r *Room) SendFrame(ctx context.Context, frame []byte) error {
	env := wire.Envelope{
		Type:    r.sendType,
		Payload: base64.StdEncoding.EncodeToString(frame),
	}
	data, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("encode outbound frame: %w", err)
	}
	return r.conn.WriteMessage(ctx, data)
}

// SendMessage encrypts and sends content to the room (spec.md §4.7
// sendMessage).
func (r *Room) SendMessage(ctx context.Context, content []byte) error {
	return r.sess.SendMessage(ctx, content)
}

// sendDirect transmits a sealed frame to one participant by id, the
// unicast delivery a host's per-participant rekey-init payload requires
// (spec.md §4.6, §4.9 DIRECT operation).
func (r *Room) sendDirect(ctx context.Context, target identity.ParticipantID, sealed []byte) error {
	env := wire.Envelope{
		Type:          wire.TypeDirect,
		ParticipantID: target.String(),
		Payload:       base64.StdEncoding.EncodeToString(sealed),
	}
	data, err := wire.Encode(env)
	if err != nil {
		return fmt.Errorf("encode direct frame: %w", err)
	}
	return r.conn.WriteMessage(ctx, data)
}

// sendHeartbeat emits a HEARTBEAT frame to the relay, keeping a quiet
// room's host link from tripping the relay's heartbeat timeout (spec.md
// §4.9).
func (r *Room) sendHeartbeat(ctx context.Context) error {
	data, err := wire.Encode(wire.Envelope{Type: wire.TypeHeartbeat})
	if err != nil {
		return err
	}
	return r.conn.WriteMessage(ctx, data)
}

// Messages returns the channel of plaintext messages delivered to this
// endpoint, in arrival order.
func (r *Room) Messages() <-chan session.DeliveredMessage {
	return r.messages
}

// Destroyed returns a channel that receives the room's destroy reason
// exactly once, when the session ends.
func (r *Room) Destroyed() <-chan session.DestroyReason {
	return r.destroyedCh
}

// Close tears down the session and the underlying connection.
func (r *Room) Close(reason session.DestroyReason) {
	r.sess.Close(reason)
	_ = r.conn.Close()
}

const messageBufferSize = 64

func newRoom(roomID identity.RoomID, role session.Role, sendType wire.Type, conn transport.Conn, log *slog.Logger) *Room {
	r := &Room{
		RoomID:      roomID,
		conn:        conn,
		sendType:    sendType,
		log:         log,
		messages:    make(chan session.DeliveredMessage, messageBufferSize),
		destroyedCh: make(chan session.DestroyReason, 1),
	}
	r.sess = session.New(role, roomID, r, r.onDeliver, r.onDestroy)
	return r
}

func (e *Endpoint) dialOptions() transport.DialOptions {
	opts := transport.DefaultDialOptions()
	opts.InsecureSkipVerify = e.cfg.InsecureSkipVerify
	return opts
}

// dialWithRetry performs the initial dial to addr with bounded exponential
// backoff (spec.md §4.8 reconnection policy). This governs only getting
// the first connection up; resuming an already-active room mid-session
// after a drop is out of scope, since the wire protocol has no resume
// token to rejoin an in-flight session against (see DESIGN.md).
func (e *Endpoint) dialWithRetry(ctx context.Context, addr string) (transport.Conn, error) {
	rc := transport.NewReconnector(transport.DefaultReconnectConfig(), func(ctx context.Context) (transport.Conn, error) {
		return e.dialer.Dial(ctx, addr, e.dialOptions())
	})
	return rc.Dial(ctx)
}

// HostRoom mints a fresh room id and master key, opens it on the relay,
// and returns a Room ready to admit joins and broadcast messages (spec.md
// §4.4 "host creates room").
func (e *Endpoint) HostRoom(ctx context.Context) (*Room, *primitives.ScrubBuffer, error) {
	roomID, err := identity.NewRoomID()
	if err != nil {
		return nil, nil, fmt.Errorf("generate room id: %w", err)
	}

	var master [primitives.KeySize]byte
	if err := primitives.RandomBytes(master[:]); err != nil {
		return nil, nil, fmt.Errorf("generate master key: %w", err)
	}

	conn, err := e.dialWithRetry(ctx, e.cfg.RelayAddr+"/rooms/"+roomID.String())
	if err != nil {
		return nil, nil, fmt.Errorf("dial relay: %w", err)
	}

	data, err := conn.ReadMessage(ctx)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("read room_created: %w", err)
	}
	env, err := wire.Decode(data)
	if err != nil || env.Type != wire.TypeRoomCreated {
		conn.Close()
		return nil, nil, fmt.Errorf("unexpected relay response, want ROOM_CREATED")
	}

	masterBuf := primitives.NewScrubBuffer(append([]byte(nil), master[:]...))
	primitives.ZeroBytes(master[:])

	room := newRoom(roomID, session.RoleHost, wire.TypeBroadcast, conn, e.log)
	room.sess.SetHighSecurity(e.cfg.HighSecurity)
	var masterCopy []byte
	masterBuf.WithBytes(func(m []byte) { masterCopy = append([]byte(nil), m...) })
	// CreateRoom takes ownership of masterCopy (wraps it in a ScrubBuffer
	// without copying), so it must only be zeroed here on the failure
	// path, where the session never stored it.
	if createErr := room.sess.CreateRoom(masterCopy); createErr != nil {
		primitives.ZeroBytes(masterCopy)
		conn.Close()
		return nil, nil, fmt.Errorf("create room: %w", createErr)
	}

	openEnv := wire.Envelope{Type: wire.TypeRoomOpen, RoomID: roomID.String()}
	openData, err := wire.Encode(openEnv)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := conn.WriteMessage(ctx, openData); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("send room_open: %w", err)
	}
	room.sess.MarkOpen()

	return room, masterBuf, nil
}

// HostKeyPair is the per-room ephemeral key pair a host uses to process
// join requests (spec.md §4.5); the caller generates it once per room and
// passes it to ServeHandshakes.
type HostKeyPair = primitives.KeyPair

// ServeHandshakes runs the host's inbound read loop: it processes
// JOIN_REQUEST/JOIN_CONFIRM handshakes inline, forwards every
// CLIENT_MESSAGE frame into the session, drives the rekey trigger and
// confirmation rounds (spec.md §4.6), and emits periodic jittered
// heartbeats (spec.md §4.9), until ctx is canceled or the connection
// fails (spec.md §4.5).
func (e *Endpoint) ServeHandshakes(ctx context.Context, room *Room, hostKeys HostKeyPair) error {
	// sessionKeys holds the per-participant session key retained between a
	// JoinRequest and its matching JoinConfirmation, since the host must
	// verify the client's proof against the same key it wrapped the
	// master under.
	sessionKeys := make(map[string]*primitives.ScrubBuffer)
	pendingClientPub := make(map[string][primitives.KeySize]byte)

	room.onRekeyConfirm = func(msg session.DeliveredMessage) {
		e.handleHostRekeyConfirm(room, msg)
	}

	type inboundEnv struct {
		env wire.Envelope
		err error
	}
	inbound := make(chan inboundEnv, 16)
	go func() {
		for {
			data, err := room.conn.ReadMessage(ctx)
			if err != nil {
				inbound <- inboundEnv{err: err}
				return
			}
			env, err := wire.Decode(data)
			if err != nil {
				continue
			}
			select {
			case inbound <- inboundEnv{env: env}:
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeatTimer := time.NewTimer(e.nextHeartbeatDelay(room))
	defer heartbeatTimer.Stop()
	rekeyCheck := time.NewTicker(rekeyCheckInterval)
	defer rekeyCheck.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg := <-inbound:
			if msg.err != nil {
				return fmt.Errorf("host read loop: %w", msg.err)
			}
			env := msg.env

			switch env.Type {
			case wire.TypeJoinRequest:
				var reqPayload wire.JoinRequestPayload
				if err := wire.UnmarshalPayload(env.Payload, &reqPayload); err != nil {
					continue
				}
				req, err := decodeJoinRequest(reqPayload)
				if err != nil {
					continue
				}

				master := room.sess.CurrentMasterCopy()
				approval, sessKey, err := handshake.HostProcessJoinRequest(
					req, hostKeys.PrivateKey, hostKeys.PublicKey, room.RoomID, master, room.sess.Epoch(), time.Now())
				primitives.ZeroBytes(master)
				if err != nil {
					e.log.Warn("join request rejected", slog.String("error", err.Error()))
					rejectEnv, encErr := encodeJoinRejection(err.Error())
					if encErr == nil {
						_ = room.conn.WriteMessage(ctx, rejectEnv)
					}
					continue
				}

				sessionKeys[approval.ParticipantID.String()] = sessKey
				pendingClientPub[approval.ParticipantID.String()] = req.ClientPub

				respEnv, err := encodeJoinResponse(approval)
				if err != nil {
					continue
				}
				_ = room.conn.WriteMessage(ctx, respEnv)

			case wire.TypeJoinConfirm:
				var confirmPayload wire.JoinConfirmationPayload
				if err := wire.UnmarshalPayload(env.Payload, &confirmPayload); err != nil {
					continue
				}
				participantID, err := identity.ParseParticipantID(env.ParticipantID)
				if err != nil {
					continue
				}
				sessKey, ok := sessionKeys[participantID.String()]
				clientPub, ok2 := pendingClientPub[participantID.String()]
				if !ok || !ok2 {
					continue
				}
				confirmation, err := decodeJoinConfirmation(confirmPayload)
				if err != nil {
					continue
				}
				if !handshake.HostVerifyJoinConfirmation(sessKey, confirmation, clientPub, hostKeys.PublicKey) {
					e.log.Warn("join confirmation failed verification", slog.String("participant_id", participantID.String()))
					continue
				}
				sessKey.Wipe()
				delete(sessionKeys, participantID.String())
				delete(pendingClientPub, participantID.String())

				room.sess.ApproveJoin(session.Participant{ID: participantID, CurrentPub: clientPub})

			case wire.TypeClientMessage:
				frameBytes, err := base64.StdEncoding.DecodeString(env.Payload)
				if err != nil {
					continue
				}
				if err := room.sess.DeliverFrame(frameBytes); err != nil {
					e.log.Debug("dropped inbound frame", slog.String("error", err.Error()))
				}

			case wire.TypeHeartbeatAck:
				// no-op, keepalive acknowledged by relay.

			case wire.TypeRoomDestroyed, wire.TypeError:
				return fmt.Errorf("relay closed room: %s", env.Message)
			}

		case <-heartbeatTimer.C:
			if err := room.sendHeartbeat(ctx); err != nil {
				e.log.Debug("heartbeat send failed", slog.String("error", err.Error()))
			}
			heartbeatTimer.Reset(e.nextHeartbeatDelay(room))

		case <-rekeyCheck.C:
			if room.sess.State() != session.StateActive {
				continue
			}
			if room.sess.ShouldRekey(e.rekeyMessageThreshold(), e.rekeyInterval()) {
				if err := e.beginRekeyRound(ctx, room); err != nil {
					e.log.Warn("rekey round failed to start", slog.String("error", err.Error()))
				}
			}
		}
	}
}

func (e *Endpoint) rekeyMessageThreshold() uint32 {
	if e.cfg.RekeyMessageThreshold > 0 {
		return e.cfg.RekeyMessageThreshold
	}
	return rekey.DefaultMessageThreshold
}

func (e *Endpoint) rekeyInterval() time.Duration {
	if e.cfg.RekeyInterval > 0 {
		return e.cfg.RekeyInterval
	}
	return rekey.DefaultInterval
}

// nextHeartbeatDelay picks the next jittered heartbeat delay (spec.md
// §4.7, §4.9): +/- 30% of DefaultHeartbeatInterval normally, +/- 40%
// under high-security policy.
func (e *Endpoint) nextHeartbeatDelay(room *Room) time.Duration {
	jitterFrac := session.DefaultHeartbeatJitter
	if room.sess.HighSecurity() {
		jitterFrac = session.HighSecurityHeartbeatJitter
	}
	base := session.DefaultHeartbeatInterval
	delta := time.Duration(float64(base) * jitterFrac)
	if delta <= 0 {
		return base
	}
	offset := time.Duration(rand.Int63n(int64(2*delta+1))) - delta
	return base + offset
}

// beginRekeyRound implements spec.md §4.6 host steps 1-2: mint a fresh
// master and per-round ephemeral key pair, wrap the new master
// individually for every participant under its own current public key,
// and unicast each its rekey-init frame.
func (e *Endpoint) beginRekeyRound(ctx context.Context, room *Room) error {
	room.rekeyMu.Lock()
	if room.rekeyRound != nil {
		room.rekeyMu.Unlock()
		return nil
	}
	room.rekeyMu.Unlock()

	participants := room.sess.Participants()
	if len(participants) == 0 {
		return nil
	}

	ephKeys, err := primitives.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("rekey: generate ephemeral key pair: %w", err)
	}
	var newMaster [primitives.KeySize]byte
	if err := primitives.RandomBytes(newMaster[:]); err != nil {
		return fmt.Errorf("rekey: generate new master: %w", err)
	}

	round := &hostRekeyRound{
		epoch:     room.sess.Epoch() + 1,
		ephPriv:   ephKeys.PrivateKey,
		ephPub:    ephKeys.PublicKey,
		oldMaster: room.sess.CurrentMasterCopy(),
		newMaster: append([]byte(nil), newMaster[:]...),
		awaiting:  make(map[identity.ParticipantID]struct{}, len(participants)),
	}
	primitives.ZeroBytes(newMaster[:])

	room.rekeyMu.Lock()
	room.rekeyRound = round
	room.rekeyMu.Unlock()

	room.sess.BeginRekey()

	for _, p := range participants {
		payload, confirmNonce, err := rekey.HostWrapForClient(
			round.ephPriv, round.ephPub, p.CurrentPub, round.oldMaster, round.newMaster, room.RoomID, round.epoch)
		if err != nil {
			e.log.Warn("rekey wrap failed", slog.String("participant_id", p.ID.String()), slog.String("error", err.Error()))
			continue
		}

		room.sess.SetPendingRekey(p.ID, &rekey.PendingState{NewEpoch: round.epoch, ConfirmNonce: confirmNonce, SentAt: time.Now()})
		room.rekeyMu.Lock()
		round.awaiting[p.ID] = struct{}{}
		room.rekeyMu.Unlock()

		content := frame.EncodeRekeyInit(frame.RekeyInitContent{
			NewEpoch:     payload.NewEpoch,
			WrappedKey:   payload.WrappedKey,
			Nonce:        payload.Nonce,
			EphPub:       payload.EphPub,
			ClientPub:    payload.ClientPub,
			ConfirmNonce: payload.ConfirmNonce,
		})
		sealed, err := room.sess.SealControlFrame(content)
		if err != nil {
			e.log.Warn("rekey seal failed", slog.String("participant_id", p.ID.String()), slog.String("error", err.Error()))
			continue
		}
		if err := room.sendDirect(ctx, p.ID, sealed); err != nil {
			e.log.Warn("rekey init send failed", slog.String("participant_id", p.ID.String()), slog.String("error", err.Error()))
		}
	}
	return nil
}

// handleHostRekeyConfirm implements spec.md §4.6 host step 3: verify one
// participant's RekeyConfirmation against the in-flight round, rotate its
// current public key, and complete the round once every participant has
// confirmed.
func (e *Endpoint) handleHostRekeyConfirm(room *Room, msg session.DeliveredMessage) {
	rc, err := frame.DecodeRekeyConfirm(msg.Payload)
	if err != nil {
		e.log.Debug("invalid rekey confirmation", slog.String("error", err.Error()))
		return
	}

	pending, ok := room.sess.PendingRekey(msg.SenderID)
	if !ok {
		return
	}
	room.rekeyMu.Lock()
	round := room.rekeyRound
	room.rekeyMu.Unlock()
	if round == nil {
		return
	}

	confirmation := rekey.RekeyConfirmation{
		Epoch:        rc.Epoch,
		NewClientPub: rc.NewClientPub,
		ConfirmNonce: rc.ConfirmNonce,
		MAC:          rc.MAC,
	}
	verified, err := rekey.HostVerifyConfirmation(round.newMaster, confirmation, *pending, round.ephPub, room.RoomID)
	if err != nil || !verified {
		e.log.Warn("rekey confirmation failed verification", slog.String("participant_id", msg.SenderID.String()))
		return
	}

	room.sess.UpdateParticipantPub(msg.SenderID, rc.NewClientPub)

	room.rekeyMu.Lock()
	delete(round.awaiting, msg.SenderID)
	done := len(round.awaiting) == 0
	room.rekeyMu.Unlock()

	if done {
		e.completeRekeyRound(room, round)
	}
}

// completeRekeyRound implements spec.md §4.6 step 4: install the new
// master, advance the epoch, and return the session to Active.
func (e *Endpoint) completeRekeyRound(room *Room, round *hostRekeyRound) {
	room.rekeyMu.Lock()
	if room.rekeyRound != round {
		room.rekeyMu.Unlock()
		return
	}
	room.rekeyRound = nil
	room.rekeyMu.Unlock()

	room.sess.CompleteRekey(round.newMaster)
	primitives.ZeroBytes(round.oldMaster)
	primitives.ZeroBytes(round.ephPriv[:])
	e.log.Info("rekey round complete", slog.Uint64("epoch", uint64(round.epoch)))
}

// JoinRoom performs the client side of the join handshake against an
// already-issued invite token and returns an active Room (spec.md §4.5).
func (e *Endpoint) JoinRoom(ctx context.Context, roomID identity.RoomID, inviteToken string) (*Room, error) {
	conn, err := e.dialWithRetry(ctx, e.cfg.RelayAddr+"/rooms/"+roomID.String()+"/join?token="+inviteToken)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	data, err := conn.ReadMessage(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connected: %w", err)
	}
	env, err := wire.Decode(data)
	if err != nil || env.Type != wire.TypeConnected {
		conn.Close()
		return nil, fmt.Errorf("unexpected relay response, want CONNECTED")
	}
	selfID, err := identity.ParseParticipantID(env.ParticipantID)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("parse participant id: %w", err)
	}

	clientKeys, err := primitives.GenerateKeyPair()
	if err != nil {
		conn.Close()
		return nil, err
	}

	req, err := handshake.NewJoinRequest(clientKeys.PublicKey, time.Now(), e.cfg.DisplayName)
	if err != nil {
		conn.Close()
		return nil, err
	}
	reqEnv, err := encodeJoinRequest(req)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(ctx, reqEnv); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send join_request: %w", err)
	}

	data, err = conn.ReadMessage(ctx)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read join_response: %w", err)
	}
	env, err = wire.Decode(data)
	if err != nil || env.Type != wire.TypeJoinResponse {
		conn.Close()
		return nil, fmt.Errorf("unexpected relay response, want JOIN_RESPONSE")
	}
	if env.Approve != nil && !*env.Approve {
		var rejection wire.JoinRejectionPayload
		_ = wire.UnmarshalPayload(env.Payload, &rejection)
		conn.Close()
		return nil, fmt.Errorf("join rejected: %s", rejection.Reason)
	}
	var approvalPayload wire.JoinApprovalPayload
	if err := wire.UnmarshalPayload(env.Payload, &approvalPayload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode join approval: %w", err)
	}
	approval, err := decodeJoinApproval(approvalPayload)
	if err != nil {
		conn.Close()
		return nil, err
	}

	// clientKeys is retained (not zeroed) on the Room below: the host's
	// participant record addresses this participant by clientKeys.PublicKey
	// until the first rekey round rotates it, so the matching private half
	// must stay available to open that round's payload (spec.md §4.6).
	confirmation, masterBuf, err := handshake.ClientProcessJoinApproval(approval, clientKeys.PrivateKey, clientKeys.PublicKey, roomID)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("process join approval: %w", err)
	}

	confirmEnv, err := encodeJoinConfirmation(approval.ParticipantID, confirmation)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(ctx, confirmEnv); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send join_confirm: %w", err)
	}

	room := newRoom(roomID, session.RoleClient, wire.TypeMessage, conn, e.log)
	room.sess.SetHighSecurity(e.cfg.HighSecurity)
	var master []byte
	masterBuf.WithBytes(func(b []byte) { master = append([]byte(nil), b...) })
	// ActivateClient takes ownership of master the same way CreateRoom
	// does; it must not be zeroed here.
	room.sess.ActivateClient(selfID, master)
	masterBuf.Wipe()
	room.Self = selfID
	room.selfKeys = &clientKeys

	return room, nil
}

// ServeClient runs a client's inbound read loop: decrypts CLIENT_MESSAGE
// frames into the session, opens host-driven rekey rounds (spec.md §4.6),
// and exits on ROOM_DESTROYED/KICKED/ERROR.
func (e *Endpoint) ServeClient(ctx context.Context, room *Room) error {
	room.onRekeyInit = func(msg session.DeliveredMessage) {
		e.handleClientRekeyInit(ctx, room, msg)
	}

	for {
		data, err := room.conn.ReadMessage(ctx)
		if err != nil {
			return fmt.Errorf("client read loop: %w", err)
		}
		env, err := wire.Decode(data)
		if err != nil {
			continue
		}

		switch env.Type {
		case wire.TypeClientMessage:
			frameBytes, err := base64.StdEncoding.DecodeString(env.Payload)
			if err != nil {
				continue
			}
			if err := room.sess.DeliverFrame(frameBytes); err != nil {
				e.log.Debug("dropped inbound frame", slog.String("error", err.Error()))
			}

		case wire.TypeKicked:
			return fmt.Errorf("kicked: %s", env.Reason)

		case wire.TypeRoomDestroyed:
			return fmt.Errorf("room destroyed: %s", env.Reason)

		case wire.TypeError:
			return fmt.Errorf("relay error: %s", env.Message)
		}
	}
}

// handleClientRekeyInit implements spec.md §4.6 client procedure: open
// the host's per-client rekey payload, install the new master, generate
// this client's next key pair, and reply with a RekeyConfirmation.
func (e *Endpoint) handleClientRekeyInit(ctx context.Context, room *Room, msg session.DeliveredMessage) {
	if room.selfKeys == nil {
		return
	}
	ric, err := frame.DecodeRekeyInit(msg.Payload)
	if err != nil {
		e.log.Debug("invalid rekey init", slog.String("error", err.Error()))
		return
	}

	payload := rekey.PerClientRekeyPayload{
		NewEpoch:     ric.NewEpoch,
		WrappedKey:   ric.WrappedKey,
		Nonce:        ric.Nonce,
		EphPub:       ric.EphPub,
		ClientPub:    ric.ClientPub,
		ConfirmNonce: ric.ConfirmNonce,
	}

	oldMaster := room.sess.CurrentMasterCopy()
	newMasterBuf, err := rekey.ClientOpenRekeyPayload(payload, room.selfKeys.PrivateKey, room.selfKeys.PublicKey, oldMaster, room.RoomID)
	primitives.ZeroBytes(oldMaster)
	if err != nil {
		e.log.Warn("rekey open failed", slog.String("error", err.Error()))
		return
	}

	var newMasterCopy []byte
	newMasterBuf.WithBytes(func(b []byte) { newMasterCopy = append([]byte(nil), b...) })

	confirmation, newEph, err := rekey.ClientBuildConfirmation(newMasterCopy, ric.NewEpoch, ric.ConfirmNonce, ric.EphPub, room.RoomID)
	if err != nil {
		newMasterBuf.Wipe()
		primitives.ZeroBytes(newMasterCopy)
		e.log.Warn("rekey confirmation build failed", slog.String("error", err.Error()))
		return
	}

	content := frame.EncodeRekeyConfirm(frame.RekeyConfirmContent{
		Epoch:        confirmation.Epoch,
		NewClientPub: confirmation.NewClientPub,
		ConfirmNonce: confirmation.ConfirmNonce,
		MAC:          confirmation.MAC,
	})
	sealed, err := room.sess.SealControlFrame(content)
	if err != nil {
		newMasterBuf.Wipe()
		primitives.ZeroBytes(newMasterCopy)
		e.log.Warn("rekey confirm seal failed", slog.String("error", err.Error()))
		return
	}
	if err := room.SendFrame(ctx, sealed); err != nil {
		e.log.Warn("rekey confirm send failed", slog.String("error", err.Error()))
	}

	// CompleteRekey takes ownership of newMasterCopy (wraps it without
	// copying), so it must not be zeroed afterward.
	room.sess.CompleteRekey(newMasterCopy)
	newMasterBuf.Wipe()
	*room.selfKeys = newEph
}

func decodeJoinRequest(p wire.JoinRequestPayload) (handshake.JoinRequest, error) {
	var req handshake.JoinRequest
	pub, err := base64.StdEncoding.DecodeString(p.ClientPub)
	if err != nil || len(pub) != primitives.KeySize {
		return req, fmt.Errorf("invalid client public key")
	}
	nonce, err := base64.StdEncoding.DecodeString(p.JoinNonce)
	if err != nil || len(nonce) != 16 {
		return req, fmt.Errorf("invalid join nonce")
	}
	copy(req.ClientPub[:], pub)
	copy(req.JoinNonce[:], nonce)
	req.TimestampMs = p.TimestampMs
	req.DisplayName = p.DisplayName
	return req, nil
}

func encodeJoinRequest(req handshake.JoinRequest) ([]byte, error) {
	payload, err := wire.MarshalPayload(wire.JoinRequestPayload{
		ClientPub:   base64.StdEncoding.EncodeToString(req.ClientPub[:]),
		JoinNonce:   base64.StdEncoding.EncodeToString(req.JoinNonce[:]),
		TimestampMs: req.TimestampMs,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		return nil, err
	}
	return wire.Encode(wire.Envelope{Type: wire.TypeJoinRequest, Payload: payload})
}

func encodeJoinResponse(approval handshake.JoinApproval) ([]byte, error) {
	payload, err := wire.MarshalPayload(wire.JoinApprovalPayload{
		ParticipantID: approval.ParticipantID.String(),
		WrappedMaster: base64.StdEncoding.EncodeToString(approval.WrappedMaster),
		Nonce:         base64.StdEncoding.EncodeToString(approval.Nonce[:]),
		Epoch:         approval.Epoch,
		HostPub:       base64.StdEncoding.EncodeToString(approval.HostPub[:]),
	})
	if err != nil {
		return nil, err
	}
	return wire.Encode(wire.Envelope{
		Type:          wire.TypeJoinResponse,
		ParticipantID: approval.ParticipantID.String(),
		Payload:       payload,
	})
}

func encodeJoinRejection(reason string) ([]byte, error) {
	approve := false
	payload, err := wire.MarshalPayload(wire.JoinRejectionPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return wire.Encode(wire.Envelope{Type: wire.TypeJoinResponse, Approve: &approve, Payload: payload})
}

func decodeJoinApproval(p wire.JoinApprovalPayload) (handshake.JoinApproval, error) {
	var approval handshake.JoinApproval
	participantID, err := identity.ParseParticipantID(p.ParticipantID)
	if err != nil {
		return approval, fmt.Errorf("invalid participant id: %w", err)
	}
	wrapped, err := base64.StdEncoding.DecodeString(p.WrappedMaster)
	if err != nil {
		return approval, fmt.Errorf("invalid wrapped master: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(p.Nonce)
	if err != nil || len(nonce) != primitives.NonceSize {
		return approval, fmt.Errorf("invalid nonce")
	}
	hostPub, err := base64.StdEncoding.DecodeString(p.HostPub)
	if err != nil || len(hostPub) != primitives.KeySize {
		return approval, fmt.Errorf("invalid host public key")
	}

	approval.ParticipantID = participantID
	approval.WrappedMaster = wrapped
	copy(approval.Nonce[:], nonce)
	approval.Epoch = p.Epoch
	copy(approval.HostPub[:], hostPub)
	return approval, nil
}

func encodeJoinConfirmation(participantID identity.ParticipantID, confirmation handshake.JoinConfirmation) ([]byte, error) {
	payload, err := wire.MarshalPayload(wire.JoinConfirmationPayload{
		Proof: base64.StdEncoding.EncodeToString(confirmation.Proof[:]),
	})
	if err != nil {
		return nil, err
	}
	return wire.Encode(wire.Envelope{
		Type:          wire.TypeJoinConfirm,
		ParticipantID: participantID.String(),
		Payload:       payload,
	})
}

func decodeJoinConfirmation(p wire.JoinConfirmationPayload) (handshake.JoinConfirmation, error) {
	var confirmation handshake.JoinConfirmation
	proof, err := base64.StdEncoding.DecodeString(p.Proof)
	if err != nil || len(proof) != 32 {
		return confirmation, fmt.Errorf("invalid proof")
	}
	copy(confirmation.Proof[:], proof)
	return confirmation, nil
}
