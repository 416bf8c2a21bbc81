// Package session implements the room lifecycle state machine shared by
// host and client endpoints (spec.md §4.7): state transitions, the
// participant table, the send/deliver pipeline, the buffer-expiry timer,
// and the rekey-trigger predicate (ShouldRekey). The heartbeat and rekey
// timers run in internal/endpoint.
//
// A Session owns all of a room's secret state — master key, replay
// tracker, sequence counter — and mutates it only from the goroutine that
// calls its public methods, mirroring the owned-state-plus-inbox pattern
// the rest of this module's peer connections use.
package session

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ephemeralrooms/ephemeralrooms/internal/errs"
	"github.com/ephemeralrooms/ephemeralrooms/internal/frame"
	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
	"github.com/ephemeralrooms/ephemeralrooms/internal/primitives"
	"github.com/ephemeralrooms/ephemeralrooms/internal/rekey"
	"github.com/ephemeralrooms/ephemeralrooms/internal/replay"
)

// State is a room's lifecycle stage (spec.md §4.7).
type State int32

const (
	StateNone State = iota
	StateCreating
	StateCreated
	StateOpen
	StateActive
	StateRekeying
	StateDestroyed
)

// String renders a State for logging.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateCreating:
		return "creating"
	case StateCreated:
		return "created"
	case StateOpen:
		return "open"
	case StateActive:
		return "active"
	case StateRekeying:
		return "rekeying"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// DestroyReason names why a room ended (spec.md §3 lifecycles).
type DestroyReason string

const (
	ReasonHostClosed       DestroyReason = "host_closed"
	ReasonBackgrounded     DestroyReason = "backgrounded"
	ReasonDeviceLocked     DestroyReason = "device_locked"
	ReasonHeartbeatTimeout DestroyReason = "heartbeat_timeout"
	ReasonKicked           DestroyReason = "kicked"
	ReasonServerEvicted    DestroyReason = "server_evicted"
	ReasonHandshakeFailed  DestroyReason = "handshake_failed"
)

// Role distinguishes the host side from a client side of a room.
type Role int

const (
	RoleHost Role = iota
	RoleClient
)

// Default timer parameters (spec.md §4.7, §4.9).
const (
	DefaultHeartbeatInterval     = 2 * time.Second
	DefaultHeartbeatJitter       = 0.30
	HighSecurityHeartbeatJitter  = 0.40
	DefaultBufferExpiry          = 5 * time.Minute
	HighSecurityBufferExpiry     = 60 * time.Second
	DefaultSendJitterMax         = 300 * time.Millisecond
)

// Participant is one room member's state from the host's or peer's point
// of view (spec.md §3 Participant Record).
type Participant struct {
	ID           identity.ParticipantID
	CurrentPub   [primitives.KeySize]byte
	DisplayName  string
	LastSeenSeq  uint64
	PendingRekey *rekey.PendingState
}

// DeliveredMessage is handed to the application layer by the delivery
// pipeline (spec.md §4.7).
type DeliveredMessage struct {
	SenderID  identity.ParticipantID
	Epoch     uint32
	Sequence  uint64
	Timestamp time.Time
	Payload   []byte
	Content   frame.ContentType
}

// Sender abstracts the outbound half of the transport adapter so Session
// never depends on a concrete transport.Conn.
type Sender interface {
	SendFrame(ctx context.Context, wire []byte) error
}

// Session is one endpoint's view of a room (spec.md §3 "Session").
type Session struct {
	mu sync.Mutex

	role   Role
	roomID identity.RoomID

	state       atomic.Int32
	epoch       atomic.Uint32
	seq         atomic.Uint64
	highSecure  atomic.Bool

	master *primitives.ScrubBuffer

	replayTracker *replay.Tracker
	participants  map[identity.ParticipantID]*Participant
	selfID        identity.ParticipantID

	sender Sender

	lastMessageCount atomic.Uint32
	lastRekeyAt      atomic.Int64

	bufMu  sync.Mutex
	buffer []bufferedDelivery

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	onDeliver func(DeliveredMessage)
	onDestroy func(DestroyReason)
}

// bufferedDelivery holds a delivered message for the spec.md §4.7 message
// buffer window: messages stay available to a reattaching client until
// expiresAt, then are purged by runBufferExpiry.
type bufferedDelivery struct {
	msg       DeliveredMessage
	expiresAt time.Time
}

// New constructs a Session bound to roomID in StateNone. sender is the
// transport-facing outbound half; onDeliver/onDestroy are the
// application-layer callbacks invoked from the Session's own call path
// (never from a separate goroutine the caller didn't start).
func New(role Role, roomID identity.RoomID, sender Sender, onDeliver func(DeliveredMessage), onDestroy func(DestroyReason)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		role:          role,
		roomID:        roomID,
		replayTracker: replay.NewTracker(),
		participants:  make(map[identity.ParticipantID]*Participant),
		sender:        sender,
		onDeliver:     onDeliver,
		onDestroy:     onDestroy,
		ctx:           ctx,
		cancel:        cancel,
	}
	s.state.Store(int32(StateNone))
	s.lastRekeyAt.Store(time.Now().UnixNano())
	go s.runBufferExpiry()
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) transition(to State) {
	s.state.Store(int32(to))
}

// CreateRoom transitions a host session None -> Creating (spec.md §4.7:
// "createRoom ... host only; transitions to Creating, connects, sends
// ROOM_OPEN"). The caller is responsible for actually sending ROOM_OPEN
// once the transport is connected.
func (s *Session) CreateRoom(master []byte) error {
	if s.role != RoleHost {
		return fmt.Errorf("create room: %w", errs.ErrNotActive)
	}
	if s.State() != StateNone {
		return fmt.Errorf("create room: %w", errs.ErrAlreadyProcessing)
	}
	s.mu.Lock()
	s.master = primitives.NewScrubBuffer(master)
	s.mu.Unlock()
	s.transition(StateCreating)
	return nil
}

// JoinRoom transitions a client session None -> Creating (spec.md §4.7).
func (s *Session) JoinRoom() error {
	if s.role != RoleClient {
		return fmt.Errorf("join room: %w", errs.ErrNotActive)
	}
	if s.State() != StateNone {
		return fmt.Errorf("join room: %w", errs.ErrAlreadyProcessing)
	}
	s.transition(StateCreating)
	return nil
}

// MarkOpen transitions a host session to Open once ROOM_OPEN has been
// acknowledged by the relay, allowing join admission.
func (s *Session) MarkOpen() {
	s.transition(StateOpen)
}

// ApproveJoin admits a participant after a successful handshake
// (spec.md §4.5: "the participant is promoted to active and added to the
// membership map").
func (s *Session) ApproveJoin(p Participant) {
	s.mu.Lock()
	s.participants[p.ID] = &p
	s.mu.Unlock()
	s.transition(StateActive)
}

// RejectJoin is a no-op on session state; the caller's transport layer is
// responsible for notifying the rejected participant and is not tracked
// here since a rejected participant never enters the membership map.
func (s *Session) RejectJoin(identity.ParticipantID, string) {}

// ActivateClient transitions a client session to Active after its own
// JoinConfirmation round-trip completes (spec.md §4.7: "client-side
// Active follows successful handshake").
func (s *Session) ActivateClient(selfID identity.ParticipantID, master []byte) {
	s.mu.Lock()
	s.selfID = selfID
	s.master = primitives.NewScrubBuffer(master)
	s.mu.Unlock()
	s.transition(StateActive)
}

// SendMessage implements spec.md §4.7 sendMessage: valid only in Active,
// assigns the next sequence, encodes, pads, encrypts, and transmits after
// a jittered 0-300ms delay.
func (s *Session) SendMessage(ctx context.Context, content []byte) error {
	if s.State() != StateActive {
		return errs.ErrNotActive
	}

	s.mu.Lock()
	var masterCopy []byte
	s.master.WithBytes(func(b []byte) { masterCopy = append(masterCopy, b...) })
	epoch := s.epoch.Load()
	seq := s.seq.Add(1) - 1
	senderID := s.selfID
	highSecure := s.highSecure.Load()
	s.mu.Unlock()
	defer primitives.ZeroBytes(masterCopy)

	jitter := time.Duration(rand.Int63n(int64(DefaultSendJitterMax)))
	select {
	case <-time.After(jitter):
	case <-ctx.Done():
		return ctx.Err()
	}

	var senderIDBytes [16]byte
	copy(senderIDBytes[:], senderID.Bytes())

	wire, err := frame.Seal(masterCopy, epoch, seq, senderIDBytes, content, highSecure)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	s.lastMessageCount.Add(1)
	return s.sender.SendFrame(ctx, wire)
}

// DeliverFrame implements the spec.md §4.7 inbound delivery pipeline:
// parse -> replay check -> decrypt -> unpad -> content decode -> route.
// Crypto and replay failures drop the frame and return an error for the
// caller to count, without surfacing plaintext (spec.md §7 propagation
// policy); they do not destroy the session.
func (s *Session) DeliverFrame(wire []byte) error {
	header, _, err := frame.DecodeHeader(wire)
	if err != nil {
		return err
	}

	if err := s.replayTracker.CheckAndMark(header.SenderID, header.Sequence); err != nil {
		return err
	}

	s.mu.Lock()
	var masterCopy []byte
	s.master.WithBytes(func(b []byte) { masterCopy = append(masterCopy, b...) })
	s.mu.Unlock()
	defer primitives.ZeroBytes(masterCopy)

	decodedHeader, content, err := frame.Open(masterCopy, wire)
	if err != nil {
		return err
	}

	ct, body, err := frame.DecodeContentType(content)
	if err != nil {
		return err
	}

	var senderID identity.ParticipantID
	copy(senderID[:], decodedHeader.SenderID[:])

	s.mu.Lock()
	if p, ok := s.participants[senderID]; ok {
		p.LastSeenSeq = decodedHeader.Sequence
	}
	s.mu.Unlock()

	delivered := DeliveredMessage{
		SenderID:  senderID,
		Epoch:     decodedHeader.Epoch,
		Sequence:  decodedHeader.Sequence,
		Timestamp: time.Now(),
		Payload:   body,
		Content:   ct,
	}

	// Rekey control frames (0x05 confirm, 0x06 init) are routed into the
	// rekey engine by the caller, since only the caller holds the
	// per-participant PendingState; DeliverFrame just classifies and
	// hands back the raw body. They are never buffered, since they carry
	// no replayable application content a reattaching client needs.
	if ct == frame.ContentRekeyConfirm || ct == frame.ContentRekeyInit {
		if s.onDeliver != nil {
			s.onDeliver(delivered)
		}
		return nil
	}

	s.bufferMessage(delivered)
	if s.onDeliver != nil {
		s.onDeliver(delivered)
	}
	return nil
}

// bufferMessage retains a delivered message for the buffer-expiry window
// (spec.md §4.7): 5 minutes normally, 60 seconds under high-security
// policy.
func (s *Session) bufferMessage(msg DeliveredMessage) {
	expiry := DefaultBufferExpiry
	if s.highSecure.Load() {
		expiry = HighSecurityBufferExpiry
	}
	s.bufMu.Lock()
	s.buffer = append(s.buffer, bufferedDelivery{msg: msg, expiresAt: time.Now().Add(expiry)})
	s.bufMu.Unlock()
}

// BufferedMessages returns a snapshot of messages still inside the buffer
// window, oldest first.
func (s *Session) BufferedMessages() []DeliveredMessage {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	out := make([]DeliveredMessage, 0, len(s.buffer))
	for _, b := range s.buffer {
		out = append(out, b.msg)
	}
	return out
}

// expireBuffer purges every buffered message whose window has elapsed as
// of now.
func (s *Session) expireBuffer(now time.Time) {
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	live := s.buffer[:0]
	for _, b := range s.buffer {
		if b.expiresAt.After(now) {
			live = append(live, b)
		}
	}
	s.buffer = live
}

// runBufferExpiry sweeps the message buffer once a second until the
// session is destroyed.
func (s *Session) runBufferExpiry() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			s.expireBuffer(now)
		case <-s.Done():
			return
		}
	}
}

// SealControlFrame seals content under the session's current master/epoch
// at the next sequence number, the same as SendMessage, but skips the
// StateActive gate and the send jitter delay: rekey control frames must
// be sealable while the session is in StateRekeying, and delivering them
// promptly (not after a randomized delay) keeps a rekey round short.
func (s *Session) SealControlFrame(content []byte) ([]byte, error) {
	s.mu.Lock()
	var masterCopy []byte
	s.master.WithBytes(func(b []byte) { masterCopy = append(masterCopy, b...) })
	epoch := s.epoch.Load()
	seq := s.seq.Add(1) - 1
	senderID := s.selfID
	highSecure := s.highSecure.Load()
	s.mu.Unlock()
	defer primitives.ZeroBytes(masterCopy)

	var senderIDBytes [16]byte
	copy(senderIDBytes[:], senderID.Bytes())

	return frame.Seal(masterCopy, epoch, seq, senderIDBytes, content, highSecure)
}

// CurrentMasterCopy returns a defensive copy of the session's live master
// key, for callers outside the send/deliver pipeline (join-request
// processing, rekey wrapping) that need the key as it stands right now
// rather than a copy taken before any rekey completed. Callers must wipe
// the returned slice once done with it.
func (s *Session) CurrentMasterCopy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []byte
	s.master.WithBytes(func(b []byte) { out = append(out, b...) })
	return out
}

// SetPendingRekey records the in-flight rekey state the host is tracking
// for one participant, read back by HostVerifyConfirmation's caller when
// that participant's RekeyConfirmation arrives.
func (s *Session) SetPendingRekey(id identity.ParticipantID, pending *rekey.PendingState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[id]; ok {
		p.PendingRekey = pending
	}
}

// PendingRekey returns the in-flight rekey state tracked for id, if any.
func (s *Session) PendingRekey(id identity.ParticipantID) (*rekey.PendingState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok || p.PendingRekey == nil {
		return nil, false
	}
	return p.PendingRekey, true
}

// UpdateParticipantPub replaces a participant's current public key after
// a successful rekey round rotates it (spec.md §4.6 step 5).
func (s *Session) UpdateParticipantPub(id identity.ParticipantID, newPub [primitives.KeySize]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[id]; ok {
		p.CurrentPub = newPub
		p.PendingRekey = nil
	}
}

// BeginRekey transitions the session into Rekeying. The caller drives the
// actual per-participant rewrap via internal/rekey and calls CompleteRekey
// once every confirmation has arrived; no confirmation timeout is applied.
func (s *Session) BeginRekey() {
	s.transition(StateRekeying)
	s.lastRekeyAt.Store(time.Now().UnixNano())
}

// CompleteRekey installs the new master key, advances the epoch, resets
// sequence counters and the replay tracker, and returns to Active
// (spec.md §4.6 step 4: "scrub the old master, increment the epoch,
// reset per-sender sequence counters and replay window").
func (s *Session) CompleteRekey(newMaster []byte) {
	s.mu.Lock()
	if s.master != nil {
		s.master.Wipe()
	}
	s.master = primitives.NewScrubBuffer(newMaster)
	s.mu.Unlock()

	s.epoch.Add(1)
	s.seq.Store(0)
	s.lastMessageCount.Store(0)
	s.replayTracker.Reset()
	s.transition(StateActive)
}

// ShouldRekey reports whether a rekey trigger has fired (spec.md §4.6):
// message counter threshold or wall-clock interval, both configurable.
func (s *Session) ShouldRekey(messageThreshold uint32, interval time.Duration) bool {
	if s.lastMessageCount.Load() >= messageThreshold {
		return true
	}
	last := s.lastRekeyAt.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) >= interval
}

// SetHighSecurity toggles the high-security policy (spec.md §4.3, §4.7):
// coarsened padding buckets, shorter buffer expiry, and wider heartbeat
// jitter.
func (s *Session) SetHighSecurity(on bool) {
	s.highSecure.Store(on)
}

// HighSecurity reports whether the high-security policy is active.
func (s *Session) HighSecurity() bool {
	return s.highSecure.Load()
}

// Epoch returns the session's current epoch counter.
func (s *Session) Epoch() uint32 { return s.epoch.Load() }

// RoomID returns the session's room id.
func (s *Session) RoomID() identity.RoomID { return s.roomID }

// Participants returns a snapshot copy of the current membership map.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out
}

// RemoveParticipant deletes a participant from the membership map (leave,
// kick, or destroy).
func (s *Session) RemoveParticipant(id identity.ParticipantID) {
	s.mu.Lock()
	delete(s.participants, id)
	s.mu.Unlock()
}

// Close destroys the session: transitions to Destroyed, scrubs the master
// key, cancels all pending timers via ctx, and is idempotent (spec.md §5:
// "Destroy is idempotent and pre-empts every in-flight operation").
func (s *Session) Close(reason DestroyReason) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.master != nil {
			s.master.Wipe()
		}
		s.mu.Unlock()
		s.transition(StateDestroyed)
		s.cancel()
		if s.onDestroy != nil {
			s.onDestroy(reason)
		}
	})
}

// QuickExit is a synchronous destroy with no graceful close (spec.md
// §4.7 "quickExit()").
func (s *Session) QuickExit() {
	s.Close(ReasonBackgrounded)
}

// Done returns a channel closed when the session has been destroyed,
// letting owned timer goroutines select on cancellation.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}
