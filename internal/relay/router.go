package relay

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ephemeralrooms/ephemeralrooms/internal/errs"
	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
	"github.com/ephemeralrooms/ephemeralrooms/internal/metrics"
	"github.com/ephemeralrooms/ephemeralrooms/internal/ratelimit"
)

// Router implements the relay's opaque-forwarding operations (spec.md
// §4.9 host/client lifecycle and operations). It never parses, decrypts,
// or otherwise inspects the frame bytes it moves (spec.md §8 invariant 7).
type Router struct {
	Registry *Registry
	Metrics  *metrics.Metrics
	Log      *slog.Logger

	ConnectLimiter *ratelimit.Keyed
	MessageLimiter *ratelimit.Keyed
	InviteLimiter  *ratelimit.Keyed
}

// NewRouter wires a Router against the given registry, metrics sink, and
// logger, constructing the default connect/message rate limiters.
func NewRouter(reg *Registry, m *metrics.Metrics, log *slog.Logger) *Router {
	return &Router{
		Registry:       reg,
		Metrics:        m,
		Log:            log,
		ConnectLimiter: ratelimit.NewKeyed(5, 10, 10*time.Minute),
		MessageLimiter: ratelimit.NewKeyed(20, 40, 10*time.Minute),
		InviteLimiter:  ratelimit.NewKeyed(1, 5, 10*time.Minute),
	}
}

// AdmitHost implements the host accept path (spec.md §4.9: "on socket
// accept, if room exists, reject; else create record, send
// ROOM_CREATED, spawn reader/writer/heartbeat monitor").
func (rt *Router) AdmitHost(remoteAddr string, roomID identity.RoomID, hostLink Link) (*RoomRecord, error) {
	if !rt.ConnectLimiter.Allow(remoteAddr) {
		if rt.Metrics != nil {
			rt.Metrics.RecordRateLimitReject("connect")
		}
		return nil, errs.ErrServerAtCapacity
	}

	record, err := rt.Registry.CreateRoom(roomID, hostLink, time.Now())
	if err != nil {
		return nil, err
	}
	if rt.Metrics != nil {
		rt.Metrics.RecordRoomCreated()
		rt.Metrics.RecordConnection("host")
	}
	return record, nil
}

// AdmitClient implements the client accept path (spec.md §4.9: "resolve
// room; reject if absent or not open. Generate participant id; insert;
// send CONNECTED").
func (rt *Router) AdmitClient(remoteAddr string, roomID identity.RoomID, clientLink Link) (*RoomRecord, identity.ParticipantID, error) {
	if !rt.ConnectLimiter.Allow(remoteAddr) {
		if rt.Metrics != nil {
			rt.Metrics.RecordRateLimitReject("connect")
		}
		return nil, identity.ParticipantID{}, errs.ErrServerAtCapacity
	}

	record, err := rt.Registry.Get(roomID)
	if err != nil {
		return nil, identity.ParticipantID{}, err
	}
	if !record.IsOpen() {
		return nil, identity.ParticipantID{}, errs.ErrRoomNotOpen
	}

	participantID, err := identity.NewParticipantID()
	if err != nil {
		return nil, identity.ParticipantID{}, err
	}
	if err := record.AddParticipant(&ParticipantRecord{ID: participantID, Link: clientLink}); err != nil {
		return nil, identity.ParticipantID{}, err
	}

	if rt.Metrics != nil {
		rt.Metrics.RecordConnection("client")
	}
	return record, participantID, nil
}

// Broadcast implements the host's BROADCAST operation: fan out frame to
// every participant in the room.
func (rt *Router) Broadcast(record *RoomRecord, frame []byte) {
	for _, link := range record.ParticipantLinks(identity.ParticipantID{}) {
		_ = link.Send(frame)
		if rt.Metrics != nil {
			rt.Metrics.RecordMessageRelayed()
		}
	}
}

// Direct implements the host's DIRECT operation: deliver frame to one
// named participant.
func (rt *Router) Direct(record *RoomRecord, target identity.ParticipantID, frame []byte) error {
	record.mu.Lock()
	p, ok := record.Participants[target]
	record.mu.Unlock()
	if !ok {
		return fmt.Errorf("direct: participant not found")
	}
	if err := p.Link.Send(frame); err != nil {
		return err
	}
	if rt.Metrics != nil {
		rt.Metrics.RecordMessageRelayed()
	}
	return nil
}

// RelayClientMessage handles a client's MESSAGE (spec.md §4.9): frame,
// already re-encoded by the caller as CLIENT_MESSAGE (retypeDelivery),
// goes unchanged to the host and to every other participant. No
// MESSAGE-typed copy is sent to participants.
func (rt *Router) RelayClientMessage(record *RoomRecord, sender identity.ParticipantID, frame []byte) error {
	key := fmt.Sprintf("%s:%s", record.RoomID.String(), sender.String())
	if !rt.MessageLimiter.Allow(key) {
		if rt.Metrics != nil {
			rt.Metrics.RecordRateLimitReject("message")
		}
		return nil // silently dropped, per spec.md §4.10
	}

	record.mu.Lock()
	hostLink := record.HostLink
	record.mu.Unlock()

	if err := hostLink.Send(frame); err != nil {
		return err
	}
	if rt.Metrics != nil {
		rt.Metrics.RecordMessageRelayed()
	}

	for _, link := range record.ParticipantLinks(sender) {
		_ = link.Send(frame)
		if rt.Metrics != nil {
			rt.Metrics.RecordMessageRelayed()
		}
	}
	return nil
}

// Kick implements the host's KICK operation: close the participant's
// link after delivering a KICKED frame, then remove it from the room.
func (rt *Router) Kick(record *RoomRecord, target identity.ParticipantID, kickedFrame []byte) {
	record.mu.Lock()
	p, ok := record.Participants[target]
	record.mu.Unlock()
	if !ok {
		return
	}
	_ = p.Link.Send(kickedFrame)
	_ = p.Link.Close()
	record.RemoveParticipant(target)
}

// CloseRoom implements ROOM_CLOSE / RoomDestroyed: send destroyedFrame to
// every participant and close their links, close the host's link (no
// frame is sent to the host), then remove the room from the registry.
func (rt *Router) CloseRoom(record *RoomRecord, reason string, destroyedFrame []byte) {
	for _, link := range record.ParticipantLinks(identity.ParticipantID{}) {
		_ = link.Send(destroyedFrame)
		_ = link.Close()
	}
	_ = record.HostLink.Close()

	rt.Registry.Destroy(record.RoomID)
	if rt.Metrics != nil {
		rt.Metrics.RecordRoomDestroyed(reason)
	}
}
