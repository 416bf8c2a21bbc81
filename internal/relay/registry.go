// Package relay implements the blind router (spec.md §4.9): an in-memory
// room registry, host/participant connection tracking, single-use invite
// tokens, and a heartbeat monitor that destroys rooms whose host has gone
// silent. The relay never touches plaintext, keys, or any crypto
// primitive beyond TLS (spec.md §8 invariant 7: "relay blindness").
package relay

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/ephemeralrooms/ephemeralrooms/internal/errs"
	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
)

// Default capacities and timings (spec.md §4.9).
const (
	DefaultMaxRooms             = 10_000
	DefaultMaxParticipantsPerRoom = 50
	HeartbeatTimeout             = 6 * time.Second
	HeartbeatCheckInterval       = 3 * time.Second

	InviteTokenTTL        = 24 * time.Hour
	InviteTokenSize       = 24
	MaxInviteTokensPerRoom = 100
	MaxInviteTokensTotal   = 100_000
)

// Link is the relay's view of a single connection's outbound half: an
// opaque send queue plus a way to force-close the socket. The relay never
// inspects the bytes it forwards (spec.md §8 invariant 6).
type Link interface {
	Send(frame []byte) error
	Close() error
}

// ParticipantRecord is the relay's per-client bookkeeping (spec.md §3
// "Room Registry Record").
type ParticipantRecord struct {
	ID   identity.ParticipantID
	Link Link
}

// RoomRecord is one room's registry entry (spec.md §3).
type RoomRecord struct {
	mu sync.Mutex

	RoomID        identity.RoomID
	HostLink      Link
	Open          bool
	LastHeartbeat time.Time
	CreatedAt     time.Time
	Participants  map[identity.ParticipantID]*ParticipantRecord
}

func newRoomRecord(roomID identity.RoomID, hostLink Link, now time.Time) *RoomRecord {
	return &RoomRecord{
		RoomID:        roomID,
		HostLink:      hostLink,
		LastHeartbeat: now,
		CreatedAt:     now,
		Participants:  make(map[identity.ParticipantID]*ParticipantRecord),
	}
}

// Touch records fresh host activity (spec.md §4.9: "Any host message
// updates last-heartbeat").
func (r *RoomRecord) Touch(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.LastHeartbeat = now
}

// MarkOpen flips the room open for client admission (spec.md §4.9: "Host
// must emit ROOM_OPEN before clients may join").
func (r *RoomRecord) MarkOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Open = true
}

// IsOpen reports whether clients may currently join.
func (r *RoomRecord) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Open
}

// AddParticipant inserts p, enforcing DefaultMaxParticipantsPerRoom
// (spec.md §4.9 "50 participants per room").
func (r *RoomRecord) AddParticipant(p *ParticipantRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Participants) >= DefaultMaxParticipantsPerRoom {
		return errs.ErrRoomFull
	}
	r.Participants[p.ID] = p
	return nil
}

// RemoveParticipant deletes a participant from the room.
func (r *RoomRecord) RemoveParticipant(id identity.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.Participants, id)
}

// ParticipantLinks returns a snapshot of current participant links,
// optionally excluding one id (used for fan-out that stamps a sender).
func (r *RoomRecord) ParticipantLinks(exclude identity.ParticipantID) []Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Link, 0, len(r.Participants))
	for id, p := range r.Participants {
		if id == exclude {
			continue
		}
		out = append(out, p.Link)
	}
	return out
}

func (r *RoomRecord) heartbeatStale(now time.Time, timeout time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.LastHeartbeat) > timeout
}

// InviteToken is a single-use, TTL-bound bearer code (spec.md §3, §4.9).
type InviteToken struct {
	Token     string
	RoomID    identity.RoomID
	CreatedAt time.Time
	ExpiresAt time.Time
	used      bool
}

// Registry is the relay's complete in-memory state: the room map plus
// the invite token store. A single short-critical-section lock guards
// the top-level maps; each RoomRecord has its own lock for its
// participant map and heartbeat field (spec.md §5 "Shared state").
type Registry struct {
	mu     sync.Mutex
	rooms  map[identity.RoomID]*RoomRecord
	tokens map[string]*InviteToken

	maxRooms int
}

// NewRegistry builds an empty registry bounded at maxRooms server-wide
// rooms (spec.md §4.9 "default 10 000 rooms server-wide").
func NewRegistry(maxRooms int) *Registry {
	if maxRooms <= 0 {
		maxRooms = DefaultMaxRooms
	}
	return &Registry{
		rooms:    make(map[identity.RoomID]*RoomRecord),
		tokens:   make(map[string]*InviteToken),
		maxRooms: maxRooms,
	}
}

// CreateRoom inserts a new open-for-host-only room record, rejecting if
// the room id already exists or the server is at capacity (spec.md §4.9
// "on socket accept, if room exists, reject").
func (reg *Registry) CreateRoom(roomID identity.RoomID, hostLink Link, now time.Time) (*RoomRecord, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, exists := reg.rooms[roomID]; exists {
		return nil, errs.ErrAlreadyProcessing
	}
	if len(reg.rooms) >= reg.maxRooms {
		return nil, errs.ErrServerAtCapacity
	}

	record := newRoomRecord(roomID, hostLink, now)
	reg.rooms[roomID] = record
	return record, nil
}

// Get returns the room record for roomID, or ErrRoomNotFound.
func (reg *Registry) Get(roomID identity.RoomID) (*RoomRecord, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, ok := reg.rooms[roomID]
	if !ok {
		return nil, errs.ErrRoomNotFound
	}
	return r, nil
}

// Destroy removes roomID from the registry and invalidates all of its
// invite tokens (spec.md §4.9 "Destroy"). The caller is responsible for
// closing the host and participant links with ROOM_DESTROYED(reason).
func (reg *Registry) Destroy(roomID identity.RoomID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	delete(reg.rooms, roomID)
	for token, inv := range reg.tokens {
		if inv.RoomID == roomID {
			delete(reg.tokens, token)
		}
	}
}

// Len returns the current room count, for metrics and tests.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// SweepHeartbeats destroys every room whose host has been silent past
// timeout, returning the ids destroyed so the caller can notify
// participants (spec.md §4.9: "destroy the room with reason
// heartbeat_timeout").
func (reg *Registry) SweepHeartbeats(now time.Time, timeout time.Duration) []identity.RoomID {
	reg.mu.Lock()
	var stale []identity.RoomID
	for id, r := range reg.rooms {
		if r.heartbeatStale(now, timeout) {
			stale = append(stale, id)
		}
	}
	reg.mu.Unlock()

	for _, id := range stale {
		reg.Destroy(id)
	}
	return stale
}

// StaleRoom pairs a room about to be reaped with every link (host plus
// participants) that still needs a ROOM_DESTROYED notification before
// the registry forgets it.
type StaleRoom struct {
	RoomID identity.RoomID
	Links  []Link
}

// ReapStale destroys every room whose host has been silent past timeout,
// same as SweepHeartbeats, but snapshots each room's links before
// removing it so the caller can still notify a room's participants
// (spec.md §4.9: "destroy the room with reason heartbeat_timeout").
func (reg *Registry) ReapStale(now time.Time, timeout time.Duration) []StaleRoom {
	reg.mu.Lock()
	var stale []StaleRoom
	for id, r := range reg.rooms {
		if r.heartbeatStale(now, timeout) {
			stale = append(stale, StaleRoom{RoomID: id, Links: r.allLinks()})
		}
	}
	reg.mu.Unlock()

	for _, s := range stale {
		reg.Destroy(s.RoomID)
	}
	return stale
}

// allLinks returns the host link followed by every participant link.
func (r *RoomRecord) allLinks() []Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	links := make([]Link, 0, len(r.Participants)+1)
	links = append(links, r.HostLink)
	for _, p := range r.Participants {
		links = append(links, p.Link)
	}
	return links
}

// CreateInviteToken mints a fresh token bound to roomID (spec.md §4.9:
// "24 random bytes ... base64url-encoded, 32 chars ... 24h TTL"),
// enforcing the per-room and server-wide caps.
func (reg *Registry) CreateInviteToken(roomID identity.RoomID, now time.Time) (*InviteToken, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.rooms[roomID]; !ok {
		return nil, errs.ErrRoomNotFound
	}
	if len(reg.tokens) >= MaxInviteTokensTotal {
		return nil, errs.ErrTokenLimit
	}
	perRoom := 0
	for _, inv := range reg.tokens {
		if inv.RoomID == roomID {
			perRoom++
		}
	}
	if perRoom >= MaxInviteTokensPerRoom {
		return nil, errs.ErrTokenLimit
	}

	raw := make([]byte, InviteTokenSize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("generate invite token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	inv := &InviteToken{
		Token:     token,
		RoomID:    roomID,
		CreatedAt: now,
		ExpiresAt: now.Add(InviteTokenTTL),
	}
	reg.tokens[token] = inv
	return inv, nil
}

// PeekInviteToken reports validity without consuming the token (spec.md
// §4.9 "GET /invite/validate/{token} peeks (no consumption)").
func (reg *Registry) PeekInviteToken(token string, now time.Time) (identity.RoomID, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	inv, ok := reg.tokens[token]
	if !ok || inv.used || now.After(inv.ExpiresAt) {
		return identity.RoomID{}, false
	}
	return inv.RoomID, true
}

// ConsumeInviteToken atomically validates and marks token as used
// (spec.md §4.9 "The WebSocket join path consumes the token atomically").
// A second consumption of the same token returns ErrInvalidToken
// (spec.md §8 invariant 6: "second attempt returns TokenNotFound").
func (reg *Registry) ConsumeInviteToken(token string, now time.Time) (identity.RoomID, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	inv, ok := reg.tokens[token]
	if !ok || inv.used || now.After(inv.ExpiresAt) {
		return identity.RoomID{}, errs.ErrInvalidToken
	}
	inv.used = true
	return inv.RoomID, nil
}
