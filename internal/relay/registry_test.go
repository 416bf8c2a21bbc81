package relay

import (
	"testing"
	"time"

	"github.com/ephemeralrooms/ephemeralrooms/internal/errs"
	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
)

type fakeLink struct {
	sent   [][]byte
	closed bool
}

func (l *fakeLink) Send(frame []byte) error {
	l.sent = append(l.sent, frame)
	return nil
}

func (l *fakeLink) Close() error {
	l.closed = true
	return nil
}

func newTestRoomID(t *testing.T) identity.RoomID {
	t.Helper()
	id, err := identity.NewRoomID()
	if err != nil {
		t.Fatalf("NewRoomID: %v", err)
	}
	return id
}

func TestCreateRoomRejectsDuplicate(t *testing.T) {
	reg := NewRegistry(0)
	roomID := newTestRoomID(t)
	now := time.Now()

	if _, err := reg.CreateRoom(roomID, &fakeLink{}, now); err != nil {
		t.Fatalf("first CreateRoom: %v", err)
	}
	if _, err := reg.CreateRoom(roomID, &fakeLink{}, now); err != errs.ErrAlreadyProcessing {
		t.Errorf("second CreateRoom error = %v, want ErrAlreadyProcessing", err)
	}
}

func TestCreateRoomRejectsAtCapacity(t *testing.T) {
	reg := NewRegistry(1)
	now := time.Now()

	if _, err := reg.CreateRoom(newTestRoomID(t), &fakeLink{}, now); err != nil {
		t.Fatalf("first CreateRoom: %v", err)
	}
	if _, err := reg.CreateRoom(newTestRoomID(t), &fakeLink{}, now); err != errs.ErrServerAtCapacity {
		t.Errorf("second CreateRoom error = %v, want ErrServerAtCapacity", err)
	}
}

func TestGetUnknownRoomFails(t *testing.T) {
	reg := NewRegistry(0)
	if _, err := reg.Get(newTestRoomID(t)); err != errs.ErrRoomNotFound {
		t.Errorf("Get() error = %v, want ErrRoomNotFound", err)
	}
}

func TestAddParticipantEnforcesRoomCap(t *testing.T) {
	record := newRoomRecord(newTestRoomID(t), &fakeLink{}, time.Now())
	for i := 0; i < DefaultMaxParticipantsPerRoom; i++ {
		id, _ := identity.NewParticipantID()
		if err := record.AddParticipant(&ParticipantRecord{ID: id, Link: &fakeLink{}}); err != nil {
			t.Fatalf("AddParticipant %d: %v", i, err)
		}
	}
	overflow, _ := identity.NewParticipantID()
	if err := record.AddParticipant(&ParticipantRecord{ID: overflow, Link: &fakeLink{}}); err != errs.ErrRoomFull {
		t.Errorf("AddParticipant over cap error = %v, want ErrRoomFull", err)
	}
}

func TestDestroyInvalidatesInviteTokens(t *testing.T) {
	reg := NewRegistry(0)
	roomID := newTestRoomID(t)
	now := time.Now()
	if _, err := reg.CreateRoom(roomID, &fakeLink{}, now); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	inv, err := reg.CreateInviteToken(roomID, now)
	if err != nil {
		t.Fatalf("CreateInviteToken: %v", err)
	}

	reg.Destroy(roomID)

	if _, err := reg.ConsumeInviteToken(inv.Token, now); err != errs.ErrInvalidToken {
		t.Errorf("ConsumeInviteToken after Destroy error = %v, want ErrInvalidToken", err)
	}
}

func TestInviteTokenSingleUse(t *testing.T) {
	reg := NewRegistry(0)
	roomID := newTestRoomID(t)
	now := time.Now()
	reg.CreateRoom(roomID, &fakeLink{}, now)
	inv, err := reg.CreateInviteToken(roomID, now)
	if err != nil {
		t.Fatalf("CreateInviteToken: %v", err)
	}

	got, err := reg.ConsumeInviteToken(inv.Token, now)
	if err != nil {
		t.Fatalf("first ConsumeInviteToken: %v", err)
	}
	if got != roomID {
		t.Errorf("consumed roomID = %v, want %v", got, roomID)
	}

	if _, err := reg.ConsumeInviteToken(inv.Token, now); err != errs.ErrInvalidToken {
		t.Errorf("second ConsumeInviteToken error = %v, want ErrInvalidToken", err)
	}
}

func TestInviteTokenExpires(t *testing.T) {
	reg := NewRegistry(0)
	roomID := newTestRoomID(t)
	now := time.Now()
	reg.CreateRoom(roomID, &fakeLink{}, now)
	inv, err := reg.CreateInviteToken(roomID, now)
	if err != nil {
		t.Fatalf("CreateInviteToken: %v", err)
	}

	later := now.Add(InviteTokenTTL + time.Second)
	if _, err := reg.ConsumeInviteToken(inv.Token, later); err != errs.ErrInvalidToken {
		t.Errorf("ConsumeInviteToken after expiry error = %v, want ErrInvalidToken", err)
	}
}

func TestInviteTokenPerRoomCap(t *testing.T) {
	reg := NewRegistry(0)
	roomID := newTestRoomID(t)
	now := time.Now()
	reg.CreateRoom(roomID, &fakeLink{}, now)

	for i := 0; i < MaxInviteTokensPerRoom; i++ {
		if _, err := reg.CreateInviteToken(roomID, now); err != nil {
			t.Fatalf("CreateInviteToken %d: %v", i, err)
		}
	}
	if _, err := reg.CreateInviteToken(roomID, now); err != errs.ErrTokenLimit {
		t.Errorf("CreateInviteToken over cap error = %v, want ErrTokenLimit", err)
	}
}

func TestSweepHeartbeatsDestroysStaleRooms(t *testing.T) {
	reg := NewRegistry(0)
	staleRoom := newTestRoomID(t)
	freshRoom := newTestRoomID(t)
	base := time.Now()

	reg.CreateRoom(staleRoom, &fakeLink{}, base)
	reg.CreateRoom(freshRoom, &fakeLink{}, base)

	later := base.Add(HeartbeatTimeout + time.Second)
	if r, err := reg.Get(freshRoom); err == nil {
		r.Touch(later)
	}

	destroyed := reg.SweepHeartbeats(later, HeartbeatTimeout)
	if len(destroyed) != 1 || destroyed[0] != staleRoom {
		t.Errorf("SweepHeartbeats destroyed = %v, want [%v]", destroyed, staleRoom)
	}
	if _, err := reg.Get(staleRoom); err != errs.ErrRoomNotFound {
		t.Errorf("stale room still present: %v", err)
	}
	if _, err := reg.Get(freshRoom); err != nil {
		t.Errorf("fresh room was destroyed: %v", err)
	}
}
