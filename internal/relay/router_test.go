package relay

import (
	"log/slog"
	"os"
	"testing"

	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
	"github.com/ephemeralrooms/ephemeralrooms/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	reg := NewRegistry(0)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return NewRouter(reg, m, log)
}

func TestAdmitHostThenClientPopulatesRegistry(t *testing.T) {
	rt := newTestRouter(t)
	roomID := newTestRoomID(t)

	hostLink := &fakeLink{}
	record, err := rt.AdmitHost("10.0.0.1:1111", roomID, hostLink)
	if err != nil {
		t.Fatalf("AdmitHost: %v", err)
	}
	record.MarkOpen()

	clientLink := &fakeLink{}
	gotRecord, participantID, err := rt.AdmitClient("10.0.0.2:2222", roomID, clientLink)
	if err != nil {
		t.Fatalf("AdmitClient: %v", err)
	}
	if gotRecord != record {
		t.Fatal("AdmitClient returned a different record than AdmitHost created")
	}
	if participantID.IsZero() {
		t.Error("AdmitClient returned a zero participant id")
	}
}

func TestAdmitClientRejectsUnopenedRoom(t *testing.T) {
	rt := newTestRouter(t)
	roomID := newTestRoomID(t)
	rt.AdmitHost("10.0.0.1:1111", roomID, &fakeLink{})

	if _, _, err := rt.AdmitClient("10.0.0.2:2222", roomID, &fakeLink{}); err == nil {
		t.Error("AdmitClient on unopened room should have failed")
	}
}

func TestBroadcastReachesAllParticipants(t *testing.T) {
	rt := newTestRouter(t)
	roomID := newTestRoomID(t)
	record, _ := rt.AdmitHost("h:1", roomID, &fakeLink{})
	record.MarkOpen()

	linkA := &fakeLink{}
	linkB := &fakeLink{}
	idA, _ := identity.NewParticipantID()
	idB, _ := identity.NewParticipantID()
	record.AddParticipant(&ParticipantRecord{ID: idA, Link: linkA})
	record.AddParticipant(&ParticipantRecord{ID: idB, Link: linkB})

	rt.Broadcast(record, []byte("hello"))

	if len(linkA.sent) != 1 || len(linkB.sent) != 1 {
		t.Fatalf("expected both participants to receive one frame, got %d and %d", len(linkA.sent), len(linkB.sent))
	}
}

func TestRelayClientMessageExcludesSenderFromFanout(t *testing.T) {
	rt := newTestRouter(t)
	roomID := newTestRoomID(t)
	hostLink := &fakeLink{}
	record, _ := rt.AdmitHost("h:1", roomID, hostLink)
	record.MarkOpen()

	senderLink := &fakeLink{}
	otherLink := &fakeLink{}
	senderID, _ := identity.NewParticipantID()
	otherID, _ := identity.NewParticipantID()
	record.AddParticipant(&ParticipantRecord{ID: senderID, Link: senderLink})
	record.AddParticipant(&ParticipantRecord{ID: otherID, Link: otherLink})

	if err := rt.RelayClientMessage(record, senderID, []byte("msg")); err != nil {
		t.Fatalf("RelayClientMessage: %v", err)
	}

	if len(hostLink.sent) != 1 {
		t.Errorf("host received %d frames, want 1", len(hostLink.sent))
	}
	if len(senderLink.sent) != 0 {
		t.Error("sender should not receive its own message back")
	}
	if len(otherLink.sent) != 1 {
		t.Errorf("other participant received %d frames, want 1", len(otherLink.sent))
	}
}

func TestKickClosesAndRemovesParticipant(t *testing.T) {
	rt := newTestRouter(t)
	roomID := newTestRoomID(t)
	record, _ := rt.AdmitHost("h:1", roomID, &fakeLink{})
	record.MarkOpen()

	targetLink := &fakeLink{}
	targetID, _ := identity.NewParticipantID()
	record.AddParticipant(&ParticipantRecord{ID: targetID, Link: targetLink})

	rt.Kick(record, targetID, []byte("kicked"))

	if !targetLink.closed {
		t.Error("kicked participant's link was not closed")
	}
	if len(record.ParticipantLinks(identity.ParticipantID{})) != 0 {
		t.Error("kicked participant is still present in the room")
	}
}

func TestCloseRoomRemovesFromRegistry(t *testing.T) {
	rt := newTestRouter(t)
	roomID := newTestRoomID(t)
	hostLink := &fakeLink{}
	record, _ := rt.AdmitHost("h:1", roomID, hostLink)
	record.MarkOpen()

	participantLink := &fakeLink{}
	participantID, _ := identity.NewParticipantID()
	record.AddParticipant(&ParticipantRecord{ID: participantID, Link: participantLink})

	rt.CloseRoom(record, "host_closed", []byte("destroyed"))

	if !hostLink.closed || !participantLink.closed {
		t.Error("CloseRoom did not close every link")
	}
	if _, err := rt.Registry.Get(roomID); err == nil {
		t.Error("room still present in registry after CloseRoom")
	}
}

func TestConnectLimiterBoundsHostAdmission(t *testing.T) {
	rt := newTestRouter(t)
	addr := "10.0.0.9:1"

	var lastErr error
	for i := 0; i < 20; i++ {
		_, err := rt.AdmitHost(addr, newTestRoomID(t), &fakeLink{})
		if err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Error("expected AdmitHost to eventually be rate-limited for a single address")
	}
}
