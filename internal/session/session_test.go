package session

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ephemeralrooms/ephemeralrooms/internal/errs"
	"github.com/ephemeralrooms/ephemeralrooms/internal/frame"
	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) SendFrame(ctx context.Context, wire []byte) error {
	f.sent = append(f.sent, wire)
	return nil
}

func TestHostCreateRoomTransitionsToCreating(t *testing.T) {
	roomID, _ := identity.NewRoomID()
	s := New(RoleHost, roomID, &fakeSender{}, nil, nil)

	if err := s.CreateRoom(bytes.Repeat([]byte{0x01}, 32)); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	if s.State() != StateCreating {
		t.Errorf("State() = %v, want StateCreating", s.State())
	}
}

func TestClientCannotCreateRoom(t *testing.T) {
	roomID, _ := identity.NewRoomID()
	s := New(RoleClient, roomID, &fakeSender{}, nil, nil)

	if err := s.CreateRoom(bytes.Repeat([]byte{0x01}, 32)); err == nil {
		t.Error("CreateRoom() succeeded for a client-role session")
	}
}

func TestSendMessageRequiresActiveState(t *testing.T) {
	roomID, _ := identity.NewRoomID()
	s := New(RoleHost, roomID, &fakeSender{}, nil, nil)

	err := s.SendMessage(context.Background(), []byte("hi"))
	if !errors.Is(err, errs.ErrNotActive) {
		t.Fatalf("SendMessage() error = %v, want ErrNotActive", err)
	}
}

func TestSendDeliverRoundTrip(t *testing.T) {
	roomID, _ := identity.NewRoomID()
	master := bytes.Repeat([]byte{0x09}, 32)

	sender := &fakeSender{}
	var delivered []DeliveredMessage
	hostSession := New(RoleHost, roomID, sender, func(m DeliveredMessage) { delivered = append(delivered, m) }, nil)

	if err := hostSession.CreateRoom(master); err != nil {
		t.Fatalf("CreateRoom() error = %v", err)
	}
	clientID, err := identity.NewParticipantID()
	if err != nil {
		t.Fatalf("NewParticipantID() error = %v", err)
	}
	hostSession.ApproveJoin(Participant{ID: clientID})
	hostSession.selfID = clientID // host sends as itself in this round-trip test

	content := frame.EncodeText(frame.TextContent{Text: "hello room"})
	if err := hostSession.SendMessage(context.Background(), content); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sender.sent has %d frames, want 1", len(sender.sent))
	}

	// A second, independent session with the same master key delivers the
	// captured wire frame.
	receiver := New(RoleClient, roomID, &fakeSender{}, func(m DeliveredMessage) { delivered = append(delivered, m) }, nil)
	receiver.ActivateClient(clientID, master)

	if err := receiver.DeliverFrame(sender.sent[0]); err != nil {
		t.Fatalf("DeliverFrame() error = %v", err)
	}
	if len(delivered) != 1 {
		t.Fatalf("delivered has %d messages, want 1", len(delivered))
	}
	text := frame.DecodeText(delivered[0].Payload)
	if text.Text != "hello room" {
		t.Errorf("delivered text = %q, want %q", text.Text, "hello room")
	}
}

func TestDeliverFrameRejectsReplay(t *testing.T) {
	roomID, _ := identity.NewRoomID()
	master := bytes.Repeat([]byte{0x0a}, 32)
	clientID, _ := identity.NewParticipantID()

	sender := &fakeSender{}
	hostSession := New(RoleHost, roomID, sender, nil, nil)
	_ = hostSession.CreateRoom(master)
	hostSession.ApproveJoin(Participant{ID: clientID})
	hostSession.selfID = clientID

	content := frame.EncodeText(frame.TextContent{Text: "once"})
	if err := hostSession.SendMessage(context.Background(), content); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	receiver := New(RoleClient, roomID, &fakeSender{}, nil, nil)
	receiver.ActivateClient(clientID, master)

	if err := receiver.DeliverFrame(sender.sent[0]); err != nil {
		t.Fatalf("first DeliverFrame() error = %v", err)
	}
	if err := receiver.DeliverFrame(sender.sent[0]); !errors.Is(err, errs.ErrReplayDetected) {
		t.Fatalf("replayed DeliverFrame() error = %v, want ErrReplayDetected", err)
	}
}

func TestCompleteRekeyResetsSequenceAndEpoch(t *testing.T) {
	roomID, _ := identity.NewRoomID()
	s := New(RoleHost, roomID, &fakeSender{}, nil, nil)
	_ = s.CreateRoom(bytes.Repeat([]byte{0x01}, 32))

	s.seq.Store(5)
	s.BeginRekey()
	if s.State() != StateRekeying {
		t.Fatalf("State() = %v, want StateRekeying", s.State())
	}

	s.CompleteRekey(bytes.Repeat([]byte{0x02}, 32))
	if s.State() != StateActive {
		t.Errorf("State() = %v, want StateActive", s.State())
	}
	if s.Epoch() != 1 {
		t.Errorf("Epoch() = %d, want 1", s.Epoch())
	}
	if s.seq.Load() != 0 {
		t.Errorf("seq = %d, want 0 after rekey", s.seq.Load())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	roomID, _ := identity.NewRoomID()
	destroyCount := 0
	s := New(RoleHost, roomID, &fakeSender{}, nil, func(DestroyReason) { destroyCount++ })
	_ = s.CreateRoom(bytes.Repeat([]byte{0x01}, 32))

	s.Close(ReasonHostClosed)
	s.Close(ReasonHostClosed)

	if destroyCount != 1 {
		t.Errorf("onDestroy called %d times, want 1", destroyCount)
	}
	if s.State() != StateDestroyed {
		t.Errorf("State() = %v, want StateDestroyed", s.State())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done() channel not closed after Close()")
	}
}
