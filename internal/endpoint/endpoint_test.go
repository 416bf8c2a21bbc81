package endpoint

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/ephemeralrooms/ephemeralrooms/internal/frame"
	"github.com/ephemeralrooms/ephemeralrooms/internal/handshake"
	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
	"github.com/ephemeralrooms/ephemeralrooms/internal/primitives"
	"github.com/ephemeralrooms/ephemeralrooms/internal/session"
	"github.com/ephemeralrooms/ephemeralrooms/internal/transport"
	"github.com/ephemeralrooms/ephemeralrooms/internal/wire"
)

// pipeConn is a minimal transport.Conn over a pair of channels, letting
// tests drive both sides of a "relay connection" without a real network
// listener.
type pipeConn struct {
	in  chan []byte
	out chan []byte
}

func newPipePair() (*pipeConn, *pipeConn) {
	a := make(chan []byte, 16)
	b := make(chan []byte, 16)
	return &pipeConn{in: a, out: b}, &pipeConn{in: b, out: a}
}

func (c *pipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pipeConn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pipeConn) Close() error         { return nil }
func (c *pipeConn) RemoteAddr() net.Addr { return nil }
func (c *pipeConn) Kind() transport.Kind { return transport.KindWebSocket }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJoinRequestRoundTrip(t *testing.T) {
	clientKeys, err := primitives.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	req, err := handshake.NewJoinRequest(clientKeys.PublicKey, time.Now(), "alice")
	if err != nil {
		t.Fatalf("NewJoinRequest: %v", err)
	}

	encoded, err := encodeJoinRequest(req)
	if err != nil {
		t.Fatalf("encodeJoinRequest: %v", err)
	}

	env, err := wire.Decode(encoded)
	if err != nil {
		t.Fatalf("wire.Decode: %v", err)
	}
	if env.Type != wire.TypeJoinRequest {
		t.Fatalf("envelope type = %v, want %v", env.Type, wire.TypeJoinRequest)
	}

	var payload wire.JoinRequestPayload
	if err := wire.UnmarshalPayload(env.Payload, &payload); err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}

	got, err := decodeJoinRequest(payload)
	if err != nil {
		t.Fatalf("decodeJoinRequest: %v", err)
	}
	if got.ClientPub != req.ClientPub {
		t.Error("client public key did not round-trip")
	}
	if got.DisplayName != "alice" {
		t.Errorf("display name = %q, want alice", got.DisplayName)
	}
}

func TestJoinApprovalRoundTrip(t *testing.T) {
	participantID, err := identity.NewParticipantID()
	if err != nil {
		t.Fatalf("NewParticipantID: %v", err)
	}
	var hostPub [primitives.KeySize]byte
	var nonce [primitives.NonceSize]byte
	primitives.RandomBytes(hostPub[:])
	primitives.RandomBytes(nonce[:])

	approval := handshake.JoinApproval{
		ParticipantID: participantID,
		WrappedMaster: []byte("wrapped-master-ciphertext"),
		Nonce:         nonce,
		Epoch:         3,
		HostPub:       hostPub,
	}

	encoded, err := encodeJoinResponse(approval)
	if err != nil {
		t.Fatalf("encodeJoinResponse: %v", err)
	}
	env, err := wire.Decode(encoded)
	if err != nil {
		t.Fatalf("wire.Decode: %v", err)
	}

	var payload wire.JoinApprovalPayload
	if err := wire.UnmarshalPayload(env.Payload, &payload); err != nil {
		t.Fatalf("UnmarshalPayload: %v", err)
	}
	got, err := decodeJoinApproval(payload)
	if err != nil {
		t.Fatalf("decodeJoinApproval: %v", err)
	}
	if got.ParticipantID != approval.ParticipantID {
		t.Error("participant id did not round-trip")
	}
	if got.Epoch != approval.Epoch {
		t.Errorf("epoch = %d, want %d", got.Epoch, approval.Epoch)
	}
	if string(got.WrappedMaster) != string(approval.WrappedMaster) {
		t.Error("wrapped master did not round-trip")
	}
}

// TestHostClientSessionExchange drives the handshake and message pipeline
// directly against two in-process session.Session instances, wired
// through the same envelope encode/decode helpers Endpoint uses, without
// a real relay or network listener.
func TestHostClientSessionExchange(t *testing.T) {
	roomID, err := identity.NewRoomID()
	if err != nil {
		t.Fatalf("NewRoomID: %v", err)
	}

	hostKeys, err := primitives.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair (host): %v", err)
	}
	clientKeys, err := primitives.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair (client): %v", err)
	}

	var master [32]byte
	if err := primitives.RandomBytes(master[:]); err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}

	hostConn, clientConn := newPipePair()
	hostRoom := newRoom(roomID, session.RoleHost, wire.TypeBroadcast, hostConn, discardLogger())
	clientRoom := newRoom(roomID, session.RoleClient, wire.TypeMessage, clientConn, discardLogger())

	if err := hostRoom.sess.CreateRoom(append([]byte(nil), master[:]...)); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	hostRoom.sess.MarkOpen()

	req, err := handshake.NewJoinRequest(clientKeys.PublicKey, time.Now(), "bob")
	if err != nil {
		t.Fatalf("NewJoinRequest: %v", err)
	}

	approval, sessKey, err := handshake.HostProcessJoinRequest(
		req, hostKeys.PrivateKey, hostKeys.PublicKey, roomID, master[:], hostRoom.sess.Epoch(), time.Now())
	if err != nil {
		t.Fatalf("HostProcessJoinRequest: %v", err)
	}

	confirmation, clientMasterBuf, err := handshake.ClientProcessJoinApproval(approval, clientKeys.PrivateKey, clientKeys.PublicKey, roomID)
	if err != nil {
		t.Fatalf("ClientProcessJoinApproval: %v", err)
	}

	if !handshake.HostVerifyJoinConfirmation(sessKey, confirmation, clientKeys.PublicKey, hostKeys.PublicKey) {
		t.Fatal("HostVerifyJoinConfirmation rejected a valid confirmation")
	}
	sessKey.Wipe()

	hostRoom.sess.ApproveJoin(session.Participant{ID: approval.ParticipantID, CurrentPub: clientKeys.PublicKey})

	var clientMaster []byte
	clientMasterBuf.WithBytes(func(b []byte) { clientMaster = append([]byte(nil), b...) })
	// ActivateClient takes ownership of clientMaster without copying it,
	// so it must not be zeroed here.
	clientRoom.sess.ActivateClient(approval.ParticipantID, clientMaster)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := clientRoom.SendMessage(ctx, frame.EncodeText(frame.TextContent{Text: "hello host"})); err != nil {
		t.Fatalf("client SendMessage: %v", err)
	}

	var sent []byte
	select {
	case sent = <-clientConn.out:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for client frame")
	}

	env, err := wire.Decode(sent)
	if err != nil {
		t.Fatalf("decode client frame: %v", err)
	}
	frameBytes, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		t.Fatalf("decode client payload: %v", err)
	}
	if err := hostRoom.sess.DeliverFrame(frameBytes); err != nil {
		t.Fatalf("host DeliverFrame: %v", err)
	}

	select {
	case delivered := <-hostRoom.messages:
		if string(delivered.Payload) != "hello host" {
			t.Errorf("delivered payload = %q, want %q", delivered.Payload, "hello host")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivered message")
	}
}
