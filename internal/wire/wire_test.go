package wire

import (
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	approve := true
	env := Envelope{
		Type:          TypeJoinResponse,
		RoomID:        "room-123",
		ParticipantID: "participant-456",
		Approve:       &approve,
		Payload:       "base64-payload",
	}

	data, err := Encode(env)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if decoded.Type != TypeJoinResponse || decoded.RoomID != "room-123" || decoded.Payload != "base64-payload" {
		t.Errorf("Decode() = %+v", decoded)
	}
	if decoded.Approve == nil || !*decoded.Approve {
		t.Errorf("decoded.Approve = %v, want true", decoded.Approve)
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	oversized := []byte(`{"type":"MESSAGE","payload":"` + strings.Repeat("a", MaxFrameSize) + `"}`)
	if _, err := Decode(oversized); err == nil {
		t.Error("Decode() accepted a frame larger than MaxFrameSize")
	}
}

func TestJoinRequestPayloadRoundTrip(t *testing.T) {
	payload := JoinRequestPayload{
		ClientPub:   "client-pub-b64",
		JoinNonce:   "nonce-b64",
		TimestampMs: 1700000000000,
		DisplayName: "alice",
	}

	encoded, err := MarshalPayload(payload)
	if err != nil {
		t.Fatalf("MarshalPayload() error = %v", err)
	}

	var decoded JoinRequestPayload
	if err := UnmarshalPayload(encoded, &decoded); err != nil {
		t.Fatalf("UnmarshalPayload() error = %v", err)
	}
	if decoded != payload {
		t.Errorf("UnmarshalPayload() = %+v, want %+v", decoded, payload)
	}
}
