// Package wire implements the JSON text frame envelope exchanged between
// endpoints and the relay (spec.md §4.8): one frame type per message
// kind, a maximum single-frame size of 8 MiB, and base64 carriage for
// opaque binary payloads.
package wire

import (
	"encoding/json"
	"fmt"
)

// Type names the top-level JSON `type` field (spec.md §4.8).
type Type string

const (
	// Host -> Relay.
	TypeRoomOpen     Type = "ROOM_OPEN"
	TypeBroadcast    Type = "BROADCAST"
	TypeDirect       Type = "DIRECT"
	TypeJoinResponse Type = "JOIN_RESPONSE"
	TypeKick         Type = "KICK"
	TypeRoomClose    Type = "ROOM_CLOSE"
	TypeHeartbeat    Type = "HEARTBEAT"

	// Client -> Relay.
	TypeJoinRequest Type = "JOIN_REQUEST"
	TypeJoinConfirm Type = "JOIN_CONFIRM"
	TypeMessage     Type = "MESSAGE"

	// Relay -> endpoint.
	TypeRoomCreated   Type = "ROOM_CREATED"
	TypeConnected     Type = "CONNECTED"
	TypeClientMessage Type = "CLIENT_MESSAGE"
	TypeClientLeft    Type = "CLIENT_LEFT"
	TypeRoomDestroyed Type = "ROOM_DESTROYED"
	TypeKicked        Type = "KICKED"
	TypeHeartbeatAck  Type = "HEARTBEAT_ACK"
	TypeError         Type = "ERROR"
)

// MaxFrameSize is the adapter's maximum single-frame size (spec.md §4.8).
const MaxFrameSize = 8 * 1024 * 1024

// Envelope is the outer JSON object every wire frame carries. Fields
// unused by a given Type are omitted on encode and ignored on decode.
type Envelope struct {
	Type Type `json:"type"`

	RoomID        string `json:"roomId,omitempty"`
	ParticipantID string `json:"participantId,omitempty"`
	SenderID      string `json:"senderId,omitempty"`
	Token         string `json:"token,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Approve       *bool  `json:"approve,omitempty"`

	// Payload carries base64-encoded opaque binary: a sealed §3 Message
	// Frame for MESSAGE/CLIENT_MESSAGE, or a nested JSON-encoded
	// handshake struct (as a string) for JOIN_REQUEST/JOIN_RESPONSE/
	// JOIN_CONFIRM, per spec.md §4.8 "Payload carriage".
	Payload string `json:"payload,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Encode serializes env to JSON, rejecting anything over MaxFrameSize.
func Encode(env Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("encoded envelope is %d bytes, exceeds max frame size %d", len(data), MaxFrameSize)
	}
	return data, nil
}

// Decode parses a JSON text frame into an Envelope, rejecting anything
// over MaxFrameSize before unmarshaling.
func Decode(data []byte) (Envelope, error) {
	if len(data) > MaxFrameSize {
		return Envelope{}, fmt.Errorf("frame is %d bytes, exceeds max frame size %d", len(data), MaxFrameSize)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// JoinRequestPayload is the JSON body nested (as a string) in a
// JOIN_REQUEST envelope's Payload field (spec.md §4.5, §4.8).
type JoinRequestPayload struct {
	ClientPub   string `json:"clientPub"`
	JoinNonce   string `json:"joinNonce"`
	TimestampMs uint64 `json:"timestampMs"`
	DisplayName string `json:"displayName,omitempty"`
}

// JoinApprovalPayload is the JSON body nested in a JOIN_RESPONSE envelope
// for an approval.
type JoinApprovalPayload struct {
	ParticipantID string `json:"participantId"`
	WrappedMaster string `json:"wrappedMaster"`
	Nonce         string `json:"nonce"`
	Epoch         uint32 `json:"epoch"`
	HostPub       string `json:"hostPub"`
}

// JoinRejectionPayload is the JSON body nested in a JOIN_RESPONSE
// envelope for a rejection.
type JoinRejectionPayload struct {
	Reason string `json:"reason"`
}

// JoinConfirmationPayload is the JSON body nested in a JOIN_CONFIRM
// envelope.
type JoinConfirmationPayload struct {
	Proof string `json:"proof"`
}

// MarshalPayload JSON-encodes v and returns it as a string suitable for
// Envelope.Payload (spec.md §4.8: "Structured payloads ... are nested
// JSON encoded as strings").
func MarshalPayload(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// UnmarshalPayload decodes an Envelope.Payload string into v.
func UnmarshalPayload(payload string, v any) error {
	if err := json.Unmarshal([]byte(payload), v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// IsControl reports whether data is a frame a bounded outbound queue must
// never silently drop under backpressure: anything other than opaque
// application-frame carriers (spec.md §4.8, §4.9 backpressure policy).
// Unparseable data is treated as control, since a queue has no business
// discarding bytes it cannot classify.
func IsControl(data []byte) bool {
	env, err := Decode(data)
	if err != nil {
		return true
	}
	switch env.Type {
	case TypeBroadcast, TypeMessage, TypeClientMessage:
		return false
	default:
		return true
	}
}
