// Package handshake implements the authenticated join exchange (spec.md
// §4.5): JoinRequest, JoinApproval, and JoinConfirmation, plus the
// host-side and client-side processing functions that drive them.
package handshake

import (
	"fmt"
	"time"

	"github.com/ephemeralrooms/ephemeralrooms/internal/errs"
	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
	"github.com/ephemeralrooms/ephemeralrooms/internal/keyschedule"
	"github.com/ephemeralrooms/ephemeralrooms/internal/primitives"
)

// timestampSkew is the maximum allowed clock drift between a JoinRequest's
// timestamp and the host's clock (spec.md §4.5).
const timestampSkew = 60 * time.Second

const confirmLabel = "join-confirm-v1"

// JoinRequest is sent client -> host to begin the handshake.
type JoinRequest struct {
	ClientPub   [primitives.KeySize]byte
	JoinNonce   [16]byte
	TimestampMs uint64
	DisplayName string
}

// JoinApproval is sent host -> client carrying the wrapped master key.
type JoinApproval struct {
	ParticipantID identity.ParticipantID
	WrappedMaster []byte // ciphertext || tag
	Nonce         [primitives.NonceSize]byte
	Epoch         uint32
	HostPub       [primitives.KeySize]byte
}

// JoinConfirmation is sent client -> host to prove possession of the
// opened master key and complete the handshake.
type JoinConfirmation struct {
	Proof [32]byte
}

// NewJoinRequest builds a JoinRequest for the given client key pair and
// current time, filling JoinNonce from the CSPRNG.
func NewJoinRequest(clientPub [primitives.KeySize]byte, now time.Time, displayName string) (JoinRequest, error) {
	var nonce [16]byte
	if err := primitives.RandomBytes(nonce[:]); err != nil {
		return JoinRequest{}, err
	}
	return JoinRequest{
		ClientPub:   clientPub,
		JoinNonce:   nonce,
		TimestampMs: uint64(now.UnixMilli()),
		DisplayName: displayName,
	}, nil
}

func transcript(hostPub, clientPub [primitives.KeySize]byte, roomID []byte) []byte {
	out := make([]byte, 0, primitives.KeySize*2+len(roomID))
	out = append(out, hostPub[:]...)
	out = append(out, clientPub[:]...)
	out = append(out, roomID...)
	return out
}

// HostProcessJoinRequest implements the host side of spec.md §4.5 steps
// 1-5: validates the request timestamp, derives the session key, seals
// the master key under it, and assigns a fresh participant id.
//
// hostPriv/hostPub are the host's long-lived-for-this-room ephemeral key
// pair; master is the room's current master key; now is the host's
// clock, used for skew validation. The approval's wrap nonce comes from
// the CSPRNG.
func HostProcessJoinRequest(req JoinRequest, hostPriv, hostPub [primitives.KeySize]byte, roomID identity.RoomID, master []byte, epoch uint32, now time.Time) (JoinApproval, *primitives.ScrubBuffer, error) {
	reqTime := time.UnixMilli(int64(req.TimestampMs))
	if drift := now.Sub(reqTime); drift > timestampSkew || drift < -timestampSkew {
		return JoinApproval{}, nil, errs.ErrTimestampOutOfRange
	}

	var zero [primitives.KeySize]byte
	if req.ClientPub == zero {
		return JoinApproval{}, nil, errs.ErrInvalidPublicKey
	}

	shared, err := primitives.ECDH(hostPriv, req.ClientPub)
	if err != nil {
		return JoinApproval{}, nil, fmt.Errorf("host join ecdh: %w", err)
	}

	sessionKey, err := keyschedule.SessionKey(shared, roomID.Bytes(), hostPub, req.ClientPub)
	if err != nil {
		return JoinApproval{}, nil, err
	}
	defer sessionKey.Wipe()

	var nonce [primitives.NonceSize]byte
	if err := primitives.RandomBytes(nonce[:]); err != nil {
		return JoinApproval{}, nil, err
	}

	aad := transcript(hostPub, req.ClientPub, roomID.Bytes())
	var wrapped []byte
	sessionKey.WithBytes(func(k []byte) {
		wrapped, err = primitives.Seal(k, nonce[:], master, aad)
	})
	if err != nil {
		return JoinApproval{}, nil, fmt.Errorf("wrap master key: %w", err)
	}

	participantID, err := identity.NewParticipantID()
	if err != nil {
		return JoinApproval{}, nil, err
	}

	approval := JoinApproval{
		ParticipantID: participantID,
		WrappedMaster: wrapped,
		Nonce:         nonce,
		Epoch:         epoch,
		HostPub:       hostPub,
	}

	// The caller needs the session key again to verify the client's
	// JoinConfirmation proof, so return it instead of wiping here.
	return approval, sessionKey, nil
}

// ClientProcessJoinApproval implements the client side of spec.md §4.5:
// derive the session key with the identical transcript, open the sealed
// master key, and produce the JoinConfirmation proof.
func ClientProcessJoinApproval(approval JoinApproval, clientPriv, clientPub [primitives.KeySize]byte, roomID identity.RoomID) (JoinConfirmation, *primitives.ScrubBuffer, error) {
	var zero [primitives.KeySize]byte
	if approval.HostPub == zero {
		return JoinConfirmation{}, nil, errs.ErrInvalidPublicKey
	}

	shared, err := primitives.ECDH(clientPriv, approval.HostPub)
	if err != nil {
		return JoinConfirmation{}, nil, fmt.Errorf("client join ecdh: %w", err)
	}

	sessionKey, err := keyschedule.SessionKey(shared, roomID.Bytes(), approval.HostPub, clientPub)
	if err != nil {
		return JoinConfirmation{}, nil, err
	}
	defer sessionKey.Wipe()

	aad := transcript(approval.HostPub, clientPub, roomID.Bytes())
	var master []byte
	sessionKey.WithBytes(func(k []byte) {
		master, err = primitives.Open(k, approval.Nonce[:], approval.WrappedMaster, aad)
	})
	if err != nil {
		return JoinConfirmation{}, nil, err
	}
	masterBuf := primitives.NewScrubBuffer(master)

	var proof [32]byte
	sessionKey.WithBytes(func(k []byte) {
		mac := primitives.HMAC256(k, joinConfirmMessage(clientPub, approval.HostPub))
		copy(proof[:], mac)
	})

	return JoinConfirmation{Proof: proof}, masterBuf, nil
}

func joinConfirmMessage(clientPub, hostPub [primitives.KeySize]byte) []byte {
	out := make([]byte, 0, len(confirmLabel)+primitives.KeySize*2)
	out = append(out, confirmLabel...)
	out = append(out, clientPub[:]...)
	out = append(out, hostPub[:]...)
	return out
}

// HostVerifyJoinConfirmation checks the client's proof against the
// session key the host retained from HostProcessJoinRequest. On success
// the participant is promoted to active (spec.md §4.5); the caller is
// responsible for that state transition and for scrubbing sessionKey
// afterward.
func HostVerifyJoinConfirmation(sessionKey *primitives.ScrubBuffer, confirmation JoinConfirmation, clientPub, hostPub [primitives.KeySize]byte) bool {
	var ok bool
	sessionKey.WithBytes(func(k []byte) {
		expected := primitives.HMAC256(k, joinConfirmMessage(clientPub, hostPub))
		ok = primitives.ConstantTimeEqual(expected, confirmation.Proof[:])
	})
	return ok
}
