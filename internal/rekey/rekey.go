// Package rekey implements the forward-secure per-client rekey procedure
// (spec.md §4.6): fresh ephemeral DH per rekey, HMAC-confirmed epoch
// transition, and a per-participant pending-rekey state machine.
//
// Forward-secrecy argument (spec.md §4.6): an attacker holding the old
// master key lacks eph_priv; the wrapping key requires it, and eph_priv
// is freshly generated, never transmitted, and scrubbed once every
// per-participant wrap completes. The old master is only ever hashed
// into a salt/info construction, which is one-way.
package rekey

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ephemeralrooms/ephemeralrooms/internal/errs"
	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
	"github.com/ephemeralrooms/ephemeralrooms/internal/keyschedule"
	"github.com/ephemeralrooms/ephemeralrooms/internal/primitives"
)

// Default triggers (spec.md §4.6).
const (
	DefaultMessageThreshold = 20
	DefaultInterval         = 60 * time.Second
	// DefaultConfirmTimeout is a confirmation window for a participant's
	// RekeyConfirmation. No code reads it: the host waits for every
	// participant's confirmation without a deadline and drops no laggards.
	DefaultConfirmTimeout = 15 * time.Second
)

// PerClientRekeyPayload is sealed individually for each participant and
// transmitted as an ordinary encrypted application frame with content
// type 0x06 so the relay cannot distinguish it from chat traffic.
type PerClientRekeyPayload struct {
	NewEpoch     uint32
	WrappedKey   []byte // cipher || tag
	Nonce        [primitives.NonceSize]byte
	EphPub       [primitives.KeySize]byte
	ClientPub    [primitives.KeySize]byte
	ConfirmNonce [16]byte
}

// RekeyConfirmation is the client's reply, itself sent as an encrypted
// application frame (content type 0x05).
type RekeyConfirmation struct {
	Epoch        uint32
	NewClientPub [primitives.KeySize]byte
	ConfirmNonce [16]byte
	MAC          [32]byte
}

// PendingState tracks one participant's in-flight rekey from the host's
// perspective, between sending a PerClientRekeyPayload and receiving a
// matching RekeyConfirmation.
type PendingState struct {
	NewEpoch     uint32
	ConfirmNonce [16]byte
	SentAt       time.Time
}

func rekeyAAD(newEpoch uint32, roomID []byte, ephPub, clientPub [primitives.KeySize]byte) []byte {
	out := make([]byte, 0, 4+len(roomID)+primitives.KeySize*2)
	out = binary.BigEndian.AppendUint32(out, newEpoch)
	out = append(out, roomID...)
	out = append(out, ephPub[:]...)
	out = append(out, clientPub[:]...)
	return out
}

func confirmMACMessage(epoch uint32, newClientPub [primitives.KeySize]byte, confirmNonce [16]byte, hostEphPub [primitives.KeySize]byte, roomID []byte) []byte {
	out := make([]byte, 0, 4+primitives.KeySize+16+primitives.KeySize+len(roomID))
	out = binary.BigEndian.AppendUint32(out, epoch)
	out = append(out, newClientPub[:]...)
	out = append(out, confirmNonce[:]...)
	out = append(out, hostEphPub[:]...)
	out = append(out, roomID...)
	return out
}

// HostWrapForClient implements spec.md §4.6 host step 2: derive the
// forward-secure wrapping key for one participant and seal newMaster
// under it. ephPriv is the host's freshly generated per-rekey ephemeral
// private key, shared across all participants in this rekey round;
// clientPub is that participant's current public key.
func HostWrapForClient(ephPriv, ephPub [primitives.KeySize]byte, clientPub [primitives.KeySize]byte, oldMaster, newMaster []byte, roomID identity.RoomID, newEpoch uint32) (PerClientRekeyPayload, [16]byte, error) {
	shared, err := primitives.ECDH(ephPriv, clientPub)
	if err != nil {
		return PerClientRekeyPayload{}, [16]byte{}, fmt.Errorf("rekey wrap ecdh: %w", err)
	}

	wrapKey, err := keyschedule.RekeyWrappingKey(shared, oldMaster, roomID.Bytes(), newEpoch)
	if err != nil {
		return PerClientRekeyPayload{}, [16]byte{}, err
	}
	defer wrapKey.Wipe()

	var nonce [primitives.NonceSize]byte
	if err := primitives.RandomBytes(nonce[:]); err != nil {
		return PerClientRekeyPayload{}, [16]byte{}, err
	}
	var confirmNonce [16]byte
	if err := primitives.RandomBytes(confirmNonce[:]); err != nil {
		return PerClientRekeyPayload{}, [16]byte{}, err
	}

	aad := rekeyAAD(newEpoch, roomID.Bytes(), ephPub, clientPub)
	var wrapped []byte
	wrapKey.WithBytes(func(k []byte) {
		wrapped, err = primitives.Seal(k, nonce[:], newMaster, aad)
	})
	if err != nil {
		return PerClientRekeyPayload{}, [16]byte{}, fmt.Errorf("wrap new master: %w", err)
	}

	return PerClientRekeyPayload{
		NewEpoch:     newEpoch,
		WrappedKey:   wrapped,
		Nonce:        nonce,
		EphPub:       ephPub,
		ClientPub:    clientPub,
		ConfirmNonce: confirmNonce,
	}, confirmNonce, nil
}

// ClientOpenRekeyPayload implements spec.md §4.6 client procedure: verify
// the payload's ClientPub field addresses this client (rejects
// cross-participant delivery), derive the wrapping key symmetrically,
// and open the sealed new master.
func ClientOpenRekeyPayload(payload PerClientRekeyPayload, clientPriv, clientPub [primitives.KeySize]byte, oldMaster []byte, roomID identity.RoomID) (*primitives.ScrubBuffer, error) {
	if payload.ClientPub != clientPub {
		return nil, errs.ErrParticipantMismatch
	}

	shared, err := primitives.ECDH(clientPriv, payload.EphPub)
	if err != nil {
		return nil, fmt.Errorf("rekey open ecdh: %w", err)
	}

	wrapKey, err := keyschedule.RekeyWrappingKey(shared, oldMaster, roomID.Bytes(), payload.NewEpoch)
	if err != nil {
		return nil, err
	}
	defer wrapKey.Wipe()

	aad := rekeyAAD(payload.NewEpoch, roomID.Bytes(), payload.EphPub, clientPub)
	var newMaster []byte
	wrapKey.WithBytes(func(k []byte) {
		newMaster, err = primitives.Open(k, payload.Nonce[:], payload.WrappedKey, aad)
	})
	if err != nil {
		return nil, err
	}
	return primitives.NewScrubBuffer(newMaster), nil
}

// ClientBuildConfirmation implements the client's reply step: generate a
// fresh ephemeral pair (returned to the caller so it becomes the
// client's new current key for the next rekey) and produce the
// HMAC-authenticated RekeyConfirmation.
func ClientBuildConfirmation(newMaster []byte, newEpoch uint32, confirmNonce [16]byte, hostEphPub [primitives.KeySize]byte, roomID identity.RoomID) (RekeyConfirmation, primitives.KeyPair, error) {
	newEph, err := primitives.GenerateKeyPair()
	if err != nil {
		return RekeyConfirmation{}, primitives.KeyPair{}, err
	}

	confirmKey, err := keyschedule.RekeyConfirmKey(newMaster, newEpoch, confirmNonce[:])
	if err != nil {
		return RekeyConfirmation{}, primitives.KeyPair{}, err
	}
	defer confirmKey.Wipe()

	var mac [32]byte
	confirmKey.WithBytes(func(k []byte) {
		m := primitives.HMAC256(k, confirmMACMessage(newEpoch, newEph.PublicKey, confirmNonce, hostEphPub, roomID.Bytes()))
		copy(mac[:], m)
	})

	return RekeyConfirmation{
		Epoch:        newEpoch,
		NewClientPub: newEph.PublicKey,
		ConfirmNonce: confirmNonce,
		MAC:          mac,
	}, newEph, nil
}

// HostVerifyConfirmation implements spec.md §4.6 host verification:
// recompute the confirm key from newMaster and verify the HMAC. Epoch
// mismatches and stale confirmations (confirmNonce not matching the
// pending state the host is tracking for this participant) are rejected
// without mutating any state, per spec's "late confirmations ... are
// logged and discarded without state change."
func HostVerifyConfirmation(newMaster []byte, confirmation RekeyConfirmation, pending PendingState, hostEphPub [primitives.KeySize]byte, roomID identity.RoomID) (bool, error) {
	if confirmation.Epoch != pending.NewEpoch {
		return false, errs.ErrEpochMismatch
	}
	if confirmation.ConfirmNonce != pending.ConfirmNonce {
		return false, nil
	}

	confirmKey, err := keyschedule.RekeyConfirmKey(newMaster, confirmation.Epoch, confirmation.ConfirmNonce[:])
	if err != nil {
		return false, err
	}
	defer confirmKey.Wipe()

	var ok bool
	confirmKey.WithBytes(func(k []byte) {
		expected := primitives.HMAC256(k, confirmMACMessage(confirmation.Epoch, confirmation.NewClientPub, confirmation.ConfirmNonce, hostEphPub, roomID.Bytes()))
		ok = primitives.ConstantTimeEqual(expected, confirmation.MAC[:])
	})
	return ok, nil
}
