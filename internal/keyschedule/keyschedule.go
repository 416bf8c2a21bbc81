// Package keyschedule implements the five labeled HKDF-SHA256 derivations
// that turn raw Diffie-Hellman or master-key material into the specific
// keys each protocol stage uses: session key, per-message key, rekey
// wrapping key, rekey confirmation key, and membership key (spec.md §4.2).
//
// Every derivation uses a fixed-width, SHA-256-hashed salt regardless of
// input size, and every output is returned wrapped in a
// primitives.ScrubBuffer so callers cannot forget to wipe it.
package keyschedule

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/ephemeralrooms/ephemeralrooms/internal/primitives"
)

const (
	labelSessionKey    = "session-key-v1"
	labelPerMessageKey = "per-message-key-v1"
	labelRekeyRatchet  = "ratchet-rekey-v2"
	labelRekeyConfirm  = "rekey-confirm-key-v1"
	labelMembershipKey = "membership-key-v1"

	perMessageSaltSuffix = "EphemeralRooms-per-message-salt-v1"
	confirmSaltSuffix    = "EphemeralRooms-confirm-salt-v1"
	membershipSaltSuffix = "EphemeralRooms-membership-salt-v1"
)

// SessionKey derives the join-handshake session key (spec.md §4.2): HKDF
// over the raw ECDH output, salted by the room id and bound to both
// parties' public keys via the info parameter.
func SessionKey(sharedSecret [primitives.KeySize]byte, roomID []byte, hostPub, clientPub [primitives.KeySize]byte) (*primitives.ScrubBuffer, error) {
	info := make([]byte, 0, primitives.KeySize*2+len(roomID)+len(labelSessionKey))
	info = append(info, hostPub[:]...)
	info = append(info, clientPub[:]...)
	info = append(info, roomID...)
	info = append(info, labelSessionKey...)

	out, err := primitives.HKDF(sharedSecret[:], roomID, info, primitives.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return primitives.NewScrubBuffer(out), nil
}

// PerMessageKey derives the key used to seal a single frame (spec.md
// §4.2), rooted in the room master key and bound to the epoch and
// sequence number so every frame gets an independent key.
func PerMessageKey(master []byte, epoch uint32, seq uint64) (*primitives.ScrubBuffer, error) {
	saltInput := make([]byte, 0, 4+8+len(perMessageSaltSuffix))
	saltInput = binary.BigEndian.AppendUint32(saltInput, epoch)
	saltInput = binary.BigEndian.AppendUint64(saltInput, seq)
	saltInput = append(saltInput, perMessageSaltSuffix...)
	salt := sha256.Sum256(saltInput)

	out, err := primitives.HKDF(master, salt[:], []byte(labelPerMessageKey), primitives.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive per-message key: %w", err)
	}
	return primitives.NewScrubBuffer(out), nil
}

// RekeyContext builds the context bytes shared between RekeyWrappingKey
// and its salt (spec.md §4.2): SHA-256(old_master) ‖ roomId ‖
// new_epoch_be32 ‖ "ratchet-rekey-v2".
func RekeyContext(oldMaster []byte, roomID []byte, newEpoch uint32) []byte {
	oldMasterHash := sha256.Sum256(oldMaster)

	context := make([]byte, 0, len(oldMasterHash)+len(roomID)+4+len(labelRekeyRatchet))
	context = append(context, oldMasterHash[:]...)
	context = append(context, roomID...)
	context = binary.BigEndian.AppendUint32(context, newEpoch)
	context = append(context, labelRekeyRatchet...)
	return context
}

// RekeyWrappingKey derives the forward-secure key that wraps a fresh
// master key during rekey (spec.md §4.2). sharedSecret is DH(eph_priv,
// peer_pub); it must never be reused across participants or rekeys.
func RekeyWrappingKey(sharedSecret [primitives.KeySize]byte, oldMaster, roomID []byte, newEpoch uint32) (*primitives.ScrubBuffer, error) {
	context := RekeyContext(oldMaster, roomID, newEpoch)
	salt := sha256.Sum256(context)

	out, err := primitives.HKDF(sharedSecret[:], salt[:], context, primitives.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive rekey wrapping key: %w", err)
	}
	return primitives.NewScrubBuffer(out), nil
}

// RekeyConfirmKey derives the key used to HMAC a RekeyConfirmation (spec.md
// §4.2), rooted in the new master key and bound to the new epoch and a
// fresh per-rekey confirm nonce.
func RekeyConfirmKey(newMaster []byte, newEpoch uint32, confirmNonce []byte) (*primitives.ScrubBuffer, error) {
	saltInput := make([]byte, 0, 4+len(confirmNonce)+len(confirmSaltSuffix))
	saltInput = binary.BigEndian.AppendUint32(saltInput, newEpoch)
	saltInput = append(saltInput, confirmNonce...)
	saltInput = append(saltInput, confirmSaltSuffix...)
	salt := sha256.Sum256(saltInput)

	out, err := primitives.HKDF(newMaster, salt[:], []byte(labelRekeyConfirm), primitives.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive rekey confirm key: %w", err)
	}
	return primitives.NewScrubBuffer(out), nil
}

// MembershipKey derives the key used to authenticate the room's
// membership map (spec.md §4.2: "derived analogously with label
// membership-key-v1"), rooted in the room master key and bound to the
// epoch and a caller-supplied membership nonce.
func MembershipKey(master []byte, epoch uint32, membershipNonce []byte) (*primitives.ScrubBuffer, error) {
	saltInput := make([]byte, 0, 4+len(membershipNonce)+len(membershipSaltSuffix))
	saltInput = binary.BigEndian.AppendUint32(saltInput, epoch)
	saltInput = append(saltInput, membershipNonce...)
	saltInput = append(saltInput, membershipSaltSuffix...)
	salt := sha256.Sum256(saltInput)

	out, err := primitives.HKDF(master, salt[:], []byte(labelMembershipKey), primitives.KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive membership key: %w", err)
	}
	return primitives.NewScrubBuffer(out), nil
}
