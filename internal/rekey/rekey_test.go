package rekey

import (
	"bytes"
	"testing"

	"github.com/ephemeralrooms/ephemeralrooms/internal/identity"
	"github.com/ephemeralrooms/ephemeralrooms/internal/primitives"
)

func TestRekeyRoundTrip(t *testing.T) {
	roomID, err := identity.NewRoomID()
	if err != nil {
		t.Fatalf("NewRoomID() error = %v", err)
	}
	oldMaster := bytes.Repeat([]byte{0x10}, 32)
	newMaster := bytes.Repeat([]byte{0x20}, 32)

	clientCur, err := primitives.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair(client) error = %v", err)
	}
	hostEph, err := primitives.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair(hostEph) error = %v", err)
	}

	const newEpoch = 3
	payload, confirmNonce, err := HostWrapForClient(hostEph.PrivateKey, hostEph.PublicKey, clientCur.PublicKey, oldMaster, newMaster, roomID, newEpoch)
	if err != nil {
		t.Fatalf("HostWrapForClient() error = %v", err)
	}

	opened, err := ClientOpenRekeyPayload(payload, clientCur.PrivateKey, clientCur.PublicKey, oldMaster, roomID)
	if err != nil {
		t.Fatalf("ClientOpenRekeyPayload() error = %v", err)
	}
	defer opened.Wipe()
	if !opened.Equal(newMaster) {
		t.Fatal("client did not recover the new master key")
	}

	var recoveredMaster []byte
	opened.WithBytes(func(b []byte) { recoveredMaster = append(recoveredMaster, b...) })

	confirmation, newClientEph, err := ClientBuildConfirmation(recoveredMaster, newEpoch, confirmNonce, hostEph.PublicKey, roomID)
	if err != nil {
		t.Fatalf("ClientBuildConfirmation() error = %v", err)
	}
	if newClientEph.PublicKey == clientCur.PublicKey {
		t.Error("ClientBuildConfirmation did not generate a fresh ephemeral key")
	}

	pending := PendingState{NewEpoch: newEpoch, ConfirmNonce: confirmNonce}
	ok, err := HostVerifyConfirmation(newMaster, confirmation, pending, hostEph.PublicKey, roomID)
	if err != nil {
		t.Fatalf("HostVerifyConfirmation() error = %v", err)
	}
	if !ok {
		t.Error("HostVerifyConfirmation rejected a valid confirmation")
	}
}

func TestClientRejectsCrossParticipantDelivery(t *testing.T) {
	roomID, _ := identity.NewRoomID()
	oldMaster := bytes.Repeat([]byte{0x11}, 32)
	newMaster := bytes.Repeat([]byte{0x21}, 32)

	clientA, _ := primitives.GenerateKeyPair()
	clientB, _ := primitives.GenerateKeyPair()
	hostEph, _ := primitives.GenerateKeyPair()

	payload, _, err := HostWrapForClient(hostEph.PrivateKey, hostEph.PublicKey, clientA.PublicKey, oldMaster, newMaster, roomID, 1)
	if err != nil {
		t.Fatalf("HostWrapForClient() error = %v", err)
	}

	// clientB tries to open a payload addressed to clientA.
	if _, err := ClientOpenRekeyPayload(payload, clientB.PrivateKey, clientB.PublicKey, oldMaster, roomID); err == nil {
		t.Error("ClientOpenRekeyPayload() succeeded for the wrong participant")
	}
}

func TestHostVerifyRejectsEpochMismatch(t *testing.T) {
	roomID, _ := identity.NewRoomID()
	hostEph, _ := primitives.GenerateKeyPair()
	newMaster := bytes.Repeat([]byte{0x30}, 32)

	confirmation := RekeyConfirmation{Epoch: 5}
	pending := PendingState{NewEpoch: 6}

	ok, err := HostVerifyConfirmation(newMaster, confirmation, pending, hostEph.PublicKey, roomID)
	if ok {
		t.Error("HostVerifyConfirmation accepted an epoch mismatch")
	}
	if err == nil {
		t.Error("HostVerifyConfirmation returned no error for an epoch mismatch")
	}
}

func TestHostVerifyRejectsLateConfirmationSilently(t *testing.T) {
	roomID, _ := identity.NewRoomID()
	hostEph, _ := primitives.GenerateKeyPair()
	newMaster := bytes.Repeat([]byte{0x40}, 32)

	confirmation := RekeyConfirmation{Epoch: 2, ConfirmNonce: [16]byte{0x01}}
	pending := PendingState{NewEpoch: 2, ConfirmNonce: [16]byte{0x02}}

	ok, err := HostVerifyConfirmation(newMaster, confirmation, pending, hostEph.PublicKey, roomID)
	if ok {
		t.Error("HostVerifyConfirmation accepted a stale confirm nonce")
	}
	if err != nil {
		t.Errorf("HostVerifyConfirmation() error = %v, want nil (discarded without state change)", err)
	}
}
