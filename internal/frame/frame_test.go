package frame

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ephemeralrooms/ephemeralrooms/internal/errs"
)

func TestSelectBucketSmallestFit(t *testing.T) {
	cases := []struct {
		n    int
		want int
	}{
		{0, 256},
		{252, 256},
		{253, 1024},
		{1020, 1024},
		{1021, 8192},
	}
	for _, c := range cases {
		got, err := SelectBucket(c.n, false)
		if err != nil {
			t.Fatalf("SelectBucket(%d) error = %v", c.n, err)
		}
		if got != c.want {
			t.Errorf("SelectBucket(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestSelectBucketTooLarge(t *testing.T) {
	_, err := SelectBucket(10*1024*1024, false)
	if !errors.Is(err, errs.ErrMessageTooLarge) {
		t.Fatalf("SelectBucket() error = %v, want ErrMessageTooLarge", err)
	}
}

func TestSelectBucketHighSecurityRestriction(t *testing.T) {
	got, err := SelectBucket(10, true)
	if err != nil {
		t.Fatalf("SelectBucket() error = %v", err)
	}
	if got != 1024 {
		t.Errorf("SelectBucket(high security) = %d, want 1024", got)
	}
}

func TestPadUnpadRoundTrip(t *testing.T) {
	content := []byte("hello, ephemeral room")
	padded, err := Pad(content, false)
	if err != nil {
		t.Fatalf("Pad() error = %v", err)
	}
	if len(padded) < 256 {
		t.Errorf("padded length = %d, want >= 256", len(padded))
	}

	unpadded, err := Unpad(padded)
	if err != nil {
		t.Fatalf("Unpad() error = %v", err)
	}
	if !bytes.Equal(unpadded, content) {
		t.Errorf("Unpad() = %q, want %q", unpadded, content)
	}
}

func TestUnpadRejectsOverrunLength(t *testing.T) {
	bad := make([]byte, 256)
	bad[3] = 0xFF // length field claims far more content than exists
	if _, err := Unpad(bad); !errors.Is(err, errs.ErrInvalidPadding) {
		t.Fatalf("Unpad() error = %v, want ErrInvalidPadding", err)
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	master := bytes.Repeat([]byte{0x7a}, 32)
	var senderID [16]byte
	copy(senderID[:], []byte("0123456789abcdef"))

	content := EncodeText(TextContent{Text: "hi there"})

	wire, err := Seal(master, 0, 1, senderID, content, false)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if len(wire) < MinFrameSize {
		t.Errorf("Seal() produced %d bytes, want >= %d", len(wire), MinFrameSize)
	}

	header, opened, err := Open(master, wire)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if header.Epoch != 0 || header.Sequence != 1 {
		t.Errorf("header = %+v, want epoch=0 seq=1", header)
	}
	if header.SenderID != senderID {
		t.Error("decoded senderID does not match")
	}

	ct, body, err := DecodeContentType(opened)
	if err != nil {
		t.Fatalf("DecodeContentType() error = %v", err)
	}
	if ct != ContentText {
		t.Errorf("content type = %v, want ContentText", ct)
	}
	text := DecodeText(body)
	if text.Text != "hi there" {
		t.Errorf("decoded text = %q, want %q", text.Text, "hi there")
	}
}

func TestOpenRejectsWrongMaster(t *testing.T) {
	master := bytes.Repeat([]byte{0x01}, 32)
	wrongMaster := bytes.Repeat([]byte{0x02}, 32)
	var senderID [16]byte

	wire, err := Seal(master, 0, 0, senderID, []byte("secret"), false)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	if _, _, err := Open(wrongMaster, wire); err == nil {
		t.Error("Open() succeeded with the wrong master key")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	master := bytes.Repeat([]byte{0x03}, 32)
	var senderID [16]byte

	wire, err := Seal(master, 0, 0, senderID, []byte("secret"), false)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	wire[len(wire)-1] ^= 0xFF

	if _, _, err := Open(master, wire); err == nil {
		t.Error("Open() succeeded on tampered ciphertext")
	}
}

func TestOpenRejectsUnsupportedVersion(t *testing.T) {
	master := bytes.Repeat([]byte{0x04}, 32)
	var senderID [16]byte

	wire, err := Seal(master, 0, 0, senderID, []byte("secret"), false)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	wire[0] = 0x02

	if _, _, err := Open(master, wire); !errors.Is(err, errs.ErrUnsupportedVer) {
		t.Fatalf("Open() error = %v, want ErrUnsupportedVer", err)
	}
}

func TestMediaContentRoundTrip(t *testing.T) {
	body := EncodeMedia(ContentImage, MediaContent{MIMEType: "image/png", Data: []byte{1, 2, 3, 4}})
	ct, rest, err := DecodeContentType(body)
	if err != nil {
		t.Fatalf("DecodeContentType() error = %v", err)
	}
	if ct != ContentImage {
		t.Fatalf("content type = %v, want ContentImage", ct)
	}
	media, err := DecodeMedia(rest)
	if err != nil {
		t.Fatalf("DecodeMedia() error = %v", err)
	}
	if media.MIMEType != "image/png" || !bytes.Equal(media.Data, []byte{1, 2, 3, 4}) {
		t.Errorf("DecodeMedia() = %+v", media)
	}
}

func TestRekeyConfirmContentRoundTrip(t *testing.T) {
	var pub [32]byte
	var nonce [16]byte
	var mac [32]byte
	copy(pub[:], bytes.Repeat([]byte{0x9}, 32))
	copy(nonce[:], bytes.Repeat([]byte{0x8}, 16))
	copy(mac[:], bytes.Repeat([]byte{0x7}, 32))

	body := EncodeRekeyConfirm(RekeyConfirmContent{
		Epoch:        9,
		NewClientPub: pub,
		ConfirmNonce: nonce,
		MAC:          mac,
	})

	ct, rest, err := DecodeContentType(body)
	if err != nil {
		t.Fatalf("DecodeContentType() error = %v", err)
	}
	if ct != ContentRekeyConfirm {
		t.Fatalf("content type = %v, want ContentRekeyConfirm", ct)
	}
	parsed, err := DecodeRekeyConfirm(rest)
	if err != nil {
		t.Fatalf("DecodeRekeyConfirm() error = %v", err)
	}
	if parsed.Epoch != 9 || parsed.NewClientPub != pub || parsed.ConfirmNonce != nonce || parsed.MAC != mac {
		t.Errorf("DecodeRekeyConfirm() = %+v", parsed)
	}
}
