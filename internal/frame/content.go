package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/ephemeralrooms/ephemeralrooms/internal/primitives"
)

// TextContent is content type 0x01: plain UTF-8 text.
type TextContent struct {
	Text string
}

// SystemContent is content type 0x03: a relay- or host-originated
// notice (join, leave, rekey announcements) that is still end-to-end
// encrypted like any other frame.
type SystemContent struct {
	Text string
}

// MediaContent is shared by content types 0x02 (image) and 0x04 (video):
// a MIME type string followed by raw media bytes.
type MediaContent struct {
	MIMEType string
	Data     []byte
}

// RekeyConfirmContent is content type 0x05: a RekeyConfirmation carried
// as an ordinary encrypted application frame so the relay cannot
// distinguish it from chat traffic (spec.md §4.6).
type RekeyConfirmContent struct {
	Epoch        uint32
	NewClientPub [32]byte
	ConfirmNonce [16]byte
	MAC          [32]byte
}

// RekeyInitContent is content type 0x06: the host's per-client rekey
// payload (rekey.PerClientRekeyPayload), carried as an ordinary encrypted
// application frame so the relay cannot distinguish it from chat traffic
// (spec.md §4.6). WrappedKey is variable-length (ciphertext plus AEAD
// tag), so unlike RekeyConfirmContent this body needs a length prefix.
type RekeyInitContent struct {
	NewEpoch     uint32
	WrappedKey   []byte
	Nonce        [primitives.NonceSize]byte
	EphPub       [primitives.KeySize]byte
	ClientPub    [primitives.KeySize]byte
	ConfirmNonce [16]byte
}

// EncodeContent prefixes the content type byte and serializes the
// type-specific body.
func EncodeContent(ct ContentType, body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(ct))
	out = append(out, body...)
	return out
}

// DecodeContentType reads the leading content-type byte and returns the
// remaining type-specific bytes.
func DecodeContentType(content []byte) (ContentType, []byte, error) {
	if len(content) < 1 {
		return 0, nil, fmt.Errorf("content too short: 0 bytes")
	}
	return ContentType(content[0]), content[1:], nil
}

// EncodeText serializes TextContent: content_type(1) ‖ utf8 bytes.
func EncodeText(c TextContent) []byte {
	return EncodeContent(ContentText, []byte(c.Text))
}

// DecodeText parses a 0x01 frame body (the byte slice after the content
// type has already been stripped by DecodeContentType).
func DecodeText(body []byte) TextContent {
	return TextContent{Text: string(body)}
}

// EncodeSystem serializes SystemContent: content_type(1) ‖ utf8 bytes.
func EncodeSystem(c SystemContent) []byte {
	return EncodeContent(ContentSystem, []byte(c.Text))
}

// DecodeSystem parses a 0x03 frame body.
func DecodeSystem(body []byte) SystemContent {
	return SystemContent{Text: string(body)}
}

// EncodeMedia serializes MediaContent for either 0x02 (image) or 0x04
// (video): content_type(1) ‖ mime_len(2 BE) ‖ mime ‖ data.
func EncodeMedia(ct ContentType, c MediaContent) []byte {
	body := make([]byte, 0, 2+len(c.MIMEType)+len(c.Data))
	body = binary.BigEndian.AppendUint16(body, uint16(len(c.MIMEType)))
	body = append(body, c.MIMEType...)
	body = append(body, c.Data...)
	return EncodeContent(ct, body)
}

// DecodeMedia parses a 0x02/0x04 frame body.
func DecodeMedia(body []byte) (MediaContent, error) {
	if len(body) < 2 {
		return MediaContent{}, fmt.Errorf("media content too short")
	}
	mimeLen := int(binary.BigEndian.Uint16(body[:2]))
	if len(body) < 2+mimeLen {
		return MediaContent{}, fmt.Errorf("media content mime length overruns body")
	}
	mime := string(body[2 : 2+mimeLen])
	data := append([]byte{}, body[2+mimeLen:]...)
	return MediaContent{MIMEType: mime, Data: data}, nil
}

// EncodeRekeyConfirm serializes RekeyConfirmContent: content_type(1) ‖
// epoch(4 BE) ‖ new_client_pub(32) ‖ confirm_nonce(16) ‖ mac(32).
func EncodeRekeyConfirm(c RekeyConfirmContent) []byte {
	body := make([]byte, 0, 4+32+16+32)
	body = binary.BigEndian.AppendUint32(body, c.Epoch)
	body = append(body, c.NewClientPub[:]...)
	body = append(body, c.ConfirmNonce[:]...)
	body = append(body, c.MAC[:]...)
	return EncodeContent(ContentRekeyConfirm, body)
}

// DecodeRekeyConfirm parses a 0x05 frame body.
func DecodeRekeyConfirm(body []byte) (RekeyConfirmContent, error) {
	const want = 4 + 32 + 16 + 32
	if len(body) != want {
		return RekeyConfirmContent{}, fmt.Errorf("rekey confirm content length = %d, want %d", len(body), want)
	}
	var c RekeyConfirmContent
	c.Epoch = binary.BigEndian.Uint32(body[:4])
	copy(c.NewClientPub[:], body[4:36])
	copy(c.ConfirmNonce[:], body[36:52])
	copy(c.MAC[:], body[52:84])
	return c, nil
}

// EncodeRekeyInit serializes RekeyInitContent: content_type(1) ‖
// new_epoch(4 BE) ‖ wrapped_key_len(2 BE) ‖ wrapped_key ‖ nonce(12) ‖
// eph_pub(32) ‖ client_pub(32) ‖ confirm_nonce(16).
func EncodeRekeyInit(c RekeyInitContent) []byte {
	body := make([]byte, 0, 4+2+len(c.WrappedKey)+primitives.NonceSize+primitives.KeySize+primitives.KeySize+16)
	body = binary.BigEndian.AppendUint32(body, c.NewEpoch)
	body = binary.BigEndian.AppendUint16(body, uint16(len(c.WrappedKey)))
	body = append(body, c.WrappedKey...)
	body = append(body, c.Nonce[:]...)
	body = append(body, c.EphPub[:]...)
	body = append(body, c.ClientPub[:]...)
	body = append(body, c.ConfirmNonce[:]...)
	return EncodeContent(ContentRekeyInit, body)
}

// DecodeRekeyInit parses a 0x06 frame body.
func DecodeRekeyInit(body []byte) (RekeyInitContent, error) {
	const fixedTail = primitives.NonceSize + primitives.KeySize + primitives.KeySize + 16
	if len(body) < 4+2 {
		return RekeyInitContent{}, fmt.Errorf("rekey init content too short")
	}
	var c RekeyInitContent
	c.NewEpoch = binary.BigEndian.Uint32(body[:4])
	wrappedLen := int(binary.BigEndian.Uint16(body[4:6]))
	rest := body[6:]
	if len(rest) != wrappedLen+fixedTail {
		return RekeyInitContent{}, fmt.Errorf("rekey init content length = %d, want %d", len(rest), wrappedLen+fixedTail)
	}
	c.WrappedKey = append([]byte{}, rest[:wrappedLen]...)
	rest = rest[wrappedLen:]
	copy(c.Nonce[:], rest[:primitives.NonceSize])
	rest = rest[primitives.NonceSize:]
	copy(c.EphPub[:], rest[:primitives.KeySize])
	rest = rest[primitives.KeySize:]
	copy(c.ClientPub[:], rest[:primitives.KeySize])
	rest = rest[primitives.KeySize:]
	copy(c.ConfirmNonce[:], rest[:16])
	return c, nil
}
