// Package frame implements the per-message AEAD wire format (spec.md §3,
// §4.3): padding-bucket selection, pad/unpad, AEAD seal/open with
// AAD binding over the frame header, and the six content-type
// sub-encodings.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/ephemeralrooms/ephemeralrooms/internal/errs"
	"github.com/ephemeralrooms/ephemeralrooms/internal/keyschedule"
	"github.com/ephemeralrooms/ephemeralrooms/internal/primitives"
)

// ContentType identifies the shape of a frame's decrypted payload
// (spec.md §3).
type ContentType byte

const (
	ContentText         ContentType = 0x01
	ContentImage        ContentType = 0x02
	ContentSystem       ContentType = 0x03
	ContentVideo        ContentType = 0x04
	ContentRekeyConfirm ContentType = 0x05
	ContentRekeyInit    ContentType = 0x06
)

// ProtocolVersion is the single supported wire version (spec.md §3).
const ProtocolVersion byte = 1

// HeaderSize is the fixed-width frame header: version(1) + epoch(4) +
// sequence(8) + senderId(16) + nonce(12).
const HeaderSize = 1 + 4 + 8 + 16 + 12

// MinFrameSize is the smallest legal frame: header plus a zero-length
// ciphertext plus the 16-byte AEAD tag.
const MinFrameSize = HeaderSize + primitives.TagSize

// paddingBuckets are the fixed plaintext-container sizes in ascending
// order (spec.md §4.3).
var paddingBuckets = []int{256, 1024, 8192, 65536, 262144, 1048576, 5242880}

// highSecurityBuckets is the coarsened subset a high-security policy
// restricts padding selection to (spec.md §4.3).
var highSecurityBuckets = []int{1024, 65536, 5242880}

// lengthPrefixSize is the 4-byte big-endian content-length prefix inside
// the padded plaintext container.
const lengthPrefixSize = 4

// SelectBucket returns the smallest padding bucket B such that
// n <= B - lengthPrefixSize, restricted to highSecurityBuckets when
// highSecurity is set. Returns ErrMessageTooLarge if n does not fit any
// bucket.
func SelectBucket(n int, highSecurity bool) (int, error) {
	buckets := paddingBuckets
	if highSecurity {
		buckets = highSecurityBuckets
	}
	for _, b := range buckets {
		if n <= b-lengthPrefixSize {
			return b, nil
		}
	}
	return 0, errs.ErrMessageTooLarge
}

// Pad builds the padded plaintext container (spec.md §3): a 4-byte
// big-endian content length, the content itself, and CSPRNG-filled random
// padding out to bucket size plus a uniformly random additive variance in
// [0, bucket/10].
func Pad(content []byte, highSecurity bool) ([]byte, error) {
	bucket, err := SelectBucket(len(content), highSecurity)
	if err != nil {
		return nil, err
	}

	variance, err := randomVariance(bucket / 10)
	if err != nil {
		return nil, err
	}
	total := bucket + variance

	out := make([]byte, total)
	binary.BigEndian.PutUint32(out[:lengthPrefixSize], uint32(len(content)))
	copy(out[lengthPrefixSize:], content)

	padStart := lengthPrefixSize + len(content)
	if err := primitives.RandomBytes(out[padStart:]); err != nil {
		return nil, err
	}
	return out, nil
}

// randomVariance returns a uniformly random integer in [0, max]. max == 0
// always returns 0 without touching the CSPRNG.
func randomVariance(max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	// Rejection sampling over a 4-byte CSPRNG word avoids modulo bias for
	// the range sizes padding buckets produce (up to ~524288).
	span := uint32(max) + 1
	limit := (^uint32(0) / span) * span
	var buf [4]byte
	for {
		if err := primitives.RandomBytes(buf[:]); err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint32(buf[:])
		if v < limit {
			return int(v % span), nil
		}
	}
}

// Unpad reverses Pad, rejecting a content length that would overrun the
// padded container with ErrInvalidPadding.
func Unpad(padded []byte) ([]byte, error) {
	if len(padded) < lengthPrefixSize {
		return nil, errs.ErrInvalidPadding
	}
	length := binary.BigEndian.Uint32(padded[:lengthPrefixSize])
	if int(length) > len(padded)-lengthPrefixSize {
		return nil, errs.ErrInvalidPadding
	}
	content := make([]byte, length)
	copy(content, padded[lengthPrefixSize:lengthPrefixSize+int(length)])
	return content, nil
}

// Header is the fixed-width, non-secret portion of a frame, also used
// verbatim as AEAD associated data (spec.md §4.3).
type Header struct {
	Version  byte
	Epoch    uint32
	Sequence uint64
	SenderID [16]byte
	Nonce    [primitives.NonceSize]byte
}

// aad renders the header fields that are authenticated but not encrypted:
// version ‖ epoch(4 BE) ‖ sequence(8 BE) ‖ senderId(16). The nonce is
// transmitted but excluded from AAD since it is already bound into the
// AEAD construction itself.
func (h Header) aad() []byte {
	out := make([]byte, 0, 1+4+8+16)
	out = append(out, h.Version)
	out = binary.BigEndian.AppendUint32(out, h.Epoch)
	out = binary.BigEndian.AppendUint64(out, h.Sequence)
	out = append(out, h.SenderID[:]...)
	return out
}

// Encode serializes the header to its fixed-width wire form.
func (h Header) Encode() []byte {
	out := make([]byte, 0, HeaderSize)
	out = append(out, h.aad()...)
	out = append(out, h.Nonce[:]...)
	return out
}

// DecodeHeader parses a fixed-width header from the front of a frame.
func DecodeHeader(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, errs.ErrFrameTooShort
	}
	var h Header
	h.Version = data[0]
	if h.Version != ProtocolVersion {
		return Header{}, nil, errs.ErrUnsupportedVer
	}
	h.Epoch = binary.BigEndian.Uint32(data[1:5])
	h.Sequence = binary.BigEndian.Uint64(data[5:13])
	copy(h.SenderID[:], data[13:29])
	copy(h.Nonce[:], data[29:41])
	return h, data[HeaderSize:], nil
}

// Seal pads content, derives the per-message key via keyschedule, and
// produces a complete wire frame: header ‖ ciphertext ‖ tag. The
// per-message key is scrubbed before Seal returns.
func Seal(master []byte, epoch uint32, seq uint64, senderID [16]byte, content []byte, highSecurity bool) ([]byte, error) {
	padded, err := Pad(content, highSecurity)
	if err != nil {
		return nil, err
	}

	var nonce [primitives.NonceSize]byte
	if err := primitives.RandomBytes(nonce[:]); err != nil {
		return nil, err
	}

	header := Header{
		Version:  ProtocolVersion,
		Epoch:    epoch,
		Sequence: seq,
		SenderID: senderID,
		Nonce:    nonce,
	}

	key, err := keyschedule.PerMessageKey(master, epoch, seq)
	if err != nil {
		return nil, err
	}
	defer key.Wipe()

	var ciphertext []byte
	key.WithBytes(func(k []byte) {
		ciphertext, err = primitives.Seal(k, nonce[:], padded, header.aad())
	})
	if err != nil {
		return nil, fmt.Errorf("seal frame: %w", err)
	}

	out := header.Encode()
	out = append(out, ciphertext...)
	return out, nil
}

// Open parses a wire frame, derives the matching per-message key, opens
// the AEAD payload, and strips padding. The per-message key is scrubbed
// before Open returns.
func Open(master []byte, frameBytes []byte) (Header, []byte, error) {
	if len(frameBytes) < MinFrameSize {
		return Header{}, nil, errs.ErrFrameTooShort
	}

	header, ciphertext, err := DecodeHeader(frameBytes)
	if err != nil {
		return Header{}, nil, err
	}

	key, err := keyschedule.PerMessageKey(master, header.Epoch, header.Sequence)
	if err != nil {
		return Header{}, nil, err
	}
	defer key.Wipe()

	var padded []byte
	key.WithBytes(func(k []byte) {
		padded, err = primitives.Open(k, header.Nonce[:], ciphertext, header.aad())
	})
	if err != nil {
		return Header{}, nil, err
	}

	content, err := Unpad(padded)
	if err != nil {
		return Header{}, nil, err
	}
	return header, content, nil
}
