// Package primitives implements the cryptographic building blocks shared by
// every other EphemeralRooms component: CSPRNG access, X25519 key
// agreement, HKDF-SHA256 derivation, HMAC-SHA256 authentication,
// ChaCha20-Poly1305 AEAD, and a scrubbable secret buffer.
//
// Curve25519 key agreement follows RFC 7748, HKDF-SHA256 follows RFC 5869,
// ChaCha20-Poly1305 follows RFC 8439, and HMAC-SHA256 follows RFC 2104.
// Nothing in this package ever logs or returns a secret by value outside a
// ScrubBuffer.
package primitives

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/ephemeralrooms/ephemeralrooms/internal/errs"
)

const (
	// KeySize is the size in bytes of X25519 keys, HKDF outputs, and
	// ChaCha20-Poly1305 keys.
	KeySize = 32

	// NonceSize is the ChaCha20-Poly1305 nonce size in bytes.
	NonceSize = 12

	// TagSize is the Poly1305 authentication tag size in bytes.
	TagSize = 16
)

// RandomBytes fills buf with CSPRNG output. Any failure is unrecoverable
// and is returned, never silently retried.
func RandomBytes(buf []byte) error {
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return fmt.Errorf("random generation failed: %w", err)
	}
	return nil
}

// KeyPair is a fresh X25519 ephemeral key pair. PrivateKey must be wiped
// with ZeroBytes once the holder is done with it — it is never stored in a
// ScrubBuffer directly because callers typically consume it in one ECDH
// call and discard it immediately after.
type KeyPair struct {
	PrivateKey [KeySize]byte
	PublicKey  [KeySize]byte
}

// GenerateKeyPair generates a fresh X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if err := RandomBytes(kp.PrivateKey[:]); err != nil {
		return KeyPair{}, err
	}

	// Clamp per RFC 7748.
	kp.PrivateKey[0] &= 248
	kp.PrivateKey[31] &= 127
	kp.PrivateKey[31] |= 64

	curve25519.ScalarBaseMult(&kp.PublicKey, &kp.PrivateKey)
	return kp, nil
}

// ECDH performs X25519 Diffie-Hellman and returns the raw shared secret.
// It rejects the all-zero public key and an all-zero result, both of which
// indicate a low-order point.
func ECDH(privateKey, peerPublicKey [KeySize]byte) ([KeySize]byte, error) {
	var shared [KeySize]byte
	var zero [KeySize]byte

	if peerPublicKey == zero {
		return shared, errs.ErrInvalidPublicKey
	}

	curve25519.ScalarMult(&shared, &privateKey, &peerPublicKey)

	if shared == zero {
		return shared, errs.ErrInvalidPublicKey
	}
	return shared, nil
}

// HKDF derives outLen bytes from ikm using the given salt and info,
// following RFC 5869 with SHA-256.
func HKDF(ikm, salt, info []byte, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("hkdf derivation failed: %w", err)
	}
	return out, nil
}

// HMAC256 computes HMAC-SHA256(key, message).
func HMAC256(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// VerifyHMAC256 reports whether mac is the correct HMAC-SHA256 of message
// under key, comparing in constant time.
func VerifyHMAC256(key, message, mac []byte) bool {
	expected := HMAC256(key, message)
	return subtle.ConstantTimeCompare(expected, mac) == 1
}

// Seal encrypts plaintext with ChaCha20-Poly1305 under key, authenticating
// aad. nonce must be exactly NonceSize bytes and must never be reused under
// the same key.
func Seal(key []byte, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("invalid nonce size: %d", len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open decrypts ciphertext sealed with Seal. A failed authentication check
// is reported as ErrDecryptionFailed, never a lower-level cipher error, so
// callers can fail closed without branching on error type.
func Open(key []byte, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	if len(nonce) != chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("invalid nonce size: %d", len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, errs.ErrDecryptionFailed
	}
	return plaintext, nil
}

// ConstantTimeEqual reports whether a and b are equal, in constant time
// with respect to their contents (not their length).
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ZeroBytes overwrites b with zeros in place.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
