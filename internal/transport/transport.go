// Package transport provides the pluggable byte-stream transports that carry
// the EphemeralRooms wire protocol between an endpoint and the relay.
//
// The wire protocol itself (internal/wire) is transport-agnostic: it is a
// sequence of UTF-8 JSON text messages. This package only owns getting those
// messages across a network in order, within a single connection's lifetime.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Kind identifies which concrete transport carried a connection.
type Kind string

const (
	KindWebSocket Kind = "ws"
	KindQUIC      Kind = "quic"
)

// MaxMessageSize is the largest single wire message the transport layer will
// read or write, matching the adapter's frame-size ceiling (spec §4.8).
const MaxMessageSize = 8 * 1024 * 1024

// Conn is a single logical connection between an endpoint and the relay.
// It carries whole JSON text messages; the transport implementation hides
// whatever framing the underlying protocol needs to preserve message
// boundaries. In-order delivery is guaranteed within one Conn's lifetime,
// never across reconnects.
type Conn interface {
	// ReadMessage blocks until the next complete message arrives.
	ReadMessage(ctx context.Context) ([]byte, error)

	// WriteMessage sends one complete message.
	WriteMessage(ctx context.Context, data []byte) error

	// Close terminates the connection.
	Close() error

	// RemoteAddr returns the peer's network address, when known.
	RemoteAddr() net.Addr

	// Kind reports which transport implementation backs this connection.
	Kind() Kind
}

// Listener accepts incoming connections on one address.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Dialer connects to a remote listener.
type Dialer interface {
	Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error)
	Kind() Kind
}

// DialOptions configures an outbound connection attempt.
type DialOptions struct {
	// TLSConfig overrides the default TLS configuration. If nil and
	// InsecureSkipVerify is false, standard certificate verification applies.
	TLSConfig *tls.Config

	// InsecureSkipVerify disables certificate verification. Only ever set
	// from the endpoint's insecure_skip_verify setting (the
	// --insecure-skip-verify flag of cmd/roomendpoint) for local development.
	InsecureSkipVerify bool

	// Timeout bounds the dial itself, not the connection's lifetime.
	Timeout time.Duration

	// Path is the HTTP path the WebSocket dialer upgrades against.
	Path string
}

// ListenOptions configures an inbound listener.
type ListenOptions struct {
	TLSConfig *tls.Config
	Path      string
	PlainText bool // allow a non-TLS listener, e.g. behind a reverse proxy
}

// DefaultDialOptions returns sensible defaults for dialing the relay.
func DefaultDialOptions() DialOptions {
	return DialOptions{Timeout: 15 * time.Second}
}

// Overlay is the external anonymizing-network collaborator (spec §6). The
// core session never dials the network directly when an overlay is
// configured; it asks the overlay to hand back an in-order byte stream and
// watches the overlay's own state notifications.
type Overlay interface {
	// Connect establishes the overlay circuit and returns a dialer that
	// routes subsequent Dial calls through it.
	Connect(ctx context.Context, url string) (Dialer, error)

	// VerifyReady reports whether the overlay circuit is currently usable.
	VerifyReady(ctx context.Context) bool

	// Notifications streams overlay lifecycle events until the context ends.
	Notifications(ctx context.Context) <-chan OverlayState
}

// OverlayState is one lifecycle notification from an Overlay.
type OverlayState struct {
	Phase    OverlayPhase
	Progress int // 0-100, meaningful only during OverlayBootstrapping
	Reason   string
}

type OverlayPhase string

const (
	OverlayBootstrapping OverlayPhase = "bootstrapping"
	OverlayConnected     OverlayPhase = "connected"
	OverlayFailed        OverlayPhase = "failed"
	OverlayDisconnected  OverlayPhase = "disconnected"
	OverlayReconnecting  OverlayPhase = "reconnecting"
)

// RecognizedHiddenServiceSuffix is the hidden-service host suffix named
// in spec §6. No code in this module checks a dial target against it; no
// dial path goes through an Overlay.
const RecognizedHiddenServiceSuffix = ".onion"
