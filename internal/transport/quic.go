package transport

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/ephemeralrooms/ephemeralrooms/internal/wire"
)

// ALPNProtocol is the Application-Layer Protocol Negotiation identifier
// used to distinguish EphemeralRooms QUIC connections from unrelated QUIC
// traffic sharing the same port.
const ALPNProtocol = "ephemeralrooms/1"

const (
	quicMaxIdleTimeout  = 90 * time.Second
	quicKeepAlivePeriod = 30 * time.Second
)

// QUICDialer dials the relay over a single-stream QUIC connection. Each
// wire message is length-prefixed on that one bidirectional stream, since
// QUIC streams (unlike WebSocket) carry bytes, not message boundaries.
type QUICDialer struct{}

func NewQUICDialer() *QUICDialer { return &QUICDialer{} }

func (d *QUICDialer) Kind() Kind { return KindQUIC }

func (d *QUICDialer) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		if !opts.InsecureSkipVerify {
			return nil, fmt.Errorf("TLS config required for QUIC dial (set InsecureSkipVerify for development)")
		}
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{ALPNProtocol},
			MinVersion:         tls.VersionTLS13,
		}
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	qconn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic dial: %w", err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		qconn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("quic open stream: %w", err)
	}

	return newQUICConn(qconn, stream), nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:     quicMaxIdleTimeout,
		KeepAlivePeriod:    quicKeepAlivePeriod,
		MaxIncomingStreams: 1,
	}
}

// QUICListener accepts single-stream QUIC connections.
type QUICListener struct {
	listener *quic.Listener
	mu       sync.Mutex
	closed   bool
}

// ListenQUIC starts a QUIC listener. tlsConfig must be non-nil; QUIC has no
// plaintext mode.
func ListenQUIC(addr string, tlsConfig *tls.Config) (*QUICListener, error) {
	if tlsConfig == nil {
		return nil, fmt.Errorf("TLS config required for QUIC listener")
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPNProtocol}
	}

	ln, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("quic listen: %w", err)
	}
	return &QUICListener{listener: ln}, nil
}

func (l *QUICListener) Accept(ctx context.Context) (Conn, error) {
	qconn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}

	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		qconn.CloseWithError(0, "no control stream")
		return nil, err
	}

	return newQUICConn(qconn, stream), nil
}

func (l *QUICListener) Addr() net.Addr { return l.listener.Addr() }

func (l *QUICListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.listener.Close()
}

// quicConn implements Conn over one bidirectional QUIC stream using a
// 4-byte big-endian length prefix per message, since QUIC streams (unlike
// WebSocket) have no built-in message boundary. Outbound writes go
// through a bounded OutboundQueue drained by a dedicated goroutine, the
// same backpressure treatment wsConn applies (spec.md §4.9).
type quicConn struct {
	qconn  quic.Connection
	stream quic.Stream
	readMu sync.Mutex

	closed atomic.Bool
	queue  *OutboundQueue
	ctx    context.Context
	cancel context.CancelFunc
}

func newQUICConn(qconn quic.Connection, stream quic.Stream) *quicConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &quicConn{
		qconn:  qconn,
		stream: stream,
		queue:  NewOutboundQueue(DefaultQueueCapacity),
		ctx:    ctx,
		cancel: cancel,
	}
	go c.drainLoop()
	return c
}

func (c *quicConn) drainLoop() {
	for {
		data, err := c.queue.Dequeue(c.ctx)
		if err != nil {
			return
		}
		if err := c.writeFrame(data); err != nil {
			c.queue.Close()
			return
		}
	}
}

func (c *quicConn) writeFrame(data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := c.stream.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := c.stream.Write(data)
	return err
}

func (c *quicConn) ReadMessage(ctx context.Context) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		c.stream.SetReadDeadline(dl)
		defer c.stream.SetReadDeadline(time.Time{})
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(c.stream, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > MaxMessageSize {
		return nil, fmt.Errorf("quic message exceeds maximum size: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(c.stream, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *quicConn) WriteMessage(ctx context.Context, data []byte) error {
	if len(data) > MaxMessageSize {
		return fmt.Errorf("quic message exceeds maximum size: %d", len(data))
	}
	if c.closed.Load() {
		return fmt.Errorf("connection closed")
	}
	if err := c.queue.Enqueue(data, wire.IsControl(data)); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

func (c *quicConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.queue.Close()
	c.stream.CancelRead(0)
	c.stream.Close()
	return c.qconn.CloseWithError(0, "closed")
}

func (c *quicConn) RemoteAddr() net.Addr { return c.qconn.RemoteAddr() }

func (c *quicConn) Kind() Kind { return KindQUIC }
