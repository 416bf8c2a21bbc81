package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/ephemeralrooms/ephemeralrooms/internal/wire"
)

const (
	wsDefaultPath        = "/rooms"
	wsDefaultReadLimit   = MaxMessageSize
	wsDefaultIdleTimeout = 90 * time.Second
)

// WebSocketDialer dials the relay over WebSocket.
type WebSocketDialer struct{}

// NewWebSocketDialer returns a Dialer backed by nhooyr.io/websocket.
func NewWebSocketDialer() *WebSocketDialer { return &WebSocketDialer{} }

func (d *WebSocketDialer) Kind() Kind { return KindWebSocket }

func (d *WebSocketDialer) Dial(ctx context.Context, addr string, opts DialOptions) (Conn, error) {
	wsURL := toWebSocketURL(addr, opts.Path)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	httpClient, err := buildHTTPClient(opts)
	if err != nil {
		return nil, err
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	return newWSConn(conn, nil), nil
}

func buildHTTPClient(opts DialOptions) (*http.Client, error) {
	tlsConfig := opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: opts.InsecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
	}
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
		Timeout:   opts.Timeout,
	}, nil
}

func toWebSocketURL(addr, path string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	if path == "" {
		path = wsDefaultPath
	}
	return "wss://" + addr + path
}

// WebSocketListener accepts WebSocket upgrades on an HTTP mux and hands
// connections to a caller-supplied handler via Accept.
type WebSocketListener struct {
	netLn  net.Listener
	server *http.Server
	connCh chan *wsConn
	doneCh chan struct{}
	closed atomic.Bool
}

// ListenWebSocket starts an HTTP(S) server whose only route is a WebSocket
// upgrade endpoint at path. The relay's own mux registers the other HTTP
// routes (invite tokens, metrics) alongside it via Mux().
func ListenWebSocket(addr, path string, tlsConfig *tls.Config, plainText bool) (*WebSocketListener, error) {
	if tlsConfig == nil && !plainText {
		return nil, fmt.Errorf("websocket listener requires TLS config unless plaintext is explicitly allowed")
	}
	if path == "" {
		path = wsDefaultPath
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	l := &WebSocketListener{
		netLn:  ln,
		connCh: make(chan *wsConn, 64),
		doneCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handleUpgrade)

	l.server = &http.Server{Handler: mux, TLSConfig: tlsConfig}

	go func() {
		var serveErr error
		if tlsConfig != nil {
			serveErr = l.server.ServeTLS(ln, "", "")
		} else {
			serveErr = l.server.Serve(ln)
		}
		_ = serveErr
	}()

	return l, nil
}

// Mux exposes the underlying HTTP server so the relay can register
// additional handlers (invite tokens, /metrics) on the same listener.
func (l *WebSocketListener) Mux(mux *http.ServeMux, path string) {
	l.server.Handler = mux
	mux.HandleFunc(path, l.handleUpgrade)
}

func (l *WebSocketListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	c.SetReadLimit(wsDefaultReadLimit)

	conn := newWSConn(c, remoteAddrFromRequest(r))

	select {
	case l.connCh <- conn:
	case <-l.doneCh:
		c.Close(websocket.StatusGoingAway, "server closed")
	}
}

func remoteAddrFromRequest(r *http.Request) net.Addr {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return &net.TCPAddr{IP: net.ParseIP(host)}
}

func (l *WebSocketListener) Accept(ctx context.Context) (Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.doneCh:
		return nil, fmt.Errorf("listener closed")
	}
}

func (l *WebSocketListener) Addr() net.Addr { return l.netLn.Addr() }

func (l *WebSocketListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.doneCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// wsConn implements Conn over a single nhooyr.io/websocket connection,
// carrying one JSON text message per WebSocket message. Outbound writes
// go through a bounded OutboundQueue drained by a dedicated goroutine, so
// a slow or wedged peer applies backpressure instead of blocking the
// caller's send path indefinitely (spec.md §4.9 backpressure policy).
type wsConn struct {
	conn       *websocket.Conn
	remoteAddr net.Addr
	closed     atomic.Bool
	queue      *OutboundQueue
	ctx        context.Context
	cancel     context.CancelFunc
}

func newWSConn(c *websocket.Conn, remoteAddr net.Addr) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	wc := &wsConn{
		conn:       c,
		remoteAddr: remoteAddr,
		queue:      NewOutboundQueue(DefaultQueueCapacity),
		ctx:        ctx,
		cancel:     cancel,
	}
	go wc.drainLoop()
	return wc
}

func (c *wsConn) drainLoop() {
	for {
		data, err := c.queue.Dequeue(c.ctx)
		if err != nil {
			return
		}
		if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
			c.queue.Close()
			return
		}
	}
}

func (c *wsConn) ReadMessage(ctx context.Context) ([]byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("unexpected websocket message type: %v", typ)
	}
	return data, nil
}

func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("connection closed")
	}
	if err := c.queue.Enqueue(data, wire.IsControl(data)); err != nil {
		_ = c.Close()
		return err
	}
	return nil
}

func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cancel()
	c.queue.Close()
	return c.conn.Close(websocket.StatusNormalClosure, "closed")
}

func (c *wsConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *wsConn) Kind() Kind { return KindWebSocket }
