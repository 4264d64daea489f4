package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	wsDefaultPath      = "/tunnel"
	wsDefaultReadLimit = 16 * 1024 * 1024
)

// WebSocketOptions configures the WebSocket variant. TLS is optional: when
// TLSConfig is nil the listener serves plain ws://, matching deployments that
// terminate TLS upstream. The dialer uses wss:// when either ClientTLSConfig
// or TLSConfig is set, and ws:// otherwise.
type WebSocketOptions struct {
	Path      string
	TLSConfig *tls.Config

	// ClientTLSConfig is used for outbound wss:// dials. Nil means the
	// system root pool with full verification.
	ClientTLSConfig *tls.Config
}

// WebSocketTransport is the WebSocket variant: each connection is a single
// bidirectional message stream, matching the one-stream-per-connection model
// every other variant presents.
type WebSocketTransport struct {
	Opts WebSocketOptions
}

// NewWebSocketTransport constructs a WebSocket transport.
func NewWebSocketTransport(opts WebSocketOptions) *WebSocketTransport {
	return &WebSocketTransport{Opts: opts}
}

func (t *WebSocketTransport) Kind() Kind { return KindWebSocket }

func (t *WebSocketTransport) Dial(ctx context.Context, addr string, hint string) (Stream, error) {
	path := t.Opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	scheme := "ws"
	tlsCfg := t.Opts.ClientTLSConfig
	if tlsCfg != nil || t.Opts.TLSConfig != nil {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://%s%s", scheme, addr, path)

	httpClient := &http.Client{}
	if scheme == "wss" {
		cfg := tlsCfg
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS13}
		}
		if hint != "" {
			cfg = cfg.Clone()
			cfg.ServerName = hint
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: cfg}
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPClient: httpClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	return &wsStream{
		conn:   conn,
		local:  wsAddr("client"),
		remote: wsAddr(addr),
	}, nil
}

func (t *WebSocketTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	path := t.Opts.Path
	if path == "" {
		path = wsDefaultPath
	}

	lc := net.ListenConfig{}
	raw, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &wsListener{
		ln:     raw,
		connCh: make(chan *wsStream, 16),
		doneCh: make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, l.handle)
	l.server = &http.Server{Handler: mux, TLSConfig: t.Opts.TLSConfig}

	go func() {
		if t.Opts.TLSConfig != nil {
			l.server.ServeTLS(raw, "", "")
		} else {
			l.server.Serve(raw)
		}
	}()

	return l, nil
}

type wsListener struct {
	ln     net.Listener
	server *http.Server
	connCh chan *wsStream
	doneCh chan struct{}
	closed atomic.Bool
}

func (l *wsListener) handle(w http.ResponseWriter, r *http.Request) {
	if l.closed.Load() {
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(wsDefaultReadLimit)

	stream := &wsStream{
		conn:   conn,
		local:  wsAddr(l.ln.Addr().String()),
		remote: wsAddr(r.RemoteAddr),
	}

	select {
	case l.connCh <- stream:
	case <-l.doneCh:
		conn.Close(websocket.StatusGoingAway, "listener closed")
	}
}

func (l *wsListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case s := <-l.connCh:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.doneCh:
		return nil, fmt.Errorf("listener closed")
	}
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }

func (l *wsListener) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.doneCh)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// wsAddr satisfies net.Addr for endpoints WebSocket doesn't expose as a
// structured network address.
type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }

// wsStream adapts a websocket.Conn to Stream using one binary message per
// Write call and buffering partial reads across messages.
type wsStream struct {
	conn   *websocket.Conn
	local  net.Addr
	remote net.Addr

	readMu  sync.Mutex
	readBuf []byte

	closed atomic.Bool
}

func (s *wsStream) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if len(s.readBuf) == 0 {
		_, data, err := s.conn.Read(context.Background())
		if err != nil {
			return 0, err
		}
		s.readBuf = data
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	return n, nil
}

func (s *wsStream) Write(p []byte) (int, error) {
	if s.closed.Load() {
		return 0, fmt.Errorf("stream closed")
	}
	if err := s.conn.Write(context.Background(), websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// CloseWrite has no WebSocket analog; the control and data channel layers
// rely on an explicit Goodbye/EOF message instead of a half-close signal
// over this variant.
func (s *wsStream) CloseWrite() error { return nil }

func (s *wsStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.conn.Close(websocket.StatusNormalClosure, "closed")
}

func (s *wsStream) LocalAddr() net.Addr  { return s.local }
func (s *wsStream) RemoteAddr() net.Addr { return s.remote }

// SetDeadline, SetReadDeadline, SetWriteDeadline are no-ops: the WebSocket
// library uses context deadlines rather than conn deadlines, and every call
// site here uses a background context per message.
func (s *wsStream) SetDeadline(t time.Time) error      { return nil }
func (s *wsStream) SetReadDeadline(t time.Time) error  { return nil }
func (s *wsStream) SetWriteDeadline(t time.Time) error { return nil }
