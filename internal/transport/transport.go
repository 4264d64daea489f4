// Package transport provides the pluggable byte-stream transports the
// control and data channels run over: plain TCP, TCP+TLS, TCP+Noise, and
// WebSocket (plain or TLS).
package transport

import (
	"context"
	"io"
	"net"
	"time"
)

// Kind identifies a transport variant.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindTLS       Kind = "tls"
	KindNoise     Kind = "noise"
	KindWebSocket Kind = "websocket"
)

// Transport exposes a uniform bind/connect capability set. Every variant
// implements the same three methods so the server and client cores are
// written once against this interface and instantiated per configured
// transport, with no runtime type-switch on the hot path.
type Transport interface {
	// Listen binds addr and returns a Listener of Streams.
	Listen(ctx context.Context, addr string) (Listener, error)

	// Dial connects to addr. hint is an optional transport-specific string
	// (e.g. a pinned certificate fingerprint or an expected server name)
	// that lets the client improve address/identity selection; variants
	// that don't use a hint ignore it.
	Dial(ctx context.Context, addr string, hint string) (Stream, error)

	// Kind returns the transport variant identifier.
	Kind() Kind
}

// Listener accepts incoming Streams.
type Listener interface {
	// Accept waits for and returns the next stream.
	Accept(ctx context.Context) (Stream, error)

	// Addr returns the listener's bound network address.
	Addr() net.Addr

	// Close stops the listener.
	Close() error
}

// Stream is a full-duplex byte pipe with half-close, the unit every higher
// layer (framed protocol, copy loop) operates on. Ordered, reliable,
// loss-free delivery is guaranteed by every variant.
type Stream interface {
	io.Reader
	io.Writer

	// CloseWrite half-closes the stream: no more data will be sent, but
	// the peer's data may still be read until its own EOF.
	CloseWrite() error

	// Close fully closes the stream in both directions.
	Close() error

	// LocalAddr and RemoteAddr report the endpoints.
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// TCPOptions tunes the plain TCP variant, applied to every accepted or
// dialed connection.
type TCPOptions struct {
	// NoDelay disables Nagle's algorithm. Default true.
	NoDelay bool

	// KeepAlive enables TCP keepalive probes. Default true.
	KeepAlive bool

	// KeepAlivePeriod is the interval between keepalive probes.
	KeepAlivePeriod time.Duration

	// SendBufferSize overrides the socket send buffer size. Zero leaves
	// the OS default.
	SendBufferSize int
}

// DefaultTCPOptions returns the default TCP tuning.
func DefaultTCPOptions() TCPOptions {
	return TCPOptions{
		NoDelay:         true,
		KeepAlive:       true,
		KeepAlivePeriod: 30 * time.Second,
	}
}

func applyTCPOptions(conn *net.TCPConn, opts TCPOptions) {
	conn.SetNoDelay(opts.NoDelay)
	conn.SetKeepAlive(opts.KeepAlive)
	if opts.KeepAlivePeriod > 0 {
		conn.SetKeepAlivePeriod(opts.KeepAlivePeriod)
	}
	if opts.SendBufferSize > 0 {
		conn.SetWriteBuffer(opts.SendBufferSize)
	}
}

// tcpStream adapts *net.TCPConn to Stream.
type tcpStream struct {
	*net.TCPConn
}

func (s *tcpStream) CloseWrite() error { return s.TCPConn.CloseWrite() }

// TCPTransport is the plain TCP variant.
type TCPTransport struct {
	Options TCPOptions
}

// NewTCPTransport constructs a TCP transport with the given tuning.
func NewTCPTransport(opts TCPOptions) *TCPTransport {
	return &TCPTransport{Options: opts}
}

func (t *TCPTransport) Kind() Kind { return KindTCP }

func (t *TCPTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln.(*net.TCPListener), opts: t.Options}, nil
}

func (t *TCPTransport) Dial(ctx context.Context, addr string, hint string) (Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tc := conn.(*net.TCPConn)
	applyTCPOptions(tc, t.Options)
	return &tcpStream{tc}, nil
}

type tcpListener struct {
	ln   *net.TCPListener
	opts TCPOptions
}

func (l *tcpListener) Accept(ctx context.Context) (Stream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	tc := conn.(*net.TCPConn)
	applyTCPOptions(tc, l.opts)
	return &tcpStream{tc}, nil
}

func (l *tcpListener) Addr() net.Addr { return l.ln.Addr() }
func (l *tcpListener) Close() error   { return l.ln.Close() }
