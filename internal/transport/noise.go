package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/nat-tunnel/tunnel/internal/noise"
)

// NoiseOptions configures the TCP+Noise variant.
type NoiseOptions struct {
	// LocalStatic is the server's static keypair. Required on the server
	// side (the responder); unused on the client side.
	LocalStatic noise.Keypair

	// RemoteStatic is the server's static public key, configured on the
	// client side (the initiator) so it can validate the server.
	RemoteStatic [noise.KeySize]byte
}

// NoiseTransport is the TCP+Noise variant: a Noise_NK handshake over TCP
// providing confidentiality and server authentication. Client
// authentication remains the control protocol's job.
type NoiseTransport struct {
	TCP  TCPOptions
	Opts NoiseOptions
}

// NewNoiseTransport constructs a Noise transport.
func NewNoiseTransport(tcp TCPOptions, opts NoiseOptions) *NoiseTransport {
	return &NoiseTransport{TCP: tcp, Opts: opts}
}

func (t *NoiseTransport) Kind() Kind { return KindNoise }

func (t *NoiseTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &noiseListener{ln: ln.(*net.TCPListener), tcp: t.TCP, local: t.Opts.LocalStatic}, nil
}

func (t *NoiseTransport) Dial(ctx context.Context, addr string, hint string) (Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		applyTCPOptions(tc, t.TCP)
	}

	result, err := noise.DialNK(conn, t.Opts.RemoteStatic)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("noise handshake: %w", err)
	}
	return &noiseStream{noise.NewConn(conn, result)}, nil
}

type noiseListener struct {
	ln    *net.TCPListener
	tcp   TCPOptions
	local noise.Keypair
}

func (l *noiseListener) Accept(ctx context.Context) (Stream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	tc := conn.(*net.TCPConn)
	applyTCPOptions(tc, l.tcp)

	result, err := noise.AcceptNK(tc, l.local)
	if err != nil {
		tc.Close()
		return nil, fmt.Errorf("noise handshake: %w", err)
	}
	return &noiseStream{noise.NewConn(tc, result)}, nil
}

func (l *noiseListener) Addr() net.Addr { return l.ln.Addr() }
func (l *noiseListener) Close() error   { return l.ln.Close() }

// noiseStream adapts *noise.Conn to Stream.
type noiseStream struct {
	*noise.Conn
}
