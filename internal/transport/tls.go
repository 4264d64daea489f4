package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

const alpnProtocol = "nat-tunnel/1"

// TLSClientOptions configures the client side of the Tls transport variant.
// The client validates the server's certificate against a pinned trust
// anchor or, absent one, the system root pool — verification is never
// skipped by default.
type TLSClientOptions struct {
	// TrustedRoot is a PEM file containing the pinned CA or leaf
	// certificate to trust. Empty uses the system root pool.
	TrustedRoot string

	// Hostname overrides the server name used for verification (defaults
	// to the host portion of the dial address).
	Hostname string
}

// TLSServerOptions configures the server side of the Tls transport variant.
type TLSServerOptions struct {
	// PKCS12Path and PKCS12Password locate a bundled certificate+key for
	// the server identity. PKCS12 bundles are not decoded: when PKCS12Path
	// is set, Listen returns an error, so a working server sets
	// CertFile/KeyFile instead.
	PKCS12Path     string
	PKCS12Password string

	CertFile string
	KeyFile  string
}

func loadClientTLSConfig(opts TLSClientOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
		NextProtos: []string{alpnProtocol},
		ServerName: opts.Hostname,
	}

	if opts.TrustedRoot != "" {
		pool, err := loadCAPool(opts.TrustedRoot)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trusted root: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parse trusted root: no certificates found")
	}
	return pool, nil
}

func loadServerTLSConfig(opts TLSServerOptions) (*tls.Config, error) {
	var cert tls.Certificate
	var err error

	switch {
	case opts.PKCS12Path != "":
		cert, err = loadPKCS12Cert(opts.PKCS12Path, opts.PKCS12Password)
	case opts.CertFile != "" && opts.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	default:
		return nil, fmt.Errorf("tls server requires pkcs12 or cert/key files")
	}
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{alpnProtocol},
	}, nil
}

// loadPKCS12Cert always returns an error: no PKCS12 decoder is linked in,
// so bundles are not read.
func loadPKCS12Cert(path, password string) (tls.Certificate, error) {
	return tls.Certificate{}, fmt.Errorf("pkcs12 loading not implemented: supply cert_file/key_file instead")
}

// GenerateSelfSignedCert generates a self-signed certificate, useful for
// tests and for quickly standing up a Tls-variant server.
func GenerateSelfSignedCert(commonName string, validFor time.Duration) (certPEM, keyPEM []byte, err error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now,
		NotAfter:     now.Add(validFor),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{commonName, "localhost"},
	}
	if ip := net.ParseIP(commonName); ip != nil {
		template.IPAddresses = []net.IP{ip}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return certPEM, keyPEM, nil
}

// TLSTransport is the TCP+TLS variant: a mutually-trusted TLS session where
// the server presents a certificate and the client validates it.
type TLSTransport struct {
	TCP    TCPOptions
	Client TLSClientOptions
	Server TLSServerOptions
}

// NewTLSTransport constructs a TLS transport.
func NewTLSTransport(tcp TCPOptions, client TLSClientOptions, server TLSServerOptions) *TLSTransport {
	return &TLSTransport{TCP: tcp, Client: client, Server: server}
}

func (t *TLSTransport) Kind() Kind { return KindTLS }

func (t *TLSTransport) Listen(ctx context.Context, addr string) (Listener, error) {
	cfg, err := loadServerTLSConfig(t.Server)
	if err != nil {
		return nil, err
	}

	lc := net.ListenConfig{}
	raw, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	ln := tls.NewListener(raw, cfg)
	return &tlsListener{ln: ln, opts: t.TCP}, nil
}

func (t *TLSTransport) Dial(ctx context.Context, addr string, hint string) (Stream, error) {
	cfg, err := loadClientTLSConfig(t.Client)
	if err != nil {
		return nil, err
	}
	if cfg.ServerName == "" {
		if host, _, splitErr := net.SplitHostPort(addr); splitErr == nil {
			cfg.ServerName = host
		}
	}
	if hint != "" {
		cfg.ServerName = hint
	}

	var d net.Dialer
	rawConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := rawConn.(*net.TCPConn); ok {
		applyTCPOptions(tc, t.TCP)
	}

	tlsConn := tls.Client(rawConn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return &tlsStream{tlsConn}, nil
}

type tlsListener struct {
	ln   net.Listener
	opts TCPOptions
}

func (l *tlsListener) Accept(ctx context.Context) (Stream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	tlsConn := conn.(*tls.Conn)
	if tc, ok := tlsConn.NetConn().(*net.TCPConn); ok {
		applyTCPOptions(tc, l.opts)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return &tlsStream{tlsConn}, nil
}

func (l *tlsListener) Addr() net.Addr { return l.ln.Addr() }
func (l *tlsListener) Close() error   { return l.ln.Close() }

// tlsStream adapts *tls.Conn to Stream. TLS has no native half-close, so
// CloseWrite forwards to the underlying TCP connection when reachable.
type tlsStream struct {
	*tls.Conn
}

func (s *tlsStream) CloseWrite() error {
	if tc, ok := s.Conn.NetConn().(*net.TCPConn); ok {
		return tc.CloseWrite()
	}
	return nil
}
