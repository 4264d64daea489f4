package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"os"
	"testing"
	"time"
)

func TestTCPTransportRoundTrip(t *testing.T) {
	tr := NewTCPTransport(DefaultTCPOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := tr.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan Stream, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		serverCh <- s
	}()

	client, err := tr.Dial(ctx, ln.Addr().String(), "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	server := <-serverCh
	defer server.Close()

	msg := []byte("ping")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q want %q", buf, msg)
	}
}

func TestTCPTransportHalfClose(t *testing.T) {
	tr := NewTCPTransport(DefaultTCPOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := tr.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan Stream, 1)
	go func() {
		s, _ := ln.Accept(ctx)
		serverCh <- s
	}()

	client, err := tr.Dial(ctx, ln.Addr().String(), "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server := <-serverCh
	defer server.Close()

	if err := client.CloseWrite(); err != nil {
		t.Fatalf("CloseWrite: %v", err)
	}
	buf := make([]byte, 1)
	n, err := server.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("Read after peer CloseWrite = (%d, %v), want (0, EOF)", n, err)
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("test.local", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		t.Fatal("expected non-empty cert and key PEM")
	}
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		t.Fatalf("X509KeyPair: %v", err)
	}
}

func TestTLSTransportRoundTrip(t *testing.T) {
	certPEM, keyPEM, err := GenerateSelfSignedCert("127.0.0.1", 24*time.Hour)
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		t.Fatal("failed to parse generated certificate")
	}

	certFile := writeTempFile(t, "cert.pem", certPEM)
	keyFile := writeTempFile(t, "key.pem", keyPEM)

	tr := NewTLSTransport(
		DefaultTCPOptions(),
		TLSClientOptions{Hostname: "127.0.0.1"},
		TLSServerOptions{CertFile: certFile, KeyFile: keyFile},
	)
	tr.Client.TrustedRoot = certFile

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := tr.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan Stream, 1)
	errCh := make(chan error, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err != nil {
			errCh <- err
			return
		}
		serverCh <- s
	}()

	client, err := tr.Dial(ctx, ln.Addr().String(), "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server Stream
	select {
	case server = <-serverCh:
	case err := <-errCh:
		t.Fatalf("Accept: %v", err)
	}
	defer server.Close()

	msg := []byte("tls ping")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q want %q", buf, msg)
	}
}

func writeTempFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/" + name
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}
