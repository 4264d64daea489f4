package noise

import (
	"bytes"
	"io"
	"net"
	"testing"
)

func TestHandshakeAndTransport(t *testing.T) {
	serverKP, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	type result struct {
		res *HandshakeResult
		err error
	}
	clientCh := make(chan result, 1)
	serverCh := make(chan result, 1)

	go func() {
		r, err := DialNK(clientConn, serverKP.Public)
		clientCh <- result{r, err}
	}()
	go func() {
		r, err := AcceptNK(serverConn, serverKP)
		serverCh <- result{r, err}
	}()

	cr := <-clientCh
	sr := <-serverCh
	if cr.err != nil {
		t.Fatalf("client handshake: %v", cr.err)
	}
	if sr.err != nil {
		t.Fatalf("server handshake: %v", sr.err)
	}

	client := NewConn(clientConn, cr.res)
	server := NewConn(serverConn, sr.res)

	msg := []byte("hello over noise")
	go func() {
		if _, err := client.Write(msg); err != nil {
			t.Errorf("client write: %v", err)
		}
	}()

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("got %q want %q", buf, msg)
	}
}

func TestHandshakeWrongRemoteKeyFails(t *testing.T) {
	serverKP, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	wrongKP, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	errCh := make(chan error, 2)
	go func() {
		_, err := DialNK(clientConn, wrongKP.Public)
		errCh <- err
	}()
	go func() {
		_, err := AcceptNK(serverConn, serverKP)
		if err != nil {
			// A failed responder drops the connection, as the listener does.
			serverConn.Close()
		}
		errCh <- err
	}()

	err1 := <-errCh
	err2 := <-errCh
	if err1 == nil && err2 == nil {
		t.Fatal("expected handshake failure with mismatched static key")
	}
}
