package transport

import (
	"context"
	"io"
	"testing"
	"time"
)

func TestWebSocketTransportRoundTrip(t *testing.T) {
	tr := NewWebSocketTransport(WebSocketOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ln, err := tr.Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	acceptCh := make(chan Stream, 1)
	errCh := make(chan error, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err != nil {
			errCh <- err
			return
		}
		acceptCh <- s
	}()

	client, err := tr.Dial(ctx, ln.Addr().String(), "")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server Stream
	select {
	case server = <-acceptCh:
	case err := <-errCh:
		t.Fatalf("Accept: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for accept")
	}
	defer server.Close()

	msg := []byte("hello over websocket")
	go func() {
		if _, err := client.Write(msg); err != nil {
			t.Errorf("client write: %v", err)
		}
	}()

	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q want %q", buf, msg)
	}
}

func TestWebSocketTransportKind(t *testing.T) {
	tr := NewWebSocketTransport(WebSocketOptions{})
	if tr.Kind() != KindWebSocket {
		t.Fatalf("Kind() = %v, want %v", tr.Kind(), KindWebSocket)
	}
}
