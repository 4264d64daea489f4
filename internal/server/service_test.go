package server

import (
	"net"
	"testing"
	"time"
)

func TestDataChannelQueueFIFO(t *testing.T) {
	q := newDataChannelQueue()
	if q.pop() != nil {
		t.Fatal("expected empty queue to pop nil")
	}

	a := &heldDataChannel{arrived: time.Now()}
	b := &heldDataChannel{arrived: time.Now()}
	q.push(a)
	q.push(b)

	if got := q.pop(); got != a {
		t.Errorf("expected a first, got %v", got)
	}
	if got := q.pop(); got != b {
		t.Errorf("expected b second, got %v", got)
	}
	if q.pop() != nil {
		t.Error("expected queue drained")
	}
}

func TestDataChannelQueueCancel(t *testing.T) {
	q := newDataChannelQueue()
	a := &heldDataChannel{arrived: time.Now()}
	q.push(a)

	if !q.cancel(a) {
		t.Fatal("expected cancel to find and remove a")
	}
	if q.cancel(a) {
		t.Error("expected second cancel of the same item to fail")
	}
	if q.pop() != nil {
		t.Error("expected queue empty after cancel")
	}
}

func TestDataChannelQueueDrainClosesStreams(t *testing.T) {
	q := newDataChannelQueue()
	c1, c2 := net.Pipe()
	defer c2.Close()
	q.push(&heldDataChannel{stream: netStream{c1}})

	q.drain()

	buf := make([]byte, 1)
	if _, err := c1.Read(buf); err == nil {
		t.Error("expected stream to be closed after drain")
	}
}

func TestNetStreamCloseWriteOnTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptDone := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		acceptDone <- conn
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	server := <-acceptDone
	defer server.Close()

	ns := netStream{client}
	if err := ns.CloseWrite(); err != nil {
		t.Errorf("CloseWrite on TCPConn should succeed, got %v", err)
	}

	buf := make([]byte, 1)
	server.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := server.Read(buf); err == nil {
		t.Error("expected EOF on peer after CloseWrite")
	}
}
