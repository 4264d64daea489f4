package copyloop

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestRunCopiesBothDirections(t *testing.T) {
	aClient, aServer := net.Pipe()
	bClient, bServer := net.Pipe()

	done := make(chan Result, 1)
	go func() {
		done <- Run(context.Background(), nil, aServer, bServer, Options{})
	}()

	go func() {
		aClient.Write([]byte("to-b"))
		aClient.Close()
	}()
	buf := make([]byte, 4)
	n, err := readFull(bClient, buf)
	if err != nil || n != 4 || string(buf) != "to-b" {
		t.Fatalf("b side got %q (n=%d, err=%v)", buf[:n], n, err)
	}

	bClient.Write([]byte("to-a"))
	bClient.Close()

	res := <-done
	if res.AToB != 4 {
		t.Errorf("AToB = %d, want 4", res.AToB)
	}
}

func TestRunIdleTimeoutClosesBothSides(t *testing.T) {
	aClient, aServer := net.Pipe()
	bClient, bServer := net.Pipe()
	defer aClient.Close()
	defer bClient.Close()

	done := make(chan Result, 1)
	go func() {
		done <- Run(context.Background(), nil, aServer, bServer, Options{IdleTimeout: 50 * time.Millisecond})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after idle timeout")
	}
}

func TestRunReportsProgress(t *testing.T) {
	aClient, aServer := net.Pipe()
	bClient, bServer := net.Pipe()

	var gotDirection string
	var gotBytes int64
	done := make(chan Result, 1)
	go func() {
		done <- Run(context.Background(), nil, aServer, bServer, Options{
			OnProgress: func(direction string, n int64) {
				if n > 0 {
					gotDirection = direction
					gotBytes = n
				}
			},
		})
	}()

	go func() {
		aClient.Write([]byte("hi"))
		aClient.Close()
		readFull(bClient, make([]byte, 2))
		bClient.Close()
	}()

	<-done
	if gotBytes != 2 {
		t.Errorf("gotBytes = %d, want 2", gotBytes)
	}
	if gotDirection != "a_to_b" {
		t.Errorf("gotDirection = %q, want a_to_b", gotDirection)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
