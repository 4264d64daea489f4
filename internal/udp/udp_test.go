package udp

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	frame, err := EncodeFrame(42, []byte("hello"))
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	id, payload, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if id != 42 {
		t.Errorf("session id = %d, want 42", id)
	}
	if string(payload) != "hello" {
		t.Errorf("payload = %q, want %q", payload, "hello")
	}
}

func TestEncodeFrameTooLarge(t *testing.T) {
	_, err := EncodeFrame(1, make([]byte, MaxPayloadSize+1))
	if err != ErrFrameTooLarge {
		t.Errorf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestDecodeFrameTruncated(t *testing.T) {
	if _, _, err := DecodeFrame([]byte{0, 0}); err != ErrTruncated {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
	if _, _, err := DecodeFrame([]byte{0, 0, 0, 1, 0, 10, 'x'}); err != ErrTruncated {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
}

func TestFrameReaderWriterRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf)

	if err := w.WriteFrame(7, []byte("first")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := w.WriteFrame(8, []byte("second")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	r := NewFrameReader(&buf)
	id, payload, err := r.ReadFrame()
	if err != nil || id != 7 || string(payload) != "first" {
		t.Fatalf("first frame = (%d, %q, %v)", id, payload, err)
	}
	id, payload, err = r.ReadFrame()
	if err != nil || id != 8 || string(payload) != "second" {
		t.Fatalf("second frame = (%d, %q, %v)", id, payload, err)
	}
}

func TestTableEnsureByKeyAssignsAndReusesID(t *testing.T) {
	tbl := NewTable()

	s1, created := tbl.EnsureByKey("203.0.113.1:5555")
	if !created {
		t.Fatal("expected first EnsureByKey to create a session")
	}

	s2, created := tbl.EnsureByKey("203.0.113.1:5555")
	if created {
		t.Fatal("expected second EnsureByKey for the same key to reuse the session")
	}
	if s1.ID != s2.ID {
		t.Error("expected the same session for the same key")
	}

	s3, created := tbl.EnsureByKey("203.0.113.2:6666")
	if !created {
		t.Fatal("expected a distinct key to create a new session")
	}
	if s3.ID == s1.ID {
		t.Error("expected distinct keys to get distinct session ids")
	}
}

func TestTableEnsureByIDCreatesOnce(t *testing.T) {
	tbl := NewTable()
	calls := 0
	create := func() (any, error) {
		calls++
		return "backend-conn", nil
	}

	s1, created, err := tbl.EnsureByID(99, create)
	if err != nil || !created {
		t.Fatalf("first EnsureByID: created=%v err=%v", created, err)
	}

	s2, created, err := tbl.EnsureByID(99, create)
	if err != nil || created {
		t.Fatalf("second EnsureByID: created=%v err=%v", created, err)
	}
	if s1 != s2 {
		t.Error("expected the same *Session for a repeated id")
	}
	if calls != 1 {
		t.Errorf("create called %d times, want 1", calls)
	}
}

func TestTableEnsureByIDPropagatesCreateError(t *testing.T) {
	tbl := NewTable()
	sentinel := errors.New("dial failed")

	_, _, err := tbl.EnsureByID(1, func() (any, error) { return nil, sentinel })
	if err != sentinel {
		t.Errorf("err = %v, want %v", err, sentinel)
	}
	if tbl.Len() != 0 {
		t.Error("expected no session to be registered after a failed create")
	}
}

func TestTableRemoveAndLen(t *testing.T) {
	tbl := NewTable()
	s, _ := tbl.EnsureByKey("a")
	tbl.EnsureByKey("b")
	if tbl.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tbl.Len())
	}

	tbl.Remove(s)
	if tbl.Len() != 1 {
		t.Errorf("Len after Remove = %d, want 1", tbl.Len())
	}
	if _, ok := tbl.Get(s.ID); ok {
		t.Error("expected removed session to be gone from Get")
	}
}

func TestTableEvictIdle(t *testing.T) {
	tbl := NewTable()
	stale, _ := tbl.EnsureByKey("stale")
	fresh, _ := tbl.EnsureByKey("fresh")

	stale.mu.Lock()
	stale.lastActivity = time.Now().Add(-time.Hour)
	stale.mu.Unlock()
	fresh.Touch()

	evicted := tbl.EvictIdle(time.Minute)
	if len(evicted) != 1 || evicted[0] != stale {
		t.Fatalf("evicted = %v, want [stale]", evicted)
	}
	if _, ok := tbl.Get(stale.ID); ok {
		t.Error("expected stale session to be removed from the table")
	}
	if _, ok := tbl.Get(fresh.ID); !ok {
		t.Error("expected fresh session to remain")
	}
}

func TestSessionTouchResetsIdleClock(t *testing.T) {
	s := &Session{lastActivity: time.Now().Add(-time.Hour)}
	if s.IdleFor() < time.Hour {
		t.Fatal("expected session to start idle")
	}
	s.Touch()
	if s.IdleFor() > time.Second {
		t.Error("expected Touch to reset the idle clock")
	}
}
