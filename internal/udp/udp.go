// Package udp multiplexes many visitor UDP flows over the single reliable
// data channel each UDP service keeps open, framing every datagram with a
// session identifier and evicting sessions that go quiet.
package udp

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// HeaderSize is the size in bytes of a datagram frame's header: a 4-byte
// session_id followed by a 2-byte payload length.
const HeaderSize = 4 + 2

// MaxPayloadSize is the largest payload length the 2-byte length field can
// express, comfortably above any realistic UDP datagram.
const MaxPayloadSize = math.MaxUint16

// ErrFrameTooLarge is returned by EncodeFrame when payload exceeds
// MaxPayloadSize.
var ErrFrameTooLarge = fmt.Errorf("udp: payload exceeds %d bytes", MaxPayloadSize)

// ErrTruncated is returned by DecodeFrame on a short header or short body.
var ErrTruncated = fmt.Errorf("udp: truncated frame")

// EncodeFrame serializes one datagram as session_id ‖ length ‖ payload.
func EncodeFrame(sessionID uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], sessionID)
	binary.BigEndian.PutUint16(buf[4:6], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodeFrame parses one datagram frame back into its session id and
// payload. payload aliases buf; callers that retain it past the next read
// must copy.
func DecodeFrame(buf []byte) (sessionID uint32, payload []byte, err error) {
	if len(buf) < HeaderSize {
		return 0, nil, ErrTruncated
	}
	sessionID = binary.BigEndian.Uint32(buf[0:4])
	n := binary.BigEndian.Uint16(buf[4:6])
	if len(buf)-HeaderSize < int(n) {
		return 0, nil, ErrTruncated
	}
	return sessionID, buf[HeaderSize : HeaderSize+int(n)], nil
}

// FrameReader reads session-framed datagrams off a shared data channel.
type FrameReader struct {
	r   io.Reader
	buf []byte
}

// NewFrameReader wraps r for datagram-frame reads.
func NewFrameReader(r io.Reader) *FrameReader { return &FrameReader{r: r} }

// ReadFrame reads one frame and returns its session id and payload.
func (fr *FrameReader) ReadFrame() (sessionID uint32, payload []byte, err error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		return 0, nil, err
	}
	sessionID = binary.BigEndian.Uint32(header[0:4])
	n := binary.BigEndian.Uint16(header[4:6])

	if cap(fr.buf) < int(n) {
		fr.buf = make([]byte, n)
	}
	payload = fr.buf[:n]
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return 0, nil, err
	}
	return sessionID, payload, nil
}

// FrameWriter writes session-framed datagrams onto a shared data channel.
type FrameWriter struct {
	w  io.Writer
	mu sync.Mutex
}

// NewFrameWriter wraps w for datagram-frame writes.
func NewFrameWriter(w io.Writer) *FrameWriter { return &FrameWriter{w: w} }

// WriteFrame writes one datagram frame. Safe for concurrent callers: the
// data channel is shared across every session of a service.
func (fw *FrameWriter) WriteFrame(sessionID uint32, payload []byte) error {
	frame, err := EncodeFrame(sessionID, payload)
	if err != nil {
		return err
	}
	fw.mu.Lock()
	defer fw.mu.Unlock()
	_, err = fw.w.Write(frame)
	return err
}

// Session is one multiplexed UDP flow: a session_id paired with whatever
// per-flow state its owner attaches (a visitor address on the ingress side,
// a dialed backend connection on the egress side).
type Session struct {
	ID    uint32
	Key   string
	Value any

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

// Touch records datagram activity, resetting the idle clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleFor reports how long it has been since the session's last datagram.
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// Table is the bidirectional session_id ↔ key map for one UDP service,
// shared between the side that allocates session ids for newly seen visitor
// addresses and the side that first learns a session id from the wire.
type Table struct {
	mu     sync.Mutex
	byID   map[uint32]*Session
	byKey  map[string]*Session
	nextID uint32
}

// NewTable constructs an empty session table.
func NewTable() *Table {
	return &Table{
		byID:  make(map[uint32]*Session),
		byKey: make(map[string]*Session),
	}
}

// EnsureByKey returns the existing session for key, or allocates a fresh
// session_id and creates one. This is how the side that first sees a
// (visitor_addr, service) pair — the server for ingress — assigns ids.
func (t *Table) EnsureByKey(key string) (sess *Session, created bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.byKey[key]; ok {
		return s, false
	}

	id := t.allocateIDLocked()
	s := &Session{ID: id, Key: key, lastActivity: time.Now()}
	t.byID[id] = s
	t.byKey[key] = s
	return s, true
}

// allocateIDLocked picks the next unused session id. Reuse of an evicted id
// is allowed, so a bare counter with collision retry is sufficient; it
// wraps via overflow rather than erroring, since a service would need over
// four billion concurrently live sessions to exhaust uint32 space.
func (t *Table) allocateIDLocked() uint32 {
	for {
		t.nextID++
		id := t.nextID
		if _, exists := t.byID[id]; !exists {
			return id
		}
	}
}

// EnsureByID returns the existing session for id, or calls create to build
// one when id is new. This is how the side that learns a session id from
// an incoming frame — the client for ingress — attaches its own per-session
// state (a dialed backend connection) exactly once.
func (t *Table) EnsureByID(id uint32, create func() (any, error)) (sess *Session, created bool, err error) {
	t.mu.Lock()
	if s, ok := t.byID[id]; ok {
		t.mu.Unlock()
		return s, false, nil
	}
	t.mu.Unlock()

	value, err := create()
	if err != nil {
		return nil, false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.byID[id]; ok {
		// Lost the race with a concurrent EnsureByID for the same id.
		return s, false, nil
	}
	s := &Session{ID: id, Value: value, lastActivity: time.Now()}
	t.byID[id] = s
	if id > t.nextID {
		t.nextID = id
	}
	return s, true, nil
}

// Get looks up a session by id.
func (t *Table) Get(id uint32) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byID[id]
	return s, ok
}

// Remove drops sess from both maps.
func (t *Table) Remove(sess *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, sess.ID)
	if sess.Key != "" {
		delete(t.byKey, sess.Key)
	}
}

// Len reports the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// EvictIdle removes and returns every session idle for at least timeout.
// Eviction is first-marked-closed-wins: a session IdleFor and markClosed
// raced against by a concurrent datagram loses gracefully via the closed
// flag rather than a double-close.
func (t *Table) EvictIdle(timeout time.Duration) []*Session {
	t.mu.Lock()
	var candidates []*Session
	for _, s := range t.byID {
		if s.IdleFor() >= timeout {
			candidates = append(candidates, s)
		}
	}
	t.mu.Unlock()

	var evicted []*Session
	for _, s := range candidates {
		if !s.markClosed() {
			continue
		}
		t.Remove(s)
		evicted = append(evicted, s)
	}
	return evicted
}
