package control

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nat-tunnel/tunnel/internal/metrics"
	"github.com/nat-tunnel/tunnel/internal/registry"
)

func newTestSession(t *testing.T, digest [registry.DigestSize]byte, name string) *Session {
	t.Helper()
	a, b := newPipeStreams()
	t.Cleanup(func() { b.Close() })
	return &Session{
		Digest:      digest,
		ServiceName: name,
		Channel:     NewChannel(a),
		Heartbeat:   &Heartbeater{lastActivity: time.Now()},
		Visitors:    NewVisitorQueue(4),
		done:        make(chan struct{}),
	}
}

func newHeldVisitor(t *testing.T) *HeldVisitor {
	t.Helper()
	a, b := newPipeStreams()
	t.Cleanup(func() { b.Close() })
	return &HeldVisitor{Stream: a, resultCh: make(chan error, 1)}
}

func TestVisitorQueuePushPopFIFO(t *testing.T) {
	q := NewVisitorQueue(4)
	v1, v2 := newHeldVisitor(t), newHeldVisitor(t)
	q.Push(v1)
	q.Push(v2)

	if got := q.Pop(); got != v1 {
		t.Error("expected FIFO order: v1 first")
	}
	if got := q.Pop(); got != v2 {
		t.Error("expected FIFO order: v2 second")
	}
	if got := q.Pop(); got != nil {
		t.Error("expected nil from an empty queue")
	}
}

func TestVisitorQueueOverflowDropsOldest(t *testing.T) {
	q := NewVisitorQueue(2)
	v1, v2, v3 := newHeldVisitor(t), newHeldVisitor(t), newHeldVisitor(t)

	q.Push(v1)
	q.Push(v2)
	evicted := q.Push(v3)

	if evicted != v1 {
		t.Fatal("expected the oldest entry (v1) to be evicted")
	}
	select {
	case err := <-v1.resultCh:
		if err == nil {
			t.Error("expected evicted visitor to receive a non-nil error")
		}
	case <-time.After(time.Second):
		t.Error("evicted visitor never received a result")
	}
	if q.Len() != 2 {
		t.Errorf("queue len = %d, want 2", q.Len())
	}
}

func TestVisitorQueueDrainWithError(t *testing.T) {
	q := NewVisitorQueue(4)
	v := newHeldVisitor(t)
	q.Push(v)

	sentinel := errors.New("drained")
	q.DrainWithError(sentinel)

	if q.Len() != 0 {
		t.Error("expected queue to be empty after drain")
	}
	select {
	case err := <-v.resultCh:
		if err != sentinel {
			t.Errorf("got error %v, want %v", err, sentinel)
		}
	default:
		t.Error("expected drained visitor to receive a result")
	}
}

func TestManagerRegisterReplacesPriorSession(t *testing.T) {
	m := NewManager(nil)
	digest := registry.ServiceDigest("svc-token")

	sess1 := newTestSession(t, digest, "echo")
	m.Register(sess1)

	sess2 := newTestSession(t, digest, "echo")
	m.Register(sess2)

	select {
	case <-sess1.Done():
	case <-time.After(time.Second):
		t.Fatal("expected prior session to be closed after replacement")
	}

	got, ok := m.Lookup(digest)
	if !ok || got != sess2 {
		t.Error("expected the new session to be the active one for the digest")
	}
}

func TestManagerUnregisterOnlyCurrent(t *testing.T) {
	m := NewManager(nil)
	digest := registry.ServiceDigest("svc-token")

	sess1 := newTestSession(t, digest, "echo")
	m.Register(sess1)

	sess2 := newTestSession(t, digest, "echo")
	m.Register(sess2)

	// sess1 is stale; unregistering it must not remove sess2.
	m.Unregister(sess1)
	if _, ok := m.Lookup(digest); !ok {
		t.Error("expected sess2 to remain registered")
	}

	m.Unregister(sess2)
	if _, ok := m.Lookup(digest); ok {
		t.Error("expected digest slot to be empty after unregistering the current session")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	digest := registry.ServiceDigest("svc-token")
	sess := newTestSession(t, digest, "echo")

	sess.Close(errors.New("first"))
	sess.Close(errors.New("second"))

	select {
	case <-sess.Done():
	default:
		t.Error("expected Done to be closed")
	}
}

func TestWatchHeartbeatRecordsExpiryMetric(t *testing.T) {
	digest := registry.ServiceDigest("svc-token")
	sess := newTestSession(t, digest, "echo")
	sess.Heartbeat.timeout = time.Millisecond
	sess.Heartbeat.lastActivity = time.Now().Add(-time.Hour)

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	WatchHeartbeat(ctx, sess, time.Millisecond, m)

	select {
	case <-sess.Done():
	default:
		t.Error("expected heartbeat expiry to close the session")
	}
	if got := testutil.ToFloat64(m.HeartbeatTimeouts.WithLabelValues("echo")); got != 1 {
		t.Errorf("HeartbeatTimeouts[echo] = %v, want 1", got)
	}
}
