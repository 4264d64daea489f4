package control

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nat-tunnel/tunnel/internal/errs"
	"github.com/nat-tunnel/tunnel/internal/logging"
	"github.com/nat-tunnel/tunnel/internal/metrics"
	"github.com/nat-tunnel/tunnel/internal/registry"
	"github.com/nat-tunnel/tunnel/internal/transport"
)

// ErrQueueDrained is returned to any visitor still queued when its control
// channel is replaced or closed.
var ErrQueueDrained = errs.Resourcef("visitor queue", errDrained)

var errDrained error = drainedError{}

type drainedError struct{}

func (drainedError) Error() string { return "visitor queue drained: control channel replaced or closed" }

// HeldVisitor is a visitor transport stream waiting to be paired with a data
// channel, plus its arrival time for pending_visitor_timeout accounting.
type HeldVisitor struct {
	Stream   transport.Stream
	Arrived  time.Time
	resultCh chan error
}

// VisitorQueue is the bounded FIFO of held visitors for one service, written
// by the visitor acceptor and read by the data-channel acceptor. Overflow
// drops the oldest held visitor, per the pairing queue's documented
// behavior.
type VisitorQueue struct {
	mu       sync.Mutex
	items    []*HeldVisitor
	capacity int
}

// NewVisitorQueue constructs a queue bounded at capacity (default 1024).
func NewVisitorQueue(capacity int) *VisitorQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &VisitorQueue{capacity: capacity}
}

// Push enqueues v, dropping and failing the oldest entry if the queue is
// full. It returns the evicted entry, or nil if nothing was evicted.
func (q *VisitorQueue) Push(v *HeldVisitor) (evicted *HeldVisitor) {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		evicted = q.items[0]
		q.items = q.items[1:]
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	if evicted != nil {
		evicted.fail(errs.Resourcef("visitor queue", errors.New("visitor queue full: oldest held visitor dropped")))
	}
	return evicted
}

// Pop removes and returns the oldest held visitor, or nil if empty.
func (q *VisitorQueue) Pop() *HeldVisitor {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v
}

// Len reports the current queue depth.
func (q *VisitorQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cancel removes v from the queue if it is still present, reporting whether
// it found and removed it. Used by a pending_visitor_timeout watcher that
// raced against the data-channel acceptor's Pop for the same visitor: if
// Cancel returns false, the visitor was already popped and is someone
// else's responsibility now.
func (q *VisitorQueue) Cancel(v *HeldVisitor) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item == v {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// DrainWithError fails every currently queued visitor with err and empties
// the queue, used when a control channel is replaced or dies.
func (q *VisitorQueue) DrainWithError(err error) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, v := range items {
		v.fail(err)
	}
}

func (v *HeldVisitor) fail(err error) {
	if v.resultCh != nil {
		select {
		case v.resultCh <- err:
		default:
		}
	}
	v.Stream.Close()
}

// Session is one service's live control channel on the server: the framed
// channel to the client, its heartbeat tracker, and its pairing queue.
type Session struct {
	Digest      [registry.DigestSize]byte
	ServiceName string
	Channel     *Channel
	Heartbeat   *Heartbeater
	Visitors    *VisitorQueue

	createdAt time.Time
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession constructs a Session ready to Register with a Manager.
func NewSession(digest [registry.DigestSize]byte, serviceName string, ch *Channel, hb *Heartbeater, visitors *VisitorQueue) *Session {
	return &Session{
		Digest:      digest,
		ServiceName: serviceName,
		Channel:     ch,
		Heartbeat:   hb,
		Visitors:    visitors,
		createdAt:   time.Now(),
		done:        make(chan struct{}),
	}
}

// Done is closed once the session's control channel has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close tears down the session's channel, stops its heartbeater, and drains
// its visitor queue with err.
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		if s.Heartbeat != nil {
			s.Heartbeat.Stop()
		}
		s.Channel.Close()
		s.Visitors.DrainWithError(err)
		close(s.done)
	})
}

// Manager owns every live server-side Session, keyed by service digest.
// Each service digest maps to at most one active control channel; a second
// registration for the same digest replaces the first.
type Manager struct {
	mu       sync.Mutex
	sessions map[[registry.DigestSize]byte]*Session
	logger   *slog.Logger
}

// NewManager constructs an empty session manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		sessions: make(map[[registry.DigestSize]byte]*Session),
		logger:   logger,
	}
}

// Register installs sess as the active session for its digest, replacing
// and closing whatever session (if any) previously held that slot. The
// prior session's queued visitors are drained with ErrQueueDrained.
func (m *Manager) Register(sess *Session) {
	m.mu.Lock()
	prior := m.sessions[sess.Digest]
	m.sessions[sess.Digest] = sess
	m.mu.Unlock()

	if prior != nil {
		m.logger.Warn("control channel re-registered, replacing prior channel",
			logging.KeyService, sess.ServiceName)
		prior.Close(ErrQueueDrained)
	}
}

// Lookup returns the active session for digest, if any.
func (m *Manager) Lookup(digest [registry.DigestSize]byte) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[digest]
	return sess, ok
}

// Unregister removes sess from the manager, but only if it is still the
// current holder of its digest slot — a session replaced by Register must
// not unregister the newer one when its own goroutines unwind.
func (m *Manager) Unregister(sess *Session) {
	m.mu.Lock()
	if m.sessions[sess.Digest] == sess {
		delete(m.sessions, sess.Digest)
	}
	m.mu.Unlock()
}

// WatchHeartbeat blocks until sess's heartbeater reports expiry or ctx is
// cancelled, then closes the session. Intended to run as its own goroutine
// for the lifetime of the control channel. m may be nil.
func WatchHeartbeat(ctx context.Context, sess *Session, checkInterval time.Duration, m *metrics.Metrics) {
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-ticker.C:
			if sess.Heartbeat.Expired() {
				if m != nil {
					m.HeartbeatTimeout(sess.ServiceName)
				}
				sess.Close(errs.Transportf("heartbeat", context.DeadlineExceeded))
				return
			}
		}
	}
}
