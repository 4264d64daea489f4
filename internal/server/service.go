package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nat-tunnel/tunnel/internal/config"
	"github.com/nat-tunnel/tunnel/internal/control"
	"github.com/nat-tunnel/tunnel/internal/copyloop"
	"github.com/nat-tunnel/tunnel/internal/logging"
	"github.com/nat-tunnel/tunnel/internal/protocol"
	"github.com/nat-tunnel/tunnel/internal/transport"
	"github.com/nat-tunnel/tunnel/internal/udp"
)

// service runs one configured ServiceConfig's public-facing half: a plain,
// unauthenticated visitor listener (TCP) or socket (UDP) on its own
// bind_addr, independent of the pluggable Transport the shared control/data
// listener uses, per the non-goal that visitors are never authenticated.
type service struct {
	srv    *Server
	cfg    config.ServiceConfig
	logger *slog.Logger

	visitorQueue *control.VisitorQueue
	dataChannels *dataChannelQueue

	mu   sync.Mutex
	sess *control.Session

	// TCP
	tcpLn net.Listener

	// UDP: one long-lived data channel multiplexes every visitor flow,
	// framed by internal/udp, rather than a data channel per visitor.
	udpConn           *net.UDPConn
	udpTable          *udp.Table
	udpStream         transport.Stream
	udpWriter         *udp.FrameWriter
	udpRequestPending bool

	ctx    context.Context
	cancel context.CancelFunc
}

// newService builds and binds a service's visitor-facing socket. It does
// not start accepting until run is called.
func newService(s *Server, cfg config.ServiceConfig) (*service, error) {
	sv := &service{
		srv:          s,
		cfg:          cfg,
		logger:       s.logger.With(logging.KeyService, cfg.Name),
		visitorQueue: control.NewVisitorQueue(s.cfg.Tuning.PendingVisitorQueue),
		dataChannels: newDataChannelQueue(),
	}

	switch cfg.Kind {
	case config.ServiceTCP:
		ln, err := net.Listen("tcp", cfg.BindAddr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.BindAddr, err)
		}
		sv.tcpLn = ln
	case config.ServiceUDP:
		udpAddr, err := net.ResolveUDPAddr("udp", cfg.BindAddr)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", cfg.BindAddr, err)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return nil, fmt.Errorf("listen %s: %w", cfg.BindAddr, err)
		}
		sv.udpConn = conn
		sv.udpTable = udp.NewTable()
	default:
		return nil, fmt.Errorf("service %q: unknown kind %q", cfg.Name, cfg.Kind)
	}
	return sv, nil
}

func (sv *service) run(ctx context.Context) {
	sv.ctx, sv.cancel = context.WithCancel(ctx)

	switch sv.cfg.Kind {
	case config.ServiceTCP:
		sv.acceptVisitorLoop()
	case config.ServiceUDP:
		go sv.evictIdleUDPLoop()
		sv.readDatagramLoop()
	}
}

func (sv *service) close() {
	if sv.cancel != nil {
		sv.cancel()
	}
	if sv.tcpLn != nil {
		sv.tcpLn.Close()
	}
	if sv.udpConn != nil {
		sv.udpConn.Close()
	}
	sv.mu.Lock()
	udpStream := sv.udpStream
	sv.mu.Unlock()
	if udpStream != nil {
		udpStream.Close()
	}
	sv.visitorQueue.DrainWithError(errors.New("service stopped"))
	sv.dataChannels.drain()
}

func (sv *service) setSession(sess *control.Session) {
	sv.mu.Lock()
	sv.sess = sess
	sv.mu.Unlock()
}

func (sv *service) clearSession(sess *control.Session) {
	sv.mu.Lock()
	if sv.sess == sess {
		sv.sess = nil
	}
	sv.mu.Unlock()
}

func (sv *service) currentSession() *control.Session {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.sess
}

// dataChannelDeadline bounds how long an unmatched data connection is held
// before it is closed, per idle_data_channel_timeout.
func dataChannelDeadline(cfg config.ServerTuning) time.Duration {
	if cfg.IdleDataChannelTimeout > 0 {
		return cfg.IdleDataChannelTimeout
	}
	return 10 * time.Second
}

func pendingVisitorTimeout(cfg config.ServerTuning) time.Duration {
	if cfg.PendingVisitorTimeout > 0 {
		return cfg.PendingVisitorTimeout
	}
	return 5 * time.Second
}

// netStream adapts a plain net.Conn (the visitor side, never wrapped by the
// pluggable Transport) to transport.Stream so it can sit in the same
// HeldVisitor/bridge plumbing as a data channel.
type netStream struct {
	net.Conn
}

func (n netStream) CloseWrite() error {
	if cw, ok := n.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// --- TCP visitor path ---

func (sv *service) acceptVisitorLoop() {
	for {
		conn, err := sv.tcpLn.Accept()
		if err != nil {
			if sv.ctx.Err() != nil {
				return
			}
			sv.logger.Warn("visitor accept failed", logging.KeyError, err)
			continue
		}
		sv.srv.metrics.VisitorAccepted(sv.cfg.Name)
		go sv.handleVisitor(netStream{conn})
	}
}

func (sv *service) handleVisitor(visitor transport.Stream) {
	if d := sv.dataChannels.pop(); d != nil {
		sv.bridge(visitor, d.stream)
		return
	}

	sess := sv.currentSession()
	if sess == nil {
		sv.srv.metrics.VisitorDropped(sv.cfg.Name, "no_control_channel")
		visitor.Close()
		return
	}

	held := &control.HeldVisitor{Stream: visitor, Arrived: time.Now()}
	if evicted := sv.visitorQueue.Push(held); evicted != nil {
		sv.srv.metrics.VisitorDropped(sv.cfg.Name, "queue_overflow")
	}
	sv.srv.metrics.SetVisitorQueueDepth(sv.cfg.Name, sv.visitorQueue.Len())

	if err := sess.Channel.Send(&protocol.Message{Tag: protocol.MsgCreateDataChannel}); err != nil {
		sv.visitorQueue.Cancel(held)
		visitor.Close()
		return
	}

	go sv.watchPendingVisitor(held)
}

func (sv *service) watchPendingVisitor(held *control.HeldVisitor) {
	timer := time.NewTimer(pendingVisitorTimeout(sv.srv.cfg.Tuning))
	defer timer.Stop()
	select {
	case <-timer.C:
		if sv.visitorQueue.Cancel(held) {
			sv.srv.metrics.VisitorDropped(sv.cfg.Name, "pending_timeout")
			held.Stream.Close()
		}
	case <-sv.ctx.Done():
	}
}

// offerDataChannel is called once a freshly dialed connection has announced
// itself as a data channel for this service. TCP services pair it
// immediately against a waiting visitor or hold it briefly; UDP services
// treat it as the single shared multiplexed channel.
func (sv *service) offerDataChannel(stream transport.Stream) {
	if sv.cfg.Kind == config.ServiceUDP {
		sv.attachUDPDataChannel(stream)
		return
	}

	if held := sv.visitorQueue.Pop(); held != nil {
		sv.bridge(held.Stream, stream)
		return
	}

	d := &heldDataChannel{stream: stream, arrived: time.Now()}
	sv.dataChannels.push(d)
	go sv.watchDataChannel(d)
}

func (sv *service) watchDataChannel(d *heldDataChannel) {
	timer := time.NewTimer(dataChannelDeadline(sv.srv.cfg.Tuning))
	defer timer.Stop()
	select {
	case <-timer.C:
		if sv.dataChannels.cancel(d) {
			sv.srv.metrics.DataChannelIdleDrop(sv.cfg.Name)
			d.stream.Close()
		}
	case <-sv.ctx.Done():
	}
}

func (sv *service) bridge(visitor, data transport.Stream) {
	sv.srv.metrics.VisitorPaired(sv.cfg.Name)
	sv.srv.metrics.DataChannelOpened(sv.cfg.Name)
	defer sv.srv.metrics.DataChannelClosed(sv.cfg.Name)

	copyloop.Run(sv.ctx, sv.logger, visitor, data, copyloop.Options{
		OnProgress: func(direction string, n int64) {
			sv.srv.metrics.BytesCopiedInc(sv.cfg.Name, direction, int(n))
		},
	})
}

// --- UDP visitor path ---

func (sv *service) readDatagramLoop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := sv.udpConn.ReadFromUDP(buf)
		if err != nil {
			if sv.ctx.Err() != nil {
				return
			}
			sv.logger.Warn("udp read failed", logging.KeyError, err)
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		sv.handleUDPDatagram(addr, payload)
	}
}

func (sv *service) handleUDPDatagram(addr *net.UDPAddr, payload []byte) {
	sess, created := sv.udpTable.EnsureByKey(addr.String())
	if created {
		sess.Value = addr
		sv.srv.metrics.UDPSessionOpened(sv.cfg.Name)
		sv.logger.Debug("udp session opened", logging.KeySessionID, sess.ID, logging.KeyRemoteAddr, addr.String())
		sv.ensureUDPDataChannel()
	}
	sess.Touch()

	writer := sv.currentUDPWriter()
	if writer == nil {
		return
	}
	if err := writer.WriteFrame(sess.ID, payload); err != nil {
		sv.logger.Debug("udp frame write failed", logging.KeyError, err)
	}
}

func (sv *service) currentUDPWriter() *udp.FrameWriter {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	return sv.udpWriter
}

func (sv *service) ensureUDPDataChannel() {
	sv.mu.Lock()
	if sv.udpWriter != nil || sv.udpRequestPending {
		sv.mu.Unlock()
		return
	}
	sess := sv.sess
	if sess == nil {
		sv.mu.Unlock()
		return
	}
	sv.udpRequestPending = true
	sv.mu.Unlock()

	if err := sess.Channel.Send(&protocol.Message{Tag: protocol.MsgCreateDataChannel}); err != nil {
		sv.mu.Lock()
		sv.udpRequestPending = false
		sv.mu.Unlock()
	}
}

func (sv *service) attachUDPDataChannel(stream transport.Stream) {
	sv.mu.Lock()
	old := sv.udpStream
	sv.udpStream = stream
	sv.udpWriter = udp.NewFrameWriter(stream)
	sv.udpRequestPending = false
	sv.mu.Unlock()

	if old != nil {
		old.Close()
	}
	sv.srv.metrics.DataChannelOpened(sv.cfg.Name)
	go sv.readUDPDataChannel(stream)
}

func (sv *service) readUDPDataChannel(stream transport.Stream) {
	reader := udp.NewFrameReader(stream)
	defer func() {
		sv.mu.Lock()
		if sv.udpStream == stream {
			sv.udpStream = nil
			sv.udpWriter = nil
		}
		sv.mu.Unlock()
		sv.srv.metrics.DataChannelClosed(sv.cfg.Name)
	}()

	for {
		id, payload, err := reader.ReadFrame()
		if err != nil {
			sv.logger.Debug("udp data channel closed", logging.KeyError, err)
			return
		}
		sess, ok := sv.udpTable.Get(id)
		if !ok {
			continue
		}
		sess.Touch()
		addr, ok := sess.Value.(*net.UDPAddr)
		if !ok {
			continue
		}
		if _, err := sv.udpConn.WriteToUDP(payload, addr); err != nil {
			sv.logger.Debug("udp write to visitor failed", logging.KeyError, err)
		}
	}
}

func (sv *service) evictIdleUDPLoop() {
	timeout := sv.srv.cfg.Tuning.UDPIdleTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-sv.ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range sv.udpTable.EvictIdle(timeout) {
				sv.srv.metrics.UDPSessionEvicted(sv.cfg.Name)
				sv.logger.Debug("udp session evicted for inactivity", logging.KeySessionID, sess.ID)
			}
		}
	}
}

// --- held data channel queue (TCP services only) ---

// heldDataChannel is a data channel waiting for a visitor to pair with,
// the mirror of control.HeldVisitor for the opposite arrival order.
type heldDataChannel struct {
	stream  transport.Stream
	arrived time.Time
}

type dataChannelQueue struct {
	mu    sync.Mutex
	items []*heldDataChannel
}

func newDataChannelQueue() *dataChannelQueue {
	return &dataChannelQueue{}
}

func (q *dataChannelQueue) push(d *heldDataChannel) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()
}

func (q *dataChannelQueue) pop() *heldDataChannel {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	d := q.items[0]
	q.items = q.items[1:]
	return d
}

func (q *dataChannelQueue) cancel(d *heldDataChannel) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item == d {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *dataChannelQueue) drain() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, d := range items {
		d.stream.Close()
	}
}
