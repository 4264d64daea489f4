package client

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nat-tunnel/tunnel/internal/backoff"
	"github.com/nat-tunnel/tunnel/internal/config"
	"github.com/nat-tunnel/tunnel/internal/control"
	"github.com/nat-tunnel/tunnel/internal/copyloop"
	"github.com/nat-tunnel/tunnel/internal/logging"
	"github.com/nat-tunnel/tunnel/internal/metrics"
	"github.com/nat-tunnel/tunnel/internal/protocol"
	"github.com/nat-tunnel/tunnel/internal/recovery"
	"github.com/nat-tunnel/tunnel/internal/registry"
	"github.com/nat-tunnel/tunnel/internal/transport"
	"github.com/nat-tunnel/tunnel/internal/udp"
)

// heartbeatCheckInterval bounds how often a serviceClient polls its
// Heartbeater for peer silence, independent of the heartbeat send/timeout
// intervals themselves.
const heartbeatCheckInterval = time.Second

// serviceClient owns one configured service's supervised reconnect loop:
// a control channel dialed out to the server, and whatever data channels
// that control channel's CreateDataChannel messages or the pre-warm pool
// ask it to open.
type serviceClient struct {
	client *Client
	cfg    config.ServiceConfig
	logger *slog.Logger

	reconnector *backoff.Reconnector

	udpMu     sync.Mutex
	udpStream transport.Stream
	udpWriter *udp.FrameWriter
	udpTable  *udp.Table
}

func newServiceClient(c *Client, cfg config.ServiceConfig) *serviceClient {
	return &serviceClient{
		client:   c,
		cfg:      cfg,
		logger:   c.logger.With(logging.KeyService, cfg.Name),
		udpTable: udp.NewTable(),
	}
}

// run drives the service's supervised loop until ctx is cancelled.
func (sc *serviceClient) run(ctx context.Context) {
	sc.reconnector = backoff.NewReconnector(sc.client.cfg.Tuning.Backoff, sc.cfg.Name, sc.client.metrics, sc.logger, func() error {
		return sc.connectAndServe(ctx)
	})
	sc.reconnector.Schedule()
	<-ctx.Done()
	sc.reconnector.Stop()
}

// connectAndServe performs one full control-channel lifecycle: dial,
// handshake, heartbeat, and dispatch of CreateDataChannel requests. It
// blocks until the control channel fails or ctx is cancelled, returning nil
// only for the latter so the caller's Reconnector stops retrying.
func (sc *serviceClient) connectAndServe(ctx context.Context) error {
	stream, err := sc.client.tr.Dial(ctx, sc.client.cfg.RemoteAddr, "")
	if err != nil {
		return fmt.Errorf("dial control channel: %w", err)
	}
	ch := control.NewChannel(stream)

	digest := registry.ServiceDigest(sc.cfg.Token)
	if err := control.ClientHello(ch, digest); err != nil {
		ch.Close()
		return fmt.Errorf("control handshake: %w", err)
	}

	// A completed handshake resets the backoff regardless of how long this
	// session ultimately lasts.
	sc.reconnector.Reset()

	sc.client.metrics.ControlChannelOpened(sc.cfg.Name)
	sc.logger.Info("control channel established", logging.KeyAddress, sc.client.cfg.RemoteAddr)
	defer func() {
		sc.client.metrics.ControlChannelClosed(sc.cfg.Name)
		sc.logger.Info("control channel closed")
	}()

	hb := control.NewHeartbeater(ch, sc.client.cfg.Tuning.HeartbeatInterval, sc.client.cfg.Tuning.HeartbeatTimeout, sc.logger)
	defer hb.Stop()

	var dataWG sync.WaitGroup
	defer dataWG.Wait()

	dataCtx, cancelData := context.WithCancel(ctx)
	tasks := newTaskSet()
	defer func() {
		cancelData()
		tasks.closeAll()
	}()

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		watchPeerHeartbeat(dataCtx, ch, hb, heartbeatCheckInterval, sc.cfg.Name, sc.client.metrics)
	}()

	if sc.cfg.Kind == config.ServiceTCP {
		for i := 0; i < sc.client.cfg.Tuning.PrewarmPoolSize; i++ {
			dataWG.Add(1)
			go func() {
				defer dataWG.Done()
				sc.prewarmLoop(dataCtx, tasks)
			}()
		}
	}

	readErr := sc.readControlLoop(ch, hb, dataCtx, tasks, &dataWG)
	ch.Close()
	<-hbDone
	if ctx.Err() != nil {
		return nil
	}
	if readErr != nil {
		return readErr
	}
	return errors.New("control channel closed")
}

func (sc *serviceClient) readControlLoop(ch *control.Channel, hb *control.Heartbeater, dataCtx context.Context, tasks *taskSet, dataWG *sync.WaitGroup) error {
	for {
		msg, err := ch.Recv()
		if err != nil {
			return err
		}
		hb.Touch()

		switch msg.Tag {
		case protocol.MsgHeartbeat:
			continue
		case protocol.MsgCreateDataChannel:
			sc.handleCreateDataChannel(dataCtx, tasks, dataWG)
		case protocol.MsgGoodbye:
			return errors.New("server sent goodbye")
		default:
			sc.logger.Debug("unexpected message on control channel", "tag", protocol.MessageName(msg.Tag))
		}
	}
}

func (sc *serviceClient) handleCreateDataChannel(ctx context.Context, tasks *taskSet, dataWG *sync.WaitGroup) {
	if sc.cfg.Kind == config.ServiceUDP {
		sc.ensureUDPDataChannel(ctx, tasks)
		return
	}
	dataWG.Add(1)
	go func() {
		defer dataWG.Done()
		defer recovery.RecoverWithLog(sc.logger, "data-task:"+sc.cfg.Name)
		sc.spawnDataTask(ctx, tasks)
	}()
}

// prewarmLoop keeps one pre-established data connection in flight at all
// times: as soon as one is consumed (or fails to establish), it opens the
// next, so the pool stays full without the server asking for it.
func (sc *serviceClient) prewarmLoop(ctx context.Context, tasks *taskSet) {
	for ctx.Err() == nil {
		sc.spawnDataTask(ctx, tasks)
	}
}

// spawnDataTask opens one data connection to the server, announces it with
// DataChannelHello, dials the local upstream, and runs the copy loop until
// either side closes.
func (sc *serviceClient) spawnDataTask(ctx context.Context, tasks *taskSet) {
	stream, err := sc.client.tr.Dial(ctx, sc.client.cfg.RemoteAddr, "")
	if err != nil {
		sc.logger.Debug("data channel dial failed", logging.KeyError, err)
		return
	}
	id := tasks.add(stream)
	defer tasks.remove(id)

	ch := control.NewChannel(stream)
	digest := registry.ServiceDigest(sc.cfg.Token)
	var nonce [protocol.NonceSize]byte
	rand.Read(nonce[:])
	if err := ch.Send(&protocol.Message{
		Tag: protocol.MsgDataChannelHello,
		DataChannelHello: &protocol.DataChannelHelloPayload{
			ServiceDigest: digest,
			SessionNonce:  nonce,
		},
	}); err != nil {
		stream.Close()
		return
	}

	local, err := net.Dial("tcp", sc.cfg.LocalAddr)
	if err != nil {
		sc.logger.Warn("failed to dial local upstream", logging.KeyAddress, sc.cfg.LocalAddr, logging.KeyError, err)
		stream.Close()
		return
	}
	localID := tasks.add(local)
	defer tasks.remove(localID)

	sc.client.metrics.DataChannelOpened(sc.cfg.Name)
	defer sc.client.metrics.DataChannelClosed(sc.cfg.Name)

	copyloop.Run(ctx, sc.logger, stream, netStream{local}, copyloop.Options{
		OnProgress: func(direction string, n int64) {
			sc.client.metrics.BytesCopiedInc(sc.cfg.Name, direction, int(n))
		},
	})
}

// ensureUDPDataChannel dials and attaches the service's single shared data
// channel if one isn't already live.
func (sc *serviceClient) ensureUDPDataChannel(ctx context.Context, tasks *taskSet) {
	sc.udpMu.Lock()
	if sc.udpStream != nil {
		sc.udpMu.Unlock()
		return
	}
	sc.udpMu.Unlock()

	stream, err := sc.client.tr.Dial(ctx, sc.client.cfg.RemoteAddr, "")
	if err != nil {
		sc.logger.Debug("udp data channel dial failed", logging.KeyError, err)
		return
	}
	ch := control.NewChannel(stream)
	digest := registry.ServiceDigest(sc.cfg.Token)
	var nonce [protocol.NonceSize]byte
	rand.Read(nonce[:])
	if err := ch.Send(&protocol.Message{
		Tag: protocol.MsgDataChannelHello,
		DataChannelHello: &protocol.DataChannelHelloPayload{
			ServiceDigest: digest,
			SessionNonce:  nonce,
		},
	}); err != nil {
		stream.Close()
		return
	}

	sc.udpMu.Lock()
	sc.udpStream = stream
	sc.udpWriter = udp.NewFrameWriter(stream)
	sc.udpMu.Unlock()

	id := tasks.add(stream)
	sc.client.metrics.DataChannelOpened(sc.cfg.Name)
	go func() {
		defer tasks.remove(id)
		defer sc.client.metrics.DataChannelClosed(sc.cfg.Name)
		sc.readUDPDataChannel(ctx, stream)
	}()
}

// readUDPDataChannel demultiplexes session-framed datagrams off the shared
// data channel, dialing a fresh local backend connection the first time a
// session id is seen and relaying its replies back over the same channel.
func (sc *serviceClient) readUDPDataChannel(ctx context.Context, stream transport.Stream) {
	defer func() {
		sc.udpMu.Lock()
		if sc.udpStream == stream {
			sc.udpStream = nil
			sc.udpWriter = nil
		}
		sc.udpMu.Unlock()
		stream.Close()
	}()

	go sc.evictIdleUDPSessions(ctx)

	reader := udp.NewFrameReader(stream)
	for {
		id, payload, err := reader.ReadFrame()
		if err != nil {
			return
		}

		sess, created, err := sc.udpTable.EnsureByID(id, func() (any, error) {
			return net.Dial("udp", sc.cfg.LocalAddr)
		})
		if err != nil {
			sc.logger.Warn("failed to dial local udp upstream", logging.KeyAddress, sc.cfg.LocalAddr, logging.KeyError, err)
			continue
		}
		if created {
			sc.client.metrics.UDPSessionOpened(sc.cfg.Name)
			sc.logger.Debug("udp session opened", logging.KeySessionID, sess.ID)
			go sc.readUDPBackendReplies(sess)
		}
		sess.Touch()

		conn, ok := sess.Value.(*net.UDPConn)
		if !ok {
			continue
		}
		conn.Write(payload)
	}
}

func (sc *serviceClient) readUDPBackendReplies(sess *udp.Session) {
	conn, ok := sess.Value.(*net.UDPConn)
	if !ok {
		return
	}
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		sess.Touch()

		sc.udpMu.Lock()
		writer := sc.udpWriter
		sc.udpMu.Unlock()
		if writer == nil {
			return
		}
		if err := writer.WriteFrame(sess.ID, buf[:n]); err != nil {
			return
		}
	}
}

func (sc *serviceClient) evictIdleUDPSessions(ctx context.Context) {
	timeout := sc.client.cfg.Tuning.UDPIdleTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ticker := time.NewTicker(timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range sc.udpTable.EvictIdle(timeout) {
				sc.client.metrics.UDPSessionEvicted(sc.cfg.Name)
				sc.logger.Debug("udp session evicted for inactivity", logging.KeySessionID, sess.ID)
				if conn, ok := sess.Value.(*net.UDPConn); ok {
					conn.Close()
				}
			}
		}
	}
}

// watchPeerHeartbeat closes ch once hb reports peer silence past its
// configured timeout, unblocking the control channel's pending Recv. m may
// be nil.
func watchPeerHeartbeat(ctx context.Context, ch *control.Channel, hb *control.Heartbeater, checkInterval time.Duration, service string, m *metrics.Metrics) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			ch.Close()
			return
		case <-ticker.C:
			if hb.Expired() {
				if m != nil {
					m.HeartbeatTimeout(service)
				}
				hb.Stop()
				ch.Close()
				return
			}
		}
	}
}

// netStream adapts a plain net.Conn (the local upstream dial, never routed
// through the pluggable transport) to the half-close behavior the copy loop
// expects.
type netStream struct {
	net.Conn
}

func (n netStream) CloseWrite() error {
	if cw, ok := n.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// taskSet tracks every closer an in-flight data task has opened, so a
// control channel teardown can force-close them all instead of waiting for
// their own I/O to notice.
type taskSet struct {
	mu    sync.Mutex
	next  int
	items map[int]io.Closer
}

func newTaskSet() *taskSet {
	return &taskSet{items: make(map[int]io.Closer)}
}

func (t *taskSet) add(c io.Closer) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	id := t.next
	t.items[id] = c
	return id
}

func (t *taskSet) remove(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.items, id)
}

func (t *taskSet) closeAll() {
	t.mu.Lock()
	items := t.items
	t.items = make(map[int]io.Closer)
	t.mu.Unlock()
	for _, c := range items {
		c.Close()
	}
}
