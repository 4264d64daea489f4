// Package server implements the publicly reachable side of the tunnel: it
// accepts control-channel and data-channel connections on one shared
// listener, listens on each service's own public bind address for visitors,
// and brokers visitor↔data-channel pairings.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nat-tunnel/tunnel/internal/config"
	"github.com/nat-tunnel/tunnel/internal/control"
	"github.com/nat-tunnel/tunnel/internal/logging"
	"github.com/nat-tunnel/tunnel/internal/metrics"
	"github.com/nat-tunnel/tunnel/internal/protocol"
	"github.com/nat-tunnel/tunnel/internal/recovery"
	"github.com/nat-tunnel/tunnel/internal/registry"
	"github.com/nat-tunnel/tunnel/internal/transport"
)

// firstMessageTimeout bounds how long a freshly accepted connection on the
// shared tunnel listener has to identify itself as a control channel (Hello)
// or a data channel (DataChannelHello).
const firstMessageTimeout = 10 * time.Second

// Server runs the shared control/data listener and every configured
// service's visitor listener for one ServerConfig snapshot. A hot reload
// goes through UpdateServices, which starts, stops or restarts individual
// services by name while the shared listener keeps running.
type Server struct {
	cfg     config.ServerConfig
	tr      transport.Transport
	manager *control.Manager
	metrics *metrics.Metrics
	limiter *registry.AuthLimiter
	logger  *slog.Logger

	svcMu          sync.RWMutex
	tokensByDigest map[[registry.DigestSize]byte]serviceEntry
	servicesByName map[string]*serviceHandle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type serviceEntry struct {
	cfg   config.ServiceConfig
	token string
}

// serviceHandle is what the supervisor's service_name-keyed map holds at
// the server: the service itself plus a signal for when its goroutine has
// actually unwound, so a reload can wait up to shutdown_grace before moving
// on.
type serviceHandle struct {
	sv   *service
	done chan struct{}
}

// New builds a Server for cfg but does not start listening; call Run.
func New(cfg config.ServerConfig, logger *slog.Logger, m *metrics.Metrics) (*Server, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.NewMetrics()
	}

	tr, err := transport.Build(cfg.Transport, true)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	s := &Server{
		cfg:            cfg,
		tr:             tr,
		manager:        control.NewManager(logger),
		metrics:        m,
		limiter:        registry.NewAuthLimiter(3, 3, 30*time.Second),
		logger:         logger,
		tokensByDigest: make(map[[registry.DigestSize]byte]serviceEntry),
		servicesByName: make(map[string]*serviceHandle),
	}
	return s, nil
}

// lookupToken resolves a service digest to its shared token for the
// control-channel handshake.
func (s *Server) lookupToken(digest [registry.DigestSize]byte) (string, bool) {
	s.svcMu.RLock()
	defer s.svcMu.RUnlock()
	entry, ok := s.tokensByDigest[digest]
	if !ok {
		return "", false
	}
	return entry.token, true
}

// startService binds and launches sv, registering it under name. Callers
// must not hold svcMu.
func (s *Server) startService(ctx context.Context, cfg config.ServiceConfig) error {
	sv, err := newService(s, cfg)
	if err != nil {
		return err
	}
	handle := &serviceHandle{sv: sv, done: make(chan struct{})}

	digest := registry.ServiceDigest(cfg.Token)

	s.svcMu.Lock()
	s.tokensByDigest[digest] = serviceEntry{cfg: cfg, token: cfg.Token}
	s.servicesByName[cfg.Name] = handle
	s.svcMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(handle.done)
		defer recovery.RecoverWithLog(s.logger, "service:"+cfg.Name)
		sv.run(ctx)
	}()
	return nil
}

// stopService removes name's handle and tears it down, waiting up to grace
// for its goroutine to actually unwind before returning. The service's
// sockets are already closed by the time this returns; in-flight copy
// loops may still be draining past the grace window, which is acceptable
// since a cancelled copy loop only drops unsent bytes.
func (s *Server) stopService(name string, grace time.Duration) {
	s.svcMu.Lock()
	handle, ok := s.servicesByName[name]
	if ok {
		delete(s.servicesByName, name)
		for digest, entry := range s.tokensByDigest {
			if entry.cfg.Name == name {
				delete(s.tokensByDigest, digest)
			}
		}
	}
	s.svcMu.Unlock()
	if !ok {
		return
	}

	handle.sv.close()
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-handle.done:
	case <-time.After(grace):
		s.logger.Warn("service did not shut down within grace period", logging.KeyService, name)
	}
}

// UpdateServices reconciles the running service set against a new
// configuration snapshot: services present in both with an unchanged
// ServiceConfig are left alone; removed services are stopped; added
// services are started; changed services (including renames, modelled as
// remove+add) are stopped then started fresh, never mutated in place. It
// returns the names of every service that was added, removed, or
// restarted.
func (s *Server) UpdateServices(ctx context.Context, services []config.ServiceConfig, shutdownGrace time.Duration) []string {
	newByName := make(map[string]config.ServiceConfig, len(services))
	for _, svc := range services {
		newByName[svc.Name] = svc
	}

	s.svcMu.RLock()
	oldByName := make(map[string]config.ServiceConfig, len(s.servicesByName))
	for name, handle := range s.servicesByName {
		oldByName[name] = handle.sv.cfg
	}
	s.svcMu.RUnlock()

	var touched []string
	for name := range oldByName {
		if _, ok := newByName[name]; !ok {
			s.logger.Info("reload: stopping removed service", logging.KeyService, name)
			s.stopService(name, shutdownGrace)
			touched = append(touched, name)
		}
	}
	for name, newCfg := range newByName {
		oldCfg, existed := oldByName[name]
		switch {
		case !existed:
			s.logger.Info("reload: starting added service", logging.KeyService, name)
			if err := s.startService(ctx, newCfg); err != nil {
				s.logger.Error("reload: failed to start service", logging.KeyService, name, logging.KeyError, err)
				continue
			}
			touched = append(touched, name)
		case !oldCfg.Equal(newCfg):
			s.logger.Info("reload: restarting changed service", logging.KeyService, name)
			s.stopService(name, shutdownGrace)
			if err := s.startService(ctx, newCfg); err != nil {
				s.logger.Error("reload: failed to restart service", logging.KeyService, name, logging.KeyError, err)
				continue
			}
			touched = append(touched, name)
		}
	}

	s.svcMu.RLock()
	s.metrics.SetServicesRunning(len(s.servicesByName))
	s.svcMu.RUnlock()
	return touched
}

// Run starts the shared listener and every service's visitor listener,
// blocking until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	ln, err := s.tr.Listen(s.ctx, s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.BindAddr, err)
	}
	defer ln.Close()

	for _, svc := range s.cfg.Services {
		if err := s.startService(s.ctx, svc); err != nil {
			s.logger.Error("failed to start service", logging.KeyService, svc.Name, logging.KeyError, err)
		}
	}
	s.svcMu.RLock()
	s.metrics.SetServicesRunning(len(s.servicesByName))
	s.svcMu.RUnlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(s.ctx, ln)
	}()

	<-s.ctx.Done()
	ln.Close()
	s.svcMu.RLock()
	handles := make([]*serviceHandle, 0, len(s.servicesByName))
	for _, handle := range s.servicesByName {
		handles = append(handles, handle)
	}
	s.svcMu.RUnlock()
	for _, handle := range handles {
		handle.sv.close()
	}
	s.wg.Wait()
	return nil
}

// Stop cancels the running server and waits for it to unwind.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// acceptLoop accepts every connection on the shared tunnel listener and
// hands it to dispatchConn to identify as a control or data channel.
func (s *Server) acceptLoop(ctx context.Context, ln transport.Listener) {
	for {
		stream, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", logging.KeyError, err)
			continue
		}

		if !s.limiter.Allow(stream.RemoteAddr()) {
			s.logger.Warn("connection rate-limited", logging.KeyRemoteAddr, stream.RemoteAddr().String())
			stream.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer recovery.RecoverWithLog(s.logger, "accept-dispatch")
			s.dispatchConn(ctx, stream)
		}()
	}
}

// dispatchConn peeks the first framed message to tell a control channel
// (Hello) from a data channel (DataChannelHello) before routing it.
func (s *Server) dispatchConn(ctx context.Context, stream transport.Stream) {
	ch := control.NewChannel(stream)

	if err := stream.SetDeadline(time.Now().Add(firstMessageTimeout)); err != nil {
		stream.Close()
		return
	}
	msg, err := ch.Recv()
	stream.SetDeadline(time.Time{})
	if err != nil {
		s.logger.Debug("failed to read first message", logging.KeyRemoteAddr, stream.RemoteAddr().String(), logging.KeyError, err)
		stream.Close()
		return
	}

	switch msg.Tag {
	case protocol.MsgHello:
		s.handleControlConn(ctx, ch, stream, msg)
	case protocol.MsgDataChannelHello:
		s.handleDataChannel(stream, msg)
	default:
		s.logger.Warn("unexpected first message on tunnel listener", "tag", protocol.MessageName(msg.Tag))
		stream.Close()
	}
}

func (s *Server) handleControlConn(ctx context.Context, ch *control.Channel, stream transport.Stream, hello *protocol.Message) {
	digest, err := control.ServerHelloFromMessage(ch, hello, s.lookupToken)
	if err != nil {
		s.metrics.AuthFailure("handshake")
		s.logger.Warn("control handshake failed", logging.KeyRemoteAddr, stream.RemoteAddr().String(), logging.KeyError, err)
		ch.Close()
		return
	}

	s.svcMu.RLock()
	entry, ok := s.tokensByDigest[digest]
	var handle *serviceHandle
	if ok {
		handle, ok = s.servicesByName[entry.cfg.Name]
	}
	s.svcMu.RUnlock()
	if !ok {
		ch.Close()
		return
	}
	sv := handle.sv

	hb := control.NewHeartbeater(ch, s.cfg.Tuning.HeartbeatInterval, s.cfg.Tuning.HeartbeatTimeout, s.logger)
	sess := control.NewSession(digest, entry.cfg.Name, ch, hb, sv.visitorQueue)

	s.manager.Register(sess)
	s.metrics.ControlChannelOpened(entry.cfg.Name)
	s.logger.Info("control channel established", logging.KeyService, entry.cfg.Name, logging.KeyRemoteAddr, stream.RemoteAddr().String())

	go control.WatchHeartbeat(ctx, sess, 5*time.Second, s.metrics)

	sv.setSession(sess)
	defer func() {
		sv.clearSession(sess)
		s.manager.Unregister(sess)
		s.metrics.ControlChannelClosed(entry.cfg.Name)
	}()

	s.readControlLoop(sess)
}

func (s *Server) readControlLoop(sess *control.Session) {
	for {
		msg, err := sess.Channel.Recv()
		if err != nil {
			sess.Close(fmt.Errorf("control channel read: %w", err))
			return
		}
		sess.Heartbeat.Touch()

		switch msg.Tag {
		case protocol.MsgHeartbeat:
			continue
		case protocol.MsgGoodbye:
			sess.Close(errors.New("peer sent goodbye"))
			return
		default:
			s.logger.Debug("unexpected message on control channel", "tag", protocol.MessageName(msg.Tag))
		}
	}
}

// handleDataChannel routes a freshly identified data connection to the
// service its digest names. The framed Channel used to read the
// DataChannelHello is discarded: everything past this point on the stream
// is opaque bridged bytes (TCP) or udp-framed datagrams (UDP), not further
// protocol.Message frames.
func (s *Server) handleDataChannel(stream transport.Stream, hello *protocol.Message) {
	digest := hello.DataChannelHello.ServiceDigest
	s.svcMu.RLock()
	entry, ok := s.tokensByDigest[digest]
	var handle *serviceHandle
	if ok {
		handle, ok = s.servicesByName[entry.cfg.Name]
	}
	s.svcMu.RUnlock()
	if !ok {
		stream.Close()
		return
	}
	handle.sv.offerDataChannel(stream)
}
