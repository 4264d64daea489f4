// Package control implements the framed handshake and the per-service
// control channel that carries Heartbeat and CreateDataChannel messages
// between a client and the server.
package control

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/nat-tunnel/tunnel/internal/errs"
	"github.com/nat-tunnel/tunnel/internal/logging"
	"github.com/nat-tunnel/tunnel/internal/protocol"
	"github.com/nat-tunnel/tunnel/internal/registry"
	"github.com/nat-tunnel/tunnel/internal/transport"
)

// Channel is a framed message channel over a transport.Stream, shared by
// both the control channel and (briefly, for its single DataChannelHello)
// every data channel.
type Channel struct {
	stream transport.Stream
	reader *protocol.FrameReader
	writer *protocol.FrameWriter
	wmu    sync.Mutex
}

// NewChannel wraps an established transport stream for framed message I/O.
func NewChannel(stream transport.Stream) *Channel {
	return &Channel{
		stream: stream,
		reader: protocol.NewFrameReader(stream),
		writer: protocol.NewFrameWriter(stream),
	}
}

// Stream returns the underlying transport stream.
func (c *Channel) Stream() transport.Stream { return c.stream }

// Send writes msg as one length-prefixed frame.
func (c *Channel) Send(msg *protocol.Message) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return errs.Protocolf("control.Send encode", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.writer.WriteFrame(payload); err != nil {
		return errs.Transportf("control.Send write", err)
	}
	return nil
}

// Recv blocks for the next frame and decodes it.
func (c *Channel) Recv() (*protocol.Message, error) {
	payload, err := c.reader.ReadFrame()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errs.Transportf("control.Recv read", err)
	}
	msg, err := protocol.Decode(payload)
	if err != nil {
		return nil, errs.Protocolf("control.Recv decode", err)
	}
	return msg, nil
}

// Close closes the underlying stream.
func (c *Channel) Close() error { return c.stream.Close() }

// handshakeTimeout bounds the Hello/HelloReply/Auth/AuthOk exchange, per the
// component design's 10s handshake timeout.
const handshakeTimeout = 10 * time.Second

// ClientHello performs the client side of the control-channel handshake:
// send Hello, read HelloReply, prove knowledge of the token via Auth, and
// wait for AuthOk/AuthFail.
func ClientHello(ch *Channel, digest [registry.DigestSize]byte) error {
	if err := ch.stream.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return err
	}
	defer ch.stream.SetDeadline(time.Time{})

	if err := ch.Send(&protocol.Message{
		Tag: protocol.MsgHello,
		Hello: &protocol.HelloPayload{
			Version:       protocol.ProtocolVersion,
			ServiceDigest: digest,
		},
	}); err != nil {
		return err
	}

	reply, err := ch.Recv()
	if err != nil {
		return fmt.Errorf("read HelloReply: %w", err)
	}
	if reply.Tag != protocol.MsgHelloReply {
		return errs.Protocolf("client handshake", fmt.Errorf("expected HelloReply, got %s", protocol.MessageName(reply.Tag)))
	}

	authHash := registry.AuthHash(digest, reply.HelloReply.Nonce[:])
	var hashField [registry.DigestSize]byte
	copy(hashField[:], authHash[:])
	if err := ch.Send(&protocol.Message{
		Tag:  protocol.MsgAuth,
		Auth: &protocol.AuthPayload{Hash: hashField},
	}); err != nil {
		return err
	}

	result, err := ch.Recv()
	if err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	switch result.Tag {
	case protocol.MsgAuthOk:
		return nil
	case protocol.MsgAuthFail:
		return errs.Authf("client handshake", fmt.Errorf("auth failed: %s", result.AuthFail.Reason))
	default:
		return errs.Protocolf("client handshake", fmt.Errorf("expected AuthOk/AuthFail, got %s", protocol.MessageName(result.Tag)))
	}
}

// TokenLookup resolves a service digest to its shared token, so the server
// can recompute the expected auth hash without ever storing the digest
// alongside a plaintext token map keyed some other way.
type TokenLookup func(digest [registry.DigestSize]byte) (token string, ok bool)

// ServerHello performs the server side of the control-channel handshake.
// On success it returns the negotiated service digest.
func ServerHello(ch *Channel, lookup TokenLookup) ([registry.DigestSize]byte, error) {
	if err := ch.stream.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		var zero [registry.DigestSize]byte
		return zero, err
	}
	defer ch.stream.SetDeadline(time.Time{})

	hello, err := ch.Recv()
	if err != nil {
		var zero [registry.DigestSize]byte
		return zero, fmt.Errorf("read Hello: %w", err)
	}
	return ServerHelloFromMessage(ch, hello, lookup)
}

// ServerHelloFromMessage completes the server handshake given a Hello
// message the caller has already read off the wire — used by a listener
// that must peek the first frame to decide whether an incoming connection
// is a control channel (Hello) or a data channel (DataChannelHello) before
// dispatching to this handshake.
func ServerHelloFromMessage(ch *Channel, hello *protocol.Message, lookup TokenLookup) ([registry.DigestSize]byte, error) {
	var zero [registry.DigestSize]byte

	if hello.Tag != protocol.MsgHello {
		return zero, errs.Protocolf("server handshake", fmt.Errorf("expected Hello, got %s", protocol.MessageName(hello.Tag)))
	}
	if hello.Hello.Version != protocol.ProtocolVersion {
		ch.Send(&protocol.Message{
			Tag:      protocol.MsgAuthFail,
			AuthFail: &protocol.AuthFailPayload{Reason: "version"},
		})
		return zero, errs.Protocolf("server handshake", fmt.Errorf("protocol version mismatch: got %d, want %d", hello.Hello.Version, protocol.ProtocolVersion))
	}
	digest := hello.Hello.ServiceDigest

	token, ok := lookup(digest)

	var nonce [protocol.NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return zero, err
	}
	if err := ch.Send(&protocol.Message{
		Tag:        protocol.MsgHelloReply,
		HelloReply: &protocol.HelloReplyPayload{Nonce: nonce},
	}); err != nil {
		return zero, err
	}

	auth, err := ch.Recv()
	if err != nil {
		return zero, fmt.Errorf("read Auth: %w", err)
	}
	if auth.Tag != protocol.MsgAuth {
		return zero, errs.Protocolf("server handshake", fmt.Errorf("expected Auth, got %s", protocol.MessageName(auth.Tag)))
	}

	if !ok || !registry.VerifyAuthHash(registry.ServiceDigest(token), nonce[:], auth.Auth.Hash[:]) {
		ch.Send(&protocol.Message{
			Tag:      protocol.MsgAuthFail,
			AuthFail: &protocol.AuthFailPayload{Reason: "digest or auth hash mismatch"},
		})
		return zero, errs.Authf("server handshake", fmt.Errorf("authentication failed for service digest %x", digest))
	}

	if err := ch.Send(&protocol.Message{Tag: protocol.MsgAuthOk}); err != nil {
		return zero, err
	}
	return digest, nil
}

// Heartbeater sends Heartbeat on interval, and its Expired method reports
// whether no message of any kind has arrived within timeout. Callers feed every
// received message (including Heartbeat itself) to Touch.
type Heartbeater struct {
	ch       *Channel
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	mu           sync.Mutex
	lastActivity time.Time

	stop chan struct{}
	once sync.Once
}

// NewHeartbeater starts sending Heartbeat on interval immediately.
func NewHeartbeater(ch *Channel, interval, timeout time.Duration, logger *slog.Logger) *Heartbeater {
	h := &Heartbeater{
		ch:           ch,
		interval:     interval,
		timeout:      timeout,
		logger:       logger,
		lastActivity: time.Now(),
		stop:         make(chan struct{}),
	}
	go h.sendLoop()
	return h
}

// Touch records that a message was just received, resetting the idle clock.
func (h *Heartbeater) Touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

// Expired reports whether more than timeout has elapsed since the last
// received message.
func (h *Heartbeater) Expired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.lastActivity) > h.timeout
}

func (h *Heartbeater) sendLoop() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			if err := h.ch.Send(&protocol.Message{Tag: protocol.MsgHeartbeat}); err != nil {
				if h.logger != nil {
					h.logger.Debug("heartbeat send failed", logging.KeyError, err)
				}
				return
			}
		}
	}
}

// Stop halts the send loop. Safe to call multiple times.
func (h *Heartbeater) Stop() {
	h.once.Do(func() {
		if h.stop != nil {
			close(h.stop)
		}
	})
}
