package noise

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// maxPlaintextChunk bounds how much plaintext goes into a single transport
// message so the resulting ciphertext (plaintext + Poly1305 tag) never
// exceeds MaxMessageSize.
const maxPlaintextChunk = MaxMessageSize - 16

// Conn wraps a net.Conn with a completed Noise handshake's directional
// cipher states, presenting an encrypted net.Conn to callers. Each Write
// call is sealed into one or more length-prefixed transport messages; each
// Read call returns decrypted bytes from the current message, fetching the
// next one when exhausted.
type Conn struct {
	net.Conn
	send *CipherState
	recv *CipherState

	readBuf []byte
}

// NewConn wraps conn using the cipher states from a completed handshake.
func NewConn(conn net.Conn, result *HandshakeResult) *Conn {
	return &Conn{Conn: conn, send: result.Send, recv: result.Recv}
}

// Write encrypts p in maxPlaintextChunk-sized pieces and writes each as a
// length-prefixed transport message.
func (c *Conn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintextChunk {
			chunk = chunk[:maxPlaintextChunk]
		}

		ct, err := c.send.Encrypt(chunk)
		if err != nil {
			return total, fmt.Errorf("noise encrypt: %w", err)
		}

		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(ct)))
		if _, err := c.Conn.Write(lenBuf[:]); err != nil {
			return total, err
		}
		if _, err := c.Conn.Write(ct); err != nil {
			return total, err
		}

		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Read returns decrypted bytes, pulling and decrypting the next transport
// message when the internal buffer is empty.
func (c *Conn) Read(p []byte) (int, error) {
	if len(c.readBuf) == 0 {
		if err := c.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *Conn) fill() error {
	var lenBuf [2]byte
	if _, err := io.ReadFull(c.Conn, lenBuf[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	ct := make([]byte, n)
	if _, err := io.ReadFull(c.Conn, ct); err != nil {
		return err
	}
	pt, err := c.recv.Decrypt(ct)
	if err != nil {
		return fmt.Errorf("noise decrypt: %w", err)
	}
	c.readBuf = pt
	return nil
}

// CloseWrite propagates half-close to the underlying connection when it
// supports it, matching the half-close contract the transport layer needs.
func (c *Conn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return nil
}

// SetDeadline, SetReadDeadline, SetWriteDeadline pass through unchanged;
// declared explicitly only to document that Noise framing does not buffer
// across deadline boundaries beyond one in-flight message.
func (c *Conn) SetDeadline(t time.Time) error      { return c.Conn.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.Conn.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.Conn.SetWriteDeadline(t) }
