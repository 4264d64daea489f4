package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Errors returned by frame and message decoding. Callers map these to a
// ProtocolError at the connection boundary.
var (
	ErrFrameTooLarge  = fmt.Errorf("frame exceeds %d bytes", MaxPayloadSize)
	ErrFrameEmpty     = fmt.Errorf("frame is empty")
	ErrUnknownMessage = fmt.Errorf("unknown message tag")
	ErrTruncated      = fmt.Errorf("truncated message payload")
)

// FrameReader reads length-prefixed frames from a stream.
type FrameReader struct {
	r   io.Reader
	buf []byte
}

// NewFrameReader wraps r for frame-delimited reads.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// ReadFrame reads one length-prefixed frame and returns its raw payload
// (message tag + body, length prefix stripped).
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	var lenBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(fr.r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, ErrFrameEmpty
	}
	if n > MaxPayloadSize {
		return nil, ErrFrameTooLarge
	}

	if cap(fr.buf) < int(n) {
		fr.buf = make([]byte, n)
	}
	payload := fr.buf[:n]
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, err
	}

	out := make([]byte, n)
	copy(out, payload)
	return out, nil
}

// FrameWriter writes length-prefixed frames to a stream.
type FrameWriter struct {
	w io.Writer
}

// NewFrameWriter wraps w for frame-delimited writes.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

// WriteFrame writes payload (message tag + body) with its length prefix.
func (fw *FrameWriter) WriteFrame(payload []byte) error {
	if len(payload) == 0 {
		return ErrFrameEmpty
	}
	if len(payload) > MaxPayloadSize {
		return ErrFrameTooLarge
	}

	out := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(out[:LengthPrefixSize], uint32(len(payload)))
	copy(out[LengthPrefixSize:], payload)

	_, err := fw.w.Write(out)
	return err
}

// Message is the decoded form of one frame: a tag plus its typed payload.
// Exactly one of the payload fields is meaningful, selected by Tag.
type Message struct {
	Tag uint8

	Hello            *HelloPayload
	HelloReply       *HelloReplyPayload
	Auth             *AuthPayload
	AuthFail         *AuthFailPayload
	DataChannelHello *DataChannelHelloPayload
}

// HelloPayload is the C->S Hello body.
type HelloPayload struct {
	Version       uint8
	ServiceDigest [DigestSize]byte
}

// HelloReplyPayload is the S->C HelloReply body.
type HelloReplyPayload struct {
	Nonce [NonceSize]byte
}

// AuthPayload is the C->S Auth body.
type AuthPayload struct {
	Hash [NonceSize]byte // SHA-256(service_digest || nonce)
}

// AuthFailPayload is the S->C AuthFail body.
type AuthFailPayload struct {
	Reason string
}

// DataChannelHelloPayload is the C->S DataChannelHello body.
type DataChannelHelloPayload struct {
	ServiceDigest [DigestSize]byte
	SessionNonce  [NonceSize]byte
}

// Encode serializes m into a frame payload (tag + body), ready for
// FrameWriter.WriteFrame.
func Encode(m *Message) ([]byte, error) {
	switch m.Tag {
	case MsgHello:
		p := m.Hello
		buf := make([]byte, 1+1+DigestSize)
		buf[0] = MsgHello
		buf[1] = p.Version
		copy(buf[2:], p.ServiceDigest[:])
		return buf, nil

	case MsgHelloReply:
		p := m.HelloReply
		buf := make([]byte, 1+NonceSize)
		buf[0] = MsgHelloReply
		copy(buf[1:], p.Nonce[:])
		return buf, nil

	case MsgAuth:
		p := m.Auth
		buf := make([]byte, 1+NonceSize)
		buf[0] = MsgAuth
		copy(buf[1:], p.Hash[:])
		return buf, nil

	case MsgAuthOk:
		return []byte{MsgAuthOk}, nil

	case MsgAuthFail:
		p := m.AuthFail
		reason := []byte(p.Reason)
		if len(reason) > 0xFFFF {
			reason = reason[:0xFFFF]
		}
		buf := make([]byte, 1+2+len(reason))
		buf[0] = MsgAuthFail
		binary.BigEndian.PutUint16(buf[1:3], uint16(len(reason)))
		copy(buf[3:], reason)
		return buf, nil

	case MsgCreateDataChannel:
		return []byte{MsgCreateDataChannel}, nil

	case MsgDataChannelHello:
		p := m.DataChannelHello
		buf := make([]byte, 1+DigestSize+NonceSize)
		buf[0] = MsgDataChannelHello
		copy(buf[1:1+DigestSize], p.ServiceDigest[:])
		copy(buf[1+DigestSize:], p.SessionNonce[:])
		return buf, nil

	case MsgHeartbeat:
		return []byte{MsgHeartbeat}, nil

	case MsgGoodbye:
		return []byte{MsgGoodbye}, nil

	default:
		return nil, ErrUnknownMessage
	}
}

// Decode parses a frame payload (as produced by Encode) back into a
// Message. Exhaustive over the closed tag set: an unrecognized tag is a
// ProtocolError at the caller.
func Decode(payload []byte) (*Message, error) {
	if len(payload) == 0 {
		return nil, ErrFrameEmpty
	}
	tag := payload[0]
	body := payload[1:]

	switch tag {
	case MsgHello:
		if len(body) != 1+DigestSize {
			return nil, ErrTruncated
		}
		p := &HelloPayload{Version: body[0]}
		copy(p.ServiceDigest[:], body[1:])
		return &Message{Tag: tag, Hello: p}, nil

	case MsgHelloReply:
		if len(body) != NonceSize {
			return nil, ErrTruncated
		}
		p := &HelloReplyPayload{}
		copy(p.Nonce[:], body)
		return &Message{Tag: tag, HelloReply: p}, nil

	case MsgAuth:
		if len(body) != NonceSize {
			return nil, ErrTruncated
		}
		p := &AuthPayload{}
		copy(p.Hash[:], body)
		return &Message{Tag: tag, Auth: p}, nil

	case MsgAuthOk:
		return &Message{Tag: tag}, nil

	case MsgAuthFail:
		if len(body) < 2 {
			return nil, ErrTruncated
		}
		n := int(binary.BigEndian.Uint16(body[:2]))
		if len(body) != 2+n {
			return nil, ErrTruncated
		}
		return &Message{Tag: tag, AuthFail: &AuthFailPayload{Reason: string(body[2:])}}, nil

	case MsgCreateDataChannel:
		return &Message{Tag: tag}, nil

	case MsgDataChannelHello:
		if len(body) != DigestSize+NonceSize {
			return nil, ErrTruncated
		}
		p := &DataChannelHelloPayload{}
		copy(p.ServiceDigest[:], body[:DigestSize])
		copy(p.SessionNonce[:], body[DigestSize:])
		return &Message{Tag: tag, DataChannelHello: p}, nil

	case MsgHeartbeat:
		return &Message{Tag: tag}, nil

	case MsgGoodbye:
		return &Message{Tag: tag}, nil

	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessage, tag)
	}
}
