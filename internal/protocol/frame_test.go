package protocol

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, m *Message) *Message {
	t.Helper()
	payload, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var buf bytes.Buffer
	if err := NewFrameWriter(&buf).WriteFrame(payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := NewFrameReader(&buf).ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}

	out, err := Decode(got)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	return out
}

func TestRoundTripAllVariants(t *testing.T) {
	var digest [DigestSize]byte
	digest[0] = 0xAB
	var nonce [NonceSize]byte
	nonce[0] = 0xCD

	cases := []*Message{
		{Tag: MsgHello, Hello: &HelloPayload{Version: ProtocolVersion, ServiceDigest: digest}},
		{Tag: MsgHelloReply, HelloReply: &HelloReplyPayload{Nonce: nonce}},
		{Tag: MsgAuth, Auth: &AuthPayload{Hash: nonce}},
		{Tag: MsgAuthOk},
		{Tag: MsgAuthFail, AuthFail: &AuthFailPayload{Reason: "version"}},
		{Tag: MsgCreateDataChannel},
		{Tag: MsgDataChannelHello, DataChannelHello: &DataChannelHelloPayload{ServiceDigest: digest, SessionNonce: nonce}},
		{Tag: MsgHeartbeat},
		{Tag: MsgGoodbye},
	}

	for _, m := range cases {
		got := roundTrip(t, m)
		if got.Tag != m.Tag {
			t.Fatalf("tag mismatch: got %d want %d", got.Tag, m.Tag)
		}
	}
}

func TestFrameExactlyMaxPayloadSucceeds(t *testing.T) {
	reason := make([]byte, MaxPayloadSize-1-2)
	m := &Message{Tag: MsgAuthFail, AuthFail: &AuthFailPayload{Reason: string(reason)}}
	payload, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(payload) != MaxPayloadSize {
		t.Fatalf("expected exactly MaxPayloadSize, got %d", len(payload))
	}

	var buf bytes.Buffer
	if err := NewFrameWriter(&buf).WriteFrame(payload); err != nil {
		t.Fatalf("WriteFrame at MaxPayloadSize: %v", err)
	}
}

func TestFrameOverMaxPayloadFails(t *testing.T) {
	payload := make([]byte, MaxPayloadSize+1)
	var buf bytes.Buffer
	if err := NewFrameWriter(&buf).WriteFrame(payload); err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	if _, err := Decode([]byte{0xFF}); err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestDecodeTruncated(t *testing.T) {
	if _, err := Decode([]byte{MsgHello, 1, 2, 3}); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}
