// Package protocol defines the wire protocol shared by the control and data
// connections: a length-delimited frame carrying one message of a closed
// tagged union.
package protocol

// Message tags. The union is closed: a new tag implies a protocol version
// bump, not silent forward-compatible extension.
const (
	MsgHello             uint8 = 0x01 // C->S: protocol version, service_digest
	MsgHelloReply        uint8 = 0x02 // S->C: nonce
	MsgAuth              uint8 = 0x03 // C->S: SHA-256(service_digest || nonce)
	MsgAuthOk            uint8 = 0x04 // S->C
	MsgAuthFail          uint8 = 0x05 // S->C: reason
	MsgCreateDataChannel uint8 = 0x06 // S->C
	MsgDataChannelHello  uint8 = 0x07 // C->S: service_digest, session_nonce
	MsgHeartbeat         uint8 = 0x08 // C<->S
	MsgGoodbye           uint8 = 0x09 // C->S
)

// MessageName returns a human-readable name for a message tag, for logging.
func MessageName(tag uint8) string {
	switch tag {
	case MsgHello:
		return "HELLO"
	case MsgHelloReply:
		return "HELLO_REPLY"
	case MsgAuth:
		return "AUTH"
	case MsgAuthOk:
		return "AUTH_OK"
	case MsgAuthFail:
		return "AUTH_FAIL"
	case MsgCreateDataChannel:
		return "CREATE_DATA_CHANNEL"
	case MsgDataChannelHello:
		return "DATA_CHANNEL_HELLO"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgGoodbye:
		return "GOODBYE"
	default:
		return "UNKNOWN"
	}
}

// Protocol-wide constants.
const (
	// ProtocolVersion is the version byte carried in Hello. A mismatch yields
	// AuthFail("version").
	ProtocolVersion uint8 = 1

	// LengthPrefixSize is the size in bytes of the big-endian frame length
	// prefix that precedes every message.
	LengthPrefixSize = 4

	// MaxPayloadSize is the maximum encoded message size, excluding the
	// length prefix itself. Larger frames are a fatal ProtocolError.
	MaxPayloadSize = 16 * 1024

	// DigestSize is the size of a service digest (SHA-256 output).
	DigestSize = 32

	// NonceSize is the size of the handshake nonce and the auth hash.
	NonceSize = 32
)
