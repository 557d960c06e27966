package wire

// Kind identifies the type of a tunnel frame.
type Kind uint8

const (
	// KindHello is the first frame on a new connection, client to relay.
	// Carries the protocol version, auth token and client id as CBOR.
	KindHello Kind = 0x01

	// KindWelcome answers a Hello, relay to client. Carries the accept
	// flag, the public address assigned to the client, and on rejection
	// an error code and message.
	KindWelcome Kind = 0x02

	// KindOpen announces a new relay-initiated stream. No payload.
	KindOpen Kind = 0x03

	// KindData carries raw stream bytes.
	KindData Kind = 0x04

	// KindClose ends a stream in both directions. No payload.
	// Buffered reads drain, then the stream reports EOF.
	KindClose Kind = 0x05

	// KindUpdate grants flow-control credit for a stream. The payload
	// is a 4-byte big-endian byte count.
	KindUpdate Kind = 0x06

	// KindPing is a connection-scope liveness probe. Carries a CBOR
	// sequence number the peer echoes back.
	KindPing Kind = 0x07

	// KindPong answers a Ping with the same sequence number.
	KindPong Kind = 0x08
)

// String returns the frame kind name.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindWelcome:
		return "WELCOME"
	case KindOpen:
		return "OPEN"
	case KindData:
		return "DATA"
	case KindClose:
		return "CLOSE"
	case KindUpdate:
		return "UPDATE"
	case KindPing:
		return "PING"
	case KindPong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// valid reports whether k is a defined frame kind.
func (k Kind) valid() bool {
	return k >= KindHello && k <= KindPong
}

// connectionScope reports whether k addresses the connection itself
// (stream id must be zero) rather than an individual stream.
func (k Kind) connectionScope() bool {
	switch k {
	case KindHello, KindWelcome, KindPing, KindPong:
		return true
	default:
		return false
	}
}
