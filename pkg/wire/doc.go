// Package wire defines the frame format spoken between a warp client
// and a relay.
//
// Every frame travels as one websocket binary message. The layout is
// deliberately small and versioned through the Hello exchange so it can
// evolve without touching the client logic above the codec:
//
//	byte 0      frame kind
//	bytes 1-4   stream id, big-endian uint32
//	bytes 5..   payload (kind-specific)
//
// Stream id 0 is the connection scope: Hello, Welcome, Ping and Pong use
// it. All other kinds address a virtual connection and must carry a
// nonzero stream id.
//
// # Control Payloads
//
// Hello, Welcome, Ping and Pong carry CBOR (RFC 8949) payloads with
// integer keys for compactness. The key mappings are documented on the
// payload types in this package. Data frames carry raw bytes and Update
// frames carry a fixed 4-byte credit grant; neither goes through CBOR.
//
// # Limits
//
// A frame never exceeds MaxFrameSize bytes including the header. Both
// sides drop the connection on an oversized frame rather than attempt
// recovery.
package wire
