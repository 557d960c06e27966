package wire

import (
	"fmt"
)

// Relay error codes carried in a rejecting Welcome.
const (
	// ErrorCodeInvalidToken marks the auth token permanently rejected.
	// The client must not retry with the same token.
	ErrorCodeInvalidToken = "invalid_token"

	// ErrorCodeVersionMismatch marks the protocol version unsupported.
	ErrorCodeVersionMismatch = "version_mismatch"

	// ErrorCodeRelayBusy marks a transient relay-side refusal. The
	// client may retry.
	ErrorCodeRelayBusy = "relay_busy"
)

// Hello is the registration payload a client sends as its first frame.
//
// CBOR encoding:
//
//	{
//	  1: version,    // uint: protocol version, currently 1
//	  2: token,      // tstr: auth token from the authorizer
//	  3: clientId    // tstr: stable client identity
//	}
type Hello struct {
	Version  uint8  `cbor:"1,keyasint"`
	Token    string `cbor:"2,keyasint"`
	ClientID string `cbor:"3,keyasint"`
}

// Validate checks the Hello before encoding.
func (h *Hello) Validate() error {
	if h.Version == 0 {
		return fmt.Errorf("version must not be zero")
	}
	if h.Token == "" {
		return fmt.Errorf("token must not be empty")
	}
	if h.ClientID == "" {
		return fmt.Errorf("clientId must not be empty")
	}
	return nil
}

// Welcome is the relay's answer to a Hello.
//
// CBOR encoding:
//
//	{
//	  1: ok,        // bool: registration accepted
//	  2: address,   // tstr: public address assigned to the client (if ok)
//	  3: errorCode, // tstr: machine-readable rejection code (if !ok)
//	  4: errorMsg   // tstr: human-readable rejection reason (if !ok)
//	}
type Welcome struct {
	OK        bool   `cbor:"1,keyasint"`
	Address   string `cbor:"2,keyasint,omitempty"`
	ErrorCode string `cbor:"3,keyasint,omitempty"`
	ErrorMsg  string `cbor:"4,keyasint,omitempty"`
}

// Validate checks the Welcome before encoding.
func (w *Welcome) Validate() error {
	if w.OK && w.Address == "" {
		return fmt.Errorf("accepting welcome must carry an address")
	}
	if !w.OK && w.ErrorCode == "" {
		return fmt.Errorf("rejecting welcome must carry an error code")
	}
	return nil
}

// TokenRejected reports whether the Welcome permanently rejects the
// client's auth token.
func (w *Welcome) TokenRejected() bool {
	return !w.OK && w.ErrorCode == ErrorCodeInvalidToken
}

// Ping is the liveness payload for Ping and Pong frames. The peer
// echoes the sequence number back unchanged.
//
// CBOR encoding:
//
//	{
//	  1: seq   // uint32: sender-chosen sequence number
//	}
type Ping struct {
	Seq uint32 `cbor:"1,keyasint"`
}
