package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for control payloads.
// Configured for deterministic encoding with integer keys.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode for control payloads.
var decMode cbor.DecMode

func init() {
	var err error

	// Configure encoder for deterministic output
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical, // Deterministic key ordering
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix, // Unix timestamps
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Configure decoder to be lenient for forward compatibility
	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet, // Ignore duplicate keys (last wins)
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// NewEncoder creates a new CBOR encoder that writes to w.
func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder creates a new CBOR decoder that reads from r.
func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

// HelloFrame builds a Hello frame from the payload.
func HelloFrame(h *Hello) (*Frame, error) {
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hello: %w", err)
	}
	payload, err := Marshal(h)
	if err != nil {
		return nil, err
	}
	return &Frame{Kind: KindHello, Payload: payload}, nil
}

// DecodeHello decodes the payload of a Hello frame.
func DecodeHello(payload []byte) (*Hello, error) {
	var h Hello
	if err := Unmarshal(payload, &h); err != nil {
		return nil, fmt.Errorf("failed to decode hello: %w", err)
	}
	if err := h.Validate(); err != nil {
		return nil, fmt.Errorf("invalid hello: %w", err)
	}
	return &h, nil
}

// WelcomeFrame builds a Welcome frame from the payload.
func WelcomeFrame(w *Welcome) (*Frame, error) {
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid welcome: %w", err)
	}
	payload, err := Marshal(w)
	if err != nil {
		return nil, err
	}
	return &Frame{Kind: KindWelcome, Payload: payload}, nil
}

// DecodeWelcome decodes the payload of a Welcome frame.
func DecodeWelcome(payload []byte) (*Welcome, error) {
	var w Welcome
	if err := Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("failed to decode welcome: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, fmt.Errorf("invalid welcome: %w", err)
	}
	return &w, nil
}

// PingFrame builds a connection-scope Ping frame.
func PingFrame(seq uint32) (*Frame, error) {
	payload, err := Marshal(&Ping{Seq: seq})
	if err != nil {
		return nil, err
	}
	return &Frame{Kind: KindPing, Payload: payload}, nil
}

// PongFrame builds the answer to a Ping with the same sequence number.
func PongFrame(seq uint32) (*Frame, error) {
	payload, err := Marshal(&Ping{Seq: seq})
	if err != nil {
		return nil, err
	}
	return &Frame{Kind: KindPong, Payload: payload}, nil
}

// DecodePing decodes the payload of a Ping or Pong frame.
func DecodePing(payload []byte) (*Ping, error) {
	var p Ping
	if err := Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode ping: %w", err)
	}
	return &p, nil
}

// OpenFrame builds an Open frame for the stream.
func OpenFrame(streamID uint32) *Frame {
	return &Frame{Kind: KindOpen, StreamID: streamID}
}

// DataFrame builds a Data frame carrying raw stream bytes.
func DataFrame(streamID uint32, data []byte) *Frame {
	return &Frame{Kind: KindData, StreamID: streamID, Payload: data}
}

// CloseFrame builds a Close frame for the stream.
func CloseFrame(streamID uint32) *Frame {
	return &Frame{Kind: KindClose, StreamID: streamID}
}

// UpdateFrame builds an Update frame granting credit bytes to the stream.
func UpdateFrame(streamID uint32, credit uint32) *Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, credit)
	return &Frame{Kind: KindUpdate, StreamID: streamID, Payload: payload}
}

// DecodeUpdate decodes the credit grant of an Update frame.
func DecodeUpdate(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("update payload must be 4 bytes, got %d", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}
