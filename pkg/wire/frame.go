package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ProtocolVersion is the frame layout version this package encodes.
	// Sent in the Hello payload; the relay rejects versions it does not
	// speak.
	ProtocolVersion = 1

	// HeaderSize is the fixed frame header length: kind byte plus
	// big-endian uint32 stream id.
	HeaderSize = 5

	// MaxFrameSize caps a whole frame, header included.
	MaxFrameSize = 1 << 20

	// MaxPayloadSize caps the payload of a single frame.
	MaxPayloadSize = MaxFrameSize - HeaderSize
)

var (
	// ErrFrameTooShort indicates a frame smaller than the fixed header.
	ErrFrameTooShort = errors.New("frame shorter than header")

	// ErrFrameTooLarge indicates a frame exceeding MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrUnknownKind indicates a frame kind this codec does not define.
	ErrUnknownKind = errors.New("unknown frame kind")

	// ErrStreamScope indicates a stream id invalid for the frame kind:
	// nonzero on a connection-scope frame or zero on a stream frame.
	ErrStreamScope = errors.New("stream id invalid for frame kind")
)

// Frame is one decoded tunnel frame.
type Frame struct {
	Kind     Kind
	StreamID uint32
	Payload  []byte
}

// EncodeFrame serializes f into a single buffer ready to send as a
// websocket binary message. It validates kind, scope and size.
func EncodeFrame(f *Frame) ([]byte, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, HeaderSize+len(f.Payload))
	buf[0] = byte(f.Kind)
	binary.BigEndian.PutUint32(buf[1:HeaderSize], f.StreamID)
	copy(buf[HeaderSize:], f.Payload)
	return buf, nil
}

// DecodeFrame parses one received buffer into a Frame. The returned
// payload aliases data; callers that retain it across reads must copy.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	f := &Frame{
		Kind:     Kind(data[0]),
		StreamID: binary.BigEndian.Uint32(data[1:HeaderSize]),
		Payload:  data[HeaderSize:],
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Frame) validate() error {
	if !f.Kind.valid() {
		return fmt.Errorf("%w: 0x%02x", ErrUnknownKind, uint8(f.Kind))
	}
	if f.Kind.connectionScope() != (f.StreamID == 0) {
		return fmt.Errorf("%w: %s with stream %d", ErrStreamScope, f.Kind, f.StreamID)
	}
	if len(f.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: %d byte payload", ErrFrameTooLarge, len(f.Payload))
	}
	return nil
}
