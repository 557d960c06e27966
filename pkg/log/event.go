package log

import (
	"time"
)

// Event represents a tunnel log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// Generation identifies the physical connection the event belongs
	// to (UUID). Empty for events outside any generation, such as
	// retry delays between connections.
	Generation string `cbor:"2,keyasint,omitempty"`

	// Direction indicates frame flow. Meaningful for frame events.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// ClientID is the stable client identity sent in the Hello.
	ClientID string `cbor:"6,keyasint,omitempty"`

	// RelayAddr is the relay endpoint (host:port).
	RelayAddr string `cbor:"7,keyasint,omitempty"`

	// StreamID is the virtual connection the event concerns, 0 for
	// connection-scope events.
	StreamID uint32 `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"` // Transport layer
	StateChange *StateChangeEvent `cbor:"11,keyasint,omitempty"` // Client state machine
	Retry       *RetryEvent       `cbor:"12,keyasint,omitempty"` // Backoff attempts
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"` // Errors at any layer
}

// Direction indicates the direction of frame flow.
type Direction uint8

const (
	// DirectionIn indicates a frame from the relay.
	DirectionIn Direction = 0
	// DirectionOut indicates a frame to the relay.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer captured the event.
type Layer uint8

const (
	// LayerTransport is the websocket framing layer.
	LayerTransport Layer = 0
	// LayerWire is the frame codec layer.
	LayerWire Layer = 1
	// LayerClient is the client lifecycle layer.
	LayerClient Layer = 2
	// LayerMux is the stream demultiplexing layer.
	LayerMux Layer = 3
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerClient:
		return "CLIENT"
	case LayerMux:
		return "MUX"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryFrame indicates a tunnel frame crossing the transport.
	CategoryFrame Category = 0
	// CategoryState indicates a client state change.
	CategoryState Category = 1
	// CategoryRetry indicates a backoff attempt.
	CategoryRetry Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryFrame:
		return "FRAME"
	case CategoryState:
		return "STATE"
	case CategoryRetry:
		return "RETRY"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures one tunnel frame at the transport layer.
type FrameEvent struct {
	// Kind is the frame kind name (HELLO, DATA, ...).
	Kind string `cbor:"1,keyasint"`

	// Size is the whole frame size in bytes, header included.
	Size int `cbor:"2,keyasint"`

	// Data is the frame payload (may be truncated for large frames).
	Data []byte `cbor:"3,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"4,keyasint,omitempty"`
}

// StateChangeEvent captures client state machine transitions.
type StateChangeEvent struct {
	// OldState is the previous state name (may be empty).
	OldState string `cbor:"1,keyasint,omitempty"`

	// NewState is the new state name.
	NewState string `cbor:"2,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"3,keyasint,omitempty"`
}

// RetryEvent captures one backoff attempt inside a reconnect episode.
type RetryEvent struct {
	// Attempt is the attempt number within the episode, starting at 1.
	Attempt int `cbor:"1,keyasint"`

	// Delay is the wait before this attempt. Stored as nanoseconds.
	Delay time.Duration `cbor:"2,keyasint"`

	// Elapsed is the time since the episode started. Stored as
	// nanoseconds.
	Elapsed time.Duration `cbor:"3,keyasint"`
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"3,keyasint,omitempty"`
}
