package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warp-proto/warp-go/pkg/log"
	"github.com/warp-proto/warp-go/pkg/wire"
)

const (
	// closeGracePeriod bounds the websocket close handshake.
	closeGracePeriod = 5 * time.Second

	// MaxLogFrameDataSize is the maximum payload size to include in log
	// events (4 KB). Larger payloads are truncated in the capture.
	MaxLogFrameDataSize = 4096
)

// ErrConnClosed indicates a write on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// Conn is one physical connection to a relay, carrying tunnel frames
// as websocket binary messages. Reads must come from a single
// goroutine; writes are serialized internally and may come from many.
type Conn struct {
	ws              *websocket.Conn
	readIdleTimeout time.Duration

	writeMu sync.Mutex
	closed  bool

	closeOnce sync.Once
	closeErr  error

	// Logging support (optional)
	logger     log.Logger
	generation string
}

func newConn(ws *websocket.Conn, readIdleTimeout time.Duration) *Conn {
	return &Conn{
		ws:              ws,
		readIdleTimeout: readIdleTimeout,
	}
}

// SetLogger configures protocol event capture for this connection.
// Pass nil to disable. Must be set before the first ReadFrame.
func (c *Conn) SetLogger(logger log.Logger, generation string) {
	c.logger = logger
	c.generation = generation
}

// ReadFrame reads and decodes the next tunnel frame. Each received
// frame extends the read deadline by the configured idle timeout.
func (c *Conn) ReadFrame() (*wire.Frame, error) {
	if c.readIdleTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readIdleTimeout))
	}

	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}
	if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected websocket message type %d", msgType)
	}

	frame, err := wire.DecodeFrame(data)
	if err != nil {
		return nil, fmt.Errorf("bad frame: %w", err)
	}

	if c.logger != nil {
		c.logger.Log(c.makeFrameEvent(frame, log.DirectionIn))
	}
	return frame, nil
}

// WriteFrame encodes and sends one tunnel frame.
// Thread-safe: can be called from multiple goroutines.
func (c *Conn) WriteFrame(frame *wire.Frame) error {
	data, err := wire.EncodeFrame(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}

	if c.logger != nil {
		c.logger.Log(c.makeFrameEvent(frame, log.DirectionOut))
	}
	return nil
}

// Close tears the connection down. It attempts a websocket close
// handshake and then drops the TCP connection. Safe to call multiple
// times and from any goroutine; later calls return the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		deadline := time.Now().Add(closeGracePeriod)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()

		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// RemoteAddr returns the relay's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// makeFrameEvent creates a log event for a frame.
func (c *Conn) makeFrameEvent(frame *wire.Frame, direction log.Direction) log.Event {
	data := frame.Payload
	truncated := false
	if len(data) > MaxLogFrameDataSize {
		data = data[:MaxLogFrameDataSize]
		truncated = true
	}

	return log.Event{
		Timestamp:  time.Now(),
		Generation: c.generation,
		Direction:  direction,
		Layer:      log.LayerTransport,
		Category:   log.CategoryFrame,
		RelayAddr:  c.ws.RemoteAddr().String(),
		StreamID:   frame.StreamID,
		Frame: &log.FrameEvent{
			Kind:      frame.Kind.String(),
			Size:      wire.HeaderSize + len(frame.Payload),
			Data:      data,
			Truncated: truncated,
		},
	}
}
