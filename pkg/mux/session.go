package mux

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/warp-proto/warp-go/pkg/log"
	"github.com/warp-proto/warp-go/pkg/metrics"
	"github.com/warp-proto/warp-go/pkg/wire"
)

const (
	// DefaultAcceptBacklog is the number of opened-but-unaccepted
	// streams a session queues before refusing new ones.
	DefaultAcceptBacklog = 64

	// DefaultInitialWindow is the per-stream flow-control window in
	// bytes. Both sides start from this value; credit is granted back
	// with Update frames as data is consumed.
	DefaultInitialWindow = 256 * 1024
)

// FrameWriter sends one tunnel frame towards the relay. The transport
// connection satisfies it; the client may interpose instrumentation.
type FrameWriter interface {
	WriteFrame(*wire.Frame) error
}

// Config configures a Session.
type Config struct {
	// Writer transmits outbound frames. Required.
	Writer FrameWriter

	// AcceptBacklog bounds the queue of unaccepted streams.
	// Zero means DefaultAcceptBacklog.
	AcceptBacklog int

	// InitialWindow is the per-stream flow-control window in bytes.
	// Zero means DefaultInitialWindow.
	InitialWindow int

	// Generation identifies the physical connection this session
	// belongs to, for log events.
	Generation string

	// Logger receives protocol events. Nil disables event capture.
	Logger log.Logger

	// LocalAddr and RemoteAddr are reported by the session's streams.
	LocalAddr  net.Addr
	RemoteAddr net.Addr
}

func (cfg Config) withDefaults() Config {
	if cfg.AcceptBacklog <= 0 {
		cfg.AcceptBacklog = DefaultAcceptBacklog
	}
	if cfg.InitialWindow <= 0 {
		cfg.InitialWindow = DefaultInitialWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NoopLogger{}
	}
	return cfg
}

// Session demultiplexes the streams of one connection generation.
// The read loop feeds it frames via HandleFrame; consumers receive
// newly opened streams from Accepts. A session is bound to its
// generation: once Fail is called it is dead for good, along with
// every stream it ever produced.
type Session struct {
	cfg    Config
	writer FrameWriter

	mu       sync.Mutex
	streams  map[uint32]*Stream
	err      error
	acceptCh chan *Stream
	done     chan struct{}
}

// NewSession creates a session for a freshly established generation.
func NewSession(cfg Config) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		cfg:      cfg,
		writer:   cfg.Writer,
		streams:  make(map[uint32]*Stream),
		acceptCh: make(chan *Stream, cfg.AcceptBacklog),
		done:     make(chan struct{}),
	}
}

// Accepts returns the queue of newly opened streams. Streams received
// after the session failed are dead and should be discarded.
func (s *Session) Accepts() <-chan *Stream {
	return s.acceptCh
}

// Done returns a channel closed when the session fails.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal error, or nil while the session is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// StreamCount returns the number of active streams.
func (s *Session) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// HandleFrame dispatches one stream-scoped frame. Unknown stream ids
// on Data, Close and Update frames are protocol noise: logged and
// dropped, never fatal to the generation. Connection-scope frames are
// the caller's business and rejected here.
func (s *Session) HandleFrame(f *wire.Frame) error {
	switch f.Kind {
	case wire.KindOpen:
		s.handleOpen(f.StreamID)
	case wire.KindData:
		s.handleData(f.StreamID, f.Payload)
	case wire.KindClose:
		s.handleClose(f.StreamID)
	case wire.KindUpdate:
		s.handleUpdate(f.StreamID, f.Payload)
	default:
		return fmt.Errorf("frame kind %s is not stream-scoped", f.Kind)
	}
	return nil
}

// Fail kills the session and every stream, active or queued. All
// pending and future stream operations return err. Idempotent; only
// the first error sticks.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	s.err = err
	close(s.done)
	streams := make([]*Stream, 0, len(s.streams))
	for _, st := range s.streams {
		streams = append(streams, st)
	}
	s.streams = make(map[uint32]*Stream)
	s.mu.Unlock()

	for _, st := range streams {
		st.fail(err)
	}
	metrics.StreamsActive.Sub(float64(len(streams)))
}

func (s *Session) handleOpen(id uint32) {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return
	}
	if _, exists := s.streams[id]; exists {
		s.mu.Unlock()
		s.logProtocolError(id, "open for an already active stream")
		return
	}
	st := newStream(s, id, s.cfg.InitialWindow)
	s.streams[id] = st

	select {
	case s.acceptCh <- st:
		s.mu.Unlock()
		metrics.StreamsTotal.Inc()
		metrics.StreamsActive.Inc()
	default:
		// Backlog full: refuse the stream rather than block the read
		// loop behind a consumer that stopped accepting.
		delete(s.streams, id)
		s.mu.Unlock()
		s.logProtocolError(id, "accept backlog full, refusing stream")
		_ = s.writer.WriteFrame(wire.CloseFrame(id))
	}
}

func (s *Session) handleData(id uint32, payload []byte) {
	st := s.lookup(id)
	if st == nil {
		s.logProtocolError(id, "data for unknown stream")
		return
	}
	if err := st.push(payload); err != nil {
		// The relay overran the stream's receive window. Kill the
		// stream, not the generation.
		s.logProtocolError(id, err.Error())
		s.removeStream(id)
		st.fail(err)
		_ = s.writer.WriteFrame(wire.CloseFrame(id))
	}
}

func (s *Session) handleClose(id uint32) {
	st := s.lookup(id)
	if st == nil {
		s.logProtocolError(id, "close for unknown stream")
		return
	}
	s.removeStream(id)
	st.remoteClose()
}

func (s *Session) handleUpdate(id uint32, payload []byte) {
	credit, err := wire.DecodeUpdate(payload)
	if err != nil {
		s.logProtocolError(id, err.Error())
		return
	}
	st := s.lookup(id)
	if st == nil {
		s.logProtocolError(id, "update for unknown stream")
		return
	}
	st.grantCredit(int(credit))
}

func (s *Session) lookup(id uint32) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[id]
}

// removeStream forgets a stream. Later frames for its id are treated
// as unknown. No-op if the stream already left the map.
func (s *Session) removeStream(id uint32) {
	s.mu.Lock()
	_, present := s.streams[id]
	delete(s.streams, id)
	s.mu.Unlock()
	if present {
		metrics.StreamsActive.Dec()
	}
}

// sendUpdate grants receive credit back to the relay. Write errors are
// ignored: a broken transport is about to tear the generation down
// through the read loop anyway.
func (s *Session) sendUpdate(id uint32, credit int) {
	_ = s.writer.WriteFrame(wire.UpdateFrame(id, uint32(credit)))
}

func (s *Session) logProtocolError(id uint32, msg string) {
	s.cfg.Logger.Log(log.Event{
		Timestamp:  time.Now(),
		Generation: s.cfg.Generation,
		Direction:  log.DirectionIn,
		Layer:      log.LayerMux,
		Category:   log.CategoryError,
		StreamID:   id,
		Error: &log.ErrorEventData{
			Layer:   log.LayerMux,
			Message: msg,
			Context: "dispatching inbound frame",
		},
	})
}
