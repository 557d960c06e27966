// Package relaytest provides an in-process relay stub for tunnel
// client tests. It speaks the client side of the wire protocol over a
// real websocket server, far enough to drive every client behavior:
// accepting or rejecting handshakes, opening streams, pushing data,
// granting credit, answering pings, and dropping connections to force
// reconnects.
package relaytest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/warp-proto/warp-go/pkg/wire"
)

// TokenCheck decides a handshake. Return ok=false with a wire error
// code to reject; code defaults to invalid_token.
type TokenCheck func(token string) (ok bool, code, msg string)

// AcceptAll accepts any non-empty token.
func AcceptAll(token string) (bool, string, string) {
	if token == "" {
		return false, wire.ErrorCodeInvalidToken, "empty token"
	}
	return true, "", ""
}

// Relay is the test relay. Zero or more client sessions connect to
// its URL; each completed handshake is delivered via Sessions.
type Relay struct {
	server *httptest.Server
	check  TokenCheck

	mu       sync.Mutex
	closed   bool
	sessions []*Session

	sessionCh chan *Session
}

// New starts a relay that accepts tokens per check (nil means
// AcceptAll).
func New(check TokenCheck) *Relay {
	if check == nil {
		check = AcceptAll
	}
	r := &Relay{
		check:     check,
		sessionCh: make(chan *Session, 16),
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.serve(ws)
	}))
	return r
}

// URL returns the relay's ws:// endpoint.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

// Sessions delivers each session after its handshake completes.
func (r *Relay) Sessions() <-chan *Session {
	return r.sessionCh
}

// WaitSession waits for the next completed handshake.
func (r *Relay) WaitSession(timeout time.Duration) (*Session, error) {
	select {
	case s := <-r.sessionCh:
		return s, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("no session within %s", timeout)
	}
}

// DropAll abruptly closes every live session's websocket, simulating
// a relay-side failure. The relay keeps serving new connections.
func (r *Relay) DropAll() {
	r.mu.Lock()
	sessions := append([]*Session(nil), r.sessions...)
	r.mu.Unlock()
	for _, s := range sessions {
		s.Drop()
	}
}

// Close shuts the relay down along with every session.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.DropAll()
	r.server.Close()
}

func (r *Relay) serve(ws *websocket.Conn) {
	defer ws.Close()

	// Handshake: the first frame must be a Hello.
	_ = ws.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return
	}
	frame, err := wire.DecodeFrame(data)
	if err != nil || frame.Kind != wire.KindHello {
		return
	}
	hello, err := wire.DecodeHello(frame.Payload)
	if err != nil {
		return
	}

	s := &Session{
		ws:     ws,
		hello:  *hello,
		addr:   fmt.Sprintf("%s.relay.test:443", uuid.NewString()[:8]),
		opened: make(map[uint32]*streamState),
		dead:   make(chan struct{}),
	}

	ok, code, msg := r.check(hello.Token)
	welcome := &wire.Welcome{OK: ok, Address: s.addr, ErrorCode: code, ErrorMsg: msg}
	if !ok {
		welcome.Address = ""
		if welcome.ErrorCode == "" {
			welcome.ErrorCode = wire.ErrorCodeInvalidToken
		}
	}
	wf, err := wire.WelcomeFrame(welcome)
	if err != nil {
		return
	}
	if err := s.writeFrame(wf); err != nil || !ok {
		return
	}

	r.mu.Lock()
	r.sessions = append(r.sessions, s)
	r.mu.Unlock()
	select {
	case r.sessionCh <- s:
	default:
	}

	s.readLoop()
}

// Session is one handshaken client connection as seen by the relay.
type Session struct {
	ws    *websocket.Conn
	hello wire.Hello
	addr  string

	writeMu sync.Mutex

	mu     sync.Mutex
	opened map[uint32]*streamState
	pongs  []uint32

	dropOnce sync.Once
	dead     chan struct{}
}

type streamState struct {
	received []byte
	closed   bool
	credit   int
}

// Hello returns the client's registration message.
func (s *Session) Hello() wire.Hello {
	return s.hello
}

// Addr returns the public address assigned in the Welcome.
func (s *Session) Addr() string {
	return s.addr
}

// Dead is closed when the session's websocket dies.
func (s *Session) Dead() <-chan struct{} {
	return s.dead
}

// OpenStream announces a new relay-initiated stream.
func (s *Session) OpenStream(id uint32) error {
	return s.writeFrame(wire.OpenFrame(id))
}

// Send pushes data down a stream.
func (s *Session) Send(id uint32, data []byte) error {
	return s.writeFrame(wire.DataFrame(id, data))
}

// CloseStream ends a stream from the relay side.
func (s *Session) CloseStream(id uint32) error {
	return s.writeFrame(wire.CloseFrame(id))
}

// GrantCredit raises the client's send window for a stream.
func (s *Session) GrantCredit(id uint32, n uint32) error {
	return s.writeFrame(wire.UpdateFrame(id, n))
}

// Ping sends a relay-initiated liveness probe.
func (s *Session) Ping(seq uint32) error {
	f, err := wire.PingFrame(seq)
	if err != nil {
		return err
	}
	return s.writeFrame(f)
}

// Drop abruptly closes the underlying websocket, without a close
// handshake, as a network failure would.
func (s *Session) Drop() {
	s.dropOnce.Do(func() {
		_ = s.ws.Close()
	})
}

// Received returns the bytes the client has written to a stream so
// far.
func (s *Session) Received(id uint32) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.opened[id]
	if st == nil {
		return nil
	}
	return append([]byte(nil), st.received...)
}

// WaitReceived waits until the client has written at least n bytes to
// a stream and returns them.
func (s *Session) WaitReceived(id uint32, n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if got := s.Received(id); len(got) >= n {
			return got, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("stream %d: %d bytes wanted, %d received within %s",
				id, n, len(s.Received(id)), timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// StreamClosed reports whether the client has sent a Close for the
// stream.
func (s *Session) StreamClosed(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.opened[id]
	return st != nil && st.closed
}

// Pongs returns the pong sequence numbers the client has answered
// relay-initiated pings with.
func (s *Session) Pongs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint32(nil), s.pongs...)
}

// CreditGranted returns the total Update credit the client has
// granted for a stream.
func (s *Session) CreditGranted(id uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.opened[id]
	if st == nil {
		return 0
	}
	return st.credit
}

func (s *Session) writeFrame(f *wire.Frame) error {
	data, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (s *Session) readLoop() {
	defer close(s.dead)
	_ = s.ws.SetReadDeadline(time.Time{})
	for {
		_, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.DecodeFrame(data)
		if err != nil {
			continue
		}
		switch frame.Kind {
		case wire.KindPong:
			if ping, err := wire.DecodePing(frame.Payload); err == nil {
				s.mu.Lock()
				s.pongs = append(s.pongs, ping.Seq)
				s.mu.Unlock()
			}
		case wire.KindPing:
			if ping, err := wire.DecodePing(frame.Payload); err == nil {
				if pong, err := wire.PongFrame(ping.Seq); err == nil {
					_ = s.writeFrame(pong)
				}
			}
		case wire.KindData:
			s.mu.Lock()
			s.stream(frame.StreamID).received = append(
				s.stream(frame.StreamID).received, frame.Payload...)
			s.mu.Unlock()
		case wire.KindClose:
			s.mu.Lock()
			s.stream(frame.StreamID).closed = true
			s.mu.Unlock()
		case wire.KindUpdate:
			if credit, err := wire.DecodeUpdate(frame.Payload); err == nil {
				s.mu.Lock()
				s.stream(frame.StreamID).credit += int(credit)
				s.mu.Unlock()
			}
		}
	}
}

// stream returns the state for a stream id, creating it on first use.
// Caller holds s.mu.
func (s *Session) stream(id uint32) *streamState {
	st := s.opened[id]
	if st == nil {
		st = &streamState{}
		s.opened[id] = st
	}
	return st
}
