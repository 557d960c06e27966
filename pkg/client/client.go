package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp-proto/warp-go/pkg/connection"
	"github.com/warp-proto/warp-go/pkg/log"
	"github.com/warp-proto/warp-go/pkg/metrics"
	"github.com/warp-proto/warp-go/pkg/mux"
	"github.com/warp-proto/warp-go/pkg/transport"
	"github.com/warp-proto/warp-go/pkg/wire"
)

// Client is a reconnecting tunnel client. It maintains one outbound
// connection to the relay and accepts virtual connections multiplexed
// over it through the net.Listener interface, so standard servers run
// on it unmodified:
//
//	c, err := client.New(cfg)
//	...
//	err = http.Serve(c, handler)
//
// The tunnel survives transport failures transparently: the client
// reconnects with exponential backoff while virtual connections from
// the dead generation fail with a temporary error.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	events  log.Logger
	dialCfg transport.DialConfig

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closeCh   chan struct{}

	mu            sync.Mutex
	state         connection.State
	stateNotify   chan struct{}
	started       bool
	everConnected bool
	terminal      error
	sess          *mux.Session
	conn          *transport.Conn
	keep          *transport.KeepAlive
	addr          string
	rejectedToken string
}

// New creates a tunnel client. Configuration problems fail here,
// synchronously; no network I/O happens until the first Accept.
func New(cfg Config) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "warp-client", "client_id", cfg.ClientID),
		events: cfg.EventLogger,
		dialCfg: transport.DialConfig{
			URL:              cfg.RelayURL,
			TLSConfig:        cfg.TLSConfig,
			HandshakeTimeout: cfg.HandshakeTimeout,
			ReadIdleTimeout:  cfg.KeepAlive.DetectionDelay(),
		},
		ctx:         ctx,
		cancel:      cancel,
		closeCh:     make(chan struct{}),
		state:       connection.StateIdle,
		stateNotify: make(chan struct{}),
	}
	return c, nil
}

// Accept waits for the next virtual connection opened by the relay.
// The first call starts the tunnel. It returns ErrClientClosed after
// Close, the terminal retry error after a reconnect episode is
// exhausted, and the temporary ErrClientReconnecting while an
// established tunnel is down mid-reconnect.
func (c *Client) Accept() (net.Conn, error) {
	c.start()

	for {
		c.mu.Lock()
		if c.terminal != nil {
			err := c.terminal
			c.mu.Unlock()
			return nil, err
		}
		state := c.state
		sess := c.sess
		notify := c.stateNotify
		ever := c.everConnected
		c.mu.Unlock()

		// The initial Connecting phase blocks; once a tunnel existed,
		// any non-Connected state means mid-reconnect and callers are
		// told to retry.
		if ever && state != connection.StateConnected {
			return nil, ErrClientReconnecting
		}

		var accepts <-chan *mux.Stream
		if sess != nil {
			accepts = sess.Accepts()
		}

		select {
		case <-c.closeCh:
			// Re-evaluate; terminal is set before closeCh closes.
		case <-notify:
			// State changed; re-evaluate.
		case stream := <-accepts:
			if stream.Err() != nil {
				// Queued on a generation that died before delivery.
				continue
			}
			return stream, nil
		}
	}
}

// Close shuts the client down: pending Accepts, stream reads and
// writes, and any in-progress backoff sleep unblock promptly, and the
// physical connection is released. Idempotent; repeated calls return
// nil.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.terminal = ErrClientClosed
		sess, conn, keep := c.sess, c.conn, c.keep
		c.setStateLocked(connection.StateClosed, "close requested")
		c.mu.Unlock()

		close(c.closeCh)
		c.cancel()

		if keep != nil {
			keep.Stop()
		}
		if sess != nil {
			sess.Fail(ErrClientClosed)
		}
		if conn != nil {
			_ = conn.Close()
		}
		c.logger.Info("client closed")
	})
	return nil
}

// Addr returns the relay-assigned public address of the tunnel. It is
// stable across reconnection generations. Before the first handshake
// it reports the configured relay URL.
func (c *Client) Addr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addr == "" {
		return relayAddr(c.cfg.RelayURL)
	}
	return relayAddr(c.addr)
}

// State returns the client's current connection state.
func (c *Client) State() connection.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// start launches the connect loop once, on the first Accept.
func (c *Client) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.terminal != nil {
		return
	}
	c.started = true
	c.setStateLocked(connection.StateConnecting, "first accept")
	go c.run()
}

// run is the connect loop: one iteration per connection attempt, with
// backoff between failures. It exits on Close or episode exhaustion.
func (c *Client) run() {
	episode := connection.NewEpisode(c.cfg.Backoff)

	for {
		sess, err := c.connectOnce()
		if err == nil {
			episode.Reset()
			metrics.HandshakesTotal.WithLabelValues("success").Inc()

			// Hold until this generation dies or the client closes.
			select {
			case <-c.closeCh:
				return
			case <-sess.Done():
			}
		} else {
			metrics.HandshakesTotal.WithLabelValues("failure").Inc()
			c.logger.Warn("connect attempt failed", "error", err)
			c.noteReconnecting(err)
		}

		select {
		case <-c.closeCh:
			return
		default:
		}

		delay, ok := episode.Next()
		if !ok {
			c.exhaust(episode)
			return
		}

		metrics.ReconnectsTotal.Inc()
		c.logRetry(episode.Attempts(), delay, episode.Elapsed())

		timer := time.NewTimer(delay)
		select {
		case <-c.closeCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if c.terminal == nil {
			c.setStateLocked(connection.StateConnecting, "retrying")
		}
		c.mu.Unlock()
	}
}

// connectOnce performs one full connection attempt: authorize, dial,
// handshake, and on success install the new generation.
func (c *Client) connectOnce() (*mux.Session, error) {
	token, err := c.cfg.Authorizer(c.ctx)
	if err != nil {
		return nil, wrapErr(ErrBadToken, err)
	}
	c.mu.Lock()
	rejected := token != "" && token == c.rejectedToken
	c.mu.Unlock()
	if rejected {
		// The relay rejected this exact token before; resending it is
		// pointless. The authorizer must mint a fresh one.
		return nil, wrapErr(ErrBadToken, fmt.Errorf("authorizer returned a previously rejected token"))
	}

	conn, err := transport.Dial(c.ctx, c.dialCfg)
	if err != nil {
		return nil, err
	}

	generation := uuid.NewString()
	conn.SetLogger(c.events, generation)

	welcome, err := c.handshake(conn, token)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	sess := c.installGeneration(generation, conn, welcome)
	if sess == nil {
		_ = conn.Close()
		return nil, ErrClientClosed
	}
	c.logger.Info("tunnel established",
		"generation", generation, "addr", welcome.Address)
	return sess, nil
}

// handshake sends the Hello and awaits the Welcome, bounded by the
// handshake timeout and interruptible by Close.
func (c *Client) handshake(conn *transport.Conn, token string) (*wire.Welcome, error) {
	hello, err := wire.HelloFrame(&wire.Hello{
		Version:  wire.ProtocolVersion,
		Token:    token,
		ClientID: c.cfg.ClientID,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(hello); err != nil {
		return nil, err
	}

	type result struct {
		frame *wire.Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := conn.ReadFrame()
		ch <- result{f, err}
	}()

	timer := time.NewTimer(c.cfg.HandshakeTimeout)
	defer timer.Stop()

	var frame *wire.Frame
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("awaiting welcome: %w", r.err)
		}
		frame = r.frame
	case <-timer.C:
		_ = conn.Close()
		return nil, fmt.Errorf("handshake timed out after %s", c.cfg.HandshakeTimeout)
	case <-c.closeCh:
		_ = conn.Close()
		return nil, ErrClientClosed
	}

	if frame.Kind != wire.KindWelcome {
		return nil, fmt.Errorf("expected welcome, relay sent %s", frame.Kind)
	}
	welcome, err := wire.DecodeWelcome(frame.Payload)
	if err != nil {
		return nil, fmt.Errorf("bad welcome: %w", err)
	}
	if !welcome.OK {
		if welcome.TokenRejected() {
			c.mu.Lock()
			c.rejectedToken = token
			c.mu.Unlock()
			return nil, wrapErr(ErrBadToken, fmt.Errorf("relay rejected token: %s", welcome.ErrorMsg))
		}
		return nil, fmt.Errorf("relay rejected registration (%s): %s",
			welcome.ErrorCode, welcome.ErrorMsg)
	}
	return welcome, nil
}

// installGeneration makes a freshly handshaken connection the current
// generation and starts its read loop and keepalive. Returns nil if
// the client closed meanwhile.
func (c *Client) installGeneration(generation string, conn *transport.Conn, welcome *wire.Welcome) *mux.Session {
	sess := mux.NewSession(mux.Config{
		Writer:        countingWriter{conn},
		AcceptBacklog: c.cfg.AcceptBacklog,
		Generation:    generation,
		Logger:        c.events,
		LocalAddr:     relayAddr(welcome.Address),
		RemoteAddr:    conn.RemoteAddr(),
	})

	keep := transport.NewKeepAlive(c.cfg.KeepAlive,
		func(seq uint32) error {
			frame, err := wire.PingFrame(seq)
			if err != nil {
				return err
			}
			return conn.WriteFrame(frame)
		},
		func() {
			c.generationLost(sess, conn, nil, fmt.Errorf("relay unresponsive, keepalive gave up"))
		})

	c.mu.Lock()
	if c.terminal != nil {
		c.mu.Unlock()
		sess.Fail(c.terminal)
		return nil
	}
	c.sess = sess
	c.conn = conn
	c.keep = keep
	c.everConnected = true
	c.addr = welcome.Address
	c.setStateLocked(connection.StateConnected, "handshake acknowledged")
	c.mu.Unlock()

	keep.Start(c.ctx)
	go c.readLoop(sess, conn, keep)
	return sess
}

// readLoop drains the physical connection, feeding stream frames to
// the session until the transport fails.
func (c *Client) readLoop(sess *mux.Session, conn *transport.Conn, keep *transport.KeepAlive) {
	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			c.generationLost(sess, conn, keep, err)
			return
		}
		metrics.FramesTotal.WithLabelValues("in", frame.Kind.String()).Inc()
		metrics.BytesTotal.WithLabelValues("in").Add(float64(len(frame.Payload)))

		switch frame.Kind {
		case wire.KindPing:
			c.answerPing(conn, frame)
		case wire.KindPong:
			if ping, err := wire.DecodePing(frame.Payload); err == nil {
				keep.PongReceived(ping.Seq)
			}
		case wire.KindOpen, wire.KindData, wire.KindClose, wire.KindUpdate:
			_ = sess.HandleFrame(frame)
		default:
			// Hello and Welcome have no business after the handshake.
			c.logger.Warn("unexpected frame", "kind", frame.Kind.String())
		}
	}
}

// answerPing echoes a relay-initiated liveness probe.
func (c *Client) answerPing(conn *transport.Conn, frame *wire.Frame) {
	ping, err := wire.DecodePing(frame.Payload)
	if err != nil {
		c.logger.Warn("bad ping payload", "error", err)
		return
	}
	pong, err := wire.PongFrame(ping.Seq)
	if err != nil {
		return
	}
	_ = conn.WriteFrame(pong)
}

// generationLost tears down one generation after a transport error.
// All of the generation's streams fail with the temporary
// reconnecting error; the connect loop observes the session's death
// and schedules the retry.
func (c *Client) generationLost(sess *mux.Session, conn *transport.Conn, keep *transport.KeepAlive, cause error) {
	if keep != nil {
		keep.Stop()
	}
	_ = conn.Close()
	sess.Fail(ErrClientReconnecting)

	c.mu.Lock()
	current := c.sess == sess && c.terminal == nil
	if current {
		c.setStateLocked(connection.StateReconnecting, cause.Error())
	}
	c.mu.Unlock()

	if current {
		c.logger.Warn("tunnel lost", "error", cause)
		c.events.Log(log.Event{
			Timestamp: time.Now(),
			Layer:     log.LayerClient,
			Category:  log.CategoryError,
			ClientID:  c.cfg.ClientID,
			Error: &log.ErrorEventData{
				Layer:   log.LayerClient,
				Message: cause.Error(),
				Context: "tunnel connection lost",
			},
		})
	}
}

// noteReconnecting records a failed connect attempt in the state
// machine. The first attempt moves Connecting -> Reconnecting; later
// attempts are already there.
func (c *Client) noteReconnecting(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.terminal == nil && c.state == connection.StateConnecting {
		c.setStateLocked(connection.StateReconnecting, cause.Error())
	}
}

// exhaust ends the reconnect episode: the client closes with
// retry-timed-out when the time ceiling was hit, retry-failed when
// the attempt budget ran out first.
func (c *Client) exhaust(episode *connection.Episode) {
	err := error(ErrRetryFailed)
	if episode.Elapsed() >= episode.Config().MaxElapsedTime {
		err = ErrRetryTimedOut
	}

	c.mu.Lock()
	if c.terminal != nil {
		c.mu.Unlock()
		return
	}
	c.terminal = err
	sess, conn, keep := c.sess, c.conn, c.keep
	c.setStateLocked(connection.StateClosed, err.Error())
	c.mu.Unlock()

	if keep != nil {
		keep.Stop()
	}
	if sess != nil {
		sess.Fail(err)
	}
	if conn != nil {
		_ = conn.Close()
	}
	c.logger.Error("reconnect episode exhausted",
		"error", err, "attempts", episode.Attempts(), "elapsed", episode.Elapsed())
}

// setStateLocked transitions the state machine, wakes Accept waiters
// and records the change. Caller holds c.mu.
func (c *Client) setStateLocked(state connection.State, reason string) {
	if c.state == state {
		return
	}
	old := c.state
	if !connection.CanTransition(old, state) {
		c.logger.Warn("illegal state transition",
			"from", old.String(), "to", state.String(), "reason", reason)
	}
	c.state = state
	metrics.ConnectionState.Set(float64(state))
	close(c.stateNotify)
	c.stateNotify = make(chan struct{})

	c.logger.Debug("state change", "from", old.String(), "to", state.String(), "reason", reason)
	c.events.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerClient,
		Category:  log.CategoryState,
		ClientID:  c.cfg.ClientID,
		StateChange: &log.StateChangeEvent{
			OldState: old.String(),
			NewState: state.String(),
			Reason:   reason,
		},
	})
}

// logRetry records one backoff attempt.
func (c *Client) logRetry(attempt int, delay, elapsed time.Duration) {
	c.logger.Info("scheduling reconnect", "attempt", attempt, "delay", delay, "elapsed", elapsed)
	c.events.Log(log.Event{
		Timestamp: time.Now(),
		Layer:     log.LayerClient,
		Category:  log.CategoryRetry,
		ClientID:  c.cfg.ClientID,
		Retry: &log.RetryEvent{
			Attempt: attempt,
			Delay:   delay,
			Elapsed: elapsed,
		},
	})
}

// countingWriter instruments the session's outbound frames.
type countingWriter struct {
	conn *transport.Conn
}

func (w countingWriter) WriteFrame(f *wire.Frame) error {
	err := w.conn.WriteFrame(f)
	if err == nil {
		metrics.FramesTotal.WithLabelValues("out", f.Kind.String()).Inc()
		metrics.BytesTotal.WithLabelValues("out").Add(float64(len(f.Payload)))
	}
	return err
}

// relayAddr is the relay-assigned tunnel identity as a net.Addr.
type relayAddr string

// Network returns the tunnel network name.
func (relayAddr) Network() string { return "warp" }

// String returns the relay-assigned address.
func (a relayAddr) String() string { return string(a) }

var _ net.Listener = (*Client)(nil)
