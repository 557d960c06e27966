package transport

import (
	"context"
	"sync"
	"time"
)

// Keep-alive constants.
const (
	// DefaultPingInterval is the default interval between pings.
	DefaultPingInterval = 30 * time.Second

	// DefaultPongTimeout is the default timeout waiting for a pong.
	DefaultPongTimeout = 5 * time.Second

	// DefaultMaxMissedPongs is the default number of missed pongs
	// before the connection is declared dead.
	DefaultMaxMissedPongs = 3

	// MaxDetectionDelay is the maximum time to detect connection loss
	// with the default configuration:
	// PingInterval * MaxMissedPongs + PongTimeout = 95 seconds.
	MaxDetectionDelay = 95 * time.Second
)

// KeepAliveConfig configures liveness monitoring.
type KeepAliveConfig struct {
	// PingInterval is the interval between pings.
	PingInterval time.Duration

	// PongTimeout is how long a ping may stay unanswered before it
	// counts as missed.
	PongTimeout time.Duration

	// MaxMissedPongs is the number of missed pongs before the
	// connection is declared dead.
	MaxMissedPongs int
}

// DefaultKeepAliveConfig returns the default keep-alive configuration.
func DefaultKeepAliveConfig() KeepAliveConfig {
	return KeepAliveConfig{
		PingInterval:   DefaultPingInterval,
		PongTimeout:    DefaultPongTimeout,
		MaxMissedPongs: DefaultMaxMissedPongs,
	}
}

// withDefaults returns a copy of c with unset fields filled in.
func (c KeepAliveConfig) withDefaults() KeepAliveConfig {
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = DefaultPongTimeout
	}
	if c.MaxMissedPongs == 0 {
		c.MaxMissedPongs = DefaultMaxMissedPongs
	}
	return c
}

// DetectionDelay returns the maximum time between the relay vanishing
// and this configuration noticing.
func (c KeepAliveConfig) DetectionDelay() time.Duration {
	c = c.withDefaults()
	return c.PingInterval*time.Duration(c.MaxMissedPongs) + c.PongTimeout
}

// KeepAlive sends tunnel Ping frames on a fixed interval and declares
// the connection dead when too many go unanswered. It operates above
// the websocket so liveness is measured end to end through the relay.
type KeepAlive struct {
	config   KeepAliveConfig
	sendPing func(seq uint32) error
	onDead   func()

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	pongCh  chan uint32

	seq        uint32
	pending    uint32
	hasPending bool
	missed     int
	lastPing   time.Time
	lastPong   time.Time
	lastRTT    time.Duration
}

// NewKeepAlive creates a keep-alive monitor. sendPing writes one Ping
// frame with the given sequence number; onDead fires at most once per
// Start when the connection is declared dead.
func NewKeepAlive(config KeepAliveConfig, sendPing func(seq uint32) error, onDead func()) *KeepAlive {
	return &KeepAlive{
		config:   config.withDefaults(),
		sendPing: sendPing,
		onDead:   onDead,
		pongCh:   make(chan uint32, 1),
	}
}

// Start begins the monitoring loop. Calling Start on a running monitor
// is a no-op.
func (ka *KeepAlive) Start(ctx context.Context) {
	ka.mu.Lock()
	if ka.running {
		ka.mu.Unlock()
		return
	}
	ka.running = true
	ka.stopCh = make(chan struct{})
	stopCh := ka.stopCh
	ka.mu.Unlock()

	go ka.loop(ctx, stopCh)
}

// Stop ends the monitoring loop. Safe to call multiple times.
func (ka *KeepAlive) Stop() {
	ka.mu.Lock()
	defer ka.mu.Unlock()

	if !ka.running {
		return
	}
	ka.running = false
	close(ka.stopCh)
}

// PongReceived hands a received pong sequence number to the monitor.
// Called from the connection's read loop.
func (ka *KeepAlive) PongReceived(seq uint32) {
	select {
	case ka.pongCh <- seq:
	default:
		// A pong is already queued; this one carries no extra news.
	}
}

// KeepAliveStats is a snapshot of liveness state.
type KeepAliveStats struct {
	LastPingTime time.Time
	LastPongTime time.Time
	LastRTT      time.Duration
	MissedPongs  int
	CurrentSeq   uint32
}

// Stats returns current keep-alive statistics.
func (ka *KeepAlive) Stats() KeepAliveStats {
	ka.mu.Lock()
	defer ka.mu.Unlock()
	return KeepAliveStats{
		LastPingTime: ka.lastPing,
		LastPongTime: ka.lastPong,
		LastRTT:      ka.lastRTT,
		MissedPongs:  ka.missed,
		CurrentSeq:   ka.seq,
	}
}

func (ka *KeepAlive) loop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(ka.config.PingInterval)
	defer ticker.Stop()

	ka.ping()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if dead := ka.tick(); dead {
				if ka.onDead != nil {
					ka.onDead()
				}
				return
			}
		case seq := <-ka.pongCh:
			ka.pong(seq)
		}
	}
}

// ping sends the next ping and records it as pending.
func (ka *KeepAlive) ping() {
	ka.mu.Lock()
	ka.seq++
	seq := ka.seq
	ka.pending = seq
	ka.hasPending = true
	ka.lastPing = time.Now()
	ka.mu.Unlock()

	if err := ka.sendPing(seq); err != nil {
		// The write path failed; the read loop will surface the
		// transport error. Clear the pending ping so the miss counter
		// reflects pongs, not writes.
		ka.mu.Lock()
		ka.hasPending = false
		ka.mu.Unlock()
	}
}

// tick accounts for an unanswered ping and sends the next one.
// Returns true when the connection must be declared dead.
func (ka *KeepAlive) tick() bool {
	ka.mu.Lock()
	if ka.hasPending && time.Since(ka.lastPing) >= ka.config.PongTimeout {
		ka.hasPending = false
		ka.missed++
		if ka.missed >= ka.config.MaxMissedPongs {
			ka.mu.Unlock()
			return true
		}
	}
	ka.mu.Unlock()

	ka.ping()
	return false
}

// pong matches a received pong against the pending ping.
func (ka *KeepAlive) pong(seq uint32) {
	ka.mu.Lock()
	defer ka.mu.Unlock()

	now := time.Now()
	ka.lastPong = now

	if ka.hasPending && seq == ka.pending {
		ka.lastRTT = now.Sub(ka.lastPing)
		ka.hasPending = false
		ka.missed = 0
	}
	// A stale sequence number is a delayed pong from an earlier ping;
	// it proves nothing about the pending one.
}
