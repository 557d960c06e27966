package connection

import (
	"math/rand"
	"sync"
	"time"
)

// Default backoff parameters.
const (
	// DefaultInitialDelay is the delay before the first retry.
	DefaultInitialDelay = 500 * time.Millisecond

	// DefaultMaxDelay is the maximum single retry delay.
	DefaultMaxDelay = 60 * time.Second

	// DefaultMultiplier is the factor by which the delay increases.
	DefaultMultiplier = 2.0

	// DefaultJitter is the standard jitter fraction for deployments
	// with many clients. The zero Backoff value keeps jitter off.
	DefaultJitter = 0.25

	// DefaultMaxElapsedTime bounds one reconnect episode.
	DefaultMaxElapsedTime = 3 * time.Minute
)

// Backoff configures the retry schedule of a reconnect episode.
// The zero value is usable: zero fields fall back to the defaults,
// except Jitter, where zero means no jitter.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration

	// Max caps a single retry delay.
	Max time.Duration

	// Multiplier is the exponential growth factor.
	Multiplier float64

	// Jitter is the maximum random addition as a fraction of the base
	// delay. Zero disables jitter.
	Jitter float64

	// MaxElapsedTime bounds one episode, measured from episode start.
	// Once elapsed time reaches it the episode is terminal.
	MaxElapsedTime time.Duration

	// MaxAttempts bounds the number of attempts in one episode.
	// Zero means unlimited; MaxElapsedTime still applies.
	MaxAttempts int
}

// WithDefaults returns a copy of b with unset fields filled in.
func (b Backoff) WithDefaults() Backoff {
	if b.Initial <= 0 {
		b.Initial = DefaultInitialDelay
	}
	if b.Max <= 0 {
		b.Max = DefaultMaxDelay
	}
	if b.Multiplier <= 1 {
		b.Multiplier = DefaultMultiplier
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = DefaultMaxElapsedTime
	}
	return b
}

// DelayFor returns the base delay before attempt n (0-based), without
// jitter: Initial * Multiplier^n, capped at Max. Pure function of the
// configuration.
func (b Backoff) DelayFor(attempt int) time.Duration {
	b = b.WithDefaults()
	d := float64(b.Initial)
	limit := float64(b.Max)
	for i := 0; i < attempt; i++ {
		d *= b.Multiplier
		if d >= limit {
			return b.Max
		}
	}
	if d >= limit {
		return b.Max
	}
	return time.Duration(d)
}

// Episode tracks one continuous run of reconnect attempts. It owns the
// attempt counter and the start time the ceiling is measured from. The
// clock starts at the run's first attempt, not at construction or
// reset, so time spent connected between runs never counts against the
// ceiling. Safe for concurrent use.
type Episode struct {
	cfg Backoff
	now func() time.Time

	mu       sync.Mutex
	started  time.Time
	attempts int
	rng      *rand.Rand
}

// NewEpisode creates an idle episode. The ceiling clock arms on the
// first Next.
func NewEpisode(cfg Backoff) *Episode {
	return NewEpisodeWithClock(cfg, time.Now)
}

// NewEpisodeWithClock creates an episode reading time from now.
// Tests inject a fake clock to drive the ceiling deterministically.
func NewEpisodeWithClock(cfg Backoff, now func() time.Time) *Episode {
	return &Episode{
		cfg: cfg.WithDefaults(),
		now: now,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to wait before the next attempt and advances
// the attempt counter. It returns ok=false once the episode is
// exhausted: elapsed time has reached MaxElapsedTime, or MaxAttempts
// attempts have been made.
//
// The returned delay is clipped so that waiting it out never crosses
// the ceiling; the attempt after a clipped delay reports exhaustion.
func (e *Episode) Next() (delay time.Duration, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// The ceiling covers only the run itself: the clock arms at the
	// run's first attempt.
	if e.started.IsZero() {
		e.started = e.now()
	}

	elapsed := e.now().Sub(e.started)
	remaining := e.cfg.MaxElapsedTime - elapsed
	if remaining <= 0 {
		return 0, false
	}
	if e.cfg.MaxAttempts > 0 && e.attempts >= e.cfg.MaxAttempts {
		return 0, false
	}

	delay = e.cfg.DelayFor(e.attempts)
	if e.cfg.Jitter > 0 {
		delay += time.Duration(float64(delay) * e.cfg.Jitter * e.rng.Float64())
	}
	if delay > remaining {
		delay = remaining
	}

	e.attempts++
	return delay, true
}

// Reset ends the current run after a successful handshake: the attempt
// counter clears and the ceiling clock disarms until the next run's
// first attempt.
func (e *Episode) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = time.Time{}
	e.attempts = 0
}

// Attempts returns the number of attempts since the last reset.
func (e *Episode) Attempts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempts
}

// Elapsed returns the time since the current run's first attempt, or
// zero while the episode is idle.
func (e *Episode) Elapsed() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started.IsZero() {
		return 0
	}
	return e.now().Sub(e.started)
}

// Config returns the episode's backoff configuration with defaults
// applied.
func (e *Episode) Config() Backoff {
	return e.cfg
}
