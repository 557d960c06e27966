package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warp-proto/warp-go/pkg/wire"
)

// Dial errors.
var (
	// ErrInvalidScheme indicates a relay URL scheme other than ws or wss.
	ErrInvalidScheme = errors.New("relay URL scheme must be ws or wss")

	// ErrTLSRequired indicates a wss relay URL without a TLS config.
	ErrTLSRequired = errors.New("wss relay URL requires a TLS config")
)

// DialConfig configures a relay connection attempt.
type DialConfig struct {
	// URL is the relay endpoint (ws:// or wss://).
	URL string

	// TLSConfig is required for wss URLs and ignored for ws URLs.
	TLSConfig *tls.Config

	// HandshakeTimeout bounds the websocket handshake (default: 30s).
	HandshakeTimeout time.Duration

	// ReadIdleTimeout is the read deadline extended on every received
	// frame. Zero keeps the keep-alive detection delay default.
	ReadIdleTimeout time.Duration
}

// withDefaults returns a copy of cfg with unset fields filled in.
func (cfg DialConfig) withDefaults() DialConfig {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.ReadIdleTimeout == 0 {
		cfg.ReadIdleTimeout = MaxDetectionDelay
	}
	return cfg
}

// Validate checks cfg without any network I/O. It is called by Dial
// and again by the client constructor, which must reject a bad
// configuration synchronously.
func (cfg DialConfig) Validate() error {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
	case "wss":
		if cfg.TLSConfig == nil {
			return ErrTLSRequired
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidScheme, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid relay URL: missing host")
	}
	return nil
}

// Dial connects to the relay and returns a frame connection. The
// websocket handshake must complete before Dial returns; the tunnel
// handshake (Hello/Welcome) is the caller's business.
func Dial(ctx context.Context, cfg DialConfig) (*Conn, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		TLSClientConfig:  cfg.TLSConfig,
	}

	ws, resp, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay dial failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("relay dial failed: %w", err)
	}

	ws.SetReadLimit(wire.MaxFrameSize)
	return newConn(ws, cfg.ReadIdleTimeout), nil
}
