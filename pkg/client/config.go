package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/warp-proto/warp-go/pkg/connection"
	"github.com/warp-proto/warp-go/pkg/log"
	"github.com/warp-proto/warp-go/pkg/mux"
	"github.com/warp-proto/warp-go/pkg/transport"
)

// Authorizer produces a fresh auth token for the tunnel handshake.
// It is called before every connection attempt and again whenever the
// relay rejects a token; a rejected token value is never resent.
type Authorizer func(ctx context.Context) (string, error)

// Config configures a tunnel client.
type Config struct {
	// RelayURL is the relay endpoint. The scheme must be ws or wss;
	// wss requires TLSConfig.
	RelayURL string

	// ClientID is the stable identity sent in the handshake.
	// Defaults to a random UUID.
	ClientID string

	// Authorizer supplies auth tokens. Required.
	Authorizer Authorizer

	// TLSConfig is required for wss relay URLs, ignored otherwise.
	TLSConfig *tls.Config

	// Backoff is the reconnect schedule. Zero fields take the
	// connection package defaults.
	Backoff connection.Backoff

	// KeepAlive configures tunnel liveness probing. Zero fields take
	// the transport package defaults.
	KeepAlive transport.KeepAliveConfig

	// HandshakeTimeout bounds dialing plus the Hello/Welcome exchange
	// of one attempt. Defaults to 30 seconds.
	HandshakeTimeout time.Duration

	// AcceptBacklog bounds the queue of unaccepted virtual
	// connections per generation. Defaults to mux.DefaultAcceptBacklog.
	AcceptBacklog int

	// Logger receives component diagnostics. Defaults to a discarding
	// logger.
	Logger *slog.Logger

	// EventLogger captures protocol events for post-mortem analysis.
	// Nil disables capture.
	EventLogger log.Logger
}

// withDefaults returns a copy of cfg with unset fields filled in.
func (cfg Config) withDefaults() Config {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	cfg.Backoff = cfg.Backoff.WithDefaults()
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 30 * time.Second
	}
	if cfg.AcceptBacklog <= 0 {
		cfg.AcceptBacklog = mux.DefaultAcceptBacklog
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.EventLogger == nil {
		cfg.EventLogger = log.NoopLogger{}
	}
	return cfg
}

// validate checks cfg synchronously, without any network I/O.
func (cfg Config) validate() error {
	if cfg.Authorizer == nil {
		return ErrAuthorizerNotProvided
	}
	u, err := url.Parse(cfg.RelayURL)
	if err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
	case "wss":
		if cfg.TLSConfig == nil {
			return ErrTLSConfigRequired
		}
	default:
		return fmt.Errorf("relay URL scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid relay URL: missing host")
	}
	return nil
}
