// Command warp-expose exposes a local TCP service through a warp
// relay.
//
// It runs next to a service that cannot accept inbound connections,
// opens a reconnecting tunnel to the relay, and forwards every
// virtual connection the relay delivers to the local service.
//
// Usage:
//
//	warp-expose [flags]
//
// Flags:
//
//	-relay string         Relay URL (ws:// or wss://)
//	-target string        Local service to forward to (default "127.0.0.1:8080")
//	-client-id string     Stable client identity (default: random)
//	-token string         Static auth token
//	-token-file string    File re-read for a fresh token on every handshake
//	-config string        YAML configuration file path
//	-metrics string       Address to serve Prometheus metrics on (off when empty)
//	-log-level string     Log level: debug, info, warn, error (default "info")
//	-tls-insecure         Skip TLS certificate verification (testing only)
//
// Examples:
//
//	# Expose a local HTTP server through a relay
//	warp-expose -relay wss://relay.example.com/register -token-file /run/warp/token
//
//	# Everything from a config file, with metrics
//	warp-expose -config /etc/warp/expose.yaml -metrics :9090
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/warp-proto/warp-go/pkg/client"
	"github.com/warp-proto/warp-go/pkg/metrics"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "warp-expose: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config, logger *slog.Logger) error {
	clientCfg := client.Config{
		RelayURL:   cfg.Relay,
		ClientID:   cfg.ClientID,
		Authorizer: cfg.authorizer(),
		Logger:     logger,
	}
	if strings.HasPrefix(cfg.Relay, "wss://") {
		clientCfg.TLSConfig = &tls.Config{InsecureSkipVerify: cfg.TLSInsecure}
	}

	c, err := client.New(clientCfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if cfg.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			logger.Info("serving metrics", "addr", cfg.Metrics)
			if err := http.ListenAndServe(cfg.Metrics, mux); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		_ = c.Close()
	}()

	logger.Info("tunnel starting", "relay", cfg.Relay, "target", cfg.Target)
	return serve(c, cfg.Target, logger)
}

// serve is the accept loop: temporary errors (mid-reconnect) are
// retried, anything else ends the process.
func serve(ln net.Listener, target string, logger *slog.Logger) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			if errors.Is(err, client.ErrClientClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			forward(conn, target, logger)
		}()
	}
}

// forward proxies one virtual connection to the local service.
func forward(conn net.Conn, target string, logger *slog.Logger) {
	defer conn.Close()

	local, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		logger.Warn("local service unreachable", "target", target, "error", err)
		return
	}
	defer local.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(local, conn)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(conn, local)
		done <- struct{}{}
	}()
	// Either direction ending tears the pair down.
	<-done
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "", "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// authorizer builds the token source: a static token, or a file
// re-read on every handshake so rotated tokens are picked up without
// a restart.
func (c *config) authorizer() client.Authorizer {
	if c.TokenFile != "" {
		path := c.TokenFile
		return func(context.Context) (string, error) {
			data, err := os.ReadFile(path)
			if err != nil {
				return "", fmt.Errorf("reading token file: %w", err)
			}
			return strings.TrimSpace(string(data)), nil
		}
	}
	token := c.Token
	return func(context.Context) (string, error) {
		if token == "" {
			return "", fmt.Errorf("no token configured")
		}
		return token, nil
	}
}

func (c *config) validate() error {
	if c.Relay == "" {
		return fmt.Errorf("relay URL is required (-relay or config file)")
	}
	if _, err := url.Parse(c.Relay); err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}
	if c.Target == "" {
		return fmt.Errorf("target address is required")
	}
	if c.Token == "" && c.TokenFile == "" {
		return fmt.Errorf("an auth token is required (-token or -token-file)")
	}
	return nil
}
