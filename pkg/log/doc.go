// Package log provides structured protocol logging for warp clients.
//
// This package defines the Logger interface and Event types for capturing
// tunnel events at multiple layers (transport, wire, client). It is
// separate from operational logging (slog) - protocol capture provides a
// complete machine-readable event trace for debugging connection drops,
// retry behavior and stream lifecycles after the fact.
//
// # Basic Usage
//
// Applications configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For production: write to binary file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("/var/log/warp/client.wlog")
//
//	// Both: use MultiLogger
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    log.NewFileLogger("/var/log/warp/client.wlog"),
//	)
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Transport: tunnel frames crossing the websocket (FrameEvent)
//   - Client: state transitions and retry attempts (StateChangeEvent,
//     RetryEvent)
//
// Errors at any layer have a dedicated event type.
//
// # File Format
//
// Log files use CBOR encoding with .wlog extension. Reader streams a
// capture back, optionally filtered by generation, stream or time range.
package log
