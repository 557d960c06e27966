package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes tunnel events to an slog.Logger.
// Useful for development when you want to see tunnel events in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}

	// Add optional identifiers
	if event.Generation != "" {
		attrs = append(attrs, slog.String("generation", event.Generation))
	}
	if event.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", event.ClientID))
	}
	if event.RelayAddr != "" {
		attrs = append(attrs, slog.String("relay", event.RelayAddr))
	}
	if event.StreamID != 0 {
		attrs = append(attrs, slog.Uint64("stream", uint64(event.StreamID)))
	}

	// Add type-specific attributes
	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.String("kind", event.Frame.Kind),
			slog.Int("frame_size", event.Frame.Size),
		)
		if event.Frame.Truncated {
			attrs = append(attrs, slog.Bool("truncated", true))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Retry != nil:
		attrs = append(attrs,
			slog.Int("attempt", event.Retry.Attempt),
			slog.Duration("delay", event.Retry.Delay),
			slog.Duration("elapsed", event.Retry.Elapsed),
		)
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
		)
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "tunnel", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
