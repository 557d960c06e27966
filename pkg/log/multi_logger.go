package log

// MultiLogger fans events out to several loggers, typically a
// FileLogger capture plus a SlogAdapter for live diagnostics.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger creates a logger fanning out to loggers in order.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	return &MultiLogger{loggers: loggers}
}

// Log hands the event to every configured logger.
func (m *MultiLogger) Log(event Event) {
	for _, l := range m.loggers {
		l.Log(event)
	}
}

// Compile-time interface satisfaction check.
var _ Logger = (*MultiLogger)(nil)
