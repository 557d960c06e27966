package log

import (
	"os"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// CaptureFileExt is the conventional extension for tunnel capture
// files. A capture is a plain concatenation of CBOR-encoded events,
// readable with Reader.
const CaptureFileExt = ".wlog"

// FileLogger appends tunnel events to a .wlog capture file, one CBOR
// encoding per event with no framing in between. Captures from
// successive runs of the same client can share a file; the generation
// field keeps their events apart. Safe for concurrent use.
type FileLogger struct {
	path    string
	file    *os.File
	encoder *cbor.Encoder
	mu      sync.Mutex
	closed  bool
}

// NewFileLogger opens or creates the capture file at path and appends
// to it. The file is created with permissions 0644.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return &FileLogger{
		path:    path,
		file:    f,
		encoder: NewEncoder(f),
	}, nil
}

// Path returns the capture file path.
func (l *FileLogger) Path() string {
	return l.path
}

// Log appends one event to the capture. Encoding errors are swallowed;
// capture must never disturb the tunnel it observes.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	_ = l.encoder.Encode(event)
}

// Sync flushes the capture to stable storage, for reading a live
// capture mid-run.
func (l *FileLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	return l.file.Sync()
}

// Close closes the capture file. Idempotent; events logged after Close
// are silently dropped.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

var _ Logger = (*FileLogger)(nil)
