package mux

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/warp-proto/warp-go/pkg/wire"
)

// maxDataChunk caps the payload of one outbound Data frame. Smaller
// than the wire limit so a large write never monopolizes the tunnel.
const maxDataChunk = 64 * 1024

// Stream is one virtual connection multiplexed over the tunnel. It
// implements net.Conn. Reads drain an inbound buffer filled by the
// session; writes are chunked into Data frames and gated by the
// flow-control send window.
type Stream struct {
	id   uint32
	sess *Session

	// writeOpMu serializes whole Write calls so concurrent writers
	// never interleave their chunks on the wire.
	writeOpMu sync.Mutex

	mu        sync.Mutex
	readCond  *sync.Cond
	writeCond *sync.Cond

	buf          bytes.Buffer
	remoteClosed bool
	localClosed  bool
	failErr      error

	sendWindow int
	recvWindow int
	consumed   int

	readDeadline  streamDeadline
	writeDeadline streamDeadline
}

func newStream(sess *Session, id uint32, window int) *Stream {
	st := &Stream{
		id:         id,
		sess:       sess,
		sendWindow: window,
		recvWindow: window,
	}
	st.readCond = sync.NewCond(&st.mu)
	st.writeCond = sync.NewCond(&st.mu)
	return st
}

// ID returns the stream id assigned by the relay.
func (st *Stream) ID() uint32 {
	return st.id
}

// Err returns the stream's terminal error, or nil while it is usable.
// A non-nil result means the stream died with its generation.
func (st *Stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.failErr
}

// Read drains buffered inbound data, blocking while the buffer is
// empty. After the relay closes the stream, buffered data still
// drains before io.EOF. After the generation dies, Read fails
// immediately with the session's terminal error, buffered data
// included: bytes from a dead generation must never pass as current.
func (st *Stream) Read(p []byte) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for {
		if st.failErr != nil {
			return 0, st.failErr
		}
		if st.localClosed {
			return 0, net.ErrClosed
		}
		if st.buf.Len() > 0 {
			break
		}
		if st.remoteClosed {
			return 0, io.EOF
		}
		if st.readDeadline.expired() {
			return 0, os.ErrDeadlineExceeded
		}
		st.readCond.Wait()
	}

	n, _ := st.buf.Read(p)
	st.noteConsumed(n)
	return n, nil
}

// noteConsumed grants receive credit back to the relay once half the
// window has been drained. Called with st.mu held.
func (st *Stream) noteConsumed(n int) {
	st.consumed += n
	if st.consumed < st.recvWindow/2 || st.remoteClosed || st.failErr != nil {
		return
	}
	credit := st.consumed
	st.consumed = 0
	st.sess.sendUpdate(st.id, credit)
}

// Write sends p as one or more Data frames, blocking whenever the
// send window is exhausted until the relay grants more credit.
// Chunks of a single Write are never interleaved with another
// writer's.
func (st *Stream) Write(p []byte) (int, error) {
	st.writeOpMu.Lock()
	defer st.writeOpMu.Unlock()

	total := 0
	for len(p) > 0 {
		n, err := st.reserveWindow(len(p))
		if err != nil {
			return total, err
		}

		if err := st.sess.writer.WriteFrame(wire.DataFrame(st.id, p[:n])); err != nil {
			return total, fmt.Errorf("stream %d write: %w", st.id, err)
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

// reserveWindow blocks until send credit is available and claims up to
// max bytes of it.
func (st *Stream) reserveWindow(max int) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for {
		if st.failErr != nil {
			return 0, st.failErr
		}
		if st.localClosed || st.remoteClosed {
			return 0, net.ErrClosed
		}
		if st.sendWindow > 0 {
			break
		}
		if st.writeDeadline.expired() {
			return 0, os.ErrDeadlineExceeded
		}
		st.writeCond.Wait()
	}

	n := max
	if n > st.sendWindow {
		n = st.sendWindow
	}
	if n > maxDataChunk {
		n = maxDataChunk
	}
	st.sendWindow -= n
	return n, nil
}

// Close ends the stream locally and tells the relay. Idempotent.
// Pending reads and writes unblock with net.ErrClosed.
func (st *Stream) Close() error {
	st.mu.Lock()
	if st.localClosed || st.failErr != nil {
		st.mu.Unlock()
		return nil
	}
	st.localClosed = true
	alreadyDead := st.remoteClosed
	st.readCond.Broadcast()
	st.writeCond.Broadcast()
	st.mu.Unlock()

	st.sess.removeStream(st.id)
	if !alreadyDead && st.sess.Err() == nil {
		_ = st.sess.writer.WriteFrame(wire.CloseFrame(st.id))
	}
	return nil
}

// LocalAddr returns the tunnel's relay-assigned local address.
func (st *Stream) LocalAddr() net.Addr {
	return st.sess.cfg.LocalAddr
}

// RemoteAddr returns the relay's address.
func (st *Stream) RemoteAddr() net.Addr {
	return st.sess.cfg.RemoteAddr
}

// SetDeadline sets both read and write deadlines.
func (st *Stream) SetDeadline(t time.Time) error {
	if err := st.SetReadDeadline(t); err != nil {
		return err
	}
	return st.SetWriteDeadline(t)
}

// SetReadDeadline sets the deadline for future and pending Read calls.
func (st *Stream) SetReadDeadline(t time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.readDeadline.set(t, st.readCond)
	return nil
}

// SetWriteDeadline sets the deadline for future and pending Write
// calls.
func (st *Stream) SetWriteDeadline(t time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.writeDeadline.set(t, st.writeCond)
	return nil
}

// push appends inbound payload to the read buffer. Returns an error
// when the relay overruns the receive window.
func (st *Stream) push(payload []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.failErr != nil || st.localClosed || st.remoteClosed {
		// The stream is done; late data is dropped.
		return nil
	}
	if st.buf.Len()+st.consumed+len(payload) > st.recvWindow {
		return fmt.Errorf("receive window overrun: %d buffered + %d inbound exceeds %d",
			st.buf.Len(), len(payload), st.recvWindow)
	}
	st.buf.Write(payload)
	st.readCond.Broadcast()
	return nil
}

// remoteClose marks the stream closed by the relay. Buffered data
// remains readable; writes fail from now on.
func (st *Stream) remoteClose() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.remoteClosed || st.failErr != nil {
		return
	}
	st.remoteClosed = true
	st.readCond.Broadcast()
	st.writeCond.Broadcast()
}

// grantCredit raises the send window after an Update frame.
func (st *Stream) grantCredit(n int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.sendWindow += n
	st.writeCond.Broadcast()
}

// fail terminates the stream with the session's error. First error
// sticks; every blocked and future operation reports it.
func (st *Stream) fail(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.failErr != nil {
		return
	}
	st.failErr = err
	st.readCond.Broadcast()
	st.writeCond.Broadcast()
}

// streamDeadline is a deadline that wakes blocked waiters when it
// fires. Guarded by the stream mutex.
type streamDeadline struct {
	t     time.Time
	timer *time.Timer
}

// set installs a new deadline. A past deadline wakes waiters
// immediately; a zero time clears it.
func (d *streamDeadline) set(t time.Time, cond *sync.Cond) {
	d.t = t
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if t.IsZero() {
		return
	}
	if dur := time.Until(t); dur > 0 {
		d.timer = time.AfterFunc(dur, cond.Broadcast)
	} else {
		cond.Broadcast()
	}
}

func (d *streamDeadline) expired() bool {
	return !d.t.IsZero() && !time.Now().Before(d.t)
}

var _ net.Conn = (*Stream)(nil)
