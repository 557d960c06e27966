package mux

import (
	"bytes"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/warp-proto/warp-go/pkg/wire"
)

func TestStreamWriteChunksToWindow(t *testing.T) {
	s, w := newTestSession(t, Config{InitialWindow: 4})
	st := open(t, s, 1)

	done := make(chan error, 1)
	go func() {
		_, err := st.Write([]byte("abcdefgh"))
		done <- err
	}()

	// The first 4 bytes go out, then the writer blocks on credit.
	deadline := time.Now().Add(time.Second)
	for len(w.dataBytes(1)) < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := w.dataBytes(1); !bytes.Equal(got, []byte("abcd")) {
		t.Fatalf("sent %q before credit, want %q", got, "abcd")
	}
	select {
	case err := <-done:
		t.Fatalf("write finished without credit: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	if err := s.HandleFrame(wire.UpdateFrame(1, 4)); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("write: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("write did not resume on credit")
	}
	if got := w.dataBytes(1); !bytes.Equal(got, []byte("abcdefgh")) {
		t.Errorf("sent %q, want %q", got, "abcdefgh")
	}
}

func TestStreamReadGrantsCreditBack(t *testing.T) {
	s, w := newTestSession(t, Config{InitialWindow: 8})
	st := open(t, s, 1)

	// Drain more than half the window; an Update must go out.
	if err := s.HandleFrame(wire.DataFrame(1, []byte("123456"))); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 6)
	read := 0
	for read < 6 {
		n, err := st.Read(buf[read:])
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		read += n
	}

	updates := w.byKind(wire.KindUpdate)
	if len(updates) != 1 {
		t.Fatalf("updates sent = %d, want 1", len(updates))
	}
	credit, err := wire.DecodeUpdate(updates[0].Payload)
	if err != nil {
		t.Fatal(err)
	}
	if credit != 6 {
		t.Errorf("credit granted = %d, want 6", credit)
	}
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	s, w := newTestSession(t, Config{})
	st := open(t, s, 2)

	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	closes := w.byKind(wire.KindClose)
	if len(closes) != 1 {
		t.Errorf("close frames sent = %d, want 1", len(closes))
	}
	if _, err := st.Read(make([]byte, 1)); !errors.Is(err, net.ErrClosed) {
		t.Errorf("read after close returned %v, want net.ErrClosed", err)
	}
	if _, err := st.Write([]byte("x")); !errors.Is(err, net.ErrClosed) {
		t.Errorf("write after close returned %v, want net.ErrClosed", err)
	}
	if got := s.StreamCount(); got != 0 {
		t.Errorf("StreamCount() = %d, want 0", got)
	}
}

func TestStreamReadDeadline(t *testing.T) {
	s, _ := newTestSession(t, Config{})
	st := open(t, s, 1)

	t.Run("expired deadline fails immediately", func(t *testing.T) {
		if err := st.SetReadDeadline(time.Now().Add(-time.Second)); err != nil {
			t.Fatal(err)
		}
		if _, err := st.Read(make([]byte, 1)); !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Errorf("read returned %v, want os.ErrDeadlineExceeded", err)
		}
	})

	t.Run("deadline wakes a blocked read", func(t *testing.T) {
		if err := st.SetReadDeadline(time.Now().Add(30 * time.Millisecond)); err != nil {
			t.Fatal(err)
		}
		start := time.Now()
		_, err := st.Read(make([]byte, 1))
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			t.Errorf("read returned %v, want os.ErrDeadlineExceeded", err)
		}
		if time.Since(start) > time.Second {
			t.Error("read did not wake near the deadline")
		}
	})

	t.Run("clearing the deadline unblocks reads", func(t *testing.T) {
		if err := st.SetReadDeadline(time.Time{}); err != nil {
			t.Fatal(err)
		}
		if err := s.HandleFrame(wire.DataFrame(1, []byte("ok"))); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 2)
		if n, err := st.Read(buf); err != nil || string(buf[:n]) != "ok" {
			t.Errorf("read = %q, %v", buf[:n], err)
		}
	})
}

func TestStreamWriteDeadline(t *testing.T) {
	s, _ := newTestSession(t, Config{InitialWindow: 1})
	st := open(t, s, 1)

	// Exhaust the window, then a deadline must fail the blocked write.
	if _, err := st.Write([]byte("a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := st.SetWriteDeadline(time.Now().Add(30 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	n, err := st.Write([]byte("b"))
	if !errors.Is(err, os.ErrDeadlineExceeded) {
		t.Errorf("write returned (%d, %v), want os.ErrDeadlineExceeded", n, err)
	}
}

func TestStreamAddrs(t *testing.T) {
	local := fakeAddr("wrp-1.relay.test:443")
	remote := fakeAddr("relay.test:443")
	w := &fakeWriter{}
	s := NewSession(Config{Writer: w, LocalAddr: local, RemoteAddr: remote})
	st := open(t, s, 1)

	if st.LocalAddr() != local {
		t.Errorf("LocalAddr() = %v, want %v", st.LocalAddr(), local)
	}
	if st.RemoteAddr() != remote {
		t.Errorf("RemoteAddr() = %v, want %v", st.RemoteAddr(), remote)
	}
}

type fakeAddr string

func (fakeAddr) Network() string  { return "test" }
func (a fakeAddr) String() string { return string(a) }
