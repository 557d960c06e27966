package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp-proto/warp-go/internal/relaytest"
	"github.com/warp-proto/warp-go/pkg/connection"
	"github.com/warp-proto/warp-go/pkg/log"
	"github.com/warp-proto/warp-go/pkg/transport"
)

// staticAuthorizer always hands out the same token.
func staticAuthorizer(token string) Authorizer {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// fastBackoff keeps test reconnects quick.
func fastBackoff() connection.Backoff {
	return connection.Backoff{
		Initial:        10 * time.Millisecond,
		Max:            50 * time.Millisecond,
		Multiplier:     2.0,
		MaxElapsedTime: 5 * time.Second,
	}
}

func newTestClient(t *testing.T, relay *relaytest.Relay, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		RelayURL:   relay.URL(),
		ClientID:   "test-worker",
		Authorizer: staticAuthorizer("T1"),
		Backoff:    fastBackoff(),
		KeepAlive: transport.KeepAliveConfig{
			PingInterval:   time.Hour, // keepalive quiet unless a test wants it
			PongTimeout:    time.Second,
			MaxMissedPongs: 3,
		},
		HandshakeTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// acceptAsync runs one Accept in the background.
func acceptAsync(c *Client) (<-chan net.Conn, <-chan error) {
	conns := make(chan net.Conn, 1)
	errs := make(chan error, 1)
	go func() {
		conn, err := c.Accept()
		if err != nil {
			errs <- err
			return
		}
		conns <- conn
	}()
	return conns, errs
}

// acceptRetry accepts with the retry-on-Temporary convention generic
// server loops follow.
func acceptRetry(t *testing.T, c *Client, timeout time.Duration) net.Conn {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		conn, err := c.Accept()
		if err == nil {
			return conn
		}
		var ne net.Error
		if !errors.As(err, &ne) || !ne.Temporary() || time.Now().After(deadline) {
			t.Fatalf("accept: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewValidation(t *testing.T) {
	authorizer := staticAuthorizer("tok")

	t.Run("missing authorizer", func(t *testing.T) {
		_, err := New(Config{RelayURL: "ws://relay.test"})
		assert.ErrorIs(t, err, ErrAuthorizerNotProvided)
	})

	t.Run("wss without TLS config", func(t *testing.T) {
		_, err := New(Config{RelayURL: "wss://relay.test", Authorizer: authorizer})
		assert.ErrorIs(t, err, ErrTLSConfigRequired)
	})

	t.Run("wss with TLS config", func(t *testing.T) {
		_, err := New(Config{
			RelayURL:   "wss://relay.test",
			Authorizer: authorizer,
			TLSConfig:  &tls.Config{},
		})
		assert.NoError(t, err)
	})

	t.Run("bad scheme", func(t *testing.T) {
		_, err := New(Config{RelayURL: "http://relay.test", Authorizer: authorizer})
		assert.Error(t, err)
	})

	t.Run("missing host", func(t *testing.T) {
		_, err := New(Config{RelayURL: "ws://", Authorizer: authorizer})
		assert.Error(t, err)
	})
}

func TestAcceptDeliversStream(t *testing.T) {
	relay := relaytest.New(nil)
	defer relay.Close()
	c := newTestClient(t, relay, nil)

	conns, errs := acceptAsync(c)

	sess, err := relay.WaitSession(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "T1", sess.Hello().Token)
	assert.Equal(t, "test-worker", sess.Hello().ClientID)

	require.NoError(t, sess.OpenStream(7))
	require.NoError(t, sess.Send(7, []byte("ab")))
	require.NoError(t, sess.Send(7, []byte("cd")))

	var conn net.Conn
	select {
	case conn = <-conns:
	case err := <-errs:
		t.Fatalf("accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept did not deliver the stream")
	}

	buf := make([]byte, 16)
	got := ""
	for len(got) < 4 {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got += string(buf[:n])
	}
	assert.Equal(t, "abcd", got)

	// Writes travel back to the relay tagged with the stream id.
	_, err = conn.Write([]byte("pong"))
	require.NoError(t, err)
	data, err := sess.WaitReceived(7, 4, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))
}

func TestAddrIsRelayAssigned(t *testing.T) {
	relay := relaytest.New(nil)
	defer relay.Close()
	c := newTestClient(t, relay, nil)

	assert.Equal(t, "warp", c.Addr().Network())

	conns, errs := acceptAsync(c)
	sess, err := relay.WaitSession(2 * time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.Addr().String() == sess.Addr()
	}, 2*time.Second, 10*time.Millisecond, "Addr() never took the relay-assigned value")

	require.NoError(t, sess.OpenStream(1))
	select {
	case conn := <-conns:
		assert.Equal(t, sess.Addr(), conn.LocalAddr().String())
	case err := <-errs:
		t.Fatalf("accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}
}

func TestCloseIsIdempotentAndImmediate(t *testing.T) {
	relay := relaytest.New(nil)
	defer relay.Close()
	c := newTestClient(t, relay, nil)

	_, errs := acceptAsync(c)
	_, err := relay.WaitSession(2 * time.Second)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "second close must not fail")

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending accept not unblocked by close")
	}

	// Subsequent accepts fail immediately, without blocking.
	start := time.Now()
	_, err = c.Accept()
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, connection.StateClosed, c.State())
}

func TestTransportDropFailsStreamsAndReconnects(t *testing.T) {
	relay := relaytest.New(nil)
	defer relay.Close()
	c := newTestClient(t, relay, nil)

	conns, errs := acceptAsync(c)
	sess, err := relay.WaitSession(2 * time.Second)
	require.NoError(t, err)

	require.NoError(t, sess.OpenStream(1))
	require.NoError(t, sess.OpenStream(2))

	var first net.Conn
	select {
	case first = <-conns:
	case err := <-errs:
		t.Fatalf("accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}
	second, err := c.Accept()
	require.NoError(t, err)

	// Park a blocked read on each stream, then kill the transport.
	readErrs := make(chan error, 2)
	for _, conn := range []net.Conn{first, second} {
		go func(conn net.Conn) {
			_, err := conn.Read(make([]byte, 4))
			readErrs <- err
		}(conn)
	}
	time.Sleep(50 * time.Millisecond)
	sess.Drop()

	for i := 0; i < 2; i++ {
		select {
		case err := <-readErrs:
			require.ErrorIs(t, err, ErrClientReconnecting)
			var ne net.Error
			require.ErrorAs(t, err, &ne)
			assert.True(t, ne.Temporary(), "generation-death error must be temporary")
		case <-time.After(2 * time.Second):
			t.Fatal("blocked stream read not unblocked by transport loss")
		}
	}

	// The client reconnects on its own; a new accept succeeds without
	// reconstruction. Per the net.Error convention, temporary errors
	// mean "call again".
	sess2, err := relay.WaitSession(5 * time.Second)
	require.NoError(t, err)
	require.NoError(t, sess2.OpenStream(10))
	conn := acceptRetry(t, c, 5*time.Second)
	require.NoError(t, sess2.Send(10, []byte("hi")))
	buf := make([]byte, 2)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf))
}

func TestLongUptimeDoesNotBurnRetryBudget(t *testing.T) {
	relay := relaytest.New(nil)
	defer relay.Close()
	c := newTestClient(t, relay, func(cfg *Config) {
		cfg.Backoff = connection.Backoff{
			Initial:        20 * time.Millisecond,
			Max:            50 * time.Millisecond,
			MaxElapsedTime: 300 * time.Millisecond,
		}
	})

	go func() { _, _ = c.Accept() }()
	sess, err := relay.WaitSession(2 * time.Second)
	require.NoError(t, err)

	// Stay connected well past the retry ceiling before dropping. The
	// ceiling bounds a run of reconnect attempts, not the tunnel's
	// lifetime; healthy uptime must leave the budget untouched.
	time.Sleep(500 * time.Millisecond)
	sess.Drop()

	sess2, err := relay.WaitSession(2 * time.Second)
	require.NoError(t, err, "no reconnect after uptime exceeding the retry ceiling")
	require.NoError(t, sess2.OpenStream(1))
	conn := acceptRetry(t, c, 2*time.Second)
	require.NoError(t, sess2.Send(1, []byte("ok")))
	buf := make([]byte, 2)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))
	assert.Equal(t, connection.StateConnected, c.State())
}

// stateRecorder captures state-change events for transition checks.
type stateRecorder struct {
	mu      sync.Mutex
	changes [][2]string
}

func (r *stateRecorder) Log(e log.Event) {
	if e.StateChange == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, [2]string{e.StateChange.OldState, e.StateChange.NewState})
}

func (r *stateRecorder) snapshot() [][2]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][2]string(nil), r.changes...)
}

func TestStateTransitionsFollowTable(t *testing.T) {
	byName := map[string]connection.State{
		"IDLE":         connection.StateIdle,
		"CONNECTING":   connection.StateConnecting,
		"CONNECTED":    connection.StateConnected,
		"RECONNECTING": connection.StateReconnecting,
		"CLOSED":       connection.StateClosed,
	}

	relay := relaytest.New(nil)
	defer relay.Close()
	rec := &stateRecorder{}
	c := newTestClient(t, relay, func(cfg *Config) {
		cfg.EventLogger = rec
	})

	// Full lifecycle: connect, lose the tunnel, reconnect, close.
	go func() { _, _ = c.Accept() }()
	sess, err := relay.WaitSession(2 * time.Second)
	require.NoError(t, err)
	sess.Drop()
	_, err = relay.WaitSession(5 * time.Second)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.State() == connection.StateConnected
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())

	changes := rec.snapshot()
	require.NotEmpty(t, changes)
	for i, ch := range changes {
		from, ok := byName[ch[0]]
		require.True(t, ok, "unknown state name %q", ch[0])
		to, ok := byName[ch[1]]
		require.True(t, ok, "unknown state name %q", ch[1])
		assert.True(t, connection.CanTransition(from, to),
			"change %d: %s -> %s not allowed by the transition table", i, ch[0], ch[1])
		if i > 0 {
			assert.Equal(t, changes[i-1][1], ch[0],
				"change %d does not chain from the previous state", i)
		}
	}
	// The lifecycle touched the whole machine.
	assert.Equal(t, [2]string{"IDLE", "CONNECTING"}, changes[0])
	assert.Equal(t, "CLOSED", changes[len(changes)-1][1])
}

func TestAcceptDuringReconnectIsTemporary(t *testing.T) {
	relay := relaytest.New(nil)
	defer relay.Close()
	c := newTestClient(t, relay, func(cfg *Config) {
		// Long delays keep the client mid-reconnect while we probe it.
		cfg.Backoff = connection.Backoff{
			Initial:        2 * time.Second,
			Max:            2 * time.Second,
			MaxElapsedTime: time.Minute,
		}
	})

	_, errs := acceptAsync(c)
	sess, err := relay.WaitSession(2 * time.Second)
	require.NoError(t, err)

	sess.Drop()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrClientReconnecting)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked accept not unblocked by transport loss")
	}

	// A fresh call mid-reconnect reports the same temporary error.
	_, err = c.Accept()
	require.ErrorIs(t, err, ErrClientReconnecting)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Temporary())
	assert.False(t, ne.Timeout())
}

func TestRetryTimedOut(t *testing.T) {
	relay := relaytest.New(nil)
	relay.Close() // nothing listens: every connect attempt fails

	boom := errors.New("token service down")
	c := newTestClient(t, relay, func(cfg *Config) {
		cfg.Authorizer = func(context.Context) (string, error) {
			return "", boom
		}
		cfg.Backoff = connection.Backoff{
			Initial:        50 * time.Millisecond,
			Max:            50 * time.Millisecond,
			MaxElapsedTime: 500 * time.Millisecond,
		}
	})

	start := time.Now()
	_, err := c.Accept()
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrRetryTimedOut)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
	assert.False(t, ne.Temporary())

	// Approximately the configured ceiling: not materially before,
	// not indefinitely after.
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)

	assert.Equal(t, connection.StateClosed, c.State())
	_, err = c.Accept()
	assert.ErrorIs(t, err, ErrRetryTimedOut)
}

func TestRetryFailedOnAttemptBudget(t *testing.T) {
	relay := relaytest.New(nil)
	relay.Close()

	c := newTestClient(t, relay, func(cfg *Config) {
		cfg.Backoff = connection.Backoff{
			Initial:        10 * time.Millisecond,
			Max:            10 * time.Millisecond,
			MaxElapsedTime: time.Minute,
			MaxAttempts:    3,
		}
	})

	_, err := c.Accept()
	require.ErrorIs(t, err, ErrRetryFailed)
	assert.Equal(t, connection.StateClosed, c.State())
}

func TestRejectedTokenIsNeverResent(t *testing.T) {
	// The relay accepts only T2; T1 is rejected as invalid.
	relay := relaytest.New(func(token string) (bool, string, string) {
		if token != "T2" {
			return false, "", "token expired"
		}
		return true, "", ""
	})
	defer relay.Close()

	var calls atomic.Int32
	c := newTestClient(t, relay, func(cfg *Config) {
		cfg.Authorizer = func(context.Context) (string, error) {
			if calls.Add(1) == 1 {
				return "T1", nil
			}
			return "T2", nil
		}
	})

	conns, errs := acceptAsync(c)

	// First attempt carries T1 and is rejected; the client must
	// re-authorize and land with T2.
	sess, err := relay.WaitSession(5 * time.Second)
	require.NoError(t, err)
	if sess.Hello().Token == "T1" {
		// The rejected handshake's session is not delivered; only
		// accepted ones are. Token T1 must never reach here.
		t.Fatalf("rejected token resent")
	}
	assert.Equal(t, "T2", sess.Hello().Token)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))

	require.NoError(t, sess.OpenStream(1))
	select {
	case <-conns:
	case err := <-errs:
		t.Fatalf("accept: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out after re-authorization")
	}
}

func TestAuthorizerStuckOnRejectedToken(t *testing.T) {
	relay := relaytest.New(func(string) (bool, string, string) {
		return false, "", "not today"
	})
	defer relay.Close()

	c := newTestClient(t, relay, func(cfg *Config) {
		cfg.Authorizer = staticAuthorizer("T1") // never changes
		cfg.Backoff = connection.Backoff{
			Initial:        10 * time.Millisecond,
			Max:            10 * time.Millisecond,
			MaxElapsedTime: 400 * time.Millisecond,
		}
	})

	_, err := c.Accept()
	// The episode ends at the ceiling; the rejected token was the
	// cause but the terminal error reflects the exhausted retries.
	require.ErrorIs(t, err, ErrRetryTimedOut)
}

func TestRelayPingIsAnswered(t *testing.T) {
	relay := relaytest.New(nil)
	defer relay.Close()
	c := newTestClient(t, relay, nil)

	go func() { _, _ = c.Accept() }()
	sess, err := relay.WaitSession(2 * time.Second)
	require.NoError(t, err)

	require.NoError(t, sess.Ping(42))
	require.Eventually(t, func() bool {
		for _, seq := range sess.Pongs() {
			if seq == 42 {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond, "relay ping never answered")
}

func TestCloseInterruptsBackoffSleep(t *testing.T) {
	relay := relaytest.New(nil)
	relay.Close()

	c := newTestClient(t, relay, func(cfg *Config) {
		cfg.Backoff = connection.Backoff{
			Initial:        time.Hour, // close must not wait this out
			Max:            time.Hour,
			MaxElapsedTime: 24 * time.Hour,
		}
	})

	_, errs := acceptAsync(c)
	time.Sleep(100 * time.Millisecond) // let the first attempt fail into backoff

	start := time.Now()
	require.NoError(t, c.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("accept not unblocked while client slept in backoff")
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcceptWorksAsNetListener(t *testing.T) {
	relay := relaytest.New(nil)
	defer relay.Close()
	c := newTestClient(t, relay, nil)

	var ln net.Listener = c
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				var ne net.Error
				if errors.As(err, &ne) && ne.Temporary() {
					continue
				}
				return
			}
			go func() {
				defer conn.Close()
				fmt.Fprint(conn, "hello from the worker")
			}()
		}
	}()

	sess, err := relay.WaitSession(2 * time.Second)
	require.NoError(t, err)
	require.NoError(t, sess.OpenStream(3))

	data, err := sess.WaitReceived(3, len("hello from the worker"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello from the worker", string(data))
}
