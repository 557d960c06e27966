package client

import "net"

// clientError implements net.Error. Every error this package returns
// answers Temporary and Timeout so generic retry-aware callers (for
// example net/http's Serve loop) apply their usual resilience policy
// without special-casing this transport.
type clientError struct {
	errString string
	reconnect bool
	timeout   bool
}

func (c clientError) Error() string {
	return c.errString
}

func (c clientError) Temporary() bool {
	return c.reconnect
}

func (c clientError) Timeout() bool {
	return c.timeout
}

var (
	// ErrRetryTimedOut is returned when a reconnect episode exceeds
	// MaxElapsedTime. The client is Closed afterwards.
	ErrRetryTimedOut = clientError{timeout: true, errString: "retry timed out"}

	// ErrBadToken is returned when a usable token can not be obtained
	// from the authorizer or the relay rejected the token.
	ErrBadToken = clientError{errString: "bad auth token"}

	// ErrRetryFailed is returned when reconnect attempts are exhausted
	// by a criterion other than elapsed time.
	ErrRetryFailed = clientError{errString: "retry failed"}

	// ErrClientReconnecting is returned while the tunnel is down and a
	// reconnect is in progress. This is a temporary error.
	ErrClientReconnecting = clientError{errString: "client reconnecting", reconnect: true}

	// ErrClientClosed is returned from any call after the client is
	// closed.
	ErrClientClosed = clientError{errString: "client closed"}

	// ErrAuthorizerNotProvided is returned from New when an Authorizer
	// is not provided.
	ErrAuthorizerNotProvided = clientError{errString: "authorizer function was not provided to client"}

	// ErrTLSConfigRequired is returned from New when the relay URL is
	// wss:// and no TLS config was provided.
	ErrTLSConfigRequired = clientError{errString: "tls config must be provided to use secure connections"}
)

var _ net.Error = clientError{}

// wrappedError attaches a cause to a taxonomy error. The sentinel
// stays matchable with errors.Is and the net.Error predicates carry
// over.
type wrappedError struct {
	clientError
	cause error
}

func (w wrappedError) Error() string {
	return w.errString + ": " + w.cause.Error()
}

func (w wrappedError) Unwrap() error {
	return w.cause
}

func (w wrappedError) Is(target error) bool {
	return target == w.clientError
}

// wrapErr attaches cause to base, or returns base untouched when
// there is nothing to attach.
func wrapErr(base clientError, cause error) error {
	if cause == nil {
		return base
	}
	return wrappedError{clientError: base, cause: cause}
}
