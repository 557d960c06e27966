// Package client implements the reconnecting tunnel client.
//
// A worker process that cannot accept inbound connections uses a
// Client to behave like a normal server socket anyway: the client
// opens one outbound, authenticated websocket to a relay and exposes
// the virtual connections the relay multiplexes over it through the
// standard net.Listener interface.
//
// # Lifecycle
//
// New validates the configuration synchronously and performs no I/O.
// The first Accept dials the relay, authenticates with a token from
// the configured Authorizer and starts the accept queue. When the
// transport fails, the client reconnects on its own with exponential
// backoff; virtual connections of the dead generation fail with a
// temporary error and never resume against the new one. A reconnect
// episode whose elapsed time reaches Backoff.MaxElapsedTime closes the
// client for good.
//
// # Errors
//
// Every error returned by this package implements net.Error. Callers
// that follow the usual retry-on-Temporary convention, net/http's
// Serve loop among them, handle reconnection without special-casing
// this transport.
package client
