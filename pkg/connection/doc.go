// Package connection provides the reconnect schedule and state machine
// for a warp client.
//
// This package handles:
//   - Exponential backoff for reconnection attempts
//   - Jitter to prevent thundering herd
//   - The episode time ceiling that bounds one reconnect run
//   - Client state tracking
//
// # Reconnection Strategy
//
// When the tunnel is lost, the client retries with exponential backoff:
//
//  1. Initial delay: 500 milliseconds
//  2. Exponential increase: 1s, 2s, 4s, 8s, ...
//  3. Maximum single delay: 60 seconds
//  4. Episode ends once elapsed time reaches MaxElapsedTime
//  5. Reset on successful handshake
//
// An Episode measures elapsed time from the first attempt of the
// current run, never from client startup or the previous handshake, so
// a client that ran connected for days still gets a full retry budget
// when the tunnel drops.
//
// # Jitter
//
// To prevent thundering herd when many workers reconnect at once:
//
//	actual_delay = base_delay + random(0, base_delay * jitter)
//
// Jitter never extends the episode ceiling: the last delay of an episode
// is clipped so the episode ends at MaxElapsedTime, not after it.
//
// # Success Criteria
//
// A reconnection is successful only when the relay handshake completes
// (Welcome with ok=true). Transport-level success followed by a
// handshake rejection does not reset the episode.
package connection
