// Package mux demultiplexes virtual connections arriving over one
// physical relay connection.
//
// A Session belongs to exactly one connection generation. The client's
// read loop feeds it stream-scoped frames (Open, Data, Close, Update);
// the session routes them to Stream objects and queues newly opened
// streams for Accept. When the generation dies the whole session fails
// as a unit: every stream, queued or accepted, reports the session's
// terminal error from then on. A session is never reused across
// reconnects.
//
// # Streams
//
// Stream implements net.Conn. Reads drain a buffer filled by the read
// loop and block while it is empty. After the relay closes a stream,
// buffered data still drains before io.EOF. After the session fails,
// reads and writes fail immediately with the session error, buffered
// data included: data from a dead generation must never be mistaken
// for current.
//
// # Flow Control
//
// Writes consume send-window credit; an exhausted window blocks the
// writer until the relay grants more via an Update frame. The receive
// side grants credit back as the application drains a stream's buffer,
// half a window at a time.
package mux
