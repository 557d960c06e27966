// Package transport provides the physical connection between a warp
// client and a relay.
//
// The transport layer handles:
//   - Dialing the relay over websocket (ws or wss)
//   - TLS requirement validation for wss URLs
//   - One tunnel frame per websocket binary message
//   - Keep-alive ping/pong for connection liveness
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│      Tunnel Frames             │
//	├────────────────────────────────┤
//	│   Websocket (binary messages)  │
//	├────────────────────────────────┤
//	│     TLS (wss URLs only)        │
//	├────────────────────────────────┤
//	│           TCP                  │
//	└────────────────────────────────┘
//
// # TLS Requirements
//
// A wss relay URL requires a TLS configuration at dial time; dialing
// wss without one fails synchronously before any network I/O. Plain ws
// is intended for tests and local relays only.
//
// # Keep-Alive
//
// Connection liveness is monitored with tunnel-level Ping/Pong frames
// rather than websocket control frames, so liveness crosses relay
// middleboxes that terminate the websocket:
//   - Ping interval: 30 seconds
//   - Pong timeout: 5 seconds
//   - Max missed pongs: 3
//   - Maximum detection delay: 95 seconds
package transport
