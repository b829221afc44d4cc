// Package websocket is a server- and client-capable implementation of the
// WebSocket protocol (RFC 6455, version 13).
//
// A [Conn] is the per-connection state machine: handshake, frame codec
// (via [pkg/wsframe]), control-frame semantics, and buffered text /
// streamed binary assembly. [Dial] creates a client-role Conn by
// performing the HTTP upgrade handshake against a server; [Server] accepts
// server-role Conns from inbound connections, after negotiating an
// optional subprotocol.
//
// How does this package optimize for availability at scale?
//  1. In-memory registry of live connections, keyed by a short opaque
//     token, for lookup and broadcast without tracking addresses.
//  2. Preemptively switch a [Conn]'s connection before an anticipated
//     disconnection, via [Conn.RefreshConnectionIn], to prevent downtime
//     during reconnections.
//  3. Detection of unexpected disconnections, reported as a close with
//     status 1006; the package does not reconnect on its own.
//  4. Idiomatic, minimalistic, and modern code patterns.
//
// Note: WebSocket [extensions] and subprotocol negotiation beyond RFC 6455
// §1.9 are not supported.
//
// [extensions]: https://www.iana.org/assignments/websocket/websocket.xhtml#extension-name
package websocket
