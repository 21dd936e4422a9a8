// Package websocket is a lightweight yet robust server-side
// implementation of the WebSocket protocol (RFC 6455).
//
// It upgrades incoming HTTP/1.1 requests, reads masked text/binary
// messages from clients continuously and asynchronously, and enables
// concurrent writing of unmasked server messages.
//
// It is designed primarily for relaying opaque binary payloads at
// scale: each accepted connection runs exactly two goroutines (one
// reader, one writer), defragments incoming messages, and exposes
// them through a Go channel.
//
// Note A: writes are serialized through a channel, so any number of
// goroutines may send messages and control frames concurrently.
//
// Note B: WebSocket [extensions] are not supported. [Subprotocols]
// are not negotiated, but the first token offered by the client is
// echoed back when requested, because some tunneling clients smuggle
// data through the "Sec-WebSocket-Protocol" header and require the
// echo to complete their handshake.
//
// [extensions]: https://www.iana.org/assignments/websocket/websocket.xhtml#extension-name
// [Subprotocols]: https://www.iana.org/assignments/websocket/websocket.xhtml#subprotocol-name
package websocket
