package websocket

import (
	"crypto/sha1" //gosec:disable G505 // Required by the WebSocket protocol.
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/tzrikka/velum/internal/logger"
)

type UpgradeOpt func(*Conn)

// WithMaxMessageSize lets callers of [Upgrade] override
// [DefaultMaxMessageSize] for a single connection.
func WithMaxMessageSize(n int64) UpgradeOpt {
	return func(c *Conn) {
		c.maxMsgSize = n
	}
}

// IsUpgradeRequest reports whether the given HTTP request
// is asking to be upgraded to a WebSocket connection.
func IsUpgradeRequest(r *http.Request) bool {
	return headerContainsToken(r.Header, "Upgrade", "websocket")
}

// Upgrade performs the server side of a [WebSocket handshake] to accept
// a connection, and takes over the underlying TCP connection. On failure
// it returns a non-nil error; failures before the takeover also write an
// HTTP error response, while a failure to write the handshake response
// after it just closes the connection.
//
// If the client offered one or more subprotocols, the first token is
// echoed back as-is: this server never interprets it as a protocol name
// (see the package documentation about early data smuggling).
//
// [WebSocket handshake]: https://datatracker.ietf.org/doc/html/rfc6455#section-4.2
func Upgrade(w http.ResponseWriter, r *http.Request, opts ...UpgradeOpt) (*Conn, error) {
	c := &Conn{
		logger:      *logger.FromContext(r.Context()),
		remoteAddr:  r.RemoteAddr,
		subprotocol: r.Header.Get("Sec-Websocket-Protocol"),
		maxMsgSize:  DefaultMaxMessageSize,
	}
	for _, opt := range opts {
		opt(c)
	}

	key, err := checkHandshakeRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection takeover not supported", http.StatusInternalServerError)
		return nil, fmt.Errorf("HTTP response writer type %T does not support hijacking", w)
	}
	netConn, rw, err := hj.Hijack()
	if err != nil {
		http.Error(w, "connection takeover failed", http.StatusInternalServerError)
		return nil, fmt.Errorf("failed to hijack HTTP connection: %w", err)
	}

	c.bufio = rw
	c.closer = netConn
	c.reader = make(chan Message)
	c.writer = make(chan internalMessage)

	if err := c.writeHandshakeResponse(key); err != nil {
		_ = netConn.Close()
		return nil, err
	}

	go c.readMessages()
	go c.writeMessages()

	c.logger.Debug().Msg("WebSocket connection accepted")
	return c, nil
}

// checkHandshakeRequest checks the client request details in
// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.1,
// and returns the value of the "Sec-WebSocket-Key" header.
func checkHandshakeRequest(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", fmt.Errorf("WebSocket handshake request method: got %q, want %q", r.Method, http.MethodGet)
	}

	if !headerContainsToken(r.Header, "Upgrade", "websocket") {
		return "", fmt.Errorf("WebSocket handshake request header %q: got %q, want %q",
			"Upgrade", r.Header.Get("Upgrade"), "websocket")
	}
	if !headerContainsToken(r.Header, "Connection", "Upgrade") {
		return "", fmt.Errorf("WebSocket handshake request header %q: got %q, want %q",
			"Connection", r.Header.Get("Connection"), "Upgrade")
	}

	if v := r.Header.Get("Sec-Websocket-Version"); v != "13" {
		return "", fmt.Errorf("WebSocket handshake request header %q: got %q, want %q",
			"Sec-Websocket-Version", v, "13")
	}

	key := r.Header.Get("Sec-Websocket-Key")
	if key == "" {
		return "", fmt.Errorf("WebSocket handshake request header %q is missing", "Sec-Websocket-Key")
	}

	return key, nil
}

// writeHandshakeResponse implements the server response details
// in https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2,
// over the hijacked connection.
func (c *Conn) writeHandshakeResponse(key string) error {
	b := &strings.Builder{}
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + serverAcceptValue(key) + "\r\n")
	if c.subprotocol != "" {
		b.WriteString("Sec-WebSocket-Protocol: " + firstToken(c.subprotocol) + "\r\n")
	}
	b.WriteString("\r\n")

	if _, err := c.bufio.WriteString(b.String()); err != nil {
		return fmt.Errorf("failed to write WebSocket handshake response: %w", err)
	}
	if err := c.bufio.Flush(); err != nil {
		return fmt.Errorf("failed to flush WebSocket handshake response: %w", err)
	}

	return nil
}

// headerContainsToken reports whether a comma-separated HTTP header
// contains the given token, compared case-insensitively.
func headerContainsToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for t := range strings.SplitSeq(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// firstToken returns the first element of a comma-separated header value.
func firstToken(v string) string {
	t, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(t)
}

var acceptGUID = []byte("258EAFA5-E914-47DA-95CA-C5AB0DC85B11")

// serverAcceptValue constructs the value of the "Sec-WebSocket-Accept"
// header, as defined in https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2.
func serverAcceptValue(key string) string {
	h := sha1.New() //gosec:disable G401 // Required by the WebSocket protocol.
	h.Write([]byte(key))
	h.Write(acceptGUID)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
