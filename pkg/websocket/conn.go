package websocket

import (
	"bufio"
	"io"
	"sync"

	"github.com/rs/zerolog"
)

// DefaultMaxMessageSize is the default limit on the total length
// of a single (possibly fragmented) incoming data message.
const DefaultMaxMessageSize = 16 << 20 // 16 MiB.

// Conn represents the configuration and state of an
// accepted server-side WebSocket connection.
type Conn struct {
	// Initialized during the upgrade handshake.
	logger      zerolog.Logger
	remoteAddr  string
	subprotocol string
	maxMsgSize  int64

	bufio  *bufio.ReadWriter
	reader chan Message
	writer chan internalMessage
	closer io.Closer

	// No need for synchronization: value changes are possible only in
	// one direction (false to true), and are always done by the reader
	// ([Conn.readMessage] and its helpers), which runs in a single goroutine.
	closeReceived bool

	closeSent   bool
	closeSentMu sync.RWMutex

	// Only for the purpose of minimizing memory allocations (safely),
	// not for state management or memory sharing of any kind.
	readBuf  [8]byte
	writeBuf [8]byte
	maskKey  [4]byte
	closeBuf [maxControlPayload]byte
}

// Message with WebSocket data, from one or more (defragmented) data frames,
// as defined in https://datatracker.ietf.org/doc/html/rfc6455#section-5.6.
// Returned by the Go channel that is exposed by [Conn.IncomingMessages].
type Message struct {
	Opcode Opcode
	Data   []byte
}

// internalMessage is used to synchronize concurrent calls to [Conn.writeFrame].
type internalMessage struct {
	Opcode Opcode
	Data   []byte
	err    chan<- error
}

// RemoteAddr returns the network address of the client.
func (c *Conn) RemoteAddr() string {
	return c.remoteAddr
}

// Subprotocol returns the raw value of the client's
// "Sec-WebSocket-Protocol" request header, if there was one.
func (c *Conn) Subprotocol() string {
	return c.subprotocol
}

// IncomingMessages returns the connection's channel that publishes data
// [Message]s as they are received from the client. The channel is closed
// when the connection stops reading, for any reason.
func (c *Conn) IncomingMessages() <-chan Message {
	return c.reader
}

// readMessages runs as a [Conn] goroutine, to call [Conn.readMessage]
// continuously, in order to process control and data frames, and
// publish data [Message]s to the connection's subscriber.
func (c *Conn) readMessages() {
	msg := c.readMessage()
	for msg != nil {
		c.reader <- Message{Opcode: msg.Opcode, Data: msg.Data}
		msg = c.readMessage()
	}
	close(c.reader)
}

// writeMessages runs as a [Conn] goroutine, to synchronize concurrent
// calls to [Conn.writeFrame]. For the time being, this package doesn't
// need to implement frame fragmentation in outbound messages.
func (c *Conn) writeMessages() {
	for msg := range c.writer {
		msg.err <- c.writeFrame(msg.Opcode, msg.Data)
		// The message's error channel can be used at most once.
		close(msg.err)
	}
}
