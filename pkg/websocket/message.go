package websocket

import (
	"bytes"
	"errors"
	"io"
	"unicode/utf8"
)

// ErrConnClosed is returned by send calls after the
// connection's closing handshake has already started.
var ErrConnClosed = errors.New("websocket connection closed")

// readMessage reads incoming frames from the client, responds to
// control frames (whether or not they're interleaved with data frames),
// and defragments data frames if needed. This function handles errors
// and connection closures gracefully, and returns nil in such cases.
//
// Do not call this function directly, it is meant to be used
// exclusively (and continuously) by [Conn.readMessages]!
//
// It is based on:
//   - Base framing protocol: https://datatracker.ietf.org/doc/html/rfc6455#section-5.2
//   - Client-to-server masking: https://datatracker.ietf.org/doc/html/rfc6455#section-5.3
//   - Fragmentation: https://datatracker.ietf.org/doc/html/rfc6455#section-5.4
//   - Control frames: https://datatracker.ietf.org/doc/html/rfc6455#section-5.5
//   - Data frames: https://datatracker.ietf.org/doc/html/rfc6455#section-5.6
//   - Receiving data: https://datatracker.ietf.org/doc/html/rfc6455#section-6.2
//   - Closing the connection: https://datatracker.ietf.org/doc/html/rfc6455#section-7
func (c *Conn) readMessage() *internalMessage {
	var msg bytes.Buffer
	var op Opcode

	for {
		h, err := c.readFrameHeader()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				c.logger.Debug().Msg("WebSocket connection closed")
				c.markClosedAbnormally()
				return nil
			}
			c.logger.Warn().Err(err).Msg("failed to read WebSocket frame header")
			c.sendCloseControlFrame(StatusInternalError, "frame header reading error")
			return nil
		}

		c.logger.Trace().Bool("fin", h.fin).Str("opcode", h.opcode.String()).
			Uint64("length", h.payloadLength).Msg("received WebSocket frame")

		if reason, err := c.checkFrameHeader(h, op); err != nil {
			c.logger.Warn().Err(err).Msg("protocol error due to invalid frame")
			c.sendCloseControlFrame(StatusProtocolError, reason)
			return nil
		}

		if uint64(msg.Len())+h.payloadLength > uint64(c.maxMsgSize) {
			c.logger.Warn().Uint64("length", h.payloadLength).Msg("incoming WebSocket message too big")
			c.sendCloseControlFrame(StatusMessageTooBig, "message too big")
			return nil
		}

		// All client frames carry a masking key, per the header check above.
		if _, err := io.ReadFull(c.bufio, c.maskKey[:]); err != nil {
			c.logger.Warn().Err(err).Msg("failed to read WebSocket frame masking key")
			c.markClosedAbnormally()
			return nil
		}

		var data []byte
		if h.payloadLength > 0 {
			data = make([]byte, h.payloadLength)
			if _, err := io.ReadFull(c.bufio, data); err != nil {
				c.logger.Warn().Err(err).Msg("failed to read WebSocket frame payload")
				c.markClosedAbnormally()
				return nil
			}
			c.unmask(data)
		}

		switch h.opcode {
		// "A fragmented message consists of a single frame with the FIN bit
		// clear and an opcode other than 0, followed by zero or more frames
		// with the FIN bit clear and the opcode set to 0, and terminated by
		// a single frame with the FIN bit set and an opcode of 0".
		case opcodeContinuation, OpcodeText, OpcodeBinary:
			if h.opcode != opcodeContinuation {
				op = h.opcode
			}
			if h.payloadLength > 0 {
				msg.Write(data)
			}

		// "If an endpoint receives a Close frame and did not previously send
		// a Close frame, the endpoint MUST send a Close frame in response".
		case opcodeClose:
			c.closeReceived = true
			status, reason := c.parseClosePayload(data)
			c.sendCloseControlFrame(status, reason)
			return nil // Not an error, but we no longer need to receive new frames.

		// "An endpoint MUST be capable of handling control
		// frames in the middle of a fragmented message".
		case opcodePing:
			if err := <-c.send(opcodePong, data); err != nil && !errors.Is(err, ErrConnClosed) {
				c.logger.Warn().Err(err).Msg("failed to send WebSocket pong control frame")
			}

		case opcodePong:
			// No need to handle "Pong" control frames, since this
			// server doesn't send unsolicited "Ping" control frames.
		}

		if h.fin && h.opcode <= OpcodeBinary {
			return c.finalizeMessage(op, msg.Bytes())
		}
	}
}

// markClosedAbnormally records that the underlying connection is gone
// without a closing handshake, and releases the connection's writer.
func (c *Conn) markClosedAbnormally() {
	c.closeReceived = true

	c.closeSentMu.Lock()
	defer c.closeSentMu.Unlock()
	if c.closeSent {
		return
	}
	c.closeSent = true
	close(c.writer)
	_ = c.closer.Close()
}

func (c *Conn) finalizeMessage(op Opcode, data []byte) *internalMessage {
	if data == nil {
		data = []byte{}
	}

	c.logger.Trace().Str("opcode", op.String()).Int("length", len(data)).
		Msg("finished receiving WebSocket data message")

	// "When an endpoint is to interpret a byte stream as UTF-8 but finds
	// that the byte stream is not, in fact, a valid UTF-8 stream, that
	// endpoint MUST _Fail the WebSocket Connection_".
	if op == OpcodeText && len(data) > 0 && !utf8.Valid(data) {
		c.logger.Warn().Msg("protocol error due to invalid UTF-8 text")
		c.sendCloseControlFrame(StatusInvalidData, "invalid UTF-8 text")
		return nil
	}

	return &internalMessage{Opcode: op, Data: data}
}

// SendTextMessage sends a [UTF-8 text] message to the client.
//
// This is done asynchronously, to manage [isolation or safe multiplexing]
// of multiple concurrent calls, including interleaved control frames.
// Despite that, this function enables the caller to block and/or
// handle errors, with the returned channel.
//
// [UTF-8 text]: https://datatracker.ietf.org/doc/html/rfc6455#section-5.6
// [isolation or safe multiplexing]: https://datatracker.ietf.org/doc/html/rfc6455#section-5.4
func (c *Conn) SendTextMessage(data []byte) <-chan error {
	return c.send(OpcodeText, data)
}

// SendBinaryMessage sends a [binary] message to the client.
//
// This is done asynchronously, to manage [isolation or safe multiplexing]
// of multiple concurrent calls, including interleaved control frames.
// Despite that, this function enables the caller to block and/or
// handle errors, with the returned channel.
//
// [binary]: https://datatracker.ietf.org/doc/html/rfc6455#section-5.6
// [isolation or safe multiplexing]: https://datatracker.ietf.org/doc/html/rfc6455#section-5.4
func (c *Conn) SendBinaryMessage(data []byte) <-chan error {
	return c.send(OpcodeBinary, data)
}

// send hands a frame to the connection's writer goroutine, unless the
// closing handshake has already started, in which case it reports
// [ErrConnClosed] without blocking.
func (c *Conn) send(op Opcode, payload []byte) <-chan error {
	err := make(chan error, 1)

	c.closeSentMu.RLock()
	defer c.closeSentMu.RUnlock()

	if c.closeSent {
		err <- ErrConnClosed
		close(err)
		return err
	}

	c.writer <- internalMessage{Opcode: op, Data: payload, err: err}
	return err
}
