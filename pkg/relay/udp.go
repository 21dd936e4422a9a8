package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Datagram framing errors. All of them are fatal for the connection:
// the client broke its promise that length-prefixed records never
// straddle WebSocket messages.
var (
	ErrZeroLengthDatagram = errors.New("zero-length datagram")
	ErrTruncatedDatagram  = errors.New("truncated datagram")
)

// SplitDatagrams decodes the length-delimited datagram sub-protocol used
// on the DNS path: each record is a big-endian 2-byte length followed by
// that many payload bytes. One WebSocket message may pack any number of
// records, but a record never spans two messages.
//
// The returned slices alias the input buffer.
func SplitDatagrams(p []byte) ([][]byte, error) {
	var dgrams [][]byte

	for off := 0; off < len(p); {
		if len(p)-off < 2 {
			return nil, fmt.Errorf("%w: %d trailing bytes", ErrTruncatedDatagram, len(p)-off)
		}

		n := int(binary.BigEndian.Uint16(p[off:]))
		off += 2
		if n == 0 {
			return nil, ErrZeroLengthDatagram
		}
		if len(p)-off < n {
			return nil, fmt.Errorf("%w: declared %d bytes, got %d", ErrTruncatedDatagram, n, len(p)-off)
		}

		dgrams = append(dgrams, p[off:off+n])
		off += n
	}

	return dgrams, nil
}

// FrameDatagram prepends a big-endian 2-byte length to an outbound
// datagram, the mirror image of [SplitDatagrams].
func FrameDatagram(payload []byte) []byte {
	framed := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(framed, uint16(len(payload))) //gosec:disable G115 -- DNS messages never exceed 64 KiB
	copy(framed[2:], payload)
	return framed
}
