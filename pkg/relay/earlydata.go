package relay

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// DecodeEarlyData decodes the client's "Sec-WebSocket-Protocol" request
// header as URL-safe base64 with implicit padding. Tunneling clients use
// this header to smuggle their first payload into the HTTP handshake
// itself, saving a round trip before the first data frame.
//
// An absent or empty header yields no early bytes and no error. A header
// that fails to decode is a protocol error: the connection must be closed
// before any upstream dial.
func DecodeEarlyData(header string) ([]byte, error) {
	if header == "" {
		return nil, nil
	}

	// Standard-alphabet clients exist in the wild, so both alphabets
	// are funneled into the URL-safe decoder.
	s := strings.ReplaceAll(header, "+", "-")
	s = strings.ReplaceAll(s, "/", "_")

	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return nil, fmt.Errorf("invalid early data in subprotocol header: %w", err)
	}

	return b, nil
}
