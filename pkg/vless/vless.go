// Package vless implements the server side of the VLESS proxy protocol's
// wire format: parsing request headers that clients send at the beginning
// of a connection, and constructing the server's response header.
//
// VLESS is a stateless protocol: one version byte + user UUID + command +
// target endpoint + payload on the client side, one version byte + one
// addon-length byte on the server side, then raw bytes in both directions.
package vless

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Command is the network access type requested by the client.
type Command byte

const (
	CommandTCP Command = 1
	CommandUDP Command = 2
)

// String returns the command's name, or its number if it's unrecognized.
func (c Command) String() string {
	switch c {
	case CommandTCP:
		return "tcp"
	case CommandUDP:
		return "udp"
	default:
		return strconv.Itoa(int(c))
	}
}

// Address types in the request header's target endpoint.
const (
	addrTypeIPv4   = 1
	addrTypeDomain = 2
	addrTypeIPv6   = 3
)

// Parsing errors. The caller is expected to match them with [errors.Is]:
// all of them except [ErrNeedMore] are fatal for the connection.
var (
	// ErrNeedMore indicates that the buffer does not contain a complete
	// request header yet. The parser is re-entrant: call [ParseRequest]
	// again when more bytes have arrived.
	ErrNeedMore = errors.New("incomplete VLESS request header")

	ErrInvalidUser        = errors.New("VLESS user ID mismatch")
	ErrUnsupportedCommand = errors.New("unsupported VLESS command")
	ErrInvalidAddressType = errors.New("invalid VLESS address type")
	ErrEmptyAddress       = errors.New("empty VLESS target domain")
	ErrUDPNotPermitted    = errors.New("VLESS UDP permitted only on port 53")
)

// MinRequestLen is the length of the shortest well-formed request
// header, used as a fast reject: version + UUID + addon length +
// command + port + address type + a single-character domain.
const MinRequestLen = 24

// Endpoint is the target address parsed from a request header. Host is
// either a dotted IPv4 quad, an IPv6 address as 8 colon-separated hex
// groups, or a domain name; it is never empty.
type Endpoint struct {
	Host string
	Port uint16
}

// Addr returns the endpoint in "host:port" form, suitable for dialing.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

func (e Endpoint) String() string {
	return e.Addr()
}

// Request is a fully-parsed VLESS request header.
type Request struct {
	Version  byte
	Command  Command
	Endpoint Endpoint

	// PayloadOffset is the index of the first byte after the request
	// header: any residual bytes in the client's first message, starting
	// at this offset, are application payload for the target.
	PayloadOffset int
}

// ResponseHeader returns the 2-byte header that the server must prepend
// to the first batch of bytes flowing back to the client: the request's
// version byte, followed by an addon length of 0.
func ResponseHeader(version byte) []byte {
	return []byte{version, 0}
}

// ParseRequest parses a VLESS request header from the head of the given
// buffer, which accumulates the client's inbound byte stream.
//
// Wire layout:
//
//	offset  size  field
//	0       1     version
//	1       16    client UUID
//	17      1     addon length K
//	18      K     addons (ignored)
//	18+K    1     command: 1 = TCP, 2 = UDP
//	19+K    2     port (big-endian)
//	21+K    1     address type: 1 = IPv4, 2 = domain, 3 = IPv6
//	22+K    var   address: 4 bytes, or 1 length byte + domain, or 16 bytes
//
// The returned error is [ErrNeedMore] when the buffer is too short to
// decide anything; every other error is terminal. The client UUID is
// compared in constant time against the configured user ID.
func ParseRequest(buf []byte, user uuid.UUID) (Request, error) {
	if len(buf) < MinRequestLen {
		return Request{}, ErrNeedMore
	}

	version := buf[0]

	if subtle.ConstantTimeCompare(buf[1:17], user[:]) != 1 {
		return Request{}, ErrInvalidUser
	}

	// Addon bytes are a forward-compatibility channel; this server
	// skips them without interpretation.
	off := 18 + int(buf[17])
	if len(buf) < off+4 {
		return Request{}, ErrNeedMore
	}

	cmd := Command(buf[off])
	off++
	if cmd != CommandTCP && cmd != CommandUDP {
		return Request{}, fmt.Errorf("%w: %d", ErrUnsupportedCommand, buf[off-1])
	}

	port := binary.BigEndian.Uint16(buf[off:])
	off += 2

	if cmd == CommandUDP && port != 53 {
		return Request{}, fmt.Errorf("%w: got port %d", ErrUDPNotPermitted, port)
	}

	host, off, err := parseAddress(buf, off)
	if err != nil {
		return Request{}, err
	}

	return Request{
		Version:  version,
		Command:  cmd,
		Endpoint: Endpoint{Host: host, Port: port},

		PayloadOffset: off,
	}, nil
}

// parseAddress decodes the variable-length address field, and returns
// the rendered host together with the offset of the first byte after it.
func parseAddress(buf []byte, off int) (string, int, error) {
	addrType := buf[off]
	off++

	switch addrType {
	case addrTypeIPv4:
		if len(buf) < off+4 {
			return "", 0, ErrNeedMore
		}
		return net.IP(buf[off : off+4]).String(), off + 4, nil

	case addrTypeDomain:
		if len(buf) < off+1 {
			return "", 0, ErrNeedMore
		}
		n := int(buf[off])
		off++
		if n == 0 {
			return "", 0, ErrEmptyAddress
		}
		if len(buf) < off+n {
			return "", 0, ErrNeedMore
		}
		return string(buf[off : off+n]), off + n, nil

	case addrTypeIPv6:
		if len(buf) < off+16 {
			return "", 0, ErrNeedMore
		}
		return ipv6String(buf[off : off+16]), off + 16, nil

	default:
		return "", 0, fmt.Errorf("%w: %d", ErrInvalidAddressType, addrType)
	}
}

// ipv6String renders 16 raw bytes as 8 colon-separated 16-bit hex groups.
// Zero-group compression is deliberately not applied: the rendered form
// is only ever fed back into the OS resolver, and uncompressed groups
// keep it byte-for-byte predictable.
func ipv6String(b []byte) string {
	groups := make([]string, 8)
	for i := range groups {
		groups[i] = strconv.FormatUint(uint64(binary.BigEndian.Uint16(b[2*i:])), 16)
	}
	return strings.Join(groups, ":")
}
