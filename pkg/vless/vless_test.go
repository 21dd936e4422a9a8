package vless

import (
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"
)

var testUser = uuid.MustParse("e5185305-1984-4084-81e0-f77271159c62")

// header constructs a request header from its fields, for readability.
func header(version byte, user uuid.UUID, addons []byte, cmd byte, port uint16, atype byte, addr []byte, payload []byte) []byte {
	b := []byte{version}
	b = append(b, user[:]...)
	b = append(b, byte(len(addons)))
	b = append(b, addons...)
	b = append(b, cmd, byte(port>>8), byte(port))
	b = append(b, atype)
	b = append(b, addr...)
	return append(b, payload...)
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		want    Request
		wantErr error
	}{
		{
			name: "tcp_ipv4",
			buf:  header(0, testUser, nil, 1, 443, 1, []byte{1, 1, 1, 1}, []byte("HI")),
			want: Request{
				Version:       0,
				Command:       CommandTCP,
				Endpoint:      Endpoint{Host: "1.1.1.1", Port: 443},
				PayloadOffset: 26,
			},
		},
		{
			name: "tcp_domain",
			buf: header(0, testUser, nil, 1, 80, 2,
				append([]byte{11}, "example.com"...), []byte("GET / HTTP/1.0\r\n\r\n")),
			want: Request{
				Version:       0,
				Command:       CommandTCP,
				Endpoint:      Endpoint{Host: "example.com", Port: 80},
				PayloadOffset: 34,
			},
		},
		{
			name: "tcp_ipv6",
			buf: header(0, testUser, nil, 1, 443, 3, []byte{
				0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01,
			}, nil),
			want: Request{
				Version:       0,
				Command:       CommandTCP,
				Endpoint:      Endpoint{Host: "2001:db8:0:0:0:0:0:1", Port: 443},
				PayloadOffset: 38,
			},
		},
		{
			name: "udp_dns",
			buf: header(0, testUser, nil, 2, 53, 2,
				append([]byte{9}, "dns.local"...), []byte{0, 3, 'a', 'b', 'c'}),
			want: Request{
				Version:       0,
				Command:       CommandUDP,
				Endpoint:      Endpoint{Host: "dns.local", Port: 53},
				PayloadOffset: 32,
			},
		},
		{
			name: "addons_skipped",
			buf:  header(1, testUser, []byte{0xde, 0xad, 0xbe}, 1, 22, 1, []byte{10, 0, 0, 1}, nil),
			want: Request{
				Version:       1,
				Command:       CommandTCP,
				Endpoint:      Endpoint{Host: "10.0.0.1", Port: 22},
				PayloadOffset: 29,
			},
		},
		{
			name:    "too_short",
			buf:     header(0, testUser, nil, 1, 443, 1, []byte{1, 1, 1}, nil),
			wantErr: ErrNeedMore,
		},
		{
			name:    "empty_buffer",
			buf:     nil,
			wantErr: ErrNeedMore,
		},
		{
			name:    "addons_push_length_byte_past_buffer",
			buf:     header(0, testUser, make([]byte, 10), 1, 80, 2, nil, nil),
			wantErr: ErrNeedMore,
		},
		{
			name:    "domain_spans_chunks",
			buf:     header(0, testUser, nil, 1, 80, 2, append([]byte{50}, "partial.example"...), nil),
			wantErr: ErrNeedMore,
		},
		{
			name:    "uuid_mismatch",
			buf:     header(0, uuid.Nil, nil, 1, 443, 1, []byte{1, 1, 1, 1}, nil),
			wantErr: ErrInvalidUser,
		},
		{
			name:    "unsupported_command",
			buf:     header(0, testUser, nil, 3, 443, 1, []byte{1, 1, 1, 1}, nil),
			wantErr: ErrUnsupportedCommand,
		},
		{
			name:    "udp_non_53",
			buf:     header(0, testUser, nil, 2, 443, 1, []byte{1, 1, 1, 1}, nil),
			wantErr: ErrUDPNotPermitted,
		},
		{
			name:    "invalid_address_type",
			buf:     header(0, testUser, nil, 1, 443, 4, []byte{1, 1, 1, 1}, nil),
			wantErr: ErrInvalidAddressType,
		},
		{
			name:    "empty_domain",
			buf:     header(0, testUser, nil, 1, 80, 2, []byte{0, 'x', 'y', 'z'}, nil),
			wantErr: ErrEmptyAddress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest(tt.buf, testUser)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ParseRequest() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseRequest() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// The parser must be re-entrant: a header that arrives in pieces parses
// successfully once the buffer is complete, with a stable result.
func TestParseRequestReentrant(t *testing.T) {
	full := header(0, testUser, nil, 1, 80, 2, append([]byte{11}, "example.com"...), []byte("x"))

	for i := range len(full) - 1 {
		if _, err := ParseRequest(full[:i], testUser); i >= 17 && errors.Is(err, ErrInvalidUser) {
			t.Fatalf("ParseRequest(%d bytes) rejected the user on a partial buffer", i)
		} else if i < MinRequestLen && !errors.Is(err, ErrNeedMore) {
			t.Fatalf("ParseRequest(%d bytes) error = %v, want ErrNeedMore", i, err)
		}
	}

	got, err := ParseRequest(full, testUser)
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if got.PayloadOffset != len(full)-1 {
		t.Errorf("ParseRequest() payload offset = %d, want %d", got.PayloadOffset, len(full)-1)
	}
}

func TestEndpointAddr(t *testing.T) {
	tests := []struct {
		name     string
		endpoint Endpoint
		want     string
	}{
		{
			name:     "ipv4",
			endpoint: Endpoint{Host: "1.1.1.1", Port: 443},
			want:     "1.1.1.1:443",
		},
		{
			name:     "domain",
			endpoint: Endpoint{Host: "example.com", Port: 80},
			want:     "example.com:80",
		},
		{
			name:     "ipv6_gets_brackets",
			endpoint: Endpoint{Host: "2001:db8:0:0:0:0:0:1", Port: 8443},
			want:     "[2001:db8:0:0:0:0:0:1]:8443",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.endpoint.Addr(); got != tt.want {
				t.Errorf("Endpoint.Addr() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResponseHeader(t *testing.T) {
	if got := ResponseHeader(0); !reflect.DeepEqual(got, []byte{0, 0}) {
		t.Errorf("ResponseHeader(0) = %v, want [0 0]", got)
	}
	if got := ResponseHeader(7); !reflect.DeepEqual(got, []byte{7, 0}) {
		t.Errorf("ResponseHeader(7) = %v, want [7 0]", got)
	}
}
