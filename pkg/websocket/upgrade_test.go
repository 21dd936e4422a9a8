package websocket

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

// https://datatracker.ietf.org/doc/html/rfc6455#section-4.2.2
func TestServerAcceptValue(t *testing.T) {
	got := serverAcceptValue("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("serverAcceptValue() = %q, want %q", got, want)
	}
}

func TestCheckHandshakeRequest(t *testing.T) {
	valid := func() *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Upgrade", "websocket")
		r.Header.Set("Connection", "Upgrade")
		r.Header.Set("Sec-WebSocket-Key", "AQIDBAUGBwgJCgsMDQ4PEA==")
		r.Header.Set("Sec-WebSocket-Version", "13")
		return r
	}

	tests := []struct {
		name    string
		mutate  func(*http.Request)
		wantErr bool
	}{
		{
			name:   "valid_request",
			mutate: func(*http.Request) {},
		},
		{
			name:   "case_insensitive_tokens",
			mutate: func(r *http.Request) { r.Header.Set("Upgrade", "WebSocket") },
		},
		{
			name:   "connection_token_list",
			mutate: func(r *http.Request) { r.Header.Set("Connection", "keep-alive, Upgrade") },
		},
		{
			name:    "wrong_method",
			mutate:  func(r *http.Request) { r.Method = http.MethodPost },
			wantErr: true,
		},
		{
			name:    "missing_upgrade_header",
			mutate:  func(r *http.Request) { r.Header.Del("Upgrade") },
			wantErr: true,
		},
		{
			name:    "missing_connection_header",
			mutate:  func(r *http.Request) { r.Header.Del("Connection") },
			wantErr: true,
		},
		{
			name:    "missing_key",
			mutate:  func(r *http.Request) { r.Header.Del("Sec-WebSocket-Key") },
			wantErr: true,
		},
		{
			name:    "wrong_version",
			mutate:  func(r *http.Request) { r.Header.Set("Sec-WebSocket-Version", "8") },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid()
			tt.mutate(r)
			_, err := checkHandshakeRequest(r)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkHandshakeRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFirstToken(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name: "empty",
		},
		{
			name:  "single",
			input: "abc",
			want:  "abc",
		},
		{
			name:  "list_with_spaces",
			input: " abc , def",
			want:  "abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := firstToken(tt.input); got != tt.want {
				t.Errorf("firstToken(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

// TestUpgradeEcho accepts a real connection through an HTTP test
// server, echoes binary messages back, and walks through a full
// client-initiated closing handshake.
func TestUpgradeEcho(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := Upgrade(w, r)
		if err != nil {
			t.Errorf("Upgrade() error = %v", err)
			return
		}
		if got := conn.Subprotocol(); got != "dGVzdA" {
			t.Errorf("Conn.Subprotocol() = %q, want %q", got, "dGVzdA")
		}
		for msg := range conn.IncomingMessages() {
			if err := <-conn.SendBinaryMessage(msg.Data); err != nil {
				t.Errorf("SendBinaryMessage() error = %v", err)
			}
		}
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	conn, err := net.Dial("tcp", u.Host)
	if err != nil {
		t.Fatalf("failed to dial test server: %v", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: " + u.Host + "\r\n" +
		"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"Sec-WebSocket-Protocol: dGVzdA\r\n\r\n"))
	if err != nil {
		t.Fatalf("failed to send handshake request: %v", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatalf("failed to read handshake response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("handshake response status = %d, want 101", resp.StatusCode)
	}
	if got, want := resp.Header.Get("Sec-WebSocket-Accept"), "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="; got != want {
		t.Errorf("Sec-WebSocket-Accept = %q, want %q", got, want)
	}
	if got := resp.Header.Get("Sec-WebSocket-Protocol"); got != "dGVzdA" {
		t.Errorf("Sec-WebSocket-Protocol = %q, want %q", got, "dGVzdA")
	}

	// Masked binary "ping" message from the client.
	key := []byte{0x37, 0xfa, 0x21, 0x3d}
	payload := []byte("ping")
	frame := append([]byte{0x82, 0x80 | byte(len(payload))}, key...)
	for i, b := range payload {
		frame = append(frame, b^key[i&3])
	}
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("failed to send data frame: %v", err)
	}

	// Unmasked echo from the server.
	want := []byte{0x82, 0x04, 'p', 'i', 'n', 'g'}
	got := make([]byte, len(want))
	if _, err := io.ReadFull(br, got); err != nil {
		t.Fatalf("failed to read echo frame: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("echo frame = %v, want %v", got, want)
	}

	// Client-initiated closing handshake.
	closeFrame := append([]byte{0x88, 0x82}, key...)
	closeFrame = append(closeFrame, 0x03^key[0], 0xe8^key[1])
	if _, err := conn.Write(closeFrame); err != nil {
		t.Fatalf("failed to send close frame: %v", err)
	}

	reply := make([]byte, 4)
	if _, err := io.ReadFull(br, reply); err != nil {
		t.Fatalf("failed to read close reply: %v", err)
	}
	if reply[0] != 0x88 {
		t.Errorf("close reply opcode byte = %#x, want 0x88", reply[0])
	}
}
