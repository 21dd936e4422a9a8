// Package relay drives the per-connection state machine of the VLESS
// relay: it accepts a WebSocket upgrade, gates on the request header
// parse, dials the requested upstream (TCP) or proxies DNS datagrams
// over HTTPS (UDP on port 53), and then bridges bytes in both
// directions until either side closes.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog"

	"github.com/tzrikka/velum/internal/logger"
	"github.com/tzrikka/velum/internal/metrics"
	"github.com/tzrikka/velum/pkg/vless"
	"github.com/tzrikka/velum/pkg/websocket"
)

// dohConcurrency bounds the number of in-flight DNS-over-HTTPS
// requests per connection, to bound memory; excess datagrams wait.
const dohConcurrency = 8

// Relay holds the process-wide, read-only configuration shared by all
// connections. The zero value is not usable: construct it with [New],
// or populate Dialer and Resolver explicitly (tests do the latter).
type Relay struct {
	UserID      uuid.UUID
	Fallback    string // Optional "host[:port]" to retry through; empty disables.
	DialTimeout time.Duration

	Dialer   Dialer
	Resolver DNSResolver
}

// New creates a relay that dials upstreams with [net.Dialer] and
// resolves DNS datagrams through the given DoH endpoint.
func New(userID uuid.UUID, fallback, dohURL string) *Relay {
	return &Relay{
		UserID:      userID,
		Fallback:    fallback,
		DialTimeout: DefaultDialTimeout,
		Dialer:      &net.Dialer{},
		Resolver:    NewDoHResolver(dohURL),
	}
}

// Handle upgrades an HTTP request to a WebSocket connection and relays
// it until completion. It is called for any request that carries an
// "Upgrade: websocket" header, regardless of path.
func (rl *Relay) Handle(w http.ResponseWriter, r *http.Request) {
	l := logger.FromContext(r.Context()).With().
		Str("conn_id", shortuuid.New()).
		Str("remote_addr", r.RemoteAddr).Logger()
	ctx := logger.WithContext(r.Context(), l)

	early, earlyErr := DecodeEarlyData(r.Header.Get("Sec-Websocket-Protocol"))

	conn, err := websocket.Upgrade(w, r.WithContext(ctx))
	if err != nil {
		metrics.Rejected.WithLabelValues("handshake").Inc()
		l.Warn().Err(err).Msg("WebSocket handshake failed")
		return
	}
	metrics.Accepted.Inc()
	metrics.ActiveConns.Inc()
	defer metrics.ActiveConns.Dec()

	s := &session{relay: rl, conn: conn, log: l}
	defer s.drain()

	// The connection fails before any upstream dial if the smuggled
	// early data can't be decoded.
	if earlyErr != nil {
		metrics.Rejected.WithLabelValues("early_data").Inc()
		l.Warn().Err(earlyErr).Msg("closing connection due to invalid early data")
		conn.Close(websocket.StatusProtocolError, "invalid early data")
		return
	}

	s.run(ctx, early)
}

// session is the state of one relayed connection. It exclusively owns
// its upstream slot; nothing here is shared across connections.
type session struct {
	relay *Relay
	conn  *websocket.Conn
	log   zerolog.Logger

	chunks   int // Inbound chunks seen so far (early data counts as one).
	parseBuf []byte
	req      *vless.Request
	initial  []byte // Residual post-header payload, retained for the fallback retry.

	upMu sync.Mutex
	tcp  net.Conn // nil until the TCP branch dials.

	headerMu   sync.Mutex
	headerSent bool        // The one-shot VLESS response header went out.
	gotBytes   atomic.Bool // Any upstream payload reached the client.

	dnsSem chan struct{}
	dnsWG  sync.WaitGroup
}

// run is the client-to-upstream task: it consumes inbound WebSocket
// messages (with optional early data injected at the head of the
// stream) until the client goes away or the session fails.
func (s *session) run(parent context.Context, early []byte) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		s.dnsWG.Wait()
	}()

	if len(early) > 0 && !s.consume(ctx, early) {
		return
	}

	for msg := range s.conn.IncomingMessages() {
		if msg.Opcode != websocket.OpcodeBinary {
			metrics.Rejected.WithLabelValues("text_frame").Inc()
			s.log.Warn().Msg("closing connection due to text frame")
			s.teardown(websocket.StatusProtocolError, "binary frames only")
			return
		}
		if !s.consume(ctx, msg.Data) {
			return
		}
	}

	// The incoming channel is closed: the client completed a closing
	// handshake or dropped the connection.
	s.teardown(websocket.StatusNormalClosure, "")
}

// drain discards any leftover inbound messages so that the
// connection's reader goroutine can run to completion.
func (s *session) drain() {
	for range s.conn.IncomingMessages() {
	}
}

// consume routes one inbound chunk: into the header-parse buffer before
// parse completion, directly to the upstream afterwards. It reports
// whether the session may continue.
func (s *session) consume(ctx context.Context, data []byte) bool {
	if s.req != nil {
		return s.forward(ctx, data)
	}

	s.chunks++
	s.parseBuf = append(s.parseBuf, data...)

	req, err := vless.ParseRequest(s.parseBuf, s.relay.UserID)
	switch {
	case errors.Is(err, vless.ErrNeedMore):
		// A client that can't even fill the minimum header length
		// with its opening chunk is not speaking VLESS.
		if s.chunks == 1 && len(s.parseBuf) < vless.MinRequestLen {
			metrics.Rejected.WithLabelValues("short_header").Inc()
			s.log.Warn().Int("length", len(s.parseBuf)).Msg("closing connection due to short header")
			s.teardown(websocket.StatusProtocolError, "request header too short")
			return false
		}
		return true

	case errors.Is(err, vless.ErrInvalidUser):
		metrics.Rejected.WithLabelValues("auth").Inc()
		s.log.Warn().Msg("closing connection due to user ID mismatch")
		s.teardown(websocket.StatusPolicyViolation, "unknown user")
		return false

	case err != nil:
		metrics.Rejected.WithLabelValues("protocol").Inc()
		s.log.Warn().Err(err).Msg("closing connection due to malformed request header")
		s.teardown(websocket.StatusProtocolError, "malformed request header")
		return false
	}

	s.req = &req
	s.log = s.log.With().Str("target", req.Endpoint.Addr()).
		Str("transport", req.Command.String()).Logger()
	s.log.Info().Msg("relaying connection")

	s.initial = append([]byte(nil), s.parseBuf[req.PayloadOffset:]...)
	s.parseBuf = nil

	switch req.Command {
	case vless.CommandTCP:
		return s.openTCP(ctx)
	default: // vless.CommandUDP, port 53 enforced by the parser.
		s.dnsSem = make(chan struct{}, dohConcurrency)
		return s.forwardDNS(ctx, s.initial)
	}
}

// forward relays one post-parse chunk to the established upstream.
func (s *session) forward(ctx context.Context, data []byte) bool {
	if len(data) == 0 {
		return true
	}

	if s.req.Command == vless.CommandTCP {
		if err := s.writeTCP(data); err != nil {
			s.log.Warn().Err(err).Msg("upstream write failed")
			s.teardown(websocket.StatusInternalError, "upstream write failed")
			return false
		}
		metrics.Bytes.WithLabelValues("client_to_upstream").Add(float64(len(data)))
		return true
	}

	return s.forwardDNS(ctx, data)
}

// openTCP dials the parsed endpoint, flushes the residual post-header
// payload, and starts the upstream-to-client pump.
func (s *session) openTCP(ctx context.Context) bool {
	conn, err := s.relay.dialUpstream(ctx, s.req.Endpoint.Addr())
	if err != nil {
		metrics.Dials.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Msg("upstream dial failed")
		s.teardown(websocket.StatusInternalError, "upstream dial failed")
		return false
	}
	metrics.Dials.WithLabelValues("ok").Inc()
	s.setUpstream(conn)

	if len(s.initial) > 0 {
		if _, err := conn.Write(s.initial); err != nil {
			s.log.Warn().Err(err).Msg("upstream write failed")
			s.teardown(websocket.StatusInternalError, "upstream write failed")
			return false
		}
		metrics.Bytes.WithLabelValues("client_to_upstream").Add(float64(len(s.initial)))
	}

	go s.pump(ctx, conn)
	return true
}

// pump is the upstream-to-client task: it streams TCP bytes back into
// WebSocket messages, prefixing the one-shot VLESS response header to
// the first batch. When the upstream closes cleanly before producing
// any bytes, it retries once through the configured fallback upstream.
func (s *session) pump(ctx context.Context, conn net.Conn) {
	mayRetry := s.relay.Fallback != ""

	for {
		err := s.pipe(conn)

		if errors.Is(err, io.EOF) && mayRetry && !s.gotBytes.Load() {
			mayRetry = false
			addr := fallbackAddr(s.relay.Fallback, strconv.Itoa(int(s.req.Endpoint.Port)))
			s.log.Info().Str("fallback", addr).
				Msg("upstream closed without data, retrying through fallback")
			metrics.Dials.WithLabelValues("fallback").Inc()

			fb, derr := s.relay.dialUpstream(ctx, addr)
			if derr != nil {
				s.log.Warn().Err(derr).Msg("fallback dial failed")
				s.conn.Close(websocket.StatusInternalError, "fallback dial failed")
				return
			}

			s.setUpstream(fb)
			_ = conn.Close()

			if len(s.initial) > 0 {
				if _, werr := fb.Write(s.initial); werr != nil {
					s.log.Warn().Err(werr).Msg("fallback write failed")
					s.conn.Close(websocket.StatusInternalError, "fallback write failed")
					return
				}
			}

			conn = fb
			continue
		}

		if errors.Is(err, io.EOF) {
			s.log.Debug().Msg("upstream closed")
			s.conn.Close(websocket.StatusNormalClosure, "")
		} else {
			s.log.Debug().Err(err).Msg("upstream read ended")
			s.conn.Close(websocket.StatusInternalError, "upstream error")
		}
		return
	}
}

// pipe copies upstream bytes into WebSocket messages until the
// upstream read or the WebSocket write fails.
func (s *session) pipe(conn net.Conn) error {
	buf := make([]byte, 32<<10)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			payload := s.prefixResponse(buf[:n])
			s.gotBytes.Store(true)
			metrics.Bytes.WithLabelValues("upstream_to_client").Add(float64(n))
			if werr := <-s.conn.SendBinaryMessage(payload); werr != nil {
				_ = conn.Close()
				return werr
			}
		}
		if err != nil {
			return err
		}
	}
}

// forwardDNS splits a chunk into datagrams and resolves each one
// concurrently (bounded by the per-connection semaphore). Replies are
// delivered in completion order: DNS messages carry their own
// transaction IDs, so clients tolerate reordering.
func (s *session) forwardDNS(ctx context.Context, data []byte) bool {
	if len(data) == 0 {
		return true
	}
	metrics.Bytes.WithLabelValues("client_to_upstream").Add(float64(len(data)))

	dgrams, err := SplitDatagrams(data)
	if err != nil {
		metrics.Rejected.WithLabelValues("datagram_framing").Inc()
		s.log.Warn().Err(err).Msg("closing connection due to bad datagram framing")
		s.teardown(websocket.StatusProtocolError, "bad datagram framing")
		return false
	}

	for _, q := range dgrams {
		query := append([]byte(nil), q...) // The split aliases the inbound message.
		s.dnsWG.Add(1)
		go s.resolveOne(ctx, query)
	}
	return true
}

// resolveOne performs a single DoH exchange. Transport errors drop the
// datagram without affecting the connection; a reply that loses the
// race with cancellation is discarded.
func (s *session) resolveOne(ctx context.Context, query []byte) {
	defer s.dnsWG.Done()

	select {
	case s.dnsSem <- struct{}{}:
		defer func() { <-s.dnsSem }()
	case <-ctx.Done():
		return
	}

	reply, err := s.relay.Resolver.Resolve(ctx, query)
	if err != nil {
		metrics.DoHRequests.WithLabelValues("error").Inc()
		s.log.Warn().Err(err).Msg("DoH request failed, dropping datagram")
		return
	}
	metrics.DoHRequests.WithLabelValues("ok").Inc()

	if ctx.Err() != nil {
		return
	}

	payload := s.prefixResponse(FrameDatagram(reply))
	s.gotBytes.Store(true)
	metrics.Bytes.WithLabelValues("upstream_to_client").Add(float64(len(payload)))
	if err := <-s.conn.SendBinaryMessage(payload); err != nil && !errors.Is(err, websocket.ErrConnClosed) {
		s.log.Warn().Err(err).Msg("failed to deliver DNS reply")
	}
}

// prefixResponse prepends the 2-byte VLESS response header to the first
// (and only the first) payload flowing back to the client.
func (s *session) prefixResponse(p []byte) []byte {
	s.headerMu.Lock()
	defer s.headerMu.Unlock()

	if s.headerSent {
		return p
	}
	s.headerSent = true
	return append(vless.ResponseHeader(s.req.Version), p...)
}

// setUpstream publishes the session's current TCP upstream.
func (s *session) setUpstream(conn net.Conn) {
	s.upMu.Lock()
	defer s.upMu.Unlock()
	s.tcp = conn
}

// writeTCP writes a chunk to the current TCP upstream. If the write
// fails because the fallback retry replaced the socket underneath us,
// it is retried against the replacement.
func (s *session) writeTCP(p []byte) error {
	for {
		s.upMu.Lock()
		conn := s.tcp
		s.upMu.Unlock()

		_, err := conn.Write(p)
		if err == nil {
			return nil
		}

		s.upMu.Lock()
		replaced := s.tcp != conn
		s.upMu.Unlock()
		if !replaced {
			return err
		}
	}
}

// teardown closes both sides of the session: the WebSocket with the
// given status code, and the upstream socket (write side first, so the
// peer observes a graceful shutdown).
func (s *session) teardown(status websocket.StatusCode, reason string) {
	s.conn.Close(status, reason)

	s.upMu.Lock()
	conn := s.tcp
	s.tcp = nil
	s.upMu.Unlock()

	if conn != nil {
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		_ = conn.Close()
	}
}
