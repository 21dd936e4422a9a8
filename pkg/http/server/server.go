// Package server exposes the relay's HTTP surface: the WebSocket
// upgrade gate on every path, plus a few plain HTTP pages that render
// client configuration, and a JSON status endpoint.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tzrikka/velum/internal/config"
	"github.com/tzrikka/velum/pkg/relay"
	"github.com/tzrikka/velum/pkg/websocket"
)

const shutdownGrace = 5 * time.Second

type httpServer struct {
	cfg   config.ServerConfig
	relay *relay.Relay
}

// New creates the HTTP server for the given immutable configuration.
func New(cfg config.ServerConfig) *httpServer {
	rl := relay.New(cfg.UserID, cfg.Fallback, cfg.DoHURL)
	if cfg.DialTimeout > 0 {
		rl.DialTimeout = cfg.DialTimeout
	}

	return &httpServer{cfg: cfg, relay: rl}
}

// Handler returns the server's routing handler. Factored out of [Run]
// for tests that drive it through [net/http/httptest].
func (s *httpServer) Handler() http.Handler {
	return http.HandlerFunc(s.route)
}

// Run starts the HTTP server, and blocks until the given context is
// canceled, at which point it shuts down gracefully.
func (s *httpServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    net.JoinHostPort("", strconv.Itoa(s.cfg.Port)),
		Handler: s.Handler(),

		// No read/write timeouts: relayed WebSocket connections are
		// long-lived by design. Header reading is still bounded.
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", s.cfg.Port).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// route dispatches incoming requests: any upgrade request becomes a
// relayed WebSocket connection regardless of its path, everything else
// is served from the small set of plain HTTP pages.
func (s *httpServer) route(w http.ResponseWriter, r *http.Request) {
	if websocket.IsUpgradeRequest(r) {
		s.relay.Handle(w, r)
		return
	}

	l := log.With().Str("http_method", r.Method).Str("url_path", r.URL.EscapedPath()).Logger()
	l.Debug().Msg("received HTTP request")

	// The page table is GET-only: anything else falls through to 404,
	// like any other unrecognized request.
	if r.Method != http.MethodGet {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	switch r.URL.Path {
	case "/":
		s.landingPage(w, r)
	case "/config", "/" + s.cfg.UserID.String():
		s.configPage(w, r)
	case "/status", "/api/status":
		s.statusPage(w, r)
	default:
		http.Error(w, "Not found", http.StatusNotFound)
	}
}
