// Package metrics defines the process-wide Prometheus collectors, and
// optionally exposes them on a separate internal HTTP listener.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	ActiveConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "velum_active_connections",
		Help: "Number of active relay connections",
	})
	Accepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "velum_accepted_total",
		Help: "Accepted WebSocket upgrades",
	})
	Rejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "velum_rejected_total",
		Help: "Connections rejected for handshake, protocol, or framing errors, by reason",
	}, []string{"reason"})
	Bytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "velum_bytes_total",
		Help: "Bytes relayed by direction",
	}, []string{"dir"}) // client_to_upstream, upstream_to_client
	Dials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "velum_dials_total",
		Help: "Upstream TCP dials by outcome",
	}, []string{"outcome"}) // ok, error, fallback
	DoHRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "velum_doh_requests_total",
		Help: "DNS-over-HTTPS requests by outcome",
	}, []string{"outcome"}) // ok, error
)

func init() {
	prometheus.MustRegister(ActiveConns, Accepted, Rejected, Bytes, Dials, DoHRequests)
}

// Serve exposes /metrics on the given address, in the background.
// An empty address disables the listener. Keep it internal: there
// is no authentication in front of it.
func Serve(addr string) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("metrics listener started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics listener failed")
		}
	}()
}
