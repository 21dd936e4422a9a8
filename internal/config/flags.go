package config

import (
	"errors"
	"time"

	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"
)

const (
	DefaultPort   = 8000
	DefaultDoHURL = "https://1.1.1.1/dns-query"
)

// Flags defines CLI flags to configure the relay server. Usually these
// flags are set using environment variables or the application's
// configuration file; the UUID, PROXYIP, and CREDIT variable names are
// honored verbatim for drop-in compatibility with existing deployments.
func Flags(configFilePath altsrc.StringSourcer) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "uuid",
			Usage: "server user UUID (generated and persisted if absent or invalid)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("UUID"),
				toml.TOML("server.uuid", configFilePath),
			),
		},
		&cli.StringFlag{
			Name:  "proxy-ip",
			Usage: "optional fallback upstream host[:port], retried when the first dial yields no bytes",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("PROXYIP"),
				toml.TOML("server.proxy_ip", configFilePath),
			),
		},
		&cli.StringFlag{
			Name:  "credit",
			Usage: "optional display label embedded in generated client configs",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("CREDIT"),
				toml.TOML("server.credit", configFilePath),
			),
		},
		&cli.IntFlag{
			Name:  "port",
			Usage: "local port number for HTTP and WebSocket traffic",
			Value: DefaultPort,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("VELUM_PORT"),
				cli.EnvVar("PORT"),
				toml.TOML("server.port", configFilePath),
			),
			Validator: validatePort,
		},
		&cli.StringFlag{
			Name:  "doh-url",
			Usage: "DNS-over-HTTPS endpoint for proxied DNS queries",
			Value: DefaultDoHURL,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("VELUM_DOH_URL"),
				toml.TOML("server.doh_url", configFilePath),
			),
		},
		&cli.DurationFlag{
			Name:  "dial-timeout",
			Usage: "upper bound on a single upstream TCP dial",
			Value: 10 * time.Second,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("VELUM_DIAL_TIMEOUT"),
				toml.TOML("server.dial_timeout", configFilePath),
			),
		},
		&cli.StringFlag{
			Name:  "metrics-addr",
			Usage: "optional internal address for the Prometheus /metrics listener",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("VELUM_METRICS_ADDR"),
				toml.TOML("server.metrics_addr", configFilePath),
			),
		},
	}
}

func validatePort(p int) error {
	if p < 0 || p > 65535 {
		return errors.New("out of range [0-65535]")
	}
	return nil
}
