// Package logger provides utilities for working with [zerolog] and [context.Context].
package logger

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the process-wide logger. In dev mode it writes
// human-readable console lines to stdout, otherwise JSON to stderr.
func Init(devMode bool) {
	var w io.Writer = os.Stderr
	if devMode {
		w = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &log.Logger
}

// WithContext attaches the given logger to a new child context.
func WithContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext returns the logger attached to the given context,
// or the process-wide default logger if there isn't one.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// Fatal logs the given message and error, and aborts the process.
// Meant to be used only during the initialization of the application.
func Fatal(msg string, err error) {
	log.Error().Err(err).Msg(msg)
	os.Exit(1)
}
