// Package config assembles the process-wide server configuration:
// CLI flags and environment variables, plus the persisted user UUID.
// The resulting [ServerConfig] is immutable after startup.
package config

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
)

// StateFileName is the optional JSON file in the working directory
// that persists a generated user UUID across restarts.
const StateFileName = "config.json"

// ServerConfig is initialized once at startup and read-only afterwards.
type ServerConfig struct {
	UserID      uuid.UUID
	Fallback    string // Optional fallback upstream for the TCP retry.
	Credit      string // Opaque label passed through to client configs.
	DoHURL      string
	DialTimeout time.Duration
	Port        int
	MetricsAddr string
}

// stateFile is the shape of [StateFileName].
type stateFile struct {
	UUID string `json:"uuid"`
}

// FromCommand builds the server configuration from parsed CLI flags
// (which are themselves sourced from env vars and the config file).
func FromCommand(cmd *cli.Command) (ServerConfig, error) {
	id, err := resolveUserID(cmd.String("uuid"), StateFileName)
	if err != nil {
		return ServerConfig{}, err
	}

	return ServerConfig{
		UserID:      id,
		Fallback:    cmd.String("proxy-ip"),
		Credit:      cmd.String("credit"),
		DoHURL:      cmd.String("doh-url"),
		DialTimeout: cmd.Duration("dial-timeout"),
		Port:        cmd.Int("port"),
		MetricsAddr: cmd.String("metrics-addr"),
	}, nil
}

// resolveUserID determines the server's user UUID, in priority order:
// an explicitly-configured valid value, the persisted state file, or a
// freshly-generated one (which is then persisted, best-effort).
//
// An explicitly-configured value that is structurally invalid is
// treated as absent, with a warning: the server must keep serving
// existing clients with a stable identity rather than refuse to start.
func resolveUserID(explicit, path string) (uuid.UUID, error) {
	if explicit != "" {
		id, err := parseUserID(explicit)
		if err == nil {
			return id, nil
		}
		log.Warn().Err(err).Msg("ignoring invalid configured UUID")
	}

	if id, ok := readState(path); ok {
		return id, nil
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return uuid.Nil, err
	}
	log.Info().Str("uuid", id.String()).Msg("generated new user UUID")

	writeState(path, id)
	return id, nil
}

// parseUserID parses a canonical textual UUID and validates its form:
// version 4, RFC 4122 variant.
func parseUserID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, err
	}
	if id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return uuid.Nil, errors.New("UUID is not a random (version 4) UUID")
	}
	return id, nil
}

// readState reads the persisted UUID, if there is one. Any failure
// (missing file, bad JSON, invalid UUID) just reports absence: the
// caller regenerates and rewrites.
func readState(path string) (uuid.UUID, bool) {
	b, err := os.ReadFile(path) //gosec:disable G304 // Hardcoded path.
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Warn().Err(err).Str("path", path).Msg("failed to read state file")
		}
		return uuid.Nil, false
	}

	var s stateFile
	if err := json.Unmarshal(b, &s); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("ignoring malformed state file")
		return uuid.Nil, false
	}

	id, err := parseUserID(s.UUID)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("ignoring invalid UUID in state file")
		return uuid.Nil, false
	}

	return id, true
}

// writeState persists a generated UUID. Failure is logged and
// non-fatal: the in-memory UUID remains authoritative for this run.
func writeState(path string, id uuid.UUID) {
	b, err := json.MarshalIndent(stateFile{UUID: id.String()}, "", "  ")
	if err != nil {
		log.Warn().Err(err).Msg("failed to encode state file")
		return
	}

	if err := os.WriteFile(path, append(b, '\n'), 0o600); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to persist generated UUID")
	}
}
