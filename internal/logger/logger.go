// Package logger wraps zerolog with service-wide defaults so every log
// line carries the service name, version and environment.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level       string // trace|debug|info|warn|error; default info
	Environment string // "development" enables console output
	ServiceName string
	Version     string
}

// Logger embeds a zerolog.Logger so call sites use the zerolog API directly.
type Logger struct {
	zerolog.Logger
}

// New builds the service logger. Development environments get human-readable
// console output; everything else logs JSON to stdout.
func New(cfg Config) *Logger {
	level := parseLevel(cfg.Level)

	var out = zerolog.New(os.Stdout)
	if cfg.Environment == "development" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	l := out.Level(level).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Logger()

	return &Logger{Logger: l}
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
