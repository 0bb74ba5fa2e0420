// Package logging configures the structured logger shared by every
// component, following the teacher's zerolog setup.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a zerolog.Logger for the given level/format pair. format
// "pretty" renders a human-readable console writer; anything else (or
// empty) renders JSON, suitable for shipping to a log aggregator.
func New(level, format string) zerolog.Logger {
	var lvl zerolog.Level
	switch level {
	case "debug":
		lvl = zerolog.DebugLevel
	case "warn":
		lvl = zerolog.WarnLevel
	case "error":
		lvl = zerolog.ErrorLevel
	default:
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var w = os.Stdout
	if format == "pretty" {
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(cw).With().Timestamp().Str("service", "feedgate").Logger()
	}

	return zerolog.New(w).With().Timestamp().Str("service", "feedgate").Logger()
}
