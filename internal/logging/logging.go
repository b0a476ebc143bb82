// Package logging builds the service's structured logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"routedispatch/internal/buildinfo"
)

// New returns a JSON logger on stdout tagged with the service name and
// build version. An unknown level falls back to info.
func New(level, service string) zerolog.Logger {
	return NewWithWriter(os.Stdout, level, service)
}

func NewWithWriter(w io.Writer, level, service string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Str("version", buildinfo.Version).
		Logger()
}
