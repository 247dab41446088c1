// Package logging provides structured logging for the SDK.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New creates a JSON logger writing to w at the given level. This is
// the default for embedding the SDK in another application.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// NewConsole creates a human-readable logger on stderr, useful during
// development and in diagnostic tools.
func NewConsole(level zerolog.Level) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// Nop returns a logger that discards everything. Components receive it
// when the caller does not configure logging.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
