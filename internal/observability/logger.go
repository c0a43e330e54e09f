// Package observability holds the structured logger, Prometheus metrics and
// the HTTP middleware that feeds them.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger builds the process logger, writing human-readable lines to stderr,
// and installs it as the zerolog global. An unknown level falls back to info.
func InitLogger(app, level string) zerolog.Logger {
	return NewLogger(os.Stderr, app, level)
}

// NewLogger is InitLogger with an explicit destination.
func NewLogger(out io.Writer, app, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}
	logger := zerolog.New(output).Level(lvl).With().Timestamp().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
