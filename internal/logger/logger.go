package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New constructs a zerolog.Logger for the given environment. Development builds get a
// human readable console writer, verbose raises the level to debug.
func New(appEnv string, verbose bool) zerolog.Logger {
	return NewWithWriter(os.Stderr, appEnv, verbose)
}

func NewWithWriter(w io.Writer, appEnv string, verbose bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose || appEnv == "development" {
		level = zerolog.DebugLevel
	}

	if appEnv == "development" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
}
