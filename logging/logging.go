package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const Development = "development"

// Writer returns the output used for process logs: a console writer in
// development, w itself otherwise.
func Writer(appEnv string, w io.Writer) io.Writer {
	if w == nil {
		w = os.Stdout
	}
	if appEnv == Development {
		return zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return w
}

// New builds the process logger and installs it as the global logger used
// by packages that log through zerolog/log.
func New(appEnv string, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if appEnv == Development {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(Writer(appEnv, w)).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Logger = logger
	zerolog.DefaultContextLogger = &logger
	return logger
}
