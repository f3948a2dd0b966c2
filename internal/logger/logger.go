package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options controls how the process logger is built
type Options struct {
	Level  string
	Output io.Writer
	// Pretty switches to the human-readable console writer
	Pretty bool
}

// New builds the process logger. It is created once in main and handed to
// every component; nothing reads it from package state.
func New(opts Options) zerolog.Logger {
	// Parse log level
	logLevel, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		logLevel = zerolog.InfoLevel
	}

	// Configure output
	output := opts.Output
	if output == nil {
		output = os.Stdout
	}

	// Pretty console logging in development
	if opts.Pretty || os.Getenv("ENV") == "development" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	l := zerolog.New(output).
		Level(logLevel).
		With().
		Timestamp().
		Logger()

	l.Debug().
		Str("level", logLevel.String()).
		Msg("logger initialized")

	return l
}

// Nop returns a logger that discards everything, for tests
func Nop() zerolog.Logger {
	return zerolog.Nop()
}

// WithComponent returns a logger with a component field
func WithComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}

// WithRun returns a logger tagged with a pipeline run
func WithRun(l zerolog.Logger, runID string) zerolog.Logger {
	return l.With().Str("run_id", runID).Logger()
}
