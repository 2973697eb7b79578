// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Level  string
	Pretty bool
	// Out defaults to stderr.
	Out io.Writer
}

// Setup installs the global logger. Every line passes through the secret
// redactor before it is written.
func Setup(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	var w io.Writer = NewRedactingWriter(out)
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: NewRedactingWriter(out), TimeFormat: time.RFC3339}
	}

	zerolog.SetGlobalLevel(level)
	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}
