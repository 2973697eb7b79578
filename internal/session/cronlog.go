package session

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// cronLogger routes robfig/cron scheduler output through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func newCronLogger() cronLogger {
	return cronLogger{logger: log.With().Str("component", "sweeper").Logger()}
}

// Info carries scheduler chatter (wake, run, schedule), kept at debug.
func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
