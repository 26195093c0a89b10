// Package gwlog provides the per-outbound-call zerolog logger: one line per
// HTTP attempt against a transmitter, cheap enough to leave on in
// production at full volume.
package gwlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with the gateway's fixed field set.
type Logger struct {
	log zerolog.Logger
}

// New creates a JSON call logger. writer defaults to stdout.
func New(writer io.Writer, service string) *Logger {
	if writer == nil {
		writer = os.Stdout
	}
	log := zerolog.New(writer).With().
		Timestamp().
		Str("service", service).
		Logger()
	return &Logger{log: log}
}

// Nop returns a disabled logger.
func Nop() *Logger {
	return &Logger{log: zerolog.Nop()}
}

// Attempt records one outbound HTTP attempt. status is 0 when the attempt
// failed before a response arrived.
func (l *Logger) Attempt(organizationID, family, method, path string, status int, duration time.Duration, err error) {
	evt := l.log.Info()
	if err != nil {
		evt = l.log.Warn().Err(err)
	}
	evt.
		Str("organizationId", organizationID).
		Str("apiFamily", family).
		Str("method", method).
		Str("path", path).
		Int("status", status).
		Dur("duration", duration).
		Msg("transmitter call")
}

// CircuitTransition records a breaker state change for a shard.
func (l *Logger) CircuitTransition(organizationID, family, from, to string) {
	l.log.Warn().
		Str("organizationId", organizationID).
		Str("apiFamily", family).
		Str("from", from).
		Str("to", to).
		Msg("circuit state change")
}
