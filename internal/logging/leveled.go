// Package logging adapts zerolog to the key/value logger interfaces of
// third-party clients.
package logging

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Leveled satisfies retryablehttp.LeveledLogger.
type Leveled struct {
	logger zerolog.Logger
}

func NewLeveled(logger zerolog.Logger, component string) *Leveled {
	return &Leveled{logger: logger.With().Str("component", component).Logger()}
}

func (a *Leveled) withKeyvals(event *zerolog.Event, keyvals ...interface{}) *zerolog.Event {
	if len(keyvals)%2 != 0 {
		keyvals = append(keyvals, "MISSING_VALUE")
	}
	for i := 0; i < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = "INVALID_KEY"
		}
		event = event.Interface(key, keyvals[i+1])
	}
	return event
}

func (a *Leveled) Debug(msg string, keyvals ...interface{}) {
	a.withKeyvals(a.logger.Debug(), keyvals...).Msg(msg)
}

func (a *Leveled) Info(msg string, keyvals ...interface{}) {
	a.withKeyvals(a.logger.Info(), keyvals...).Msg(msg)
}

func (a *Leveled) Warn(msg string, keyvals ...interface{}) {
	a.withKeyvals(a.logger.Warn(), keyvals...).Msg(msg)
}

func (a *Leveled) Error(msg string, keyvals ...interface{}) {
	a.withKeyvals(a.logger.Error(), keyvals...).Msg(msg)
}

// Println satisfies gorilla/handlers.RecoveryHandlerLogger.
type Println struct {
	logger zerolog.Logger
}

func NewPrintln(logger zerolog.Logger, component string) *Println {
	return &Println{logger: logger.With().Str("component", component).Logger()}
}

func (p *Println) Println(v ...interface{}) {
	p.logger.Error().Msg(fmt.Sprintln(v...))
}
