// Package xlog is the structured logger shared by every remote-signal
// package. It is a thin layer over zerolog so call sites read the same way
// everywhere: xlog.Warn().Str("service", name).Msg("...").
package xlog

import (
	"io"
	"os"
	"strings"

	pkgerr "github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
)

type Logger = zerolog.Logger
type Level = zerolog.Level
type Event = zerolog.Event

const (
	LevelTrace    = zerolog.TraceLevel
	LevelDebug    = zerolog.DebugLevel
	LevelInfo     = zerolog.InfoLevel
	LevelWarn     = zerolog.WarnLevel
	LevelError    = zerolog.ErrorLevel
	LevelSuppress = zerolog.Disabled
)

func init() {
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
}

// Default returns the process wide logger.
func Default() *Logger { return &log.Logger }

// SetOutput replaces the output of the process wide logger.
// Not safe for concurrent use.
func SetOutput(w io.Writer) {
	log.Logger = log.Logger.Output(w)
}

// SetLoggerLevel sets the global logger level.
func SetLoggerLevel(level Level) {
	zerolog.SetGlobalLevel(level)
}

// ParseLevel accepts zerolog level names plus "none" and "off".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return LevelInfo, nil
	case "none", "off", "disabled":
		return LevelSuppress, nil
	}
	lv, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return LevelInfo, pkgerr.Wrapf(err, "invalid log level %q", s)
	}
	return lv, nil
}

// Component returns a child of the global logger tagged with the component name.
func Component(name string) Logger {
	return log.Logger.With().Str("component", name).Logger()
}

// ErrStack starts an error event on l carrying err and the stack trace
// where err was created, or this call site when err carries none.
func ErrStack(l *Logger, err error) *Event {
	if _, ok := err.(interface{ StackTrace() pkgerr.StackTrace }); !ok {
		err = pkgerr.WithStack(err)
	}
	return l.Error().Stack().Err(err)
}

func Trace() *Event { return log.Logger.Trace() }
func Debug() *Event { return log.Logger.Debug() }
func Info() *Event  { return log.Logger.Info() }
func Warn() *Event  { return log.Logger.Warn() }
func Error() *Event { return log.Logger.Error() }
