package procctl

import (
	"io"
	"os"

	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
	"github.com/rs/zerolog"
)

// Logger is the structured-logging handle threaded through the engine:
// generator/handler state transitions, breakpoint installs, and RPC
// completions are logged through it rather than a package-level global,
// so two engines in one process never interleave log state. It wraps
// logiface's pluggable facade over the izerolog/zerolog backend.
type Logger struct {
	l *logiface.Logger[*izerolog.Event]
}

// NewLogger constructs a Logger writing JSON lines to w at the given
// minimum level. A nil w defaults to os.Stderr.
func NewLogger(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	zl := zerolog.New(w).With().Timestamp().Logger()
	return &Logger{
		l: logiface.New[*izerolog.Event](
			izerolog.WithZerolog(zl),
			logiface.WithLevel[*izerolog.Event](level),
		),
	}
}

// NewNopLogger returns a Logger that discards everything, for callers
// (tests, embedders that don't want engine logs) that still need to
// satisfy NewHandler's Logger parameter.
func NewNopLogger() *Logger {
	return NewLogger(io.Discard, logiface.LevelDisabled)
}

// Debug logs the generator/handler-level chatter: state slot transitions,
// counter adjustments, breakpoint suspend/resume.
func (lg *Logger) Debug(msg string, fields ...Field) { lg.log(logiface.LevelDebug, msg, fields) }

// Info logs lifecycle-significant events: process created/attached,
// breakpoint installed, RPC completed, library added/removed.
func (lg *Logger) Info(msg string, fields ...Field) { lg.log(logiface.LevelInformational, msg, fields) }

// Warn logs recoverable anomalies: a platform op returned an error that
// the caller handled without failing the process.
func (lg *Logger) Warn(msg string, fields ...Field) { lg.log(logiface.LevelWarning, msg, fields) }

// Error logs a fatal-to-the-process condition: a platform error during
// event handling that fails the whole process.
func (lg *Logger) Error(msg string, err error, fields ...Field) {
	b := lg.l.Err()
	if err != nil {
		b = b.Err(err)
	}
	for _, f := range fields {
		b = f.apply(b)
	}
	b.Log(msg)
}

func (lg *Logger) log(level logiface.Level, msg string, fields []Field) {
	b := lg.l.Build(level)
	if b == nil {
		return
	}
	for _, f := range fields {
		b = f.apply(b)
	}
	b.Log(msg)
}

// Field is one structured key/value pair attached to a log line.
type Field struct {
	key string
	val any
}

// F constructs a Field. Values are passed through Builder.Field, so any
// type the izerolog backend knows how to encode is accepted.
func F(key string, val any) Field { return Field{key: key, val: val} }

func (f Field) apply(b *logiface.Builder[*izerolog.Event]) *logiface.Builder[*izerolog.Event] {
	return b.Field(f.key, f.val)
}
