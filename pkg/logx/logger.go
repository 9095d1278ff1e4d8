package logx

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}
}

// Logger writes through a shared root, so loggers derived before a
// Service.Apply pick up the new sinks and level. The zero value discards.
type Logger struct {
	root   *atomic.Pointer[zerolog.Logger]
	fields []Field
}

func fixedRoot(zl zerolog.Logger) *atomic.Pointer[zerolog.Logger] {
	p := new(atomic.Pointer[zerolog.Logger])
	p.Store(&zl)
	return p
}

var nopRoot = fixedRoot(zerolog.Nop())

// Nop discards everything but, unlike the zero Logger, is not IsZero.
func Nop() Logger { return Logger{root: nopRoot} }

// NewConsole is a standalone console logger for use before the Service
// exists (CLI subcommands, bootstrap errors).
func NewConsole(level string) Logger {
	return Logger{root: fixedRoot(consoleRoot(parseLevel(level, LevelInfo)))}
}

func (l Logger) IsZero() bool { return l.root == nil && len(l.fields) == 0 }

func (l Logger) current() *zerolog.Logger {
	if l.root == nil {
		return nopRoot.Load()
	}
	return l.root.Load()
}

// Enabled reports whether level passes the current root level.
func (l Logger) Enabled(level Level) bool { return level >= l.current().GetLevel() }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.write(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.write(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.write(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.write(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.write(LevelError, msg, fields) }

// write must be called directly from the level methods: the caller frame
// skip depends on it.
func (l Logger) write(level Level, msg string, fields []Field) {
	e := l.current().WithLevel(level)
	if e == nil {
		return
	}
	e.Caller(2)
	for _, set := range [][]Field{l.fields, fields} {
		for _, f := range set {
			if f != nil {
				f(e)
			}
		}
	}
	e.Msg(msg)
}

func consoleRoot(lvl Level) zerolog.Logger {
	return zerolog.New(consoleWriter(Stdout())).Level(lvl).With().Timestamp().Logger()
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: timeFormat}
}

func parseLevel(s string, def Level) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return def
}

// Stdout and Stderr are the process sinks; tests and the CLI share them.
func Stdout() io.Writer { return os.Stdout }
func Stderr() io.Writer { return os.Stderr }
