// Package log is a small structured logging facade over zerolog.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Attr adds a field to the logger context.
type Attr func(zerolog.Context) zerolog.Context

// Logger is a scoped logger.
type Logger struct {
	zl *zerolog.Logger
}

// InitGlobals configures the process-wide logger and returns it.
func InitGlobals(level zerolog.Level, json, noColor bool) Logger {
	var out io.Writer = os.Stderr
	if !json {
		out = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			NoColor:    noColor,
			TimeFormat: "2006-01-02 15:04:05.000",
		}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
	zerolog.SetGlobalLevel(level)

	zl := zerolog.New(out).Level(level).With().Timestamp().Logger()
	zerolog.DefaultContextLogger = &zl

	return Logger{zl: &zl}
}

// New returns a logger for the given scope derived from the global logger.
func New(scope string) Logger {
	return Logger{zl: zerolog.DefaultContextLogger}.With(Scope(scope))
}

// Ctx returns the logger stored in ctx, or the global one.
func Ctx(ctx context.Context) Logger {
	return Logger{zl: zerolog.Ctx(ctx)}
}

// With returns a child logger with attrs added.
func (l Logger) With(attrs ...Attr) Logger {
	zc := l.logger().With()
	for _, attr := range attrs {
		zc = attr(zc)
	}

	zl := zc.Logger()

	return Logger{zl: &zl}
}

// WithContext stores the logger in ctx.
func (l Logger) WithContext(ctx context.Context) context.Context {
	return l.logger().WithContext(ctx)
}

// Unwrap returns the underlying zerolog logger.
func (l Logger) Unwrap() *zerolog.Logger {
	return l.logger()
}

func (l Logger) Trace(msg string) { l.logger().Trace().Msg(msg) }
func (l Logger) Debug(msg string) { l.logger().Debug().Msg(msg) }
func (l Logger) Info(msg string)  { l.logger().Info().Msg(msg) }
func (l Logger) Warn(msg string)  { l.logger().Warn().Msg(msg) }

func (l Logger) Tracef(format string, args ...any) { l.logger().Trace().Msgf(format, args...) }
func (l Logger) Debugf(format string, args ...any) { l.logger().Debug().Msgf(format, args...) }
func (l Logger) Infof(format string, args ...any)  { l.logger().Info().Msgf(format, args...) }
func (l Logger) Warnf(format string, args ...any)  { l.logger().Warn().Msgf(format, args...) }

// Error logs msg at error level with err attached.
func (l Logger) Error(err error, msg string) {
	l.logger().Error().Err(err).Msg(msg)
}

// Errorf logs a formatted message at error level with err attached.
func (l Logger) Errorf(err error, format string, args ...any) {
	l.logger().Error().Err(err).Msgf(format, args...)
}

func (l Logger) logger() *zerolog.Logger {
	if l.zl != nil {
		return l.zl
	}

	if zerolog.DefaultContextLogger != nil {
		return zerolog.DefaultContextLogger
	}

	nop := zerolog.Nop()

	return &nop
}

func Scope(name string) Attr {
	return func(c zerolog.Context) zerolog.Context { return c.Str("s", name) }
}

func Str(key, val string) Attr {
	return func(c zerolog.Context) zerolog.Context { return c.Str(key, val) }
}

func Int(key string, val int) Attr {
	return func(c zerolog.Context) zerolog.Context { return c.Int(key, val) }
}

func Int64(key string, val int64) Attr {
	return func(c zerolog.Context) zerolog.Context { return c.Int64(key, val) }
}

func Elapsed(d time.Duration) Attr {
	return func(c zerolog.Context) zerolog.Context { return c.Dur("elapsed", d) }
}

func Size(n int64) Attr {
	return func(c zerolog.Context) zerolog.Context { return c.Int64("size", n) }
}

func Count(n int64) Attr {
	return func(c zerolog.Context) zerolog.Context { return c.Int64("count", n) }
}

// OpTime renders a bson timestamp as "T.I".
func OpTime(t, i uint32) Attr {
	return func(c zerolog.Context) zerolog.Context { return c.Str("ts", fmt.Sprintf("%d.%d", t, i)) }
}

func Op(op string) Attr {
	return func(c zerolog.Context) zerolog.Context { return c.Str("op", op) }
}

func NS(db, coll string) Attr {
	return func(c zerolog.Context) zerolog.Context { return c.Str("ns", db+"."+coll) }
}

// Source identifies a resharding donor stream.
func Source(migration, donor string) Attr {
	return func(c zerolog.Context) zerolog.Context {
		return c.Str("migration", migration).Str("donor", donor)
	}
}
