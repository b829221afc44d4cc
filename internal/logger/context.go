// Package logger provides utilities for working with [zerolog] and [context.Context].
package logger

import (
	"context"
	"os"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

var ctxLoggerKey = ctxKey{}

// defaultLogger is used whenever a [context.Context] carries no logger of its own.
var defaultLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// InContext returns a copy of ctx carrying l, retrievable later with [FromContext].
func InContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey, l)
}

// FromContext returns the logger carried by ctx, or a package-level default if none was set.
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxLoggerKey).(zerolog.Logger); ok {
		return l
	}
	return defaultLogger
}

// SetDefault replaces the package-level fallback logger used by [FromContext].
func SetDefault(l zerolog.Logger) {
	defaultLogger = l
}

// FatalError logs err at fatal level and terminates the process.
// Reserved for unrecoverable startup failures (bad flags, unwritable config).
func FatalError(msg string, err error) {
	defaultLogger.Fatal().Err(err).Msg(msg)
}
