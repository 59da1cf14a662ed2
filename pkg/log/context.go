package log

import (
	"context"

	"github.com/rs/zerolog"
)

type loggerKey struct{}

// WithLogger attaches logger to ctx.
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Ctx returns the logger attached to ctx, or the global logger.
func Ctx(ctx context.Context) zerolog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(zerolog.Logger); ok {
			return l
		}
	}
	return L()
}

// ForStream returns the context logger tagged with the stream key, plus a
// context carrying it so nested calls log under the same key.
func ForStream(ctx context.Context, streamKey string) (context.Context, zerolog.Logger) {
	l := Ctx(ctx).With().Str(FieldStreamKey, streamKey).Logger()
	if ctx == nil {
		ctx = context.Background()
	}
	return WithLogger(ctx, l), l
}
