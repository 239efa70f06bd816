package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// New returns a JSON structured logger writing to stdout.
// local and dev environments log at debug level.
func New(appEnv string) *slog.Logger {
	return NewWithWriter(os.Stdout, appEnv)
}

func NewWithWriter(w io.Writer, appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

type ctxKey struct{}

// With stores a logger in context.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// From gets a logger from context, falling back to slog.Default().
func From(ctx context.Context) *slog.Logger {
	if v := ctx.Value(ctxKey{}); v != nil {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}

// ForCall returns a context whose logger is tagged with the call identifiers.
func ForCall(ctx context.Context, callID, streamID string) context.Context {
	l := From(ctx).With("call_id", callID)
	if streamID != "" {
		l = l.With("stream_id", streamID)
	}
	return With(ctx, l)
}
