// Package logger wraps log/slog for the provider. Every call site passes a
// context so request id and dapp origin land on each line.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	originKey
)

// Init installs the default logger from LOG_FORMAT (json|text, default
// json) and LOG_LEVEL (DEBUG|INFO|WARN|ERROR, default INFO).
func Init() error {
	return InitWriter(os.Stdout, os.Getenv("LOG_FORMAT"), os.Getenv("LOG_LEVEL"))
}

// InitWriter installs a default logger writing to w
func InitWriter(w io.Writer, format, level string) error {
	var lvl slog.Level
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
		}
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(format) {
	case "", "json":
		h = slog.NewJSONHandler(w, opts)
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		return fmt.Errorf("invalid LOG_FORMAT %q: must be json or text", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithOrigin tags the context with the dapp origin being served
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey, origin)
}

func GetOrigin(ctx context.Context) string {
	origin, _ := ctx.Value(originKey).(string)
	return origin
}

// FromContext returns the default logger with the correlation fields found on ctx
func FromContext(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := GetRequestID(ctx); id != "" {
		attrs = append(attrs, "request_id", id)
	}
	if origin := GetOrigin(ctx); origin != "" {
		attrs = append(attrs, "origin", origin)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}

func Debug(ctx context.Context, msg string, args ...any) { FromContext(ctx).Debug(msg, args...) }

func Info(ctx context.Context, msg string, args ...any) { FromContext(ctx).Info(msg, args...) }

func Warn(ctx context.Context, msg string, args ...any) { FromContext(ctx).Warn(msg, args...) }

func Error(ctx context.Context, msg string, args ...any) { FromContext(ctx).Error(msg, args...) }
