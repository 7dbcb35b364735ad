// Package requestctx carries the request logger and trace metadata through context.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

type scopeKey struct{}

// scope is stored once per context layer; setters copy it so parent contexts stay unchanged.
type scope struct {
	logger   *zap.Logger
	trace    TraceInfo
	hasTrace bool
}

var noopLogger = zap.NewNop()

// TraceInfo is the trace a request belongs to. ProjectID is set when Cloud Trace correlation is on.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

func current(ctx context.Context) scope {
	if ctx == nil {
		return scope{}
	}
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

func with(ctx context.Context, update func(*scope)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	s := current(ctx)
	update(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return with(ctx, func(s *scope) { s.logger = logger })
}

// Logger never returns nil.
func Logger(ctx context.Context) *zap.Logger {
	return LoggerOr(ctx, noopLogger)
}

// LoggerOr falls back when the context has no logger. Background workers pass the process logger.
func LoggerOr(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if logger := current(ctx).logger; logger != nil && logger != noopLogger {
		return logger
	}
	if fallback == nil {
		return noopLogger
	}
	return fallback
}

func NoopLogger() *zap.Logger { return noopLogger }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return with(ctx, func(s *scope) {
		s.trace = info
		s.hasTrace = true
	})
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	s := current(ctx)
	return s.trace, s.hasTrace
}

func TraceID(ctx context.Context) string {
	return current(ctx).trace.TraceID
}
