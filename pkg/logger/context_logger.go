package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

const (
	traceIDKey    ctxKey = "trace_id"
	endpointIDKey ctxKey = "endpoint_id"
	requestIDKey  ctxKey = "request_id"
)

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

func WithEndpointID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, endpointIDKey, id)
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// ContextLogger provides context-aware logging
type ContextLogger struct {
	logger *zap.Logger
}

func NewContextLogger(logger *zap.Logger) *ContextLogger {
	return &ContextLogger{
		logger: logger,
	}
}

// WithContext returns a logger carrying the ids stored in ctx
func (cl *ContextLogger) WithContext(ctx context.Context) *zap.Logger {
	var fields []zapcore.Field
	for _, key := range []ctxKey{traceIDKey, endpointIDKey, requestIDKey} {
		if id, ok := ctx.Value(key).(string); ok && id != "" {
			fields = append(fields, zap.String(string(key), id))
		}
	}

	if len(fields) == 0 {
		return cl.logger
	}
	return cl.logger.With(fields...)
}

// LogRequest logs an HTTP request with context
func (cl *ContextLogger) LogRequest(ctx context.Context, method, path string, statusCode int, duration int64) {
	cl.WithContext(ctx).Info("http_request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status_code", statusCode),
		zap.Int64("duration_ms", duration),
	)
}

// LogError logs an error with context
func (cl *ContextLogger) LogError(ctx context.Context, err error, message string, fields ...zapcore.Field) {
	cl.WithContext(ctx).With(zap.Error(err)).Error(message, fields...)
}
