package util

import (
	"context"

	"go.uber.org/zap"
)

// KVLogger adapts a zap logger to the keyed-value Logger interfaces the
// channel and delivery packages accept.
type KVLogger struct {
	lg *zap.SugaredLogger
}

func NewKVLogger(lg *zap.Logger) *KVLogger {
	return &KVLogger{lg: lg.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (l *KVLogger) Debug(ctx context.Context, msg string, kv ...any) {
	l.lg.Debugw(l.annotate(ctx, msg), kv...)
}

func (l *KVLogger) Info(ctx context.Context, msg string, kv ...any) {
	l.lg.Infow(l.annotate(ctx, msg), kv...)
}

func (l *KVLogger) Warn(ctx context.Context, msg string, kv ...any) {
	l.lg.Warnw(l.annotate(ctx, msg), kv...)
}

func (l *KVLogger) Error(ctx context.Context, msg string, kv ...any) {
	l.lg.Errorw(l.annotate(ctx, msg), kv...)
}

func (l *KVLogger) annotate(ctx context.Context, msg string) string {
	if correlationId, err := CorrelationIdFromCtx(ctx); err == nil {
		return msg + " [" + correlationId + "]"
	}
	return msg
}
