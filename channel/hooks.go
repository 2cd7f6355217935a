package channel

import "context"

type Logger interface {
	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, msg string, kv ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

type Hooks struct {
	OnJoin        func(ctx context.Context, namespace, room, connID string)
	OnLeave       func(ctx context.Context, namespace, room, connID string)
	OnBroadcast   func(ctx context.Context, namespace, room, event string, fanout int)
	OnDelivered   func(ctx context.Context, namespace, messageID string, attempt int)
	OnRetry       func(ctx context.Context, namespace, messageID string, attempt int)
	OnExhausted   func(ctx context.Context, namespace, messageID string)
	OnRateLimited func(ctx context.Context, namespace, key string)
	OnAuthFailure func(ctx context.Context, namespace, connID string, reason error)
}
