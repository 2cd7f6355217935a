package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/opsboard/realtime/channel"
)

// ChannelInstruments holds the counters the channel layer reports into.
type ChannelInstruments struct {
	joins        metric.Int64Counter
	leaves       metric.Int64Counter
	broadcasts   metric.Int64Counter
	delivered    metric.Int64Counter
	retries      metric.Int64Counter
	exhausted    metric.Int64Counter
	rateLimited  metric.Int64Counter
	authFailures metric.Int64Counter
}

// NewChannelInstruments registers the channel counters on the meter.
func NewChannelInstruments(meter metric.Meter) (*ChannelInstruments, error) {
	ci := &ChannelInstruments{}
	for _, inst := range []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&ci.joins, "realtime.room.joins", "room joins"},
		{&ci.leaves, "realtime.room.leaves", "room leaves"},
		{&ci.broadcasts, "realtime.broadcasts", "broadcast fan-outs"},
		{&ci.delivered, "realtime.delivery.confirmed", "acknowledged reliable deliveries"},
		{&ci.retries, "realtime.delivery.retries", "reliable delivery retries"},
		{&ci.exhausted, "realtime.delivery.exhausted", "reliable deliveries that ran out of attempts"},
		{&ci.rateLimited, "realtime.ratelimit.rejections", "requests rejected by the rate limiter"},
		{&ci.authFailures, "realtime.auth.failures", "connections rejected by the auth gate"},
	} {
		counter, err := meter.Int64Counter(inst.name, metric.WithDescription(inst.description), metric.WithUnit("1"))
		if err != nil {
			return nil, fmt.Errorf("failed to create counter %s: %w", inst.name, err)
		}
		*inst.target = counter
	}
	return ci, nil
}

// Hooks adapts the instruments to the channel hook points.
func (ci *ChannelInstruments) Hooks() channel.Hooks {
	byNamespace := func(namespace string) metric.MeasurementOption {
		return metric.WithAttributes(attribute.String("namespace", namespace))
	}
	return channel.Hooks{
		OnJoin: func(ctx context.Context, namespace, room, connID string) {
			ci.joins.Add(ctx, 1, byNamespace(namespace))
		},
		OnLeave: func(ctx context.Context, namespace, room, connID string) {
			ci.leaves.Add(ctx, 1, byNamespace(namespace))
		},
		OnBroadcast: func(ctx context.Context, namespace, room, event string, fanout int) {
			ci.broadcasts.Add(ctx, int64(fanout), byNamespace(namespace))
		},
		OnDelivered: func(ctx context.Context, namespace, messageID string, attempt int) {
			ci.delivered.Add(ctx, 1, byNamespace(namespace))
		},
		OnRetry: func(ctx context.Context, namespace, messageID string, attempt int) {
			ci.retries.Add(ctx, 1, byNamespace(namespace))
		},
		OnExhausted: func(ctx context.Context, namespace, messageID string) {
			ci.exhausted.Add(ctx, 1, byNamespace(namespace))
		},
		OnRateLimited: func(ctx context.Context, namespace, key string) {
			ci.rateLimited.Add(ctx, 1, byNamespace(namespace))
		},
		OnAuthFailure: func(ctx context.Context, namespace, connID string, reason error) {
			ci.authFailures.Add(ctx, 1, byNamespace(namespace))
		},
	}
}
