package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				sums[m.Name] += dp.Value
			}
		}
	}
	return sums
}

func TestChannelInstruments(t *testing.T) {
	ctx := context.Background()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})

	instruments, err := NewChannelInstruments(provider.Meter("test"))
	require.NoError(t, err)
	hooks := instruments.Hooks()

	hooks.OnJoin(ctx, "security", "user:1", "conn-1")
	hooks.OnJoin(ctx, "security", "device:1", "conn-1")
	hooks.OnLeave(ctx, "security", "user:1", "conn-1")
	hooks.OnBroadcast(ctx, "github", "github:feed", "issue:created", 3)
	hooks.OnDelivered(ctx, "notifications", "msg-1", 1)
	hooks.OnRetry(ctx, "notifications", "msg-2", 2)
	hooks.OnExhausted(ctx, "notifications", "msg-2")
	hooks.OnRateLimited(ctx, "security", "user-1")
	hooks.OnAuthFailure(ctx, "twins", "conn-2", nil)

	sums := collect(t, reader)
	assert.EqualValues(t, 2, sums["realtime.room.joins"])
	assert.EqualValues(t, 1, sums["realtime.room.leaves"])
	assert.EqualValues(t, 3, sums["realtime.broadcasts"])
	assert.EqualValues(t, 1, sums["realtime.delivery.confirmed"])
	assert.EqualValues(t, 1, sums["realtime.delivery.retries"])
	assert.EqualValues(t, 1, sums["realtime.delivery.exhausted"])
	assert.EqualValues(t, 1, sums["realtime.ratelimit.rejections"])
	assert.EqualValues(t, 1, sums["realtime.auth.failures"])
}
