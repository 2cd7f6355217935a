package util

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogLevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "-1")
	assert.Equal(t, zapcore.DebugLevel, logLevelFromEnv())

	t.Setenv("LOG_LEVEL", "bogus")
	assert.Equal(t, zapcore.InfoLevel, logLevelFromEnv())
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()

	t.Run("correlation id round trip", func(t *testing.T) {
		ctx := CorrelationIdToCtx(ctx, "corr-1")
		got, err := CorrelationIdFromCtx(ctx)
		require.NoError(t, err)
		assert.Equal(t, "corr-1", got)
	})

	t.Run("connection id round trip", func(t *testing.T) {
		ctx := ConnectionIdToCtx(ctx, "conn-1")
		got, err := ConnectionIdFromCtx(ctx)
		require.NoError(t, err)
		assert.Equal(t, "conn-1", got)
	})

	t.Run("missing value is a coded error", func(t *testing.T) {
		_, err := CorrelationIdFromCtx(ctx)
		require.Error(t, err)
		var utilErr *UtilError
		require.ErrorAs(t, err, &utilErr)
		assert.EqualValues(t, ErrCodeValueNotFoundInContext, utilErr.GetCode())
	})
}

func TestNewUUID(t *testing.T) {
	first := NewUUID()
	second := NewUUID()
	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}

func TestKVLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	logger := NewKVLogger(zap.New(core))

	t.Run("logs message with fields", func(t *testing.T) {
		logger.Info(context.Background(), "connection registered", "conn", "conn-1")

		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Equal(t, "connection registered", entries[0].Message)
		assert.Equal(t, "conn-1", entries[0].ContextMap()["conn"])
	})

	t.Run("annotates with the correlation id", func(t *testing.T) {
		ctx := CorrelationIdToCtx(context.Background(), "corr-9")
		logger.Warn(ctx, "rate limit exceeded")

		entries := logs.TakeAll()
		require.Len(t, entries, 1)
		assert.Contains(t, entries[0].Message, "corr-9")
	})
}

func TestNewRedisClient(t *testing.T) {
	t.Run("connects to a live server", func(t *testing.T) {
		server := miniredis.RunT(t)
		client, err := NewRedisClient(context.Background(), server.Addr(), 0, time.Second)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = client.Close()
		})
		assert.NotNil(t, client)
	})

	t.Run("fails fast on an unreachable server", func(t *testing.T) {
		_, err := NewRedisClient(context.Background(), "127.0.0.1:1", 0, 100*time.Millisecond)
		assert.Error(t, err)
	})
}
