package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsboard/realtime/delivery/store"
)

func createTestTracker(t *testing.T, opts ...Option) *Tracker {
	base := []Option{
		WithAckTimeout(30 * time.Millisecond),
		WithRetryPolicy(RetryPolicy{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond, Multiplier: 2}),
	}
	tracker := New(store.NewMemoryStore(time.Hour), append(base, opts...)...)
	t.Cleanup(tracker.Stop)
	return tracker
}

func testOutbound() Outbound {
	return Outbound{
		Namespace: "security",
		Name:      "device:revoked",
		Room:      "device:d1",
		Payload:   json.RawMessage(`{"reason":"test"}`),
	}
}

func TestTracker_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("ack on first attempt resolves true", func(t *testing.T) {
		tracker := createTestTracker(t)

		delivered, err := tracker.Send(ctx, "c1", testOutbound(), func(ctx context.Context, messageID string, attempt int, out Outbound) error {
			go tracker.Ack(ctx, messageID)
			return nil
		})
		require.NoError(t, err)
		assert.True(t, delivered)
		assert.Equal(t, 0, tracker.PendingCount())
	})

	t.Run("ack on a retry attempt resolves true", func(t *testing.T) {
		tracker := createTestTracker(t)

		delivered, err := tracker.Send(ctx, "c1", testOutbound(), func(ctx context.Context, messageID string, attempt int, out Outbound) error {
			if attempt >= 2 {
				go tracker.Ack(ctx, messageID)
			}
			return nil
		})
		require.NoError(t, err)
		assert.True(t, delivered)
	})

	t.Run("never acked resolves false after attempt budget", func(t *testing.T) {
		tracker := createTestTracker(t, WithMaxAttempts(3))
		var attempts atomic.Int32

		delivered, err := tracker.Send(ctx, "c1", testOutbound(), func(ctx context.Context, messageID string, attempt int, out Outbound) error {
			attempts.Add(1)
			return nil
		})
		require.NoError(t, err)
		assert.False(t, delivered)
		assert.Equal(t, int32(3), attempts.Load())
		assert.Equal(t, 0, tracker.PendingCount())

		// No fourth attempt fires later.
		time.Sleep(100 * time.Millisecond)
		assert.Equal(t, int32(3), attempts.Load())
	})

	t.Run("emit failure is charged against the budget", func(t *testing.T) {
		tracker := createTestTracker(t, WithMaxAttempts(2))
		var attempts atomic.Int32

		delivered, err := tracker.Send(ctx, "gone", testOutbound(), func(ctx context.Context, messageID string, attempt int, out Outbound) error {
			attempts.Add(1)
			return errors.New("connection closed")
		})
		require.NoError(t, err)
		assert.False(t, delivered)
		assert.Equal(t, int32(2), attempts.Load())
	})

	t.Run("context cancellation stops waiting", func(t *testing.T) {
		tracker := createTestTracker(t, WithAckTimeout(time.Minute))
		cancelCtx, cancel := context.WithCancel(ctx)

		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		delivered, err := tracker.Send(cancelCtx, "c1", testOutbound(), func(ctx context.Context, messageID string, attempt int, out Outbound) error {
			return nil
		})
		assert.False(t, delivered)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, tracker.PendingCount())
	})
}

func TestTracker_Ack(t *testing.T) {
	ctx := context.Background()

	t.Run("second ack for the same id is ignored", func(t *testing.T) {
		tracker := createTestTracker(t)
		var accepted atomic.Int32
		var wg sync.WaitGroup

		delivered, err := tracker.Send(ctx, "c1", testOutbound(), func(ctx context.Context, messageID string, attempt int, out Outbound) error {
			wg.Add(2)
			for i := 0; i < 2; i++ {
				go func() {
					defer wg.Done()
					if tracker.Ack(ctx, messageID) {
						accepted.Add(1)
					}
				}()
			}
			return nil
		})
		require.NoError(t, err)
		wg.Wait()
		assert.True(t, delivered)
		assert.Equal(t, int32(1), accepted.Load())
	})

	t.Run("ack for unknown id is ignored", func(t *testing.T) {
		tracker := createTestTracker(t)
		assert.False(t, tracker.Ack(ctx, "never-sent"))
	})

	t.Run("acked id is recorded as delivered", func(t *testing.T) {
		tracker := createTestTracker(t)
		var ackedID string

		delivered, err := tracker.Send(ctx, "c1", testOutbound(), func(ctx context.Context, messageID string, attempt int, out Outbound) error {
			ackedID = messageID
			go tracker.Ack(ctx, messageID)
			return nil
		})
		require.NoError(t, err)
		assert.True(t, delivered)
		assert.True(t, tracker.Delivered(ctx, ackedID))
	})

	t.Run("late ack after exhaustion does not mark delivered", func(t *testing.T) {
		tracker := createTestTracker(t, WithMaxAttempts(1))
		var lastID string

		delivered, err := tracker.Send(ctx, "c1", testOutbound(), func(ctx context.Context, messageID string, attempt int, out Outbound) error {
			lastID = messageID
			return nil
		})
		require.NoError(t, err)
		assert.False(t, delivered)

		assert.False(t, tracker.Ack(ctx, lastID))
		assert.False(t, tracker.Delivered(ctx, lastID))
	})
}

func TestTracker_Sweep(t *testing.T) {
	tracker := createTestTracker(t)

	// A pending entry whose sender is gone; only the sweep can forget it.
	tracker.mu.Lock()
	tracker.pending["stale"] = &pending{
		msg:   PendingMessage{ID: "stale", CreatedAt: time.Now().Add(-2 * time.Hour)},
		ackCh: make(chan struct{}),
	}
	tracker.pending["fresh"] = &pending{
		msg:   PendingMessage{ID: "fresh", CreatedAt: time.Now()},
		ackCh: make(chan struct{}),
	}
	tracker.mu.Unlock()

	tracker.sweep()

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Len(t, tracker.pending, 1)
	_, ok := tracker.pending["fresh"]
	assert.True(t, ok)
}
