package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func createTestLimiter(max int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return New(WithLimit(max, window), WithClock(clock.Now)), clock
}

func TestLimiter_Allow(t *testing.T) {
	t.Run("first request allowed", func(t *testing.T) {
		l, _ := createTestLimiter(3, time.Minute)
		assert.True(t, l.Allow("u1", "security"))
	})

	t.Run("rejects once limit reached", func(t *testing.T) {
		l, _ := createTestLimiter(3, time.Minute)
		for i := 0; i < 3; i++ {
			assert.True(t, l.Allow("u1", "security"), "request %d", i)
		}
		assert.False(t, l.Allow("u1", "security"))
	})

	t.Run("rejection does not consume", func(t *testing.T) {
		l, clock := createTestLimiter(2, time.Minute)
		assert.True(t, l.Allow("u1", "security"))
		assert.True(t, l.Allow("u1", "security"))
		for i := 0; i < 10; i++ {
			assert.False(t, l.Allow("u1", "security"))
		}
		// One full window later the count resets to zero, not to -10.
		clock.Advance(time.Minute)
		assert.True(t, l.Allow("u1", "security"))
		assert.True(t, l.Allow("u1", "security"))
	})

	t.Run("window reset allows again", func(t *testing.T) {
		l, clock := createTestLimiter(1, time.Minute)
		assert.True(t, l.Allow("u1", "security"))
		assert.False(t, l.Allow("u1", "security"))
		clock.Advance(61 * time.Second)
		assert.True(t, l.Allow("u1", "security"))
	})

	t.Run("keys are independent", func(t *testing.T) {
		l, _ := createTestLimiter(1, time.Minute)
		assert.True(t, l.Allow("u1", "security"))
		assert.True(t, l.Allow("u2", "security"))
		assert.True(t, l.Allow("u1", "notifications"))
		assert.False(t, l.Allow("u1", "security"))
	})

	t.Run("default policy is 100 per minute", func(t *testing.T) {
		l := New()
		for i := 0; i < 100; i++ {
			assert.True(t, l.Allow("u1", "security"), "request %d", i)
		}
		assert.False(t, l.Allow("u1", "security"))
	})
}

func TestLimiter_Remaining(t *testing.T) {
	l, clock := createTestLimiter(5, time.Minute)
	assert.Equal(t, 5, l.Remaining("u1", "security"))
	l.Allow("u1", "security")
	l.Allow("u1", "security")
	assert.Equal(t, 3, l.Remaining("u1", "security"))
	clock.Advance(time.Minute)
	assert.Equal(t, 5, l.Remaining("u1", "security"))
}

func TestLimiter_Cleanup(t *testing.T) {
	l, clock := createTestLimiter(10, time.Minute)
	for i := 0; i < 4; i++ {
		l.Allow(fmt.Sprintf("u%d", i), "security")
	}
	assert.Len(t, l.windows, 4)

	clock.Advance(4 * time.Minute)
	l.Allow("fresh", "security")
	l.Cleanup()
	assert.Len(t, l.windows, 5, "windows younger than five lengths survive")

	clock.Advance(2 * time.Minute)
	l.Cleanup()
	assert.Len(t, l.windows, 1)
	_, ok := l.windows["fresh|security"]
	assert.True(t, ok)
}
