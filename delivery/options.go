package delivery

import (
	"time"

	"github.com/opsboard/realtime/delivery/store"
)

type Option func(*options)

type options struct {
	ackTimeout    time.Duration
	maxAttempts   int
	retention     time.Duration
	sweepInterval time.Duration
	retryPolicy   RetryPolicy
	logger        Logger
	hooks         Hooks
	now           func() time.Time
}

// RetryPolicy paces re-emission after an ack timeout.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
}

func (r RetryPolicy) normalized() RetryPolicy {
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = 200 * time.Millisecond
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = 30 * time.Second
	}
	if r.Multiplier <= 0 {
		r.Multiplier = 2
	}
	return r
}

func defaultOptions() options {
	return options{
		ackTimeout:    5 * time.Second,
		maxAttempts:   3,
		retention:     store.DefaultRetention,
		sweepInterval: time.Hour,
		retryPolicy: RetryPolicy{
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			Multiplier:     2,
			Jitter:         0.2,
		},
		logger: noopLogger{},
		now:    time.Now,
	}
}

func WithAckTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ackTimeout = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sweepInterval = d
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(o *options) {
		o.retryPolicy = policy.normalized()
	}
}

func WithLogger(logger Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithHooks(h Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

// WithClock replaces the time source used for pending-message timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
