package channel

import (
	"time"

	"github.com/opsboard/realtime/delivery"
	"github.com/opsboard/realtime/delivery/store"
	"github.com/opsboard/realtime/ratelimit"
)

type Option func(*options)

type options struct {
	logger           Logger
	hooks            Hooks
	auth             AuthFunc
	requirement      Requirement
	limiter          *ratelimit.Limiter
	maxRequests      int
	window           time.Duration
	processed        store.ProcessedStore
	deliveryOpts     []delivery.Option
	broadcastWorkers int
	broadcastQueue   int
}

func defaultOptions() options {
	return options{
		logger:           noopLogger{},
		requirement:      RequireNone,
		broadcastWorkers: 8,
		broadcastQueue:   256,
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

// WithAuth installs the authorization gate and the identity level the
// channel demands.
func WithAuth(fn AuthFunc, req Requirement) Option {
	return func(o *options) {
		o.auth = fn
		o.requirement = req
	}
}

// WithRateLimit overrides the default rate-limit policy for this channel.
func WithRateLimit(maxRequests int, window time.Duration) Option {
	return func(o *options) {
		o.maxRequests = maxRequests
		o.window = window
	}
}

// WithLimiter installs a prebuilt limiter, mostly for tests.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}

// WithProcessedStore selects the backing store for delivered message ids.
func WithProcessedStore(st store.ProcessedStore) Option {
	return func(o *options) {
		o.processed = st
	}
}

// WithDeliveryOptions forwards options to the channel's delivery tracker.
func WithDeliveryOptions(opts ...delivery.Option) Option {
	return func(o *options) {
		o.deliveryOpts = append(o.deliveryOpts, opts...)
	}
}

// WithBroadcastWorkers sizes the fan-out pool.
func WithBroadcastWorkers(workers, queue int) Option {
	return func(o *options) {
		if workers > 0 {
			o.broadcastWorkers = workers
		}
		if queue > 0 {
			o.broadcastQueue = queue
		}
	}
}

type HandlerOption func(*handlerEntry)

// RateLimited opts the handler into the channel rate limiter. Cheap
// operations like join and leave stay unthrottled; reliable sends and other
// costly verbs should opt in.
func RateLimited() HandlerOption {
	return func(h *handlerEntry) {
		h.limited = true
	}
}
