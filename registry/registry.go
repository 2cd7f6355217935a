// Package registry owns the channel set for the process: it constructs each
// channel exactly once, binds them to a transport and routes inbound traffic
// by namespace. Channels live for the lifetime of the registry.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsboard/realtime/auth"
	"github.com/opsboard/realtime/channel"
	"github.com/opsboard/realtime/channels"
	"github.com/opsboard/realtime/delivery"
	"github.com/opsboard/realtime/delivery/store"
	"github.com/opsboard/realtime/directory"
	"github.com/opsboard/realtime/presence"
)

// Deps are the collaborators the channels need. Validator and Tokens feed the
// auth gate; Devices backs the security channel. Redis is optional; when set
// the security channel tracks login activity and raises anomaly alerts.
type Deps struct {
	Validator  directory.CredentialValidator
	Identities directory.IdentityDirectory
	Devices    directory.DeviceDirectory
	Tokens     *auth.TokenCodec
	Redis      *redis.Client
}

type Option func(*options)

type options struct {
	logger          channel.Logger
	hooks           channel.Hooks
	processed       store.ProcessedStore
	deliveryOpts    []delivery.Option
	rateLimit       int
	rateWindow      time.Duration
	cleanupInterval time.Duration
	channelOpts     []channel.Option
}

func defaultOptions() options {
	return options{
		logger:          noopLogger{},
		cleanupInterval: 10 * time.Minute,
	}
}

func WithLogger(logger channel.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithHooks(h channel.Hooks) Option {
	return func(o *options) {
		o.hooks = h
	}
}

// WithProcessedStore selects the shared delivered-id store for every
// channel's reliable delivery tracker.
func WithProcessedStore(st store.ProcessedStore) Option {
	return func(o *options) {
		o.processed = st
	}
}

func WithDeliveryOptions(opts ...delivery.Option) Option {
	return func(o *options) {
		o.deliveryOpts = append(o.deliveryOpts, opts...)
	}
}

// WithRateLimit applies one policy to every channel's limiter.
func WithRateLimit(maxRequests int, window time.Duration) Option {
	return func(o *options) {
		o.rateLimit = maxRequests
		o.rateWindow = window
	}
}

// WithCleanupInterval tunes the idle rate-window sweep cadence.
func WithCleanupInterval(interval time.Duration) Option {
	return func(o *options) {
		if interval > 0 {
			o.cleanupInterval = interval
		}
	}
}

// WithChannelOptions forwards extra options to every channel built by the
// registry, mostly for tests.
func WithChannelOptions(opts ...channel.Option) Option {
	return func(o *options) {
		o.channelOpts = append(o.channelOpts, opts...)
	}
}

type entry interface {
	Namespace() string
	Dispatch(ctx context.Context, conn channel.Conn, ev *channel.Event)
	Ack(ctx context.Context, messageID string) bool
	OnConnect(ctx context.Context, conn channel.Conn)
	OnDisconnect(ctx context.Context, conn channel.Conn)
	CleanupRateWindows()
	Close()
}

// Registry implements channel.TransportHandler over the fixed channel set.
type Registry struct {
	logger   channel.Logger
	gate     *auth.Gate
	byName   map[string]entry
	security *channels.Security
	twins    *channels.DigitalTwins
	github   *channels.GitHub
	notify   *channels.Notification
	presence *presence.Tracker

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds the channel set, binds it to transport and starts the idle
// rate-window sweeper.
func New(transport channel.Transport, deps Deps, opts ...Option) *Registry {
	base := defaultOptions()
	for _, opt := range opts {
		opt(&base)
	}

	gate := auth.NewGate(auth.Config{
		Validator:  deps.Validator,
		Identities: deps.Identities,
		Tokens:     deps.Tokens,
		Logger:     base.logger,
	})

	shared := []channel.Option{
		channel.WithLogger(base.logger),
		channel.WithHooks(base.hooks),
	}
	if base.processed != nil {
		shared = append(shared, channel.WithProcessedStore(base.processed))
	}
	if len(base.deliveryOpts) > 0 {
		shared = append(shared, channel.WithDeliveryOptions(base.deliveryOpts...))
	}
	if base.rateLimit > 0 || base.rateWindow > 0 {
		shared = append(shared, channel.WithRateLimit(base.rateLimit, base.rateWindow))
	}
	shared = append(shared, base.channelOpts...)

	withAuth := func(req channel.Requirement) []channel.Option {
		return append(append([]channel.Option{}, shared...), channel.WithAuth(gate.Func(), req))
	}

	r := &Registry{
		logger:   base.logger,
		gate:     gate,
		byName:   make(map[string]entry),
		security: channels.NewSecurity(deps.Devices, withAuth(channel.RequireDevice)...),
		twins:    channels.NewDigitalTwins(withAuth(channel.RequireIdentity)...),
		github:   channels.NewGitHub(shared...),
		notify:   channels.NewNotification(withAuth(channel.RequireIdentity)...),
		stop:     make(chan struct{}),
	}
	for _, ch := range []entry{r.security, r.twins, r.github, r.notify} {
		r.byName[ch.Namespace()] = ch
	}

	if deps.Redis != nil {
		r.presence = presence.New(deps.Redis, r.security.PresenceAlert)
		r.security.AttachPresence(r.presence)
	}

	if transport != nil {
		transport.Bind(r)
	}

	r.wg.Add(1)
	go r.cleanupLoop(base.cleanupInterval)
	return r
}

func (r *Registry) Security() *channels.Security         { return r.security }
func (r *Registry) DigitalTwins() *channels.DigitalTwins { return r.twins }
func (r *Registry) GitHub() *channels.GitHub             { return r.github }
func (r *Registry) Notification() *channels.Notification { return r.notify }

// Lookup returns the channel owning the namespace.
func (r *Registry) Lookup(namespace string) (interface{ Namespace() string }, bool) {
	ch, ok := r.byName[namespace]
	return ch, ok
}

func (r *Registry) HandleConnect(ctx context.Context, conn channel.Conn) {
	r.logger.Debug(ctx, "transport connect", "conn", conn.ID(), "type", conn.Handshake().ConnType)
}

// HandleEvent routes one inbound event to the owning channel. Events for a
// namespace no channel owns are dropped with a log line; the wire has no
// addressee to answer on.
func (r *Registry) HandleEvent(ctx context.Context, conn channel.Conn, ev *channel.Event) {
	ch, ok := r.byName[ev.Namespace]
	if !ok {
		r.logger.Info(ctx, "event for unknown namespace", "conn", conn.ID(), "namespace", ev.Namespace, "event", ev.Name)
		return
	}
	ch.Dispatch(ctx, conn, ev)
}

func (r *Registry) HandleAck(ctx context.Context, conn channel.Conn, namespace, messageID string) {
	ch, ok := r.byName[namespace]
	if !ok {
		r.logger.Info(ctx, "ack for unknown namespace", "conn", conn.ID(), "namespace", namespace, "message", messageID)
		return
	}
	if !ch.Ack(ctx, messageID) {
		r.logger.Debug(ctx, "ack not accepted", "conn", conn.ID(), "namespace", namespace, "message", messageID)
	}
}

func (r *Registry) HandleDisconnect(ctx context.Context, conn channel.Conn) {
	for _, ch := range r.byName {
		ch.OnDisconnect(ctx, conn)
	}
}

// Close stops the sweeper and shuts every channel down. Safe to call more
// than once.
func (r *Registry) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		close(r.stop)
		if r.presence != nil {
			r.presence.Stop()
		}
		for _, ch := range r.byName {
			ch.Close()
		}
	})
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) cleanupLoop(interval time.Duration) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			for _, ch := range r.byName {
				ch.CleanupRateWindows()
			}
		}
	}
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}
