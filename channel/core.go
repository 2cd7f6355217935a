package channel

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/opsboard/realtime/delivery"
	"github.com/opsboard/realtime/internal/worker"
	"github.com/opsboard/realtime/ratelimit"
	"github.com/opsboard/realtime/util"
)

func contextWithConn(ctx context.Context, conn Conn) context.Context {
	return util.ConnectionIdToCtx(ctx, conn.ID())
}

// HandlerFunc processes one inbound event. A returned error is mapped onto
// the channel's error event; it never drops the connection.
type HandlerFunc func(ctx context.Context, c *Ctx) error

// Ctx is the per-invocation view handed to handlers. Subject is the zero
// value on channels that require no authorization.
type Ctx struct {
	Conn    Conn
	Subject Subject
	Event   *Event
}

type handlerEntry struct {
	fn      HandlerFunc
	limited bool
}

type connState struct {
	subject    Subject
	authorized bool
}

// Core carries the protocol shared by every channel variant: a per-connection
// auth state arena, room membership, broadcast fan-out and reliable sends.
// Variants embed a *Core and register handlers on it; the Core runs the auth
// gate and the rate limiter before any handler, so a variant cannot bypass
// the checks.
type Core struct {
	namespace   string
	requirement Requirement
	auth        AuthFunc
	limiter     *ratelimit.Limiter
	tracker     *delivery.Tracker
	rooms       *roomTable
	pool        *worker.Pool
	logger      Logger
	hooks       Hooks

	mu       sync.RWMutex
	conns    map[string]Conn
	states   map[string]*connState
	handlers map[string]handlerEntry

	closeOnce sync.Once
}

func NewCore(namespace string, opts ...Option) *Core {
	base := defaultOptions()
	for _, opt := range opts {
		opt(&base)
	}

	limiter := base.limiter
	if limiter == nil {
		var limiterOpts []ratelimit.Option
		if base.maxRequests > 0 || base.window > 0 {
			limiterOpts = append(limiterOpts, ratelimit.WithLimit(base.maxRequests, base.window))
		}
		limiter = ratelimit.New(limiterOpts...)
	}

	c := &Core{
		namespace:   namespace,
		requirement: base.requirement,
		auth:        base.auth,
		limiter:     limiter,
		rooms:       newRoomTable(),
		pool:        worker.New(base.broadcastWorkers, base.broadcastQueue),
		logger:      base.logger,
		hooks:       base.hooks,
		conns:       make(map[string]Conn),
		states:      make(map[string]*connState),
		handlers:    make(map[string]handlerEntry),
	}

	deliveryOpts := append([]delivery.Option{
		delivery.WithLogger(base.logger),
		delivery.WithHooks(delivery.Hooks{
			OnDelivered: func(ctx context.Context, messageID string, attempt int) {
				if c.hooks.OnDelivered != nil {
					c.hooks.OnDelivered(ctx, namespace, messageID, attempt)
				}
			},
			OnRetry: func(ctx context.Context, messageID string, attempt int) {
				if c.hooks.OnRetry != nil {
					c.hooks.OnRetry(ctx, namespace, messageID, attempt)
				}
			},
			OnExhausted: func(ctx context.Context, messageID string) {
				if c.hooks.OnExhausted != nil {
					c.hooks.OnExhausted(ctx, namespace, messageID)
				}
			},
		}),
	}, base.deliveryOpts...)
	c.tracker = delivery.New(base.processed, deliveryOpts...)

	return c
}

func (c *Core) Namespace() string {
	return c.namespace
}

// Handle registers fn for the event name. Registration happens at
// construction time, before the channel is bound to a transport.
func (c *Core) Handle(name string, fn HandlerFunc, opts ...HandlerOption) {
	entry := handlerEntry{fn: fn}
	for _, opt := range opts {
		opt(&entry)
	}
	c.mu.Lock()
	c.handlers[name] = entry
	c.mu.Unlock()
}

func (c *Core) OnConnect(ctx context.Context, conn Conn) {
	c.mu.Lock()
	c.conns[conn.ID()] = conn
	if _, ok := c.states[conn.ID()]; !ok {
		c.states[conn.ID()] = &connState{}
	}
	c.mu.Unlock()
	c.logger.Debug(ctx, "connection registered", "namespace", c.namespace, "conn", conn.ID())
}

func (c *Core) OnDisconnect(ctx context.Context, conn Conn) {
	rooms := c.rooms.LeaveAll(conn.ID())
	c.mu.Lock()
	delete(c.conns, conn.ID())
	delete(c.states, conn.ID())
	c.mu.Unlock()
	for _, room := range rooms {
		if c.hooks.OnLeave != nil {
			c.hooks.OnLeave(ctx, c.namespace, room, conn.ID())
		}
	}
	c.logger.Debug(ctx, "connection released", "namespace", c.namespace, "conn", conn.ID(), "rooms", len(rooms))
}

// Dispatch routes one inbound event through the auth gate, the rate limiter
// for opted-in handlers, and the registered handler. Failures surface as a
// "<namespace>:error" event; the connection stays usable.
func (c *Core) Dispatch(ctx context.Context, conn Conn, ev *Event) {
	c.mu.RLock()
	entry, ok := c.handlers[ev.Name]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug(ctx, "unknown command", "namespace", c.namespace, "conn", conn.ID(), "event", ev.Name)
		c.emitError(ctx, conn, NewUnknownCommandError(ev.Name))
		return
	}

	c.OnConnect(ctx, conn)

	subject, err := c.resolve(ctx, conn)
	if err != nil {
		if c.hooks.OnAuthFailure != nil {
			c.hooks.OnAuthFailure(ctx, c.namespace, conn.ID(), err)
		}
		c.logger.Info(ctx, "authorization failed", "namespace", c.namespace, "conn", conn.ID(), "event", ev.Name, "err", err)
		c.emitError(ctx, conn, NewAuthError(err))
		return
	}

	if entry.limited && !c.consume(ctx, conn, subject) {
		c.emitError(ctx, conn, NewRateLimitError())
		return
	}

	hctx := contextWithConn(ctx, conn)
	if err := entry.fn(hctx, &Ctx{Conn: conn, Subject: subject, Event: ev}); err != nil {
		c.logger.Warn(ctx, "handler failed", "namespace", c.namespace, "conn", conn.ID(), "event", ev.Name, "err", err)
		c.emitError(ctx, conn, err)
	}
}

// Ack forwards a delivery acknowledgement from the connection.
func (c *Core) Ack(ctx context.Context, messageID string) bool {
	return c.tracker.Ack(ctx, messageID)
}

// Join adds the connection to room and confirms it on the connection.
func (c *Core) Join(ctx context.Context, conn Conn, room string) error {
	newly := c.rooms.Join(conn.ID(), room)
	if newly && c.hooks.OnJoin != nil {
		c.hooks.OnJoin(ctx, c.namespace, room, conn.ID())
	}
	return c.Unicast(ctx, conn, c.namespace+":joined", JoinedPayload{Room: room, At: time.Now()})
}

// Leave removes the connection from room. Leaving a room it never joined is
// not an error.
func (c *Core) Leave(ctx context.Context, conn Conn, room string) error {
	c.rooms.Leave(conn.ID(), room)
	if c.hooks.OnLeave != nil {
		c.hooks.OnLeave(ctx, c.namespace, room, conn.ID())
	}
	return c.Unicast(ctx, conn, c.namespace+":left", JoinedPayload{Room: room, At: time.Now()})
}

// Broadcast fans payload out to every current member of room, best effort.
// Members joining after the snapshot are not included. Returns the fan-out
// size.
func (c *Core) Broadcast(ctx context.Context, room, name string, payload any) int {
	ev, err := NewEvent(c.namespace, name, payload)
	if err != nil {
		c.logger.Error(ctx, "broadcast encode failed", "namespace", c.namespace, "room", room, "event", name, "err", err)
		return 0
	}
	ev.Room = room
	members := c.connsIn(room)
	for _, conn := range members {
		conn := conn
		if err := c.pool.Submit(ctx, func(taskCtx context.Context) {
			if err := conn.Send(taskCtx, ev); err != nil {
				c.logger.Debug(taskCtx, "broadcast send failed", "namespace", c.namespace, "room", room, "conn", conn.ID(), "err", err)
			}
		}); err != nil {
			c.logger.Debug(ctx, "broadcast submit failed", "namespace", c.namespace, "room", room, "conn", conn.ID(), "err", err)
		}
	}
	if c.hooks.OnBroadcast != nil {
		c.hooks.OnBroadcast(ctx, c.namespace, room, name, len(members))
	}
	return len(members)
}

// Unicast sends one best-effort event to a single connection.
func (c *Core) Unicast(ctx context.Context, conn Conn, name string, payload any) error {
	ev, err := NewEvent(c.namespace, name, payload)
	if err != nil {
		return err
	}
	return conn.Send(ctx, ev)
}

// ReliableSend pushes an acknowledged message to one connection. It consumes
// the channel rate limit, then delegates to the delivery tracker; the result
// reports whether delivery was confirmed within the attempt budget. A
// rate-limited send returns the error without emitting it, Dispatch emits
// for handler-initiated sends and outward callers handle it themselves.
func (c *Core) ReliableSend(ctx context.Context, conn Conn, name string, payload any, room string) (bool, error) {
	subject, _ := c.SubjectOf(conn.ID())
	if !c.consume(ctx, conn, subject) {
		return false, NewRateLimitError()
	}

	ev, err := NewEvent(c.namespace, name, payload)
	if err != nil {
		return false, err
	}
	out := delivery.Outbound{Namespace: c.namespace, Name: name, Room: room, Payload: ev.Payload}
	return c.tracker.Send(ctx, conn.ID(), out, func(emitCtx context.Context, messageID string, attempt int, o delivery.Outbound) error {
		attemptEv := &Event{
			Namespace: o.Namespace,
			Name:      o.Name,
			MessageID: messageID,
			Room:      o.Room,
			Payload:   o.Payload,
			AckWanted: true,
		}
		return conn.Send(emitCtx, attemptEv)
	})
}

// SubjectOf returns the resolved subject for a connection, if any.
func (c *Core) SubjectOf(connID string) (Subject, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	state, ok := c.states[connID]
	if !ok || !state.authorized {
		return Subject{}, false
	}
	return state.subject, true
}

// ConnsInRoom snapshots the live connections currently joined to room.
func (c *Core) ConnsInRoom(room string) []Conn {
	return c.connsIn(room)
}

func (c *Core) InRoom(connID, room string) bool {
	return c.rooms.Contains(connID, room)
}

func (c *Core) ConnCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

func (c *Core) PendingDeliveries() int {
	return c.tracker.PendingCount()
}

// CleanupRateWindows drops idle rate-limit windows; the registry calls it on
// a shared ticker.
func (c *Core) CleanupRateWindows() {
	c.limiter.Cleanup()
}

func (c *Core) Close() {
	c.closeOnce.Do(func() {
		c.tracker.Stop()
		c.pool.Close()
		c.pool.Wait()
	})
}

func (c *Core) connsIn(room string) []Conn {
	ids := c.rooms.Members(room)
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.FilterMap(ids, func(id string, _ int) (Conn, bool) {
		conn, ok := c.conns[id]
		return conn, ok
	})
}

// resolve returns the cached subject or runs the auth gate once for the
// connection. The resolved subject stays attached until disconnect.
func (c *Core) resolve(ctx context.Context, conn Conn) (Subject, error) {
	if c.requirement == RequireNone {
		return Subject{}, nil
	}

	c.mu.RLock()
	if state, ok := c.states[conn.ID()]; ok && state.authorized {
		subject := state.subject
		c.mu.RUnlock()
		return subject, nil
	}
	c.mu.RUnlock()

	if c.auth == nil {
		return Subject{}, NewAuthError(nil)
	}
	subject, err := c.auth(ctx, conn, c.requirement)
	if err != nil {
		return Subject{}, err
	}
	if !subject.Satisfies(c.requirement) {
		return Subject{}, NewAuthError(nil)
	}

	c.mu.Lock()
	if state, ok := c.states[conn.ID()]; ok {
		state.subject = subject
		state.authorized = true
	} else {
		c.states[conn.ID()] = &connState{subject: subject, authorized: true}
	}
	c.mu.Unlock()
	return subject, nil
}

func (c *Core) consume(ctx context.Context, conn Conn, subject Subject) bool {
	key := subject.Key()
	if key == "" {
		key = conn.ID()
	}
	if c.limiter.Allow(key, c.namespace) {
		return true
	}
	if c.hooks.OnRateLimited != nil {
		c.hooks.OnRateLimited(ctx, c.namespace, key)
	}
	c.logger.Info(ctx, "rate limit exceeded", "namespace", c.namespace, "key", key)
	return false
}

func (c *Core) emitError(ctx context.Context, conn Conn, err error) {
	body := toErrorPayload(err)
	ev, encErr := NewEvent(c.namespace, c.namespace+":error", body)
	if encErr != nil {
		c.logger.Error(ctx, "error event encode failed", "namespace", c.namespace, "err", encErr)
		return
	}
	if sendErr := conn.Send(ctx, ev); sendErr != nil {
		c.logger.Debug(ctx, "error event send failed", "namespace", c.namespace, "conn", conn.ID(), "err", sendErr)
	}
}
