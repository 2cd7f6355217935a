// Package ws is the websocket channel transport. It upgrades HTTP requests,
// extracts the handshake credentials, and runs a read, dispatch and write
// goroutine per connection. Dispatch is serialized per connection so events
// are handled in receipt order, while acks bypass it on the read loop.
package ws

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsboard/realtime/channel"
	"github.com/opsboard/realtime/util"
)

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	// Must be less than pongWait so pings go out before the peer times out.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 64 * 1024

	defaultSendQueue = 256

	dispatchQueue = 64
)

var (
	ErrConnClosed    = errors.New("ws: connection closed")
	ErrSendQueueFull = errors.New("ws: send queue full")
)

// ackEventName is the reserved inbound verb clients acknowledge reliable
// messages with.
const ackEventName = "ack"

type Option func(*Transport)

func WithLogger(logger channel.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithCheckOrigin overrides the upgrader origin policy.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(t *Transport) {
		t.upgrader.CheckOrigin = fn
	}
}

// WithSendQueue sizes each connection's outbound buffer.
func WithSendQueue(size int) Option {
	return func(t *Transport) {
		if size > 0 {
			t.sendQueue = size
		}
	}
}

type Transport struct {
	logger    channel.Logger
	upgrader  websocket.Upgrader
	sendQueue int

	mu      sync.RWMutex
	handler channel.TransportHandler
	conns   map[string]*Conn
}

func New(opts ...Option) *Transport {
	t := &Transport{
		logger:    noopLogger{},
		sendQueue: defaultSendQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Bind(h channel.TransportHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	conns := make([]*Conn, 0, len(t.conns))
	for _, conn := range t.conns {
		conns = append(conns, conn)
	}
	t.conns = make(map[string]*Conn)
	t.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close("transport closed")
	}
	return nil
}

func (t *Transport) ConnCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
}

// HandleUpgrade upgrades the request and starts the connection pumps. It
// returns once the upgrade is done; the pumps own the socket from there.
func (t *Transport) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	sock, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Info(r.Context(), "websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	conn := &Conn{
		id:         util.NewConnectionID(),
		handshake:  HandshakeFromRequest(r),
		sock:       sock,
		transport:  t,
		send:       make(chan *channel.Event, t.sendQueue),
		inbound:    make(chan *channel.Event, dispatchQueue),
		closing:    make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	t.mu.Lock()
	t.conns[conn.id] = conn
	t.mu.Unlock()

	if h := t.currentHandler(); h != nil {
		h.HandleConnect(context.WithoutCancel(r.Context()), conn)
	}
	go conn.writePump()
	go conn.dispatchPump()
	go conn.readPump()
}

// HandshakeFromRequest pulls the connection credentials out of the upgrade
// request. Headers win over query parameters.
func HandshakeFromRequest(r *http.Request) channel.Handshake {
	query := r.URL.Query()
	pick := func(header, param string) string {
		if v := r.Header.Get(header); v != "" {
			return v
		}
		return query.Get(param)
	}

	token := query.Get("token")
	if bearer := r.Header.Get("Authorization"); bearer != "" {
		token = strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer "))
	}

	return channel.Handshake{
		SubjectHint: pick("X-Subject-Id", "subjectId"),
		DeviceHint:  pick("X-Device-Id", "deviceId"),
		APIKey:      pick("X-Api-Key", "apiKey"),
		Token:       token,
		ConnType:    "websocket",
		RemoteAddr:  r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	}
}

func (t *Transport) currentHandler() channel.TransportHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

func (t *Transport) forget(connID string) {
	t.mu.Lock()
	delete(t.conns, connID)
	t.mu.Unlock()
}

type Conn struct {
	id        string
	handshake channel.Handshake
	sock      *websocket.Conn
	transport *Transport
	send      chan *channel.Event
	inbound   chan *channel.Event

	closeOnce  sync.Once
	closing    chan struct{}
	writerDone chan struct{}
	done       chan struct{}

	mu          sync.Mutex
	closeReason string
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Handshake() channel.Handshake {
	return c.handshake
}

// Send queues the event for the write pump. A full queue means the client
// stopped draining; the connection is dropped rather than blocking the
// sender.
func (c *Conn) Send(ctx context.Context, ev *channel.Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.send <- ev:
		return nil
	default:
	}
	_ = c.Close("send queue full")
	return ErrSendQueueFull
}

// Close flushes the send queue, writes the close frame and tears the socket
// down. An event queued before Close still reaches the peer, so a revocation
// notice is seen before the disconnect it announces.
func (c *Conn) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeReason = reason
		c.mu.Unlock()

		close(c.closing)
		select {
		case <-c.writerDone:
		case <-time.After(writeWait):
		}

		close(c.done)
		_ = c.sock.Close()

		c.transport.forget(c.id)
		if h := c.transport.currentHandler(); h != nil {
			h.HandleDisconnect(context.Background(), c)
		}
	})
	return nil
}

func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}

// readPump decodes inbound frames. The reserved "ack" verb settles reliable
// deliveries on the read goroutine itself; everything else goes to the
// dispatch pump. Acks must not queue behind events, a handler waiting on a
// reliable send needs the ack that releases it read while it waits.
func (c *Conn) readPump() {
	defer c.Close("read loop ended")

	c.sock.SetReadLimit(maxMessageSize)
	_ = c.sock.SetReadDeadline(time.Now().Add(pongWait))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx := context.Background()
	for {
		var ev channel.Event
		if err := c.sock.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.transport.logger.Info(ctx, "websocket read failed", "conn", c.id, "err", err)
			}
			return
		}
		if ev.Name == ackEventName {
			if h := c.transport.currentHandler(); h != nil {
				h.HandleAck(ctx, c, ev.Namespace, ev.MessageID)
			}
			continue
		}
		select {
		case c.inbound <- &ev:
		case <-c.done:
			return
		}
	}
}

// dispatchPump runs inbound events one at a time, preserving per-connection
// receipt order without tying up the read loop.
func (c *Conn) dispatchPump() {
	ctx := context.Background()
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.inbound:
			if h := c.transport.currentHandler(); h != nil {
				h.HandleEvent(ctx, c, ev)
			}
		}
	}
}

// writePump drains the send queue and keeps the peer alive with pings. On
// close it flushes whatever is still queued before the close frame goes out.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
		c.Close("write loop ended")
	}()

	for {
		select {
		case <-c.closing:
			c.flush()
			return
		case ev := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteJSON(ev); err != nil {
				c.transport.logger.Debug(context.Background(), "websocket write failed", "conn", c.id, "err", err)
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes the remaining queued events and then the close frame. Runs on
// the write goroutine, so it never races a concurrent WriteJSON.
func (c *Conn) flush() {
	deadline := time.Now().Add(writeWait)
	for {
		select {
		case ev := <-c.send:
			_ = c.sock.SetWriteDeadline(deadline)
			if err := c.sock.WriteJSON(ev); err != nil {
				return
			}
		default:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.CloseReason())
			_ = c.sock.WriteControl(websocket.CloseMessage, msg, deadline)
			return
		}
	}
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}
