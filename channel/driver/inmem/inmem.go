// Package inmem is an in-process channel transport. It backs the
// single-process deployment and doubles as the harness the channel tests
// drive connections through.
package inmem

import (
	"context"
	"errors"
	"sync"

	"github.com/opsboard/realtime/channel"
	"github.com/opsboard/realtime/util"
)

var ErrConnClosed = errors.New("inmem: connection closed")

type Transport struct {
	mu      sync.RWMutex
	handler channel.TransportHandler
	conns   map[string]*Conn
}

func New() *Transport {
	return &Transport{conns: make(map[string]*Conn)}
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

// Connect opens a new connection with the given handshake metadata and
// announces it to the bound handler.
func (t *Transport) Connect(ctx context.Context, hs channel.Handshake) *Conn {
	conn := &Conn{
		id:        util.NewConnectionID(),
		handshake: hs,
		transport: t,
	}
	t.mu.Lock()
	t.conns[conn.id] = conn
	h := t.handler
	t.mu.Unlock()
	if h != nil {
		h.HandleConnect(ctx, conn)
	}
	return conn
}

func (t *Transport) ConnCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.conns)
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

// Conn implements channel.Conn and records everything sent to it.
type Conn struct {
	id        string
	handshake channel.Handshake
	transport *Transport

	mu          sync.Mutex
	sent        []*channel.Event
	closed      bool
	closeReason string
	autoAck     bool
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) Handshake() channel.Handshake {
	return c.handshake
}

func (c *Conn) Send(ctx context.Context, ev *channel.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	c.sent = append(c.sent, ev)
	autoAck := c.autoAck && ev.AckWanted
	c.mu.Unlock()

	if autoAck {
		if h := c.transport.currentHandler(); h != nil {
			go h.HandleAck(context.WithoutCancel(ctx), c, ev.Namespace, ev.MessageID)
		}
	}
	return nil
}

// Close tears the connection down and announces the disconnect. Closing a
// closed connection is a no-op.
func (c *Conn) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeReason = reason
	c.mu.Unlock()

	c.transport.forget(c.id)
	if h := c.transport.currentHandler(); h != nil {
		h.HandleDisconnect(context.Background(), c)
	}
	return nil
}

// Inject simulates an inbound client event on this connection.
func (c *Conn) Inject(ctx context.Context, ev *channel.Event) {
	if h := c.transport.currentHandler(); h != nil {
		h.HandleEvent(ctx, c, ev)
	}
}

// InjectAck simulates the client acknowledging a reliable message.
func (c *Conn) InjectAck(ctx context.Context, namespace, messageID string) {
	if h := c.transport.currentHandler(); h != nil {
		h.HandleAck(ctx, c, namespace, messageID)
	}
}

// AutoAck makes the connection acknowledge every reliable message as soon as
// it arrives.
func (c *Conn) AutoAck(on bool) {
	c.mu.Lock()
	c.autoAck = on
	c.mu.Unlock()
}

// Sent snapshots every event delivered to this connection so far.
func (c *Conn) Sent() []*channel.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*channel.Event(nil), c.sent...)
}

// SentNamed returns the events with the given name, oldest first.
func (c *Conn) SentNamed(name string) []*channel.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*channel.Event
	for _, ev := range c.sent {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeReason
}
