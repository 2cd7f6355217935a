// Package delivery layers at-least-once semantics over an at-most-once
// transport. A reliable send registers a pending message, emits it with an
// acknowledgement request, and retries on ack timeout up to a fixed attempt
// budget. Acknowledged ids move to a processed store so a duplicate resend of
// the same intent is rejected. Consumers are expected to be idempotent.
package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opsboard/realtime/delivery/store"
	"github.com/opsboard/realtime/errors"
	"github.com/opsboard/realtime/internal/backoff"
	"github.com/opsboard/realtime/util"
)

const (
	ErrCodeDuplicateMessage = 30000 + iota
	ErrCodeDeliveryExhausted
)

var ErrDuplicateMessage = errors.NewError(ErrCodeDuplicateMessage, "message id already delivered", nil)

// Outbound is the message handed to the transport emit callback.
type Outbound struct {
	Namespace string
	Name      string
	Room      string
	Payload   json.RawMessage
}

// EmitFunc pushes one attempt of a message to a specific connection. Emit
// failures are logged and charged against the attempt budget; the pending
// entry keeps waiting for its ack timeout either way, since a transient
// disconnect is expected to resolve the same way.
type EmitFunc func(ctx context.Context, messageID string, attempt int, out Outbound) error

type Logger interface {
	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, msg string, kv ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(context.Context, string, ...any) {}
func (noopLogger) Info(context.Context, string, ...any)  {}
func (noopLogger) Warn(context.Context, string, ...any)  {}
func (noopLogger) Error(context.Context, string, ...any) {}

type Hooks struct {
	OnDelivered func(ctx context.Context, messageID string, attempt int)
	OnRetry     func(ctx context.Context, messageID string, attempt int)
	OnExhausted func(ctx context.Context, messageID string)
}

// PendingMessage is the tracked state of an unacknowledged send.
type PendingMessage struct {
	ID        string
	ConnID    string
	Room      string
	Type      string
	Payload   json.RawMessage
	CreatedAt time.Time
	Attempts  int
}

type pending struct {
	mu  sync.Mutex
	msg PendingMessage

	// settled flips exactly once, either by an ack or by exhaustion of the
	// attempt budget. The compare-and-swap prevents a late ack and a timeout
	// from both firing resolution logic.
	settled atomic.Bool
	ackCh   chan struct{}
}

type Tracker struct {
	opts  options
	store store.ProcessedStore

	mu      sync.Mutex
	pending map[string]*pending

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a Tracker around a processed-id store and starts the retention
// sweep. Stop must be called to release the sweep goroutine.
func New(processed store.ProcessedStore, opts ...Option) *Tracker {
	base := defaultOptions()
	for _, opt := range opts {
		opt(&base)
	}
	if processed == nil {
		processed = store.NewMemoryStore(base.retention)
	}
	t := &Tracker{
		opts:    base,
		store:   processed,
		pending: make(map[string]*pending),
		stopCh:  make(chan struct{}),
	}
	t.wg.Add(1)
	go t.sweepLoop()
	return t
}

// Send delivers out to a single connection and waits for an acknowledgement.
// It returns true once the recipient acks during any attempt, false when the
// attempt budget is exhausted. The only error cases are a duplicate message
// id and context cancellation; an unreachable recipient is not an error.
func (t *Tracker) Send(ctx context.Context, connID string, out Outbound, emit EmitFunc) (bool, error) {
	id := util.NewMessageID()

	// Fresh ids should never collide; this guards against replays.
	seen, err := t.store.Seen(ctx, id)
	if err != nil {
		t.opts.logger.Warn(ctx, "processed store lookup failed", "message", id, "err", err)
	}
	if seen {
		return false, ErrDuplicateMessage
	}

	p := &pending{
		msg: PendingMessage{
			ID:        id,
			ConnID:    connID,
			Room:      out.Room,
			Type:      out.Name,
			Payload:   out.Payload,
			CreatedAt: t.opts.now(),
		},
		ackCh: make(chan struct{}),
	}

	t.mu.Lock()
	if _, exists := t.pending[id]; exists {
		t.mu.Unlock()
		return false, ErrDuplicateMessage
	}
	t.pending[id] = p
	t.mu.Unlock()
	defer t.drop(id)

	bo := backoff.New(backoff.Config{
		Initial:    t.opts.retryPolicy.InitialBackoff,
		Max:        t.opts.retryPolicy.MaxBackoff,
		Multiplier: t.opts.retryPolicy.Multiplier,
		Jitter:     t.opts.retryPolicy.Jitter,
	})

	for attempt := 1; attempt <= t.opts.maxAttempts; attempt++ {
		p.mu.Lock()
		p.msg.Attempts = attempt
		p.mu.Unlock()

		if err := emit(ctx, id, attempt, out); err != nil {
			t.opts.logger.Warn(ctx, "reliable emit failed", "message", id, "conn", connID, "attempt", attempt, "err", err)
		}

		timer := time.NewTimer(t.opts.ackTimeout)
		select {
		case <-p.ackCh:
			timer.Stop()
			if t.opts.hooks.OnDelivered != nil {
				t.opts.hooks.OnDelivered(ctx, id, attempt)
			}
			t.opts.logger.Debug(ctx, "message delivered", "message", id, "conn", connID, "attempt", attempt)
			return true, nil
		case <-ctx.Done():
			timer.Stop()
			if !p.settled.CompareAndSwap(false, true) {
				return true, nil
			}
			return false, ctx.Err()
		case <-timer.C:
		}

		if attempt < t.opts.maxAttempts {
			if t.opts.hooks.OnRetry != nil {
				t.opts.hooks.OnRetry(ctx, id, attempt)
			}
			t.opts.logger.Debug(ctx, "ack timeout, retrying", "message", id, "conn", connID, "attempt", attempt)
			delay := bo.Next()
			pause := time.NewTimer(delay)
			select {
			case <-p.ackCh:
				pause.Stop()
				if t.opts.hooks.OnDelivered != nil {
					t.opts.hooks.OnDelivered(ctx, id, attempt)
				}
				return true, nil
			case <-ctx.Done():
				pause.Stop()
				if !p.settled.CompareAndSwap(false, true) {
					return true, nil
				}
				return false, ctx.Err()
			case <-pause.C:
			}
		}
	}

	// A late ack may have won the race against the final timeout.
	if !p.settled.CompareAndSwap(false, true) {
		return true, nil
	}
	if t.opts.hooks.OnExhausted != nil {
		t.opts.hooks.OnExhausted(ctx, id)
	}
	t.opts.logger.Warn(ctx, "delivery exhausted", "message", id, "conn", connID, "attempts", t.opts.maxAttempts)
	return false, nil
}

// Ack settles the pending message with the given id. It reports whether the
// ack was accepted; acks for unknown or already-settled ids are ignored so a
// duplicate or late acknowledgement never re-runs the success path.
func (t *Tracker) Ack(ctx context.Context, messageID string) bool {
	t.mu.Lock()
	p, ok := t.pending[messageID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	if !p.settled.CompareAndSwap(false, true) {
		return false
	}
	if err := t.store.Mark(ctx, messageID); err != nil {
		t.opts.logger.Error(ctx, "failed to record processed id", "message", messageID, "err", err)
	}
	close(p.ackCh)
	return true
}

// Delivered reports whether the id is in the processed set.
func (t *Tracker) Delivered(ctx context.Context, messageID string) bool {
	seen, err := t.store.Seen(ctx, messageID)
	if err != nil {
		t.opts.logger.Warn(ctx, "processed store lookup failed", "message", messageID, "err", err)
		return false
	}
	return seen
}

func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func (t *Tracker) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
	t.wg.Wait()
}

func (t *Tracker) drop(messageID string) {
	t.mu.Lock()
	delete(t.pending, messageID)
	t.mu.Unlock()
}

func (t *Tracker) sweepLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.stopCh:
			return
		}
	}
}

// sweep prunes expired processed ids and unlinks pending entries older than
// the retention window. Normal sends unlink themselves on return, so a stale
// entry means its sender is gone; unlinking only forgets the mapping, it does
// not settle the entry.
func (t *Tracker) sweep() {
	ctx := context.Background()
	if err := t.store.Prune(ctx); err != nil {
		t.opts.logger.Warn(ctx, "processed store prune failed", "err", err)
	}
	cutoff := t.opts.now().Add(-t.opts.retention)
	t.mu.Lock()
	for id, p := range t.pending {
		p.mu.Lock()
		createdAt := p.msg.CreatedAt
		p.mu.Unlock()
		if createdAt.Before(cutoff) {
			delete(t.pending, id)
			t.opts.logger.Warn(ctx, "dropped stale pending message", "message", id)
		}
	}
	t.mu.Unlock()
}
