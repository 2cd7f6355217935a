package channels

import (
	"context"
	"time"

	"github.com/opsboard/realtime/channel"
)

const NamespaceNotification = "notifications"

// Notification is the per-user notification channel. Each identity joins its
// own user room; toasts are best effort, NotifyUser is acknowledged.
type Notification struct {
	*channel.Core
}

func NewNotification(opts ...channel.Option) *Notification {
	n := &Notification{
		Core: channel.NewCore(NamespaceNotification, opts...),
	}
	n.Handle("notify:join", n.handleJoin)
	n.Handle("notify:leave", n.handleLeave)
	return n
}

// NotificationPayload is one user-facing notification.
type NotificationPayload struct {
	Title string    `json:"title"`
	Body  string    `json:"body,omitempty"`
	Kind  string    `json:"kind,omitempty"`
	At    time.Time `json:"at"`
}

func (n *Notification) handleJoin(ctx context.Context, c *channel.Ctx) error {
	return n.Join(ctx, c.Conn, UserRoom(c.Subject.SubjectID))
}

func (n *Notification) handleLeave(ctx context.Context, c *channel.Ctx) error {
	return n.Leave(ctx, c.Conn, UserRoom(c.Subject.SubjectID))
}

// Toast pushes a best-effort notification to every connection of the user.
// Connections that miss it miss it; no acknowledgement is tracked.
func (n *Notification) Toast(ctx context.Context, subjectID string, payload NotificationPayload) int {
	if payload.At.IsZero() {
		payload.At = time.Now()
	}
	return n.Broadcast(ctx, UserRoom(subjectID), "notify:toast", payload)
}

// NotifyUser delivers an acknowledged notification to every connection of
// the user and reports how many confirmed receipt. Each connection runs its
// own retry budget; one slow device does not hold up the others.
func (n *Notification) NotifyUser(ctx context.Context, subjectID string, payload NotificationPayload) (int, error) {
	if payload.At.IsZero() {
		payload.At = time.Now()
	}
	conns := n.ConnsInRoom(UserRoom(subjectID))
	if len(conns) == 0 {
		return 0, nil
	}

	type result struct {
		delivered bool
		err       error
	}
	results := make(chan result, len(conns))
	for _, conn := range conns {
		conn := conn
		go func() {
			delivered, err := n.ReliableSend(ctx, conn, "notify:message", payload, UserRoom(subjectID))
			results <- result{delivered: delivered, err: err}
		}()
	}

	confirmed := 0
	var firstErr error
	for range conns {
		r := <-results
		if r.delivered {
			confirmed++
		}
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}
	return confirmed, firstErr
}
