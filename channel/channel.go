// Package channel implements authenticated, room-scoped publish/subscribe
// channels over a persistent bidirectional transport. A channel binds a
// namespace, an authorization gate, a rate limiter and a reliable-delivery
// tracker; concrete variants register domain handlers on top of the shared
// Core.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Requirement is the identity level a channel demands before it runs any
// handler.
type Requirement int

const (
	// RequireNone admits every connection.
	RequireNone Requirement = iota
	// RequireIdentity requires a resolved subject id.
	RequireIdentity
	// RequireDevice requires a resolved subject id and device id.
	RequireDevice
)

// Subject is the authenticated identity a connection acts as.
type Subject struct {
	SubjectID string
	DeviceID  string
}

// Key is the rate-limiting and room key for the subject.
func (s Subject) Key() string {
	return s.SubjectID
}

func (s Subject) Satisfies(req Requirement) bool {
	switch req {
	case RequireNone:
		return true
	case RequireIdentity:
		return s.SubjectID != ""
	case RequireDevice:
		return s.SubjectID != "" && s.DeviceID != ""
	default:
		return false
	}
}

// AuthFunc resolves a connection to a subject or fails with a reason. It is
// invoked once per connection per channel; the resolved subject is kept for
// the connection's lifetime.
type AuthFunc func(ctx context.Context, conn Conn, req Requirement) (Subject, error)

// Handshake is the connection-scoped metadata captured when the transport
// accepted the connection.
type Handshake struct {
	SubjectHint string
	DeviceHint  string
	APIKey      string
	Token       string
	ConnType    string
	RemoteAddr  string
	UserAgent   string
}

// Event is the wire unit exchanged with a connection. Name is namespaced as
// "<namespace>:<verb>"; MessageID and AckWanted are set only on reliable
// sends.
type Event struct {
	Namespace string          `json:"ns"`
	Name      string          `json:"event"`
	MessageID string          `json:"id,omitempty"`
	Room      string          `json:"room,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	AckWanted bool            `json:"ack,omitempty"`
}

func (e *Event) DecodePayload(into any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, into)
}

// NewEvent marshals payload into an event on the given namespace.
func NewEvent(namespace, name string, payload any) (*Event, error) {
	ev := &Event{Namespace: namespace, Name: name}
	if payload == nil {
		return ev, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("channel: encode %s payload: %w", name, err)
	}
	ev.Payload = data
	return ev, nil
}

// Conn is a live transport endpoint. The transport owns its lifecycle;
// channels reference it by identifier and never allocate or destroy it.
type Conn interface {
	ID() string
	Handshake() Handshake
	Send(ctx context.Context, ev *Event) error
	Close(reason string) error
}

// TransportHandler receives transport lifecycle and inbound traffic. The
// registry implements it and fans events out to the owning channels.
type TransportHandler interface {
	HandleConnect(ctx context.Context, conn Conn)
	HandleEvent(ctx context.Context, conn Conn, ev *Event)
	HandleAck(ctx context.Context, conn Conn, namespace, messageID string)
	HandleDisconnect(ctx context.Context, conn Conn)
}

// Transport is a concrete connection driver. Implementations must be safe
// for concurrent use and must deliver events from a single connection in
// receipt order.
type Transport interface {
	Bind(h TransportHandler)
	Close(ctx context.Context) error
}

// ErrorPayload is the body of every "<namespace>:error" event.
type ErrorPayload struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// JoinedPayload confirms a room join or leave.
type JoinedPayload struct {
	Room string    `json:"room"`
	At   time.Time `json:"at"`
}
