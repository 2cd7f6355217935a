package channels

import (
	"context"
	"time"

	"github.com/opsboard/realtime/channel"
)

const NamespaceDigitalTwins = "twins"

// AdminRoom is the room every joined twin operator shares. Commands fan out
// to it so all operators observe the same stream.
const AdminRoom = "twin:admin"

// DigitalTwins is the operator channel for simulated device fleets. All
// commands run through a closed verb set; anything else is rejected as an
// unknown command rather than forwarded to the fleet.
type DigitalTwins struct {
	*channel.Core
}

func NewDigitalTwins(opts ...channel.Option) *DigitalTwins {
	d := &DigitalTwins{
		Core: channel.NewCore(NamespaceDigitalTwins, opts...),
	}
	d.Handle("twin:join", d.handleJoin)
	d.Handle("twin:leave", d.handleLeave)
	d.Handle("twin:command", d.handleCommand, channel.RateLimited())
	return d
}

type twinCommand struct {
	Command string         `json:"command"`
	TwinID  string         `json:"twinId,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
}

type twinCommandResult struct {
	Command   string         `json:"command"`
	TwinID    string         `json:"twinId,omitempty"`
	IssuedBy  string         `json:"issuedBy"`
	Args      map[string]any `json:"args,omitempty"`
	IssuedAt  time.Time      `json:"issuedAt"`
	Delivered int            `json:"delivered"`
}

func (d *DigitalTwins) handleJoin(ctx context.Context, c *channel.Ctx) error {
	return d.Join(ctx, c.Conn, AdminRoom)
}

func (d *DigitalTwins) handleLeave(ctx context.Context, c *channel.Ctx) error {
	return d.Leave(ctx, c.Conn, AdminRoom)
}

// handleCommand validates the verb against the closed set and fans the
// command out to the admin room. The issuer gets a confirmation carrying the
// fan-out size.
func (d *DigitalTwins) handleCommand(ctx context.Context, c *channel.Ctx) error {
	var cmd twinCommand
	if err := c.Event.DecodePayload(&cmd); err != nil {
		return channel.NewCollaboratorError(err)
	}

	switch cmd.Command {
	case "snapshot", "publish", "ping":
	default:
		return channel.NewUnknownCommandError(cmd.Command)
	}

	result := twinCommandResult{
		Command:  cmd.Command,
		TwinID:   cmd.TwinID,
		IssuedBy: c.Subject.SubjectID,
		Args:     cmd.Args,
		IssuedAt: time.Now(),
	}
	result.Delivered = d.Broadcast(ctx, AdminRoom, "twin:command:issued", result)
	return d.Unicast(ctx, c.Conn, "twin:command:accepted", result)
}
