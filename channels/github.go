package channels

import (
	"context"
	"time"

	"github.com/opsboard/realtime/channel"
)

const NamespaceGitHub = "github"

// FeedRoom holds every subscriber of the public issue feed.
const FeedRoom = "github:feed"

// GitHub is the public issue feed channel. It requires no authorization:
// anyone connected may join the feed and observe issue activity.
type GitHub struct {
	*channel.Core
}

func NewGitHub(opts ...channel.Option) *GitHub {
	g := &GitHub{
		Core: channel.NewCore(NamespaceGitHub, opts...),
	}
	g.Handle("github:join", g.handleJoin)
	g.Handle("github:leave", g.handleLeave)
	return g
}

// IssuePayload is the feed's view of an issue event as delivered by the
// upstream webhook consumer.
type IssuePayload struct {
	Repository string    `json:"repository"`
	Number     int       `json:"number"`
	Title      string    `json:"title"`
	Author     string    `json:"author,omitempty"`
	State      string    `json:"state,omitempty"`
	URL        string    `json:"url,omitempty"`
	At         time.Time `json:"at"`
}

func (g *GitHub) handleJoin(ctx context.Context, c *channel.Ctx) error {
	return g.Join(ctx, c.Conn, FeedRoom)
}

func (g *GitHub) handleLeave(ctx context.Context, c *channel.Ctx) error {
	return g.Leave(ctx, c.Conn, FeedRoom)
}

// IssueCreated fans a new issue out to the feed. Returns the number of
// subscribers the event was queued for.
func (g *GitHub) IssueCreated(ctx context.Context, issue IssuePayload) int {
	return g.Broadcast(ctx, FeedRoom, "issue:created", issue)
}

// IssueUpdated fans an issue state change out to the feed.
func (g *GitHub) IssueUpdated(ctx context.Context, issue IssuePayload) int {
	return g.Broadcast(ctx, FeedRoom, "issue:updated", issue)
}
