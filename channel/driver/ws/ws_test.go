package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsboard/realtime/channel"
	"github.com/opsboard/realtime/delivery"
)

func TestHandshakeFromRequest(t *testing.T) {
	t.Run("headers win over query parameters", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/realtime?deviceId=query-device&apiKey=query-key", nil)
		req.Header.Set("X-Device-Id", "header-device")
		req.Header.Set("X-Api-Key", "header-key")

		hs := HandshakeFromRequest(req)
		assert.Equal(t, "header-device", hs.DeviceHint)
		assert.Equal(t, "header-key", hs.APIKey)
	})

	t.Run("query parameters fill the gaps", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/realtime?subjectId=user-1&deviceId=device-1&token=tok", nil)

		hs := HandshakeFromRequest(req)
		assert.Equal(t, "user-1", hs.SubjectHint)
		assert.Equal(t, "device-1", hs.DeviceHint)
		assert.Equal(t, "tok", hs.Token)
	})

	t.Run("bearer token comes from the authorization header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/realtime?token=query-token", nil)
		req.Header.Set("Authorization", "Bearer header-token")

		hs := HandshakeFromRequest(req)
		assert.Equal(t, "header-token", hs.Token)
	})

	t.Run("connection metadata is captured", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/realtime", nil)
		req.Header.Set("User-Agent", "opsboard-web/3.0")

		hs := HandshakeFromRequest(req)
		assert.Equal(t, "websocket", hs.ConnType)
		assert.Equal(t, "opsboard-web/3.0", hs.UserAgent)
		assert.NotEmpty(t, hs.RemoteAddr)
	})
}

func TestTransportDefaults(t *testing.T) {
	transport := New(WithSendQueue(16))
	assert.Equal(t, 0, transport.ConnCount())
	assert.Equal(t, 16, transport.sendQueue)
}

type coreHandler struct {
	core *channel.Core
}

func (h *coreHandler) HandleConnect(ctx context.Context, conn channel.Conn) {
	h.core.OnConnect(ctx, conn)
}

func (h *coreHandler) HandleEvent(ctx context.Context, conn channel.Conn, ev *channel.Event) {
	h.core.Dispatch(ctx, conn, ev)
}

func (h *coreHandler) HandleAck(ctx context.Context, conn channel.Conn, namespace, messageID string) {
	h.core.Ack(ctx, messageID)
}

func (h *coreHandler) HandleDisconnect(ctx context.Context, conn channel.Conn) {
	h.core.OnDisconnect(ctx, conn)
}

func createTestServer(t *testing.T, core *channel.Core) (*Transport, string) {
	transport := New()
	transport.Bind(&coreHandler{core: core})
	srv := httptest.NewServer(http.HandlerFunc(transport.HandleUpgrade))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = transport.Close(context.Background()) })
	return transport, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialTestServer(t *testing.T, url string) *websocket.Conn {
	client, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// A handler blocked in a reliable send must not hold up the ack that
// releases it; acks are settled on the read loop while events queue behind
// the dispatch pump.
func TestTransportAckWhileHandlerWaits(t *testing.T) {
	core := channel.NewCore("history",
		channel.WithDeliveryOptions(
			delivery.WithAckTimeout(300*time.Millisecond),
			delivery.WithMaxAttempts(2),
		),
	)
	t.Cleanup(core.Close)
	var delivered atomic.Bool
	core.Handle("history:get", func(ctx context.Context, c *channel.Ctx) error {
		ok, err := core.ReliableSend(ctx, c.Conn, "history:response", map[string]string{"page": "1"}, "")
		delivered.Store(ok)
		return err
	})

	_, url := createTestServer(t, core)
	client := dialTestServer(t, url)

	require.NoError(t, client.WriteJSON(&channel.Event{Namespace: "history", Name: "history:get"}))

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev channel.Event
	require.NoError(t, client.ReadJSON(&ev))
	require.Equal(t, "history:response", ev.Name)
	require.True(t, ev.AckWanted)
	require.NotEmpty(t, ev.MessageID)
	require.NoError(t, client.WriteJSON(&channel.Event{Namespace: "history", Name: "ack", MessageID: ev.MessageID}))

	assert.Eventually(t, delivered.Load, 2*time.Second, 10*time.Millisecond,
		"prompt ack should confirm delivery on the first attempt")

	// No retry of the acked message shows up after the ack timeout passes.
	_ = client.SetReadDeadline(time.Now().Add(600 * time.Millisecond))
	var retry channel.Event
	err := client.ReadJSON(&retry)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "timeout"), "got frame %q instead of silence", retry.Name)
}

// A connection closed right after a unicast still receives the event; the
// write pump flushes the queue before the close frame.
func TestTransportNotifyBeforeClose(t *testing.T) {
	core := channel.NewCore("security")
	t.Cleanup(core.Close)
	core.Handle("session:watch", func(ctx context.Context, c *channel.Ctx) error {
		return core.Join(ctx, c.Conn, "victims")
	})
	core.Handle("session:kill", func(ctx context.Context, c *channel.Ctx) error {
		for _, conn := range core.ConnsInRoom("victims") {
			_ = core.Unicast(ctx, conn, "device:revoked", map[string]string{"reason": "revoked"})
			_ = conn.Close("revoked")
		}
		return nil
	})

	_, url := createTestServer(t, core)

	victim := dialTestServer(t, url)
	require.NoError(t, victim.WriteJSON(&channel.Event{Namespace: "security", Name: "session:watch"}))
	_ = victim.SetReadDeadline(time.Now().Add(2 * time.Second))
	var joined channel.Event
	require.NoError(t, victim.ReadJSON(&joined))
	require.Equal(t, "security:joined", joined.Name)

	admin := dialTestServer(t, url)
	require.NoError(t, admin.WriteJSON(&channel.Event{Namespace: "security", Name: "session:kill"}))

	var names []string
	for {
		_ = victim.SetReadDeadline(time.Now().Add(2 * time.Second))
		var ev channel.Event
		if err := victim.ReadJSON(&ev); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected read error: %v", err)
			break
		}
		names = append(names, ev.Name)
	}
	assert.Contains(t, names, "device:revoked", "notification must land before the close frame")
}
