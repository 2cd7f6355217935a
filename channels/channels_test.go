package channels

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsboard/realtime/channel"
	"github.com/opsboard/realtime/channel/driver/inmem"
	"github.com/opsboard/realtime/delivery"
	"github.com/opsboard/realtime/directory"
)

// coreRouter binds a single channel to a transport, standing in for the
// registry.
type coreRouter struct {
	core *channel.Core
}

func (r coreRouter) HandleConnect(ctx context.Context, conn channel.Conn) {
	r.core.OnConnect(ctx, conn)
}

func (r coreRouter) HandleEvent(ctx context.Context, conn channel.Conn, ev *channel.Event) {
	r.core.Dispatch(ctx, conn, ev)
}

func (r coreRouter) HandleAck(ctx context.Context, conn channel.Conn, namespace, messageID string) {
	r.core.Ack(ctx, messageID)
}

func (r coreRouter) HandleDisconnect(ctx context.Context, conn channel.Conn) {
	r.core.OnDisconnect(ctx, conn)
}

func hintAuth(ctx context.Context, conn channel.Conn, req channel.Requirement) (channel.Subject, error) {
	hs := conn.Handshake()
	if hs.SubjectHint == "" {
		return channel.Subject{}, channel.NewAuthError(errors.New("no subject"))
	}
	return channel.Subject{SubjectID: hs.SubjectHint, DeviceID: hs.DeviceHint}, nil
}

func testOptions(req channel.Requirement, extra ...channel.Option) []channel.Option {
	opts := []channel.Option{
		channel.WithAuth(hintAuth, req),
		channel.WithDeliveryOptions(
			delivery.WithAckTimeout(40*time.Millisecond),
			delivery.WithRetryPolicy(delivery.RetryPolicy{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}),
		),
	}
	return append(opts, extra...)
}

func createTestSecurity(t *testing.T) (*Security, *inmem.Transport, *directory.FakeDeviceDirectory) {
	t.Helper()
	devices := directory.NewFakeDeviceDirectory()
	security := NewSecurity(devices, testOptions(channel.RequireDevice)...)
	t.Cleanup(security.Close)

	transport := inmem.New()
	transport.Bind(coreRouter{core: security.Core})
	return security, transport, devices
}

func inject(t *testing.T, conn *inmem.Conn, namespace, name string, payload any) {
	t.Helper()
	ev, err := channel.NewEvent(namespace, name, payload)
	require.NoError(t, err)
	conn.Inject(context.Background(), ev)
}

func TestSecurityRegistration(t *testing.T) {
	ctx := context.Background()

	t.Run("first registration stores the device and joins its rooms", func(t *testing.T) {
		security, transport, devices := createTestSecurity(t)

		conn := transport.Connect(ctx, channel.Handshake{
			SubjectHint: "user-1",
			DeviceHint:  "device-1",
			RemoteAddr:  "10.0.0.1:1234",
			UserAgent:   "opsboard-ios/2.1",
		})
		inject(t, conn, NamespaceSecurity, "device:register", devicePayload{Name: "Work phone", Platform: "ios"})

		assert.Len(t, conn.SentNamed("security:joined"), 2)
		assert.Len(t, conn.SentNamed("device:registered:success"), 1)
		assert.Equal(t, 1, devices.DeviceCount())
		assert.True(t, security.InRoom(conn.ID(), DeviceRoom("device-1")))
		assert.True(t, security.InRoom(conn.ID(), UserRoom("user-1")))

		logins := devices.Logins()
		require.Len(t, logins, 1)
		assert.Equal(t, "10.0.0.1:1234", logins[0].RemoteAddr)
		assert.Equal(t, "opsboard-ios/2.1", logins[0].UserAgent)
	})

	t.Run("re-registration keeps the record and reports already registered", func(t *testing.T) {
		_, transport, devices := createTestSecurity(t)

		first := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-1", DeviceHint: "device-1"})
		inject(t, first, NamespaceSecurity, "device:register", devicePayload{Name: "Work phone", Platform: "ios"})

		second := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-1", DeviceHint: "device-1"})
		inject(t, second, NamespaceSecurity, "device:register", devicePayload{})

		assert.Len(t, second.SentNamed("device:already:registered"), 1)
		assert.Equal(t, 1, devices.DeviceCount())

		device, err := devices.FindDevice(ctx, "device-1", "user-1")
		require.NoError(t, err)
		require.NotNil(t, device)
		assert.Equal(t, "Work phone", device.Name)
	})

	t.Run("unauthenticated connections cannot register", func(t *testing.T) {
		_, transport, devices := createTestSecurity(t)

		conn := transport.Connect(ctx, channel.Handshake{})
		inject(t, conn, NamespaceSecurity, "device:register", devicePayload{Name: "Ghost"})

		assert.Len(t, conn.SentNamed("security:error"), 1)
		assert.Equal(t, 0, devices.DeviceCount())
	})
}

func TestSecurityUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("updates an existing device", func(t *testing.T) {
		_, transport, devices := createTestSecurity(t)
		conn := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-1", DeviceHint: "device-1"})
		inject(t, conn, NamespaceSecurity, "device:register", devicePayload{Name: "Old name"})

		inject(t, conn, NamespaceSecurity, "device:update", devicePayload{Name: "New name"})

		assert.Len(t, conn.SentNamed("device:update:success"), 1)
		device, err := devices.FindDevice(ctx, "device-1", "user-1")
		require.NoError(t, err)
		require.NotNil(t, device)
		assert.Equal(t, "New name", device.Name)
	})

	t.Run("unknown device is rejected", func(t *testing.T) {
		_, transport, _ := createTestSecurity(t)
		conn := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-1", DeviceHint: "device-1"})

		inject(t, conn, NamespaceSecurity, "device:update", devicePayload{Name: "New name"})

		errs := conn.SentNamed("security:error")
		require.Len(t, errs, 1)
		var body channel.ErrorPayload
		require.NoError(t, errs[0].DecodePayload(&body))
		assert.EqualValues(t, ErrCodeDeviceNotFound, body.Code)
	})
}

func TestSecurityRevocation(t *testing.T) {
	ctx := context.Background()

	t.Run("revoking a device disconnects and deletes it", func(t *testing.T) {
		_, transport, devices := createTestSecurity(t)

		phone := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-1", DeviceHint: "device-phone"})
		inject(t, phone, NamespaceSecurity, "device:register", devicePayload{Name: "Phone"})
		laptop := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-1", DeviceHint: "device-laptop"})
		inject(t, laptop, NamespaceSecurity, "device:register", devicePayload{Name: "Laptop"})

		inject(t, laptop, NamespaceSecurity, "device:revoke", deviceTarget{DeviceID: "device-phone"})

		assert.True(t, phone.Closed())
		assert.Len(t, phone.SentNamed("device:revoked"), 1)
		assert.False(t, laptop.Closed())
		assert.Len(t, laptop.SentNamed("device:revoke:success"), 1)
		device, err := devices.FindDevice(ctx, "device-phone", "user-1")
		require.NoError(t, err)
		assert.Nil(t, device)
	})

	t.Run("cannot revoke another subject's device", func(t *testing.T) {
		_, transport, devices := createTestSecurity(t)

		victim := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-1", DeviceHint: "device-1"})
		inject(t, victim, NamespaceSecurity, "device:register", devicePayload{})
		attacker := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-2", DeviceHint: "device-2"})
		inject(t, attacker, NamespaceSecurity, "device:register", devicePayload{})

		inject(t, attacker, NamespaceSecurity, "device:revoke", deviceTarget{DeviceID: "device-1"})

		assert.False(t, victim.Closed())
		assert.Equal(t, 2, devices.DeviceCount())
		assert.Len(t, attacker.SentNamed("security:error"), 1)
	})

	t.Run("revoke-all spares the calling device", func(t *testing.T) {
		_, transport, devices := createTestSecurity(t)

		caller := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-1", DeviceHint: "device-a"})
		inject(t, caller, NamespaceSecurity, "device:register", devicePayload{})
		other1 := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-1", DeviceHint: "device-b"})
		inject(t, other1, NamespaceSecurity, "device:register", devicePayload{})
		other2 := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-1", DeviceHint: "device-c"})
		inject(t, other2, NamespaceSecurity, "device:register", devicePayload{})

		inject(t, caller, NamespaceSecurity, "revoke-all", nil)

		assert.False(t, caller.Closed())
		assert.True(t, other1.Closed())
		assert.True(t, other2.Closed())
		assert.Equal(t, 1, devices.DeviceCount())
		assert.Len(t, caller.SentNamed("revoke-all:success"), 1)
	})
}

func TestSecurityLoginHistory(t *testing.T) {
	ctx := context.Background()
	_, transport, _ := createTestSecurity(t)

	conn := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-1", DeviceHint: "device-1"})
	conn.AutoAck(true)
	inject(t, conn, NamespaceSecurity, "device:register", devicePayload{})

	inject(t, conn, NamespaceSecurity, "login-history", nil)

	responses := conn.SentNamed("login-history:response")
	require.Len(t, responses, 1)
	assert.True(t, responses[0].AckWanted)
	var history []directory.LoginRecord
	require.NoError(t, responses[0].DecodePayload(&history))
	assert.Len(t, history, 1)
}

func createTestTwins(t *testing.T) (*DigitalTwins, *inmem.Transport) {
	t.Helper()
	twins := NewDigitalTwins(testOptions(channel.RequireIdentity)...)
	t.Cleanup(twins.Close)

	transport := inmem.New()
	transport.Bind(coreRouter{core: twins.Core})
	return twins, transport
}

func TestDigitalTwinsCommands(t *testing.T) {
	ctx := context.Background()

	t.Run("known command fans out to the admin room", func(t *testing.T) {
		_, transport := createTestTwins(t)

		operator := transport.Connect(ctx, channel.Handshake{SubjectHint: "op-1"})
		inject(t, operator, NamespaceDigitalTwins, "twin:join", nil)
		watcher := transport.Connect(ctx, channel.Handshake{SubjectHint: "op-2"})
		inject(t, watcher, NamespaceDigitalTwins, "twin:join", nil)

		inject(t, operator, NamespaceDigitalTwins, "twin:command", twinCommand{Command: "snapshot", TwinID: "twin-7"})

		assert.Len(t, operator.SentNamed("twin:command:accepted"), 1)
		require.Eventually(t, func() bool {
			return len(watcher.SentNamed("twin:command:issued")) == 1
		}, time.Second, 5*time.Millisecond)

		var result twinCommandResult
		require.NoError(t, watcher.SentNamed("twin:command:issued")[0].DecodePayload(&result))
		assert.Equal(t, "snapshot", result.Command)
		assert.Equal(t, "op-1", result.IssuedBy)
	})

	t.Run("unknown verb is rejected without fan-out", func(t *testing.T) {
		_, transport := createTestTwins(t)

		operator := transport.Connect(ctx, channel.Handshake{SubjectHint: "op-1"})
		inject(t, operator, NamespaceDigitalTwins, "twin:join", nil)
		watcher := transport.Connect(ctx, channel.Handshake{SubjectHint: "op-2"})
		inject(t, watcher, NamespaceDigitalTwins, "twin:join", nil)

		inject(t, operator, NamespaceDigitalTwins, "twin:command", twinCommand{Command: "self-destruct"})

		errs := operator.SentNamed("twins:error")
		require.Len(t, errs, 1)
		var body channel.ErrorPayload
		require.NoError(t, errs[0].DecodePayload(&body))
		assert.EqualValues(t, channel.ErrCodeUnknownCommand, body.Code)
		assert.Empty(t, watcher.SentNamed("twin:command:issued"))
	})

	t.Run("requires an identity", func(t *testing.T) {
		_, transport := createTestTwins(t)

		conn := transport.Connect(ctx, channel.Handshake{})
		inject(t, conn, NamespaceDigitalTwins, "twin:command", twinCommand{Command: "ping"})

		assert.Len(t, conn.SentNamed("twins:error"), 1)
	})
}

func createTestGitHub(t *testing.T) (*GitHub, *inmem.Transport) {
	t.Helper()
	github := NewGitHub(testOptions(channel.RequireNone)...)
	t.Cleanup(github.Close)

	transport := inmem.New()
	transport.Bind(coreRouter{core: github.Core})
	return github, transport
}

func TestGitHubFeed(t *testing.T) {
	ctx := context.Background()

	t.Run("anyone may join and receive issue events", func(t *testing.T) {
		github, transport := createTestGitHub(t)

		subscriber := transport.Connect(ctx, channel.Handshake{})
		inject(t, subscriber, NamespaceGitHub, "github:join", nil)
		bystander := transport.Connect(ctx, channel.Handshake{})

		fanout := github.IssueCreated(ctx, IssuePayload{
			Repository: "opsboard/realtime",
			Number:     42,
			Title:      "Reconnect loop on flaky links",
			At:         time.Now(),
		})
		assert.Equal(t, 1, fanout)

		require.Eventually(t, func() bool {
			return len(subscriber.SentNamed("issue:created")) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Empty(t, bystander.SentNamed("issue:created"))

		var issue IssuePayload
		require.NoError(t, subscriber.SentNamed("issue:created")[0].DecodePayload(&issue))
		assert.Equal(t, 42, issue.Number)
	})

	t.Run("leaving stops the feed", func(t *testing.T) {
		github, transport := createTestGitHub(t)

		subscriber := transport.Connect(ctx, channel.Handshake{})
		inject(t, subscriber, NamespaceGitHub, "github:join", nil)
		inject(t, subscriber, NamespaceGitHub, "github:leave", nil)

		assert.Equal(t, 0, github.IssueUpdated(ctx, IssuePayload{Number: 42}))
	})
}

func createTestNotification(t *testing.T) (*Notification, *inmem.Transport) {
	t.Helper()
	notify := NewNotification(testOptions(channel.RequireIdentity)...)
	t.Cleanup(notify.Close)

	transport := inmem.New()
	transport.Bind(coreRouter{core: notify.Core})
	return notify, transport
}

func TestNotification(t *testing.T) {
	ctx := context.Background()

	t.Run("toast reaches every connection of the user", func(t *testing.T) {
		notify, transport := createTestNotification(t)

		phone := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-1"})
		inject(t, phone, NamespaceNotification, "notify:join", nil)
		laptop := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-1"})
		inject(t, laptop, NamespaceNotification, "notify:join", nil)
		stranger := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-2"})
		inject(t, stranger, NamespaceNotification, "notify:join", nil)

		fanout := notify.Toast(ctx, "user-1", NotificationPayload{Title: "Incident assigned"})
		assert.Equal(t, 2, fanout)

		require.Eventually(t, func() bool {
			return len(phone.SentNamed("notify:toast")) == 1 && len(laptop.SentNamed("notify:toast")) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Empty(t, stranger.SentNamed("notify:toast"))
	})

	t.Run("notify-user counts acknowledged connections", func(t *testing.T) {
		notify, transport := createTestNotification(t)

		acking := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-1"})
		acking.AutoAck(true)
		inject(t, acking, NamespaceNotification, "notify:join", nil)
		silent := transport.Connect(ctx, channel.Handshake{SubjectHint: "user-1"})
		inject(t, silent, NamespaceNotification, "notify:join", nil)

		confirmed, err := notify.NotifyUser(ctx, "user-1", NotificationPayload{Title: "Corrective action due"})
		require.NoError(t, err)
		assert.Equal(t, 1, confirmed)
	})

	t.Run("no connections means zero confirmations", func(t *testing.T) {
		notify, _ := createTestNotification(t)

		confirmed, err := notify.NotifyUser(ctx, "user-absent", NotificationPayload{Title: "Hello"})
		require.NoError(t, err)
		assert.Equal(t, 0, confirmed)
	})
}
