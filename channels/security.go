// Package channels provides the concrete channel variants the registry
// exposes: Security, DigitalTwins, GitHub and Notification. Each embeds a
// channel.Core and registers its domain handlers on it.
package channels

import (
	"context"
	"time"

	"github.com/opsboard/realtime/channel"
	"github.com/opsboard/realtime/directory"
	"github.com/opsboard/realtime/errors"
	"github.com/opsboard/realtime/presence"
)

const NamespaceSecurity = "security"

const (
	// ErrCodeDeviceNotFound is returned for operations on a device the
	// subject never registered.
	ErrCodeDeviceNotFound = 50000 + iota
)

func DeviceRoom(deviceID string) string {
	return "device:" + deviceID
}

func UserRoom(subjectID string) string {
	return "user:" + subjectID
}

// Security is the device-scoped channel: device registration, revocation and
// login history. Every operation requires device-level auth.
type Security struct {
	*channel.Core
	devices  directory.DeviceDirectory
	presence *presence.Tracker
}

func NewSecurity(devices directory.DeviceDirectory, opts ...channel.Option) *Security {
	s := &Security{
		Core:    channel.NewCore(NamespaceSecurity, opts...),
		devices: devices,
	}
	s.Handle("security:join", s.handleJoin)
	s.Handle("security:leave", s.handleLeave)
	s.Handle("device:register", s.handleRegister)
	s.Handle("device:update", s.handleUpdate)
	s.Handle("device:list", s.handleList)
	s.Handle("device:revoke", s.handleRevoke)
	s.Handle("revoke-all", s.handleRevokeAll)
	s.Handle("login-history", s.handleLoginHistory)
	return s
}

// AttachPresence makes registrations feed the login-activity tracker.
func (s *Security) AttachPresence(tracker *presence.Tracker) {
	s.presence = tracker
}

// PresenceAlert pushes a detected login anomaly to every connection of the
// affected subject.
func (s *Security) PresenceAlert(ev *presence.ChangeEvent) {
	s.Broadcast(context.Background(), UserRoom(ev.SubjectID), "security:alert", map[string]any{
		"deviceId": ev.DeviceID,
		"triggers": ev.Triggers,
		"ip":       ev.IP,
		"at":       time.UnixMilli(ev.Timestamp),
	})
}

type devicePayload struct {
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type deviceTarget struct {
	DeviceID string `json:"deviceId"`
}

func (s *Security) handleJoin(ctx context.Context, c *channel.Ctx) error {
	if err := s.Join(ctx, c.Conn, DeviceRoom(c.Subject.DeviceID)); err != nil {
		return err
	}
	return s.Join(ctx, c.Conn, UserRoom(c.Subject.SubjectID))
}

func (s *Security) handleLeave(ctx context.Context, c *channel.Ctx) error {
	if err := s.Leave(ctx, c.Conn, DeviceRoom(c.Subject.DeviceID)); err != nil {
		return err
	}
	return s.Leave(ctx, c.Conn, UserRoom(c.Subject.SubjectID))
}

// handleRegister upserts the connection's device, joins its rooms and
// records a login fact. Re-registering the same device updates the existing
// record instead of duplicating it.
func (s *Security) handleRegister(ctx context.Context, c *channel.Ctx) error {
	var payload devicePayload
	if err := c.Event.DecodePayload(&payload); err != nil {
		return channel.NewCollaboratorError(err)
	}

	existing, err := s.devices.FindDevice(ctx, c.Subject.DeviceID, c.Subject.SubjectID)
	if err != nil {
		return channel.NewCollaboratorError(err)
	}

	device := directory.Device{
		ID:         c.Subject.DeviceID,
		SubjectID:  c.Subject.SubjectID,
		Name:       payload.Name,
		Platform:   payload.Platform,
		LastSeenAt: time.Now(),
	}
	if existing != nil {
		if payload.Name == "" {
			device.Name = existing.Name
		}
		if payload.Platform == "" {
			device.Platform = existing.Platform
		}
	}
	stored, err := s.devices.UpsertDevice(ctx, device)
	if err != nil {
		return channel.NewCollaboratorError(err)
	}

	if err := s.Join(ctx, c.Conn, DeviceRoom(c.Subject.DeviceID)); err != nil {
		return err
	}
	if err := s.Join(ctx, c.Conn, UserRoom(c.Subject.SubjectID)); err != nil {
		return err
	}

	hs := c.Conn.Handshake()
	if err := s.devices.RecordLogin(ctx, directory.LoginRecord{
		SubjectID:  c.Subject.SubjectID,
		DeviceID:   c.Subject.DeviceID,
		RemoteAddr: hs.RemoteAddr,
		UserAgent:  hs.UserAgent,
		At:         time.Now(),
	}); err != nil {
		return channel.NewCollaboratorError(err)
	}

	if s.presence != nil {
		s.presence.Track(ctx, &presence.TrackRequest{
			SubjectID: c.Subject.SubjectID,
			DeviceID:  c.Subject.DeviceID,
			IP:        hs.RemoteAddr,
			UserAgent: hs.UserAgent,
		})
	}

	if existing != nil {
		return s.Unicast(ctx, c.Conn, "device:already:registered", stored)
	}
	return s.Unicast(ctx, c.Conn, "device:registered:success", stored)
}

func (s *Security) handleUpdate(ctx context.Context, c *channel.Ctx) error {
	var payload devicePayload
	if err := c.Event.DecodePayload(&payload); err != nil {
		return channel.NewCollaboratorError(err)
	}

	existing, err := s.devices.FindDevice(ctx, c.Subject.DeviceID, c.Subject.SubjectID)
	if err != nil {
		return channel.NewCollaboratorError(err)
	}
	if existing == nil {
		return errors.NewError(ErrCodeDeviceNotFound, "device not registered", nil)
	}

	if payload.Name != "" {
		existing.Name = payload.Name
	}
	if payload.Platform != "" {
		existing.Platform = payload.Platform
	}
	existing.LastSeenAt = time.Now()
	stored, err := s.devices.UpsertDevice(ctx, *existing)
	if err != nil {
		return channel.NewCollaboratorError(err)
	}
	return s.Unicast(ctx, c.Conn, "device:update:success", stored)
}

func (s *Security) handleList(ctx context.Context, c *channel.Ctx) error {
	devices, err := s.devices.ListDevices(ctx, c.Subject.SubjectID)
	if err != nil {
		return channel.NewCollaboratorError(err)
	}
	return s.Unicast(ctx, c.Conn, "device:list:response", devices)
}

// handleRevoke disconnects every connection of one target device owned by
// the caller and deletes its record. The targets are notified before the
// forced disconnect.
func (s *Security) handleRevoke(ctx context.Context, c *channel.Ctx) error {
	var target deviceTarget
	if err := c.Event.DecodePayload(&target); err != nil {
		return channel.NewCollaboratorError(err)
	}

	device, err := s.devices.FindDevice(ctx, target.DeviceID, c.Subject.SubjectID)
	if err != nil {
		return channel.NewCollaboratorError(err)
	}
	if device == nil {
		return errors.NewError(ErrCodeDeviceNotFound, "device not registered", nil)
	}

	revoked := s.disconnectRoom(ctx, DeviceRoom(target.DeviceID), "device revoked")
	if err := s.devices.DeleteDevice(ctx, target.DeviceID); err != nil {
		return channel.NewCollaboratorError(err)
	}
	return s.Unicast(ctx, c.Conn, "device:revoke:success", map[string]any{
		"deviceId":    target.DeviceID,
		"disconnects": revoked,
	})
}

// handleRevokeAll disconnects every other device of the calling subject. The
// caller's own device is excluded so the session issuing the revocation
// survives it.
func (s *Security) handleRevokeAll(ctx context.Context, c *channel.Ctx) error {
	revoked := 0
	for _, conn := range s.ConnsInRoom(UserRoom(c.Subject.SubjectID)) {
		subject, ok := s.SubjectOf(conn.ID())
		if !ok || subject.DeviceID == c.Subject.DeviceID {
			continue
		}
		s.notifyAndClose(ctx, conn, "device revoked")
		if err := s.devices.DeleteDevice(ctx, subject.DeviceID); err != nil {
			return channel.NewCollaboratorError(err)
		}
		revoked++
	}
	return s.Unicast(ctx, c.Conn, "revoke-all:success", map[string]any{"revoked": revoked})
}

func (s *Security) handleLoginHistory(ctx context.Context, c *channel.Ctx) error {
	history, err := s.devices.LoginHistory(ctx, c.Subject.SubjectID, 50)
	if err != nil {
		return channel.NewCollaboratorError(err)
	}
	// History carries security-relevant facts, deliver it with an ack.
	if _, err := s.ReliableSend(ctx, c.Conn, "login-history:response", history, ""); err != nil {
		return err
	}
	return nil
}

func (s *Security) disconnectRoom(ctx context.Context, room, reason string) int {
	conns := s.ConnsInRoom(room)
	for _, conn := range conns {
		s.notifyAndClose(ctx, conn, reason)
	}
	return len(conns)
}

func (s *Security) notifyAndClose(ctx context.Context, conn channel.Conn, reason string) {
	_ = s.Unicast(ctx, conn, "device:revoked", map[string]string{"reason": reason})
	_ = conn.Close(reason)
}
