// Package directory declares the collaborator interfaces the channel layer
// consumes. The opsboard application provides the real implementations; this
// package also ships in-memory fakes for tests.
package directory

import (
	"context"
	"time"
)

// Credential is a validated opaque API key.
type Credential struct {
	SubjectID    string
	CredentialID string
}

// UsageRecord captures one use of a credential.
type UsageRecord struct {
	CredentialID string
	Endpoint     string
	Method       string
	Success      bool
	RemoteAddr   string
	UserAgent    string
}

// CredentialValidator validates opaque keys and records their usage.
// Validate returns (nil, nil) for a well-formed but unknown key; an error
// means the validator itself failed.
type CredentialValidator interface {
	Validate(ctx context.Context, key string) (*Credential, error)
	RecordUsage(ctx context.Context, rec UsageRecord) error
}

// Device is a registered endpoint device for a subject.
type Device struct {
	ID         string
	SubjectID  string
	Name       string
	Platform   string
	LastSeenAt time.Time
}

// LoginRecord is one login-history fact.
type LoginRecord struct {
	SubjectID  string
	DeviceID   string
	RemoteAddr string
	UserAgent  string
	At         time.Time
}

// DeviceDirectory stores devices and their login history.
type DeviceDirectory interface {
	FindDevice(ctx context.Context, deviceID, subjectID string) (*Device, error)
	ListDevices(ctx context.Context, subjectID string) ([]Device, error)
	UpsertDevice(ctx context.Context, device Device) (*Device, error)
	DeleteDevice(ctx context.Context, deviceID string) error
	RecordLogin(ctx context.Context, rec LoginRecord) error
	LoginHistory(ctx context.Context, subjectID string, limit int) ([]LoginRecord, error)
}

// Identity is a known subject.
type Identity struct {
	ID          string
	DisplayName string
}

type IdentityDirectory interface {
	FindSubjectByID(ctx context.Context, id string) (*Identity, error)
}
