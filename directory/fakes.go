package directory

import (
	"context"
	"sync"
	"time"
)

// FakeCredentialValidator is an in-memory CredentialValidator for tests.
type FakeCredentialValidator struct {
	mu      sync.Mutex
	byKey   map[string]Credential
	Usages  []UsageRecord
	FailErr error
}

func NewFakeCredentialValidator() *FakeCredentialValidator {
	return &FakeCredentialValidator{byKey: make(map[string]Credential)}
}

func (f *FakeCredentialValidator) AddKey(key string, cred Credential) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byKey[key] = cred
}

func (f *FakeCredentialValidator) Validate(ctx context.Context, key string) (*Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailErr != nil {
		return nil, f.FailErr
	}
	cred, ok := f.byKey[key]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

func (f *FakeCredentialValidator) RecordUsage(ctx context.Context, rec UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Usages = append(f.Usages, rec)
	return nil
}

// FakeDeviceDirectory is an in-memory DeviceDirectory for tests.
type FakeDeviceDirectory struct {
	mu      sync.Mutex
	devices map[string]Device
	logins  []LoginRecord
	FailErr error
}

func NewFakeDeviceDirectory() *FakeDeviceDirectory {
	return &FakeDeviceDirectory{devices: make(map[string]Device)}
}

func (f *FakeDeviceDirectory) FindDevice(ctx context.Context, deviceID, subjectID string) (*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailErr != nil {
		return nil, f.FailErr
	}
	device, ok := f.devices[deviceID]
	if !ok || device.SubjectID != subjectID {
		return nil, nil
	}
	return &device, nil
}

func (f *FakeDeviceDirectory) ListDevices(ctx context.Context, subjectID string) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailErr != nil {
		return nil, f.FailErr
	}
	var out []Device
	for _, device := range f.devices {
		if device.SubjectID == subjectID {
			out = append(out, device)
		}
	}
	return out, nil
}

func (f *FakeDeviceDirectory) UpsertDevice(ctx context.Context, device Device) (*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailErr != nil {
		return nil, f.FailErr
	}
	if device.LastSeenAt.IsZero() {
		device.LastSeenAt = time.Now()
	}
	f.devices[device.ID] = device
	return &device, nil
}

func (f *FakeDeviceDirectory) DeleteDevice(ctx context.Context, deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, deviceID)
	return nil
}

func (f *FakeDeviceDirectory) RecordLogin(ctx context.Context, rec LoginRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, rec)
	return nil
}

func (f *FakeDeviceDirectory) LoginHistory(ctx context.Context, subjectID string, limit int) ([]LoginRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []LoginRecord
	for _, rec := range f.logins {
		if rec.SubjectID == subjectID {
			out = append(out, rec)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// DeviceCount reports how many devices are stored.
func (f *FakeDeviceDirectory) DeviceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.devices)
}

// Logins snapshots the recorded login history.
func (f *FakeDeviceDirectory) Logins() []LoginRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]LoginRecord(nil), f.logins...)
}

// FakeIdentityDirectory is an in-memory IdentityDirectory for tests.
type FakeIdentityDirectory struct {
	mu       sync.Mutex
	subjects map[string]Identity
}

func NewFakeIdentityDirectory() *FakeIdentityDirectory {
	return &FakeIdentityDirectory{subjects: make(map[string]Identity)}
}

func (f *FakeIdentityDirectory) AddSubject(identity Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects[identity.ID] = identity
}

func (f *FakeIdentityDirectory) FindSubjectByID(ctx context.Context, id string) (*Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	identity, ok := f.subjects[id]
	if !ok {
		return nil, nil
	}
	return &identity, nil
}
