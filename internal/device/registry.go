package device

import (
	"context"
	"database/sql"
	"log"
	"strings"
	"time"

	"github.com/pkg/errors"

	"classtrack/internal/apperr"
	"classtrack/internal/metrics"
)

// TokenIssuer mints device tokens for provisioning.
type TokenIssuer interface {
	IssueDeviceToken(deviceID string) (string, time.Time, error)
}

// RegisterInput describes an explicit registration.
type RegisterInput struct {
	DeviceID        string
	Name            string
	Type            Type
	Location        string
	FirmwareVersion string
}

// ProvisionInput describes a provisioning request; empty fields take
// placeholder values when the device has to be created.
type ProvisionInput struct {
	DeviceID string
	Name     string
	Type     Type
	Location string
}

// Provisioned is the result of Provision.
type Provisioned struct {
	Device    Device
	Token     string
	ExpiresAt time.Time
}

// Registry maps external device identifiers to device records. Its
// find-or-create paths are atomic at the repository level.
type Registry struct {
	repo   Repository
	tokens TokenIssuer
	now    func() time.Time
}

// NewRegistry creates a registry.
func NewRegistry(repo Repository, tokens TokenIssuer) *Registry {
	return &Registry{repo: repo, tokens: tokens, now: time.Now}
}

// WithClock overrides the time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// FindByDeviceID resolves a device or fails with a NotFound error.
func (r *Registry) FindByDeviceID(ctx context.Context, deviceID string) (Device, error) {
	d, err := r.repo.FindByDeviceID(ctx, deviceID)
	if err != nil {
		return Device{}, apperr.Persistence(err, "Failed to fetch device")
	}
	if d == nil {
		return Device{}, apperr.NotFound("Device not found")
	}
	return *d, nil
}

// Register creates a device, failing when the identifier is taken.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (Device, error) {
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	if in.DeviceID == "" {
		return Device{}, apperr.Validation("Device ID is required")
	}
	if strings.TrimSpace(in.Name) == "" {
		return Device{}, apperr.Validation("Name is required")
	}
	if !in.Type.Valid() {
		return Device{}, apperr.Validation("Invalid device type")
	}
	if strings.TrimSpace(in.Location) == "" {
		return Device{}, apperr.Validation("Location is required")
	}
	if in.FirmwareVersion == "" {
		in.FirmwareVersion = UnknownFirmware
	}

	d, err := r.repo.Insert(ctx, Device{
		DeviceID:        in.DeviceID,
		Name:            in.Name,
		Type:            in.Type,
		Location:        in.Location,
		FirmwareVersion: in.FirmwareVersion,
		Status:          StatusOffline,
	})
	if errors.Is(err, ErrDuplicate) {
		return Device{}, apperr.Duplicate("Device ID already exists")
	}
	if err != nil {
		return Device{}, apperr.Persistence(err, "Failed to create device")
	}
	return d, nil
}

// UpsertStatus applies a status ping, auto-registering unknown devices with
// placeholder metadata. lastSeen is always refreshed.
//
// This path is low-trust: the caller is not authenticated, so any client can
// update any device id.
func (r *Registry) UpsertStatus(ctx context.Context, deviceID string, u StatusUpdate) (Device, bool, error) {
	if deviceID == "" {
		return Device{}, false, apperr.Validation("Device ID is required")
	}
	_, created, err := r.repo.EnsureExists(ctx, Device{
		DeviceID:        deviceID,
		Name:            deviceID,
		Type:            TypeMultiSensor,
		Location:        UnassignedLocation,
		FirmwareVersion: UnknownFirmware,
		Status:          StatusOnline,
	})
	if err != nil {
		return Device{}, false, apperr.Persistence(err, "Failed to update device status")
	}
	if created {
		metrics.DevicesAutoRegistered.Inc()
		log.Printf("auto-registered device %s from status ping", deviceID)
	}

	u.Status = NormalizeStatus(u.Status)
	if u.Signal != nil && u.SignalUnit == "" {
		u.SignalUnit = SignalDBm
	}
	u.At = r.now().UTC()
	d, err := r.repo.ApplyStatus(ctx, deviceID, u)
	if errors.Is(err, sql.ErrNoRows) {
		// removed by an administrator between the two statements
		return Device{}, created, apperr.NotFound("Device not found")
	}
	if err != nil {
		return Device{}, created, apperr.Persistence(err, "Failed to update device status")
	}
	return d, created, nil
}

// Provision finds or creates the device and mints a fresh device token.
// Repeated calls never duplicate the device but always return a new token.
func (r *Registry) Provision(ctx context.Context, in ProvisionInput) (Provisioned, error) {
	in.DeviceID = strings.TrimSpace(in.DeviceID)
	if in.DeviceID == "" {
		return Provisioned{}, apperr.Validation("Device ID is required")
	}
	if in.Type != "" && !in.Type.Valid() {
		return Provisioned{}, apperr.Validation("Invalid device type")
	}
	seed := Device{
		DeviceID:        in.DeviceID,
		Name:            in.Name,
		Type:            in.Type,
		Location:        in.Location,
		FirmwareVersion: UnknownFirmware,
		Status:          StatusOffline,
	}
	if seed.Name == "" {
		seed.Name = in.DeviceID
	}
	if seed.Type == "" {
		seed.Type = TypeMultiSensor
	}
	if seed.Location == "" {
		seed.Location = UnassignedLocation
	}

	d, _, err := r.repo.EnsureExists(ctx, seed)
	if err != nil {
		return Provisioned{}, apperr.Persistence(err, "Failed to provision device")
	}
	token, exp, err := r.tokens.IssueDeviceToken(d.DeviceID)
	if err != nil {
		return Provisioned{}, apperr.Persistence(err, "Failed to provision device")
	}
	return Provisioned{Device: d, Token: token, ExpiresAt: exp}, nil
}

// Touch refreshes lastSeen after accepted telemetry.
func (r *Registry) Touch(ctx context.Context, deviceID string) error {
	return r.repo.Touch(ctx, deviceID, r.now().UTC())
}

// List returns devices, filtered by status unless status is "" or "all".
func (r *Registry) List(ctx context.Context, status string) ([]Device, error) {
	if strings.EqualFold(status, "all") {
		status = ""
	}
	devices, err := r.repo.List(ctx, strings.ToUpper(status))
	if err != nil {
		return nil, apperr.Persistence(err, "Failed to fetch devices")
	}
	if devices == nil {
		devices = []Device{}
	}
	return devices, nil
}
