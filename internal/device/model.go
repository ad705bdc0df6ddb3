package device

import (
	"strings"
	"time"
)

// Type is the capability class of a device.
type Type string

const (
	TypeFingerprintScanner Type = "FINGERPRINT_SCANNER"
	TypeMultiSensor        Type = "MULTI_SENSOR"
	TypeAirQualitySensor   Type = "AIR_QUALITY_SENSOR"
)

// Valid reports whether t is a known device type.
func (t Type) Valid() bool {
	switch t {
	case TypeFingerprintScanner, TypeMultiSensor, TypeAirQualitySensor:
		return true
	}
	return false
}

// Connectivity states. Status is stored as supplied (upper-cased); these are
// the values the dashboard understands.
const (
	StatusOnline      = "ONLINE"
	StatusOffline     = "OFFLINE"
	StatusMaintenance = "MAINTENANCE"
)

// NormalizeStatus upper-cases s, defaulting to ONLINE when empty.
func NormalizeStatus(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return StatusOnline
	}
	return s
}

// SignalUnit tags how a signal reading was expressed. Status pings report
// RSSI in dBm while seeded and admin-edited devices carry a percentage; both
// are kept as sent.
type SignalUnit string

const (
	SignalDBm     SignalUnit = "dBm"
	SignalPercent SignalUnit = "percent"
)

// Placeholder values for devices created without explicit registration.
const (
	UnassignedLocation = "Unassigned"
	UnknownFirmware    = "unknown"
)

// Device is a registered IoT device.
type Device struct {
	ID              string      `json:"id"`
	DeviceID        string      `json:"deviceId"`
	Name            string      `json:"name"`
	Type            Type        `json:"type"`
	Location        string      `json:"location"`
	FirmwareVersion string      `json:"firmwareVersion"`
	Status          string      `json:"status"`
	Battery         *int        `json:"battery"`
	Signal          *int        `json:"signal"`
	SignalUnit      *SignalUnit `json:"signalUnit,omitempty"`
	Uptime          *string     `json:"uptime"`
	LastSeen        *time.Time  `json:"lastSeen"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// StatusUpdate carries the fields of a status ping. Nil fields are left
// unchanged; Status and At are always applied.
type StatusUpdate struct {
	Battery    *int
	Signal     *int
	SignalUnit SignalUnit
	Uptime     *string
	Status     string
	At         time.Time
}
