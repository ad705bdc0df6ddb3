// Package alert stores threshold alerts and fans them out to the
// notification queue.
package alert

import "time"

type Type string

const (
	TypeAirQuality Type = "AIR_QUALITY"
	TypeDevice     Type = "DEVICE"
)

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is a single raised condition. Room, Metric, Value and Threshold are
// optional.
type Alert struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
	Room      string    `json:"room,omitempty"`
	Metric    string    `json:"metric,omitempty"`
	Value     string    `json:"value,omitempty"`
	Threshold string    `json:"threshold,omitempty"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"createdAt"`
}

// Filter narrows List results.
type Filter struct {
	Resolved *bool
	Limit    int
}
