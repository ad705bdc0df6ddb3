// Package ingest is the entry point for device telemetry. HTTP handlers and
// the device channel are thin adapters over Gateway, which owns validation,
// device identity and the persistence timeout.
package ingest

import (
	"context"
	"log"
	"strings"
	"time"

	"classtrack/internal/airquality"
	"classtrack/internal/apperr"
	"classtrack/internal/attendance"
	"classtrack/internal/device"
	"classtrack/internal/logging"
	"classtrack/internal/metrics"
)

// Transports label where a submission came from.
const (
	TransportHTTP    = "http"
	TransportChannel = "ws"
)

// Source says how the submitting device was identified. When TokenDeviceID
// is set it is authoritative and any deviceId in the body is ignored.
type Source struct {
	Transport     string
	TokenDeviceID string
}

func (s Source) deviceID(body string) (string, error) {
	if s.TokenDeviceID != "" {
		return s.TokenDeviceID, nil
	}
	id := strings.TrimSpace(body)
	if id == "" {
		return "", apperr.Validation("Device ID is required", apperr.FieldError{Field: "deviceId", Error: "Device ID is required"})
	}
	return id, nil
}

type AttendanceRecorder interface {
	Record(ctx context.Context, in attendance.CheckIn) (attendance.Result, error)
}

type ReadingRecorder interface {
	Record(ctx context.Context, s airquality.Sample) (airquality.Reading, error)
}

type StatusUpdater interface {
	UpsertStatus(ctx context.Context, deviceID string, u device.StatusUpdate) (device.Device, bool, error)
	Touch(ctx context.Context, deviceID string) error
}

// Gateway validates telemetry and hands it to the evaluators.
type Gateway struct {
	attendance AttendanceRecorder
	readings   ReadingRecorder
	devices    StatusUpdater
	timeout    time.Duration
}

// NewGateway creates a gateway. Each persistence step is bounded by timeout.
func NewGateway(att AttendanceRecorder, readings ReadingRecorder, devices StatusUpdater, timeout time.Duration) *Gateway {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gateway{attendance: att, readings: readings, devices: devices, timeout: timeout}
}

// Attendance records a check-in.
func (g *Gateway) Attendance(ctx context.Context, src Source, p AttendancePayload) (attendance.Result, error) {
	start := time.Now()
	p.StudentID = strings.TrimSpace(p.StudentID)
	if err := Validate(p); err != nil {
		g.observe("attendance", src, start, err)
		return attendance.Result{}, err
	}
	deviceID, err := src.deviceID(p.DeviceID)
	if err != nil {
		g.observe("attendance", src, start, err)
		return attendance.Result{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	res, err := g.attendance.Record(ctx, attendance.CheckIn{
		StudentID:        p.StudentID,
		DeviceID:         deviceID,
		FingerprintMatch: *p.FingerprintMatch,
		Reliability:      p.Reliability,
	})
	g.observe("attendance", src, start, err)
	if err != nil {
		g.report("record attendance", err, deviceID)
		return attendance.Result{}, err
	}
	g.touch(deviceID)
	return res, nil
}

// AirQuality records an environmental sample and raises its alerts.
func (g *Gateway) AirQuality(ctx context.Context, src Source, p AirQualityPayload) (airquality.Reading, error) {
	start := time.Now()
	p.Room = strings.TrimSpace(p.Room)
	if err := Validate(p); err != nil {
		g.observe("airquality", src, start, err)
		return airquality.Reading{}, err
	}
	deviceID, err := src.deviceID(p.DeviceID)
	if err != nil {
		g.observe("airquality", src, start, err)
		return airquality.Reading{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	reading, err := g.readings.Record(ctx, airquality.Sample{
		DeviceID:    deviceID,
		Room:        p.Room,
		PM25:        *p.PM25,
		CO2:         int(*p.CO2),
		Temperature: *p.Temperature,
		Humidity:    *p.Humidity,
	})
	g.observe("airquality", src, start, err)
	if err != nil {
		g.report("record air quality", err, deviceID)
		return airquality.Reading{}, err
	}
	g.touch(deviceID)
	return reading, nil
}

// DeviceStatus applies a heartbeat. Without a token this is the low-trust
// path: any caller may report for any device id.
func (g *Gateway) DeviceStatus(ctx context.Context, src Source, p DeviceStatusPayload) (device.Device, error) {
	start := time.Now()
	if err := Validate(p); err != nil {
		g.observe("device_status", src, start, err)
		return device.Device{}, err
	}
	deviceID, err := src.deviceID(p.DeviceID)
	if err != nil {
		g.observe("device_status", src, start, err)
		return device.Device{}, err
	}

	u := device.StatusUpdate{
		Battery:    p.Battery,
		Signal:     p.Signal,
		SignalUnit: device.SignalUnit(p.SignalUnit),
		Status:     p.Status,
	}
	if p.Uptime != nil {
		s := string(*p.Uptime)
		u.Uptime = &s
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	d, _, err := g.devices.UpsertStatus(ctx, deviceID, u)
	g.observe("device_status", src, start, err)
	if err != nil {
		g.report("update device status", err, deviceID)
		return device.Device{}, err
	}
	if src.TokenDeviceID == "" {
		log.Printf("device status for %s accepted without device token (%s)", deviceID, src.Transport)
	}
	return d, nil
}

// touch refreshes lastSeen after accepted telemetry; failures are only logged.
func (g *Gateway) touch(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	if err := g.devices.Touch(ctx, deviceID); err != nil {
		log.Printf("refresh last seen for %s: %v", deviceID, err)
	}
}

func (g *Gateway) observe(kind string, src Source, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = apperr.KindOf(err).String()
	}
	metrics.IngestTotal.WithLabelValues(kind, src.Transport, outcome).Inc()
	metrics.IngestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// report sends storage failures to the error tracker; caller mistakes are not
// reported.
func (g *Gateway) report(msg string, err error, deviceID string) {
	switch apperr.KindOf(err) {
	case apperr.KindPersistence, apperr.KindUnavailable, apperr.KindInternal:
		logging.Error(msg, err, map[string]interface{}{"deviceId": deviceID})
	}
}
