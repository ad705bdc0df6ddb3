package airquality

import (
	"context"
	"time"

	"classtrack/internal/alert"
	"classtrack/internal/apperr"
	"classtrack/internal/device"
	"classtrack/internal/logging"
)

// DeviceResolver resolves an external device id. It fails with a NotFound
// error when the device is unknown.
type DeviceResolver interface {
	FindByDeviceID(ctx context.Context, deviceID string) (device.Device, error)
}

// AlertEmitter writes a batch of alerts.
type AlertEmitter interface {
	Emit(ctx context.Context, alerts []alert.Alert) ([]alert.Alert, error)
}

// Sample is a validated sensor submission.
type Sample struct {
	DeviceID    string
	Room        string
	PM25        float64
	CO2         int
	Temperature float64
	Humidity    float64
}

// Evaluator persists samples and raises threshold alerts.
type Evaluator struct {
	devices DeviceResolver
	repo    Repository
	alerts  AlertEmitter
	now     func() time.Time
}

func NewEvaluator(devices DeviceResolver, repo Repository, alerts AlertEmitter) *Evaluator {
	return &Evaluator{devices: devices, repo: repo, alerts: alerts, now: time.Now}
}

// Record stores the sample and emits its alerts. Alerts are a side effect:
// failing to write them is logged and does not undo the stored reading.
func (e *Evaluator) Record(ctx context.Context, s Sample) (Reading, error) {
	dev, err := e.devices.FindByDeviceID(ctx, s.DeviceID)
	if err != nil {
		return Reading{}, err
	}

	reading, err := e.repo.Insert(ctx, Reading{
		DeviceID:    dev.ID,
		Room:        s.Room,
		PM25:        s.PM25,
		CO2:         s.CO2,
		Temperature: s.Temperature,
		Humidity:    s.Humidity,
		Timestamp:   e.now().UTC(),
	})
	if err != nil {
		return Reading{}, apperr.Persistence(err, "Failed to record air quality")
	}

	if raised := Thresholds(s.Room, s.PM25, s.CO2); len(raised) > 0 {
		if _, err := e.alerts.Emit(ctx, raised); err != nil {
			logging.Error("create air quality alerts", err, map[string]interface{}{
				"room":    s.Room,
				"reading": reading.ID,
			})
		}
	}
	return reading, nil
}

// Rooms summarises every room with its latest reading and 24h averages.
func (e *Evaluator) Rooms(ctx context.Context) ([]RoomSummary, error) {
	stats, err := e.repo.RoomStats(ctx, e.now().Add(-24*time.Hour))
	if err != nil {
		return nil, apperr.Persistence(err, "Failed to fetch rooms air quality")
	}
	out := make([]RoomSummary, 0, len(stats))
	for _, st := range stats {
		out = append(out, Summarize(st))
	}
	return out, nil
}

// List returns stored readings for the dashboard.
func (e *Evaluator) List(ctx context.Context, f ListFilter) ([]Reading, error) {
	res, err := e.repo.List(ctx, f)
	if err != nil {
		return nil, apperr.Persistence(err, "Failed to fetch air quality readings")
	}
	if res == nil {
		res = []Reading{}
	}
	return res, nil
}

// Stats aggregates readings between from and to; zero bounds select all.
func (e *Evaluator) Stats(ctx context.Context, from, to time.Time) (Stats, error) {
	s, err := e.repo.Stats(ctx, from, to)
	if err != nil {
		return Stats{}, apperr.Persistence(err, "Failed to fetch air quality statistics")
	}
	return s, nil
}
