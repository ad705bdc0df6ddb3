package airquality

import (
	"math"
	"time"
)

// Reading is one stored environmental sample. DeviceID is the internal id of
// the owning device.
type Reading struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"deviceId"`
	Room        string    `json:"room"`
	PM25        float64   `json:"pm25"`
	CO2         int       `json:"co2"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Timestamp   time.Time `json:"timestamp"`
}

// ListFilter selects readings for the dashboard.
type ListFilter struct {
	Room  string
	From  time.Time
	To    time.Time
	Limit int
}

// Averages holds mean values over a window.
type Averages struct {
	PM25        float64
	CO2         float64
	Temperature float64
	Humidity    float64
	Count       int
}

// RoomStat is the raw per-room aggregate returned by a Repository.
type RoomStat struct {
	Room   string
	Latest *Reading
	Avg    Averages
}

// Stats is the min/avg/max aggregate over a period.
type Stats struct {
	Average Averages
	MaxPM25 float64
	MaxCO2  int
	MaxTemp float64
	MinPM25 float64
	MinCO2  int
	MinTemp float64
}

// LatestView is the rounded latest sample shown on the room card.
type LatestView struct {
	PM25      float64   `json:"pm25"`
	CO2       int       `json:"co2"`
	Temp      float64   `json:"temp"`
	Humidity  float64   `json:"humidity"`
	Timestamp time.Time `json:"timestamp"`
}

// AverageView is the rounded 24h average shown on the room card.
type AverageView struct {
	PM25     float64 `json:"pm25"`
	CO2      int     `json:"co2"`
	Temp     float64 `json:"temp"`
	Humidity float64 `json:"humidity"`
}

// RoomSummary backs GET /api/airquality/rooms.
type RoomSummary struct {
	Name       string      `json:"name"`
	Quality    Quality     `json:"quality"`
	Latest     *LatestView `json:"latest"`
	Average24h AverageView `json:"average24h"`
}

// Summarize rounds a RoomStat for display.
func Summarize(s RoomStat) RoomSummary {
	out := RoomSummary{
		Name:    s.Room,
		Quality: Classify(s.Latest),
		Average24h: AverageView{
			PM25:     round(s.Avg.PM25, 1),
			CO2:      int(math.Round(s.Avg.CO2)),
			Temp:     round(s.Avg.Temperature, 1),
			Humidity: round(s.Avg.Humidity, 0),
		},
	}
	if s.Latest != nil {
		out.Latest = &LatestView{
			PM25:      round(s.Latest.PM25, 1),
			CO2:       s.Latest.CO2,
			Temp:      round(s.Latest.Temperature, 1),
			Humidity:  round(s.Latest.Humidity, 0),
			Timestamp: s.Latest.Timestamp,
		}
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// StatsView is the rounded aggregate returned by GET /api/airquality/stats.
type StatsView struct {
	Average struct {
		PM25        float64 `json:"pm25"`
		CO2         int     `json:"co2"`
		Temperature float64 `json:"temperature"`
		Humidity    float64 `json:"humidity"`
	} `json:"average"`
	Max MetricBounds `json:"max"`
	Min MetricBounds `json:"min"`
}

// MetricBounds holds one side of the min/max aggregate.
type MetricBounds struct {
	PM25        float64 `json:"pm25"`
	CO2         int     `json:"co2"`
	Temperature float64 `json:"temperature"`
}

// View rounds s for display.
func (s Stats) View() StatsView {
	var v StatsView
	v.Average.PM25 = round(s.Average.PM25, 1)
	v.Average.CO2 = int(math.Round(s.Average.CO2))
	v.Average.Temperature = round(s.Average.Temperature, 1)
	v.Average.Humidity = round(s.Average.Humidity, 0)
	v.Max = MetricBounds{PM25: round(s.MaxPM25, 1), CO2: s.MaxCO2, Temperature: round(s.MaxTemp, 1)}
	v.Min = MetricBounds{PM25: round(s.MinPM25, 1), CO2: s.MinCO2, Temperature: round(s.MinTemp, 1)}
	return v
}
