package airquality

import (
	"fmt"
	"math"
	"strconv"

	"classtrack/internal/alert"
)

// Alert-raising limits. They are deliberately separate from the display
// limits used by Classify.
const (
	CO2Warning   = 800
	CO2Critical  = 1000
	PM25Warning  = 50.0
	PM25Critical = 75.0
)

// Thresholds returns the alerts a sample raises, CO₂ first. Each metric is
// judged independently so a sample yields zero, one or two alerts.
func Thresholds(room string, pm25 float64, co2 int) []alert.Alert {
	var out []alert.Alert
	if co2 > CO2Warning {
		sev, level := alert.SeverityWarning, "exceeded threshold"
		if co2 > CO2Critical {
			sev, level = alert.SeverityCritical, "critical"
		}
		out = append(out, alert.Alert{
			Type:      alert.TypeAirQuality,
			Severity:  sev,
			Message:   fmt.Sprintf("%s CO₂ level %s (%d ppm)", room, level, co2),
			Room:      room,
			Metric:    "CO₂",
			Value:     strconv.Itoa(co2) + " ppm",
			Threshold: "800 ppm",
		})
	}
	if pm25 > PM25Warning {
		sev, level := alert.SeverityWarning, "exceeded threshold"
		if pm25 > PM25Critical {
			sev, level = alert.SeverityCritical, "critical"
		}
		shown := roundTenth(pm25)
		out = append(out, alert.Alert{
			Type:      alert.TypeAirQuality,
			Severity:  sev,
			Message:   fmt.Sprintf("%s PM2.5 level %s (%.1f µg/m³)", room, level, shown),
			Room:      room,
			Metric:    "PM2.5",
			Value:     fmt.Sprintf("%.1f µg/m³", shown),
			Threshold: "50 µg/m³",
		})
	}
	return out
}

// roundTenth rounds half away from zero; %.1f alone rounds ties to even.
func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}

// Quality is the dashboard label for a room.
type Quality string

const (
	QualityGood     Quality = "Good"
	QualityModerate Quality = "Moderate"
	QualityPoor     Quality = "Poor"
	QualityUnknown  Quality = "Unknown"
)

// Classify labels the latest reading of a room; nil means no reading yet.
func Classify(latest *Reading) Quality {
	switch {
	case latest == nil:
		return QualityUnknown
	case latest.PM25 < 35 && latest.CO2 < 750:
		return QualityGood
	case latest.PM25 < 55 && latest.CO2 < 1000:
		return QualityModerate
	}
	return QualityPoor
}
