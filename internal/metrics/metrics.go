package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestTotal counts telemetry submissions by kind, transport and outcome.
	IngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_ingest_total",
		Help: "Telemetry submissions handled by the ingestion gateway.",
	}, []string{"kind", "transport", "outcome"})

	IngestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "classtrack_ingest_duration_seconds",
		Help:    "Time spent evaluating and persisting a submission.",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_alerts_total",
		Help: "Alerts written to the alert sink.",
	}, []string{"metric", "severity"})

	AlertsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_alerts_suppressed_total",
		Help: "Alerts dropped by the debounce policy.",
	})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "classtrack_ws_connections",
		Help: "Open device channel connections.",
	})

	DevicesAutoRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_devices_auto_registered_total",
		Help: "Devices created implicitly by a status ping.",
	})
)
