package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the process exports. It is built once
// against a registerer so tests can use a private registry.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Trigger metrics
	TriggersTotal *prometheus.CounterVec

	// Pipeline metrics
	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	StageDuration      *prometheus.HistogramVec
	BatchesTotal       *prometheus.CounterVec
	ValidationWarnings prometheus.Counter
	ArchiveFailures    prometheus.Counter
	RunActive          prometheus.Gauge

	// Alert metrics
	AlertsGenerated *prometheus.CounterVec
	ActiveAlerts    prometheus.Gauge
	AlertCycles     *prometheus.CounterVec
	DispatchTotal   *prometheus.CounterVec

	// Event stream metrics
	EventsPublished *prometheus.CounterVec

	// Panic recovery
	PanicsRecovered *prometheus.CounterVec
}

// New registers all collectors with reg
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendorwatch_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "route", "status"},
		),

		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vendorwatch_http_request_duration_seconds",
				Help:    "Admin HTTP request latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "route"},
		),

		TriggersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendorwatch_triggers_total",
				Help: "Trigger signals by source and outcome",
			},
			[]string{"source", "outcome"}, // outcome: emitted, debounced, accepted, dropped
		),

		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendorwatch_pipeline_runs_total",
				Help: "Finished pipeline runs by trigger and status",
			},
			[]string{"trigger", "status"},
		),

		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vendorwatch_pipeline_run_duration_seconds",
				Help:    "Wall time of finished pipeline runs",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
		),

		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vendorwatch_pipeline_stage_duration_seconds",
				Help:    "Time spent in each pipeline stage",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"stage"},
		),

		BatchesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendorwatch_batches_total",
				Help: "Input batches processed by outcome",
			},
			[]string{"outcome"}, // loaded, failed, archived
		),

		ValidationWarnings: f.NewCounter(
			prometheus.CounterOpts{
				Name: "vendorwatch_validation_warnings_total",
				Help: "Non-fatal data validation findings",
			},
		),

		ArchiveFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "vendorwatch_archive_failures_total",
				Help: "Input batches that could not be moved to the archive",
			},
		),

		RunActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "vendorwatch_pipeline_run_active",
				Help: "1 while a pipeline run is in flight",
			},
		),

		AlertsGenerated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendorwatch_alerts_generated_total",
				Help: "Alerts generated by priority",
			},
			[]string{"priority"},
		),

		ActiveAlerts: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "vendorwatch_active_alerts",
				Help: "Size of the active alert set after the last cycle",
			},
		),

		AlertCycles: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendorwatch_alert_cycles_total",
				Help: "Alert evaluation cycles by outcome",
			},
			[]string{"outcome"},
		),

		DispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendorwatch_dispatch_total",
				Help: "Digest deliveries by transport and status",
			},
			[]string{"transport", "status"},
		),

		EventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendorwatch_events_published_total",
				Help: "Events written to the event stream",
			},
			[]string{"kind", "status"},
		),

		PanicsRecovered: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendorwatch_panics_recovered_total",
				Help: "Total number of panics recovered",
			},
			[]string{"component"},
		),
	}
}

// NewUnregistered builds collectors on a throwaway registry
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
