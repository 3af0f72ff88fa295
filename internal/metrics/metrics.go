package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the frame pipeline.
type Metrics struct {
	registry             *prometheus.Registry
	framesSentTotal      prometheus.Counter
	framesCapturedTotal  prometheus.Counter
	inferenceRunsTotal   prometheus.Counter
	inferenceErrorsTotal prometheus.Counter
	hazardsStoredTotal   prometheus.Counter
	duplicatesTotal      prometheus.Counter
	broadcastsTotal      prometheus.Counter
	activeSessions       prometheus.Gauge
}

// New creates and registers Prometheus metrics for the pipeline.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	framesSentTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hazardeye_frames_sent_total",
		Help: "Total number of frames delivered to viewers",
	})
	framesCapturedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hazardeye_frames_captured_total",
		Help: "Total number of frames captured from sources",
	})
	inferenceRunsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hazardeye_inference_runs_total",
		Help: "Total number of sampled frames submitted for inference",
	})
	inferenceErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hazardeye_inference_errors_total",
		Help: "Total number of failed inference calls",
	})
	hazardsStoredTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hazardeye_hazards_stored_total",
		Help: "Total number of hazard events persisted",
	})
	duplicatesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hazardeye_duplicates_suppressed_total",
		Help: "Total number of hazard events suppressed as duplicates",
	})
	broadcastsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hazardeye_geofence_broadcasts_total",
		Help: "Total number of zone broadcasts published",
	})
	activeSessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hazardeye_active_sessions",
		Help: "Number of connected viewer sessions",
	})

	registry.MustRegister(
		framesSentTotal,
		framesCapturedTotal,
		inferenceRunsTotal,
		inferenceErrorsTotal,
		hazardsStoredTotal,
		duplicatesTotal,
		broadcastsTotal,
		activeSessions,
	)

	return &Metrics{
		registry:             registry,
		framesSentTotal:      framesSentTotal,
		framesCapturedTotal:  framesCapturedTotal,
		inferenceRunsTotal:   inferenceRunsTotal,
		inferenceErrorsTotal: inferenceErrorsTotal,
		hazardsStoredTotal:   hazardsStoredTotal,
		duplicatesTotal:      duplicatesTotal,
		broadcastsTotal:      broadcastsTotal,
		activeSessions:       activeSessions,
	}
}

// IncFramesSent increments the delivered-frame counter.
func (m *Metrics) IncFramesSent() { m.framesSentTotal.Inc() }

// IncFramesCaptured increments the captured-frame counter.
func (m *Metrics) IncFramesCaptured() { m.framesCapturedTotal.Inc() }

// IncInferenceRuns increments the inference counter.
func (m *Metrics) IncInferenceRuns() { m.inferenceRunsTotal.Inc() }

// IncInferenceErrors increments the failed-inference counter.
func (m *Metrics) IncInferenceErrors() { m.inferenceErrorsTotal.Inc() }

// IncHazardsStored increments the stored-hazard counter.
func (m *Metrics) IncHazardsStored() { m.hazardsStoredTotal.Inc() }

// IncDuplicates increments the suppressed-duplicate counter.
func (m *Metrics) IncDuplicates() { m.duplicatesTotal.Inc() }

// IncBroadcasts increments the zone-broadcast counter.
func (m *Metrics) IncBroadcasts() { m.broadcastsTotal.Inc() }

// SessionOpened increments the active-session gauge.
func (m *Metrics) SessionOpened() { m.activeSessions.Inc() }

// SessionClosed decrements the active-session gauge.
func (m *Metrics) SessionClosed() { m.activeSessions.Dec() }

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
