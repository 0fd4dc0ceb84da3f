package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EmekaOkaforTech/deskpulse-sub005/pkg/types"
)

// Metrics holds all application metrics
type Metrics struct {
	// Pipeline counters
	FramesCaptured  atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesSkipped   atomic.Uint64

	// Error counters
	CaptureErrors     atomic.Uint64
	InferenceErrors   atomic.Uint64
	BroadcastFailures atomic.Uint64
	NotifyFailures    atomic.Uint64
	ReconnectAttempts atomic.Uint64

	// Camera state (0 = disconnected, 1 = degraded, 2 = connected)
	CameraState atomic.Uint64

	// Alerts
	AlertsTriggered atomic.Uint64
	AlertsCorrected atomic.Uint64

	// Subscribers
	ActiveSubscribers  atomic.Int64
	TotalSubscribers   atomic.Uint64
	FramesDelivered    atomic.Uint64
	DeliveriesReplaced atomic.Uint64 // unread frame overwritten by a newer one

	Heartbeats atomic.Uint64

	// Latency tracking
	ProcessLatencyMs atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	// Pipeline
	m.counter("posture_frames_captured_total", "Total frames read from the camera", &m.FramesCaptured)
	m.counter("posture_frames_processed_total", "Total frames classified and published", &m.FramesProcessed)
	m.counter("posture_frames_skipped_total", "Total frames skipped after an inference error", &m.FramesSkipped)

	// Errors
	m.counter("posture_capture_errors_total", "Total camera read failures", &m.CaptureErrors)
	m.counter("posture_inference_errors_total", "Total pose detection or classification failures", &m.InferenceErrors)
	m.counter("posture_broadcast_failures_total", "Total per-subscriber broadcast failures", &m.BroadcastFailures)
	m.counter("posture_notify_failures_total", "Total failed desktop notifications", &m.NotifyFailures)
	m.counter("posture_camera_reconnect_attempts_total", "Total camera re-open attempts", &m.ReconnectAttempts)

	m.counter("posture_camera_state", "Camera state (0=disconnected, 1=degraded, 2=connected)", &m.CameraState)

	// Alerts
	m.counter("posture_alerts_triggered_total", "Total bad posture alerts", &m.AlertsTriggered)
	m.counter("posture_alerts_corrected_total", "Total posture corrections after an alert", &m.AlertsCorrected)

	// Subscribers
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "posture_active_subscribers",
			Help: "Number of connected subscribers",
		},
		func() float64 { return float64(m.ActiveSubscribers.Load()) },
	))
	m.counter("posture_total_subscribers", "Total subscribers connected", &m.TotalSubscribers)
	m.counter("posture_frames_delivered_total", "Total frame updates handed to subscribers", &m.FramesDelivered)
	m.counter("posture_deliveries_replaced_total", "Total unread frame updates replaced by a newer one", &m.DeliveriesReplaced)

	m.counter("posture_heartbeats_total", "Total supervisor heartbeats sent", &m.Heartbeats)

	// Latency
	m.counter("posture_process_latency_ms", "Last frame processing latency in milliseconds", &m.ProcessLatencyMs)
}

// UpdateProcessLatency records the latest processing latency
func (m *Metrics) UpdateProcessLatency(duration time.Duration) {
	m.ProcessLatencyMs.Store(uint64(duration.Milliseconds()))
}

// SetCameraState records the camera state as a gauge value
func (m *Metrics) SetCameraState(s types.CameraState) {
	switch s {
	case types.CameraConnected:
		m.CameraState.Store(2)
	case types.CameraDegraded:
		m.CameraState.Store(1)
	default:
		m.CameraState.Store(0)
	}
}

// SubscriberAdded and SubscriberRemoved track the live subscriber count
func (m *Metrics) SubscriberAdded() {
	m.ActiveSubscribers.Add(1)
	m.TotalSubscribers.Add(1)
}

func (m *Metrics) SubscriberRemoved() {
	m.ActiveSubscribers.Add(-1)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
