package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dj-oyu/hawkeye/threat-server/pkg/types"
)

const namespace = "hawkeye"

// Metrics holds all application metrics
type Metrics struct {
	// Frame counters
	FramesRead      atomic.Uint64
	FramesProcessed atomic.Uint64
	FramesSkipped   atomic.Uint64
	ReadErrors      atomic.Uint64

	// Fusion / engine counters
	DetectionsFused   atomic.Uint64
	DetectionsMerged  atomic.Uint64
	DetectionsGated   atomic.Uint64
	WeaponsSuppressed atomic.Uint64
	StaticKeys        atomic.Int64

	// Archive counters
	EventsPersisted  atomic.Uint64
	ArchiveErrors    atomic.Uint64
	ArchiveDropped   atomic.Uint64
	ArchiveQueueUsed atomic.Uint64 // percentage (0-100)

	// Live clients per transport
	WSClients     atomic.Int64
	SSEClients    atomic.Int64
	WebRTCClients atomic.Int64
	LiveDropped   atomic.Uint64

	ProcessLatencyMs atomic.Uint64

	detectorErrors *prometheus.CounterVec
	threats        *prometheus.CounterVec
	processSeconds prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		detectorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detector_errors_total",
			Help:      "Detector source calls that failed or timed out",
		}, []string{"source"}),
		threats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threat_candidates_total",
			Help:      "Threat candidates raised per type, before cooldown",
		}, []string{"type"}),
		processSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "process_duration_seconds",
			Help:      "Time spent detecting, fusing and evaluating one frame",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
	}

	m.registerPrometheusMetrics()
	return m
}

type gauge struct {
	name string
	help string
	fn   func() float64
}

func load(v *atomic.Uint64) func() float64 { return func() float64 { return float64(v.Load()) } }
func loadInt(v *atomic.Int64) func() float64  { return func() float64 { return float64(v.Load()) } }

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []gauge{
		{"frames_read_total", "Total frames read from the camera", load(&m.FramesRead)},
		{"frames_processed_total", "Total frames run through detection and inference", load(&m.FramesProcessed)},
		{"frames_skipped_total", "Ticks skipped because no frame was available", load(&m.FramesSkipped)},
		{"read_errors_total", "Total camera read errors", load(&m.ReadErrors)},
		{"detections_fused_total", "Detections accepted after fusion", load(&m.DetectionsFused)},
		{"detections_merged_total", "Secondary detections merged as duplicates", load(&m.DetectionsMerged)},
		{"detections_gated_total", "Raw detections dropped by the gate", load(&m.DetectionsGated)},
		{"weapons_suppressed_total", "Weapon boxes suppressed as static", load(&m.WeaponsSuppressed)},
		{"static_keys", "Spatial keys currently tracked by the static filter", loadInt(&m.StaticKeys)},
		{"events_persisted_total", "Threat events written to the archive", load(&m.EventsPersisted)},
		{"archive_errors_total", "Archive write failures", load(&m.ArchiveErrors)},
		{"archive_dropped_total", "Events dropped because the archive queue was full", load(&m.ArchiveDropped)},
		{"archive_queue_usage_percent", "Archive queue usage percentage", load(&m.ArchiveQueueUsed)},
		{"ws_clients", "Connected websocket clients", loadInt(&m.WSClients)},
		{"sse_clients", "Connected SSE clients", loadInt(&m.SSEClients)},
		{"webrtc_clients", "Connected WebRTC data channel clients", loadInt(&m.WebRTCClients)},
		{"live_dropped_total", "Live snapshots dropped for slow clients", load(&m.LiveDropped)},
		{"process_latency_ms", "Last frame processing latency in milliseconds", load(&m.ProcessLatencyMs)},
	}

	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Namespace: namespace, Name: g.name, Help: g.help},
			g.fn,
		))
	}
	m.registry.MustRegister(m.detectorErrors, m.threats, m.processSeconds)
}

// DetectorError counts a failed call to a detector source
func (m *Metrics) DetectorError(source string) {
	m.detectorErrors.WithLabelValues(source).Inc()
}

// ThreatRaised counts threat candidates of one frame
func (m *Metrics) ThreatRaised(threats []types.ThreatType) {
	for _, t := range threats {
		m.threats.WithLabelValues(string(t)).Inc()
	}
}

// UpdateProcessLatency records the processing time of one frame
func (m *Metrics) UpdateProcessLatency(d time.Duration) {
	m.ProcessLatencyMs.Store(uint64(d.Milliseconds()))
	m.processSeconds.Observe(d.Seconds())
}

// UpdateQueueUsage updates the archive queue usage percentage
func (m *Metrics) UpdateQueueUsage(used, capacity int) {
	if capacity > 0 {
		m.ArchiveQueueUsed.Store(uint64(used * 100 / capacity))
	}
}

// LiveClients returns the number of connected live clients across transports
func (m *Metrics) LiveClients() int {
	return int(m.WSClients.Load() + m.SSEClients.Load() + m.WebRTCClients.Load())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
