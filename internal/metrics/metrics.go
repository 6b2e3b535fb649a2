package metrics

import (
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all bridge metrics
type Metrics struct {
	// Ingest counters
	FramesReceived  atomic.Uint64
	FramesDecoded   atomic.Uint64
	DecodeFailures  atomic.Uint64
	FramingFailures atomic.Uint64
	BytesReceived   atomic.Uint64
	IngestSessions  atomic.Uint64
	IngestStreaming atomic.Uint64 // 0 = waiting, 1 = producer connected

	// Telemetry counters
	VitalsSent         atomic.Uint64
	VitalsFailed       atomic.Uint64
	VitalsSkipped      atomic.Uint64 // rates not yet valid
	TelemetryConnected atomic.Uint64 // 0 = disconnected, 1 = connected
	TelemetryConnects  atomic.Uint64

	// Landmark remapping
	RemapOK          atomic.Uint64
	RemapUnavailable atomic.Uint64

	// Preview clients
	PreviewClients atomic.Int64
	WebRTCClients  atomic.Int64

	// Latest values, stored as float bits
	lastPulse     atomic.Uint64
	lastBreathing atomic.Uint64

	// Latency tracking
	DecodeLatencyUs atomic.Uint64
	FrameLatencyMs  atomic.Uint64

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

func (m *Metrics) gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	// Ingest
	m.counter("vitals_bridge_frames_received_total", "Total frames read off the ingest connection", &m.FramesReceived)
	m.counter("vitals_bridge_frames_decoded_total", "Total frames decoded successfully", &m.FramesDecoded)
	m.counter("vitals_bridge_decode_failures_total", "Total frames that arrived intact but failed to decode", &m.DecodeFailures)
	m.counter("vitals_bridge_framing_failures_total", "Total framing violations that ended an ingest session", &m.FramingFailures)
	m.counter("vitals_bridge_bytes_received_total", "Total encoded frame bytes received", &m.BytesReceived)
	m.counter("vitals_bridge_ingest_sessions_total", "Total producer connections accepted", &m.IngestSessions)
	m.gauge("vitals_bridge_ingest_streaming", "Producer connected (0=waiting, 1=streaming)",
		func() float64 { return float64(m.IngestStreaming.Load()) })

	// Telemetry
	m.counter("vitals_bridge_vitals_sent_total", "Total vitals messages written to the telemetry sink", &m.VitalsSent)
	m.counter("vitals_bridge_vitals_failed_total", "Total vitals messages that failed to send", &m.VitalsFailed)
	m.counter("vitals_bridge_vitals_skipped_total", "Total metrics events without valid rates", &m.VitalsSkipped)
	m.counter("vitals_bridge_telemetry_connects_total", "Total successful telemetry connections", &m.TelemetryConnects)
	m.gauge("vitals_bridge_telemetry_connected", "Telemetry connected (0=disconnected, 1=connected)",
		func() float64 { return float64(m.TelemetryConnected.Load()) })

	// Landmarks
	m.counter("vitals_bridge_remap_ok_total", "Total landmark sets remapped", &m.RemapOK)
	m.counter("vitals_bridge_remap_unavailable_total", "Total landmark sets too short to remap", &m.RemapUnavailable)

	// Preview
	m.gauge("vitals_bridge_preview_clients", "Number of MJPEG and SSE preview subscribers",
		func() float64 { return float64(m.PreviewClients.Load()) })
	m.gauge("vitals_bridge_webrtc_clients", "Number of WebRTC data channel peers",
		func() float64 { return float64(m.WebRTCClients.Load()) })

	// Vitals
	m.gauge("vitals_bridge_last_pulse_bpm", "Most recent pulse rate", m.LastPulse)
	m.gauge("vitals_bridge_last_breathing_bpm", "Most recent breathing rate", m.LastBreathing)

	// Latency
	m.gauge("vitals_bridge_decode_latency_us", "Last frame decode latency in microseconds",
		func() float64 { return float64(m.DecodeLatencyUs.Load()) })
	m.gauge("vitals_bridge_frame_latency_ms", "Last frame latency from receipt to display in milliseconds",
		func() float64 { return float64(m.FrameLatencyMs.Load()) })
}

// SetVitals records the latest published rates
func (m *Metrics) SetVitals(pulse, breathing float64) {
	m.lastPulse.Store(math.Float64bits(pulse))
	m.lastBreathing.Store(math.Float64bits(breathing))
}

// LastPulse returns the latest recorded pulse rate
func (m *Metrics) LastPulse() float64 {
	return math.Float64frombits(m.lastPulse.Load())
}

// LastBreathing returns the latest recorded breathing rate
func (m *Metrics) LastBreathing() float64 {
	return math.Float64frombits(m.lastBreathing.Load())
}

// UpdateDecodeLatency stores the last decode duration
func (m *Metrics) UpdateDecodeLatency(d time.Duration) {
	m.DecodeLatencyUs.Store(uint64(d.Microseconds()))
}

// UpdateFrameLatency stores the time since the frame was received
func (m *Metrics) UpdateFrameLatency(received time.Time) {
	m.FrameLatencyMs.Store(uint64(time.Since(received).Milliseconds()))
}

// SetFlag stores a 0/1 gauge
func SetFlag(v *atomic.Uint64, on bool) {
	if on {
		v.Store(1)
		return
	}
	v.Store(0)
}

// Registry exposes the private registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}
