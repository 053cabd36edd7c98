package metrics

import (
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dj-oyu/rdk-x5_posture-guard/posture-server/internal/engine"
)

// Metrics holds all application metrics
type Metrics struct {
	// Ingest counters
	MeasurementsRead    atomic.Uint64
	MeasurementsDropped atomic.Uint64
	FramesProcessed     atomic.Uint64
	FacesDetected       atomic.Uint64
	SnapshotsPublished  atomic.Uint64

	// Error counters
	PerceptionErrors atomic.Uint64
	NotifyErrors     atomic.Uint64
	RecorderErrors   atomic.Uint64

	// Latest classifier outputs
	smoothedFaceSize atomic.Uint64 // float64 bits
	ear              atomic.Uint64 // float64 bits
	BlinkCount       atomic.Uint64
	BlinkRate        atomic.Uint64
	NoFaceSeconds    atomic.Uint64 // float64 bits
	PostureSeverity  atomic.Uint64 // 0 none, 1 warning, 2 bad
	EyeStrain        atomic.Uint64 // 0 none, 1 low, 2 serious
	NoFaceAlert      atomic.Uint64 // 0/1

	// Latency tracking
	ProcessLatencyUs atomic.Uint64 // Last ProcessFrame latency in microseconds

	// Client tracking
	ActiveClients atomic.Uint64 // WebRTC data channels
	TotalClients  atomic.Uint64
	AlertsEmitted atomic.Uint64

	// Recording state
	RecordingActive  atomic.Uint64 // 0 = inactive, 1 = active
	RecordingBytes   atomic.Uint64
	RecordingRecords atomic.Uint64

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

func (m *Metrics) gauge(name, help string, value func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		value,
	))
}

func (m *Metrics) counter(name, help string, v *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{Name: name, Help: help},
		func() float64 { return float64(v.Load()) },
	))
}

func (m *Metrics) registerPrometheusMetrics() {
	m.counter("posture_measurements_read_total", "Measurements received from the perception provider", &m.MeasurementsRead)
	m.counter("posture_measurements_dropped_total", "Measurements superseded before the engine consumed them", &m.MeasurementsDropped)
	m.counter("posture_frames_processed_total", "Frames run through the classifier", &m.FramesProcessed)
	m.counter("posture_faces_detected_total", "Frames with a detected face", &m.FacesDetected)
	m.counter("posture_snapshots_published_total", "Snapshots fanned out to sinks", &m.SnapshotsPublished)

	m.counter("posture_perception_errors_total", "Perception decode or process errors", &m.PerceptionErrors)
	m.counter("posture_notify_errors_total", "Alert sink delivery errors", &m.NotifyErrors)
	m.counter("posture_recorder_errors_total", "Recorder write errors", &m.RecorderErrors)

	m.gauge("posture_smoothed_face_size", "Smoothed face size ratio (NaN when absent)", func() float64 { return loadFloat(&m.smoothedFaceSize) })
	m.gauge("posture_ear", "Latest eye aspect ratio (NaN when absent)", func() float64 { return loadFloat(&m.ear) })
	m.gauge("posture_no_face_seconds", "Seconds since the face was last seen", func() float64 { return loadFloat(&m.NoFaceSeconds) })
	m.gauge("posture_blinks", "Blinks since start or reset", func() float64 { return float64(m.BlinkCount.Load()) })
	m.gauge("posture_blink_rate", "Blinks in the last completed rate interval", func() float64 { return float64(m.BlinkRate.Load()) })
	m.gauge("posture_alert_severity", "Posture alert severity (0 none, 1 warning, 2 bad)", func() float64 { return float64(m.PostureSeverity.Load()) })
	m.gauge("posture_eye_strain_severity", "Eye strain severity (0 none, 1 low, 2 serious)", func() float64 { return float64(m.EyeStrain.Load()) })
	m.gauge("posture_no_face_alert", "No-face alert active (0/1)", func() float64 { return float64(m.NoFaceAlert.Load()) })

	m.gauge("posture_process_latency_us", "Last classifier latency in microseconds", func() float64 { return float64(m.ProcessLatencyUs.Load()) })

	m.gauge("posture_active_clients", "Number of active WebRTC status channels", func() float64 { return float64(m.ActiveClients.Load()) })
	m.counter("posture_clients_total", "WebRTC clients connected", &m.TotalClients)
	m.counter("posture_alerts_emitted_total", "Alert events dispatched", &m.AlertsEmitted)

	m.gauge("posture_recording_active", "Recording active (0=inactive, 1=active)", func() float64 { return float64(m.RecordingActive.Load()) })
	m.gauge("posture_recording_bytes", "Bytes written to the current recording", func() float64 { return float64(m.RecordingBytes.Load()) })
	m.gauge("posture_recording_records", "Measurements written to the current recording", func() float64 { return float64(m.RecordingRecords.Load()) })
}

// ObserveSnapshot copies the classifier outputs of s into the gauges
func (m *Metrics) ObserveSnapshot(s engine.Snapshot) {
	m.FramesProcessed.Add(1)
	if s.IsFaceDetected {
		m.FacesDetected.Add(1)
	}
	storeFloat(&m.smoothedFaceSize, s.SmoothedFaceSize)
	storeFloat(&m.ear, s.EAR)
	m.NoFaceSeconds.Store(math.Float64bits(s.NoFaceDuration))
	m.BlinkCount.Store(uint64(s.BlinkCount))
	m.BlinkRate.Store(uint64(s.BlinkRate))
	m.PostureSeverity.Store(uint64(s.PostureSeverity))
	m.EyeStrain.Store(uint64(s.EyeStrainSeverity))
	if s.Alerts.NoFaceAlert {
		m.NoFaceAlert.Store(1)
	} else {
		m.NoFaceAlert.Store(0)
	}
}

// UpdateProcessLatency records the classifier latency
func (m *Metrics) UpdateProcessLatency(duration time.Duration) {
	m.ProcessLatencyUs.Store(uint64(duration.Microseconds()))
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry (tests, extra collectors)
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// StartServer starts the metrics HTTP server
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}

func storeFloat(dst *atomic.Uint64, v *float64) {
	if v == nil {
		dst.Store(math.Float64bits(math.NaN()))
		return
	}
	dst.Store(math.Float64bits(*v))
}

func loadFloat(src *atomic.Uint64) float64 {
	return math.Float64frombits(src.Load())
}
