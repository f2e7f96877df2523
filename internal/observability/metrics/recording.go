// Package metrics provides Prometheus metrics for the recording pipeline
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RecordingMetrics contains Prometheus metrics for capture, session and merge operations.
// It satisfies the Metrics interfaces of the capture, merge and session packages.
type RecordingMetrics struct {
	registry *prometheus.Registry

	// Session metrics
	sessionTransitionsTotal *prometheus.CounterVec
	sessionOutcomesTotal    *prometheus.CounterVec
	sessionDuration         *prometheus.HistogramVec
	activeSessions          prometheus.Gauge

	// Capture source metrics
	sourceStartsTotal       *prometheus.CounterVec
	sourceErrorsTotal       *prometheus.CounterVec
	ringOverrunsTotal       *prometheus.CounterVec
	ringOverrunBytesTotal   *prometheus.CounterVec
	systemAvailabilityTotal *prometheus.CounterVec

	// Merge metrics
	mergeTotal     *prometheus.CounterVec
	mergeDuration  *prometheus.HistogramVec
	fallbacksTotal *prometheus.CounterVec
}

// NewRecordingMetrics creates and registers new recording metrics
func NewRecordingMetrics(registry *prometheus.Registry) (*RecordingMetrics, error) {
	m := &RecordingMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *RecordingMetrics) initMetrics() {
	m.sessionTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duorec_session_transitions_total",
			Help: "Total number of recording session state transitions",
		},
		[]string{"from", "to"},
	)

	m.sessionOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duorec_session_outcomes_total",
			Help: "Total number of recording sessions by terminal state",
		},
		[]string{"outcome", "system_audio"}, // outcome: completed, cancelled, failed
	)

	m.sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duorec_session_recorded_seconds",
			Help:    "Recorded (unpaused) duration of finished sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
		},
		[]string{"outcome"},
	)

	m.activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "duorec_sessions_active",
			Help: "Number of sessions that have started and not reached a terminal state",
		},
	)

	m.sourceStartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duorec_source_starts_total",
			Help: "Total number of capture source start attempts",
		},
		[]string{"source", "status"}, // status: success, unavailable, denied, error
	)

	m.sourceErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duorec_source_errors_total",
			Help: "Total number of capture source errors",
		},
		[]string{"source", "operation"},
	)

	m.ringOverrunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duorec_ring_buffer_overruns_total",
			Help: "Total number of PCM chunks dropped because the ring buffer was full",
		},
		[]string{"source"},
	)

	m.ringOverrunBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duorec_ring_buffer_dropped_bytes_total",
			Help: "Total bytes of PCM dropped because the ring buffer was full",
		},
		[]string{"source"},
	)

	m.systemAvailabilityTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duorec_system_audio_probes_total",
			Help: "Total number of system audio capability probes by result",
		},
		[]string{"availability"},
	)

	m.mergeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duorec_merge_total",
			Help: "Total number of merge operations by outcome",
		},
		[]string{"outcome"}, // outcome: merged, passthrough, error, cancelled
	)

	m.mergeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duorec_merge_duration_seconds",
			Help:    "Time taken to merge session audio",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"outcome"},
	)

	m.fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duorec_merge_fallbacks_total",
			Help: "Total number of merges that fell back to microphone-only output",
		},
		[]string{"reason"},
	)
}

// RecordTransition records a session state change
func (m *RecordingMetrics) RecordTransition(from, to string) {
	m.sessionTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordSessionStarted increments the active session gauge
func (m *RecordingMetrics) RecordSessionStarted() {
	m.activeSessions.Inc()
}

// RecordSessionOutcome records a terminal state and the recorded duration
func (m *RecordingMetrics) RecordSessionOutcome(outcome string, includesSystemAudio bool, recorded time.Duration) {
	m.activeSessions.Dec()
	systemAudio := "false"
	if includesSystemAudio {
		systemAudio = "true"
	}
	m.sessionOutcomesTotal.WithLabelValues(outcome, systemAudio).Inc()
	m.sessionDuration.WithLabelValues(outcome).Observe(recorded.Seconds())
}

// RecordSourceStart records the result of starting a capture source
func (m *RecordingMetrics) RecordSourceStart(source, status string) {
	m.sourceStartsTotal.WithLabelValues(source, status).Inc()
}

// RecordSourceError records a capture source failure
func (m *RecordingMetrics) RecordSourceError(source, operation string) {
	m.sourceErrorsTotal.WithLabelValues(source, operation).Inc()
}

// RecordOverrun records a PCM chunk dropped on a full ring buffer
func (m *RecordingMetrics) RecordOverrun(source string, droppedBytes int) {
	m.ringOverrunsTotal.WithLabelValues(source).Inc()
	m.ringOverrunBytesTotal.WithLabelValues(source).Add(float64(droppedBytes))
}

// RecordProbe records a system audio capability probe result
func (m *RecordingMetrics) RecordProbe(availability string) {
	m.systemAvailabilityTotal.WithLabelValues(availability).Inc()
}

// RecordMerge records a merge outcome and how long it took
func (m *RecordingMetrics) RecordMerge(outcome string, duration time.Duration) {
	m.mergeTotal.WithLabelValues(outcome).Inc()
	m.mergeDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordFallback records a merge that fell back to the microphone file
func (m *RecordingMetrics) RecordFallback(reason string) {
	m.fallbacksTotal.WithLabelValues(reason).Inc()
}

// Describe implements the prometheus.Collector interface
func (m *RecordingMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.sessionTransitionsTotal.Describe(ch)
	m.sessionOutcomesTotal.Describe(ch)
	m.sessionDuration.Describe(ch)
	m.activeSessions.Describe(ch)
	m.sourceStartsTotal.Describe(ch)
	m.sourceErrorsTotal.Describe(ch)
	m.ringOverrunsTotal.Describe(ch)
	m.ringOverrunBytesTotal.Describe(ch)
	m.systemAvailabilityTotal.Describe(ch)
	m.mergeTotal.Describe(ch)
	m.mergeDuration.Describe(ch)
	m.fallbacksTotal.Describe(ch)
}

// Collect implements the prometheus.Collector interface
func (m *RecordingMetrics) Collect(ch chan<- prometheus.Metric) {
	m.sessionTransitionsTotal.Collect(ch)
	m.sessionOutcomesTotal.Collect(ch)
	m.sessionDuration.Collect(ch)
	m.activeSessions.Collect(ch)
	m.sourceStartsTotal.Collect(ch)
	m.sourceErrorsTotal.Collect(ch)
	m.ringOverrunsTotal.Collect(ch)
	m.ringOverrunBytesTotal.Collect(ch)
	m.systemAvailabilityTotal.Collect(ch)
	m.mergeTotal.Collect(ch)
	m.mergeDuration.Collect(ch)
	m.fallbacksTotal.Collect(ch)
}
