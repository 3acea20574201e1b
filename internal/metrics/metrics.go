// Package metrics provides Prometheus metrics for the relay and batch path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "speaking_assessment"

// Metrics holds all Prometheus collectors for the service. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Streaming session metrics
	SessionsTotal   prometheus.Counter
	SessionsActive  prometheus.Gauge
	SessionDuration prometheus.Histogram
	SessionErrors   *prometheus.CounterVec

	// Audio metrics
	FramesForwarded     prometheus.Counter
	FramesDropped       *prometheus.CounterVec
	AudioBytesForwarded prometheus.Counter

	// Transcript metrics
	TranscriptsForwarded prometheus.Counter
	TurnsDiscarded       prometheus.Counter

	// Batch metrics
	BatchRequests *prometheus.CounterVec
	BatchDuration prometheus.Histogram
	PollAttempts  *prometheus.CounterVec

	// Event publishing
	EventsPublished *prometheus.CounterVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of client websocket sessions accepted",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently open client sessions",
		}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of client sessions in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		SessionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Error events sent to clients",
		}, []string{"kind"}),

		FramesForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_forwarded_total",
			Help:      "Audio frames forwarded upstream",
		}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_frames_dropped_total",
			Help:      "Audio frames dropped because no upstream stream was open",
		}, []string{"state"}),
		AudioBytesForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_forwarded_total",
			Help:      "Audio bytes forwarded upstream",
		}),

		TranscriptsForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcripts_forwarded_total",
			Help:      "Formatted turns forwarded to clients",
		}),
		TurnsDiscarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_discarded_total",
			Help:      "Interim or empty turns not forwarded",
		}),

		BatchRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_requests_total",
			Help:      "Batch transcription requests by result",
		}, []string{"result"}),
		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "End-to-end latency of batch transcription requests",
			Buckets:   []float64{1, 3, 6, 10, 20, 30, 60, 120, 300},
		}),
		PollAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_attempts_total",
			Help:      "Transcript status fetches by reported status",
		}, []string{"status"}),

		EventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published by topic and status",
		}, []string{"topic", "status"}),
	}
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsTotal.Inc()
	m.SessionsActive.Inc()
}

func (m *Metrics) SessionClosed(seconds float64) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(seconds)
}

func (m *Metrics) SessionError(kind string) {
	if m == nil {
		return
	}
	m.SessionErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameForwarded(bytes int) {
	if m == nil {
		return
	}
	m.FramesForwarded.Inc()
	m.AudioBytesForwarded.Add(float64(bytes))
}

func (m *Metrics) FrameDropped(state string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(state).Inc()
}

func (m *Metrics) TurnForwarded() {
	if m == nil {
		return
	}
	m.TranscriptsForwarded.Inc()
}

func (m *Metrics) TurnDiscarded() {
	if m == nil {
		return
	}
	m.TurnsDiscarded.Inc()
}

// RecordBatch records the outcome of one batch request.
func (m *Metrics) RecordBatch(result string, seconds float64) {
	if m == nil {
		return
	}
	m.BatchRequests.WithLabelValues(result).Inc()
	m.BatchDuration.Observe(seconds)
}

func (m *Metrics) PollAttempt(status string) {
	if m == nil {
		return
	}
	m.PollAttempts.WithLabelValues(status).Inc()
}

// RecordPublish records an event publish attempt.
func (m *Metrics) RecordPublish(topic string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.EventsPublished.WithLabelValues(topic, status).Inc()
}
