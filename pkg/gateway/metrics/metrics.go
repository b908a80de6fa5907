// Package metrics exposes the voice gateway's Prometheus metrics on a private registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vai_voice"

type Metrics struct {
	registry *prometheus.Registry

	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	TurnsTotal       *prometheus.CounterVec
	TurnDuration     *prometheus.HistogramVec
	InterruptsTotal  prometheus.Counter
	FramesDropped    *prometheus.CounterVec
	StaleFrames      prometheus.Counter
	AudioBytesTotal  *prometheus.CounterVec
	InboundLevels    *prometheus.HistogramVec
	ProviderErrors   *prometheus.CounterVec
	UpgradesRejected *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of registered voice sessions",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_starts_total",
			Help:      "session_start attempts by result",
		}, []string{"result"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Voice session duration in seconds",
			Buckets:   []float64{10, 30, 60, 300, 600, 1200, 1800, 3600},
		}),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finished turns by kind and outcome",
		}, []string{"kind", "outcome"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time from turn start to its last emitted event",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 45},
		}, []string{"kind"}),
		InterruptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Client interrupts applied",
		}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_frames_dropped_total",
			Help:      "Inbound audio frames dropped by reason",
		}, []string{"reason"}),
		StaleFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_outbound_frames_total",
			Help:      "Outbound frames discarded because their epoch was superseded",
		}),
		AudioBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "PCM bytes by direction",
		}, []string{"direction"}),
		InboundLevels: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inbound_audio_level",
			Help:      "Per-frame amplitude of candidate audio, full scale is 1",
			Buckets:   []float64{0.001, 0.003, 0.01, 0.03, 0.1, 0.3, 0.6, 0.9, 0.99},
		}, []string{"measure"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Failed or timed-out provider calls",
		}, []string{"provider"}),
		UpgradesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrades_rejected_total",
			Help:      "WebSocket upgrades refused before a connection was established",
		}, []string{"reason"}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.TurnsTotal,
		m.TurnDuration,
		m.InterruptsTotal,
		m.FramesDropped,
		m.StaleFrames,
		m.AudioBytesTotal,
		m.InboundLevels,
		m.ProviderErrors,
		m.UpgradesRejected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry so callers can add collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SetSessions(n int) {
	m.SessionsActive.Set(float64(n))
}

func (m *Metrics) SessionStart(result string) {
	m.SessionsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionEnded(d time.Duration) {
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) UpgradeRejected(reason string) {
	m.UpgradesRejected.WithLabelValues(reason).Inc()
}

// The methods below make *Metrics a session.Metrics.

func (m *Metrics) FrameDropped(reason string) {
	m.FramesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) StaleFrameDropped() {
	m.StaleFrames.Inc()
}

func (m *Metrics) Interrupted() {
	m.InterruptsTotal.Inc()
}

func (m *Metrics) TurnFinished(kind, outcome string, elapsed time.Duration) {
	m.TurnsTotal.WithLabelValues(kind, outcome).Inc()
	m.TurnDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) ProviderError(provider string) {
	m.ProviderErrors.WithLabelValues(provider).Inc()
}

func (m *Metrics) AudioBytes(direction string, n int) {
	if n > 0 {
		m.AudioBytesTotal.WithLabelValues(direction).Add(float64(n))
	}
}

func (m *Metrics) InboundLevel(rms, peak float64) {
	m.InboundLevels.WithLabelValues("rms").Observe(rms)
	m.InboundLevels.WithLabelValues("peak").Observe(peak)
}
