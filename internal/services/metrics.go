package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Push channel metrics
	PushConnections prometheus.Gauge
	EventsPublished *prometheus.CounterVec
	Broadcasts      prometheus.Counter

	// Chat stream metrics
	ActiveStreams  prometheus.Gauge
	StreamRequests prometheus.Counter
	StreamDuration prometheus.Histogram
	StreamErrors   *prometheus.CounterVec
	StreamResumes  prometheus.Counter
	CacheLookups   *prometheus.CounterVec
}

var globalMetrics *Metrics

// InitMetrics initializes the Prometheus metrics
func InitMetrics(registry *ConnectionRegistry) *Metrics {
	metrics := &Metrics{
		// Active push connections (gauge - can go up and down)
		PushConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "docuchat_push_connections_active",
			Help: "Number of active push connections",
		}),

		// Events delivered by type (counter - only goes up)
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "docuchat_events_published_total",
			Help: "Total number of events delivered by type",
		}, []string{"type"}),

		Broadcasts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "docuchat_broadcasts_total",
			Help: "Total number of broadcast requests processed",
		}),

		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "docuchat_chat_streams_active",
			Help: "Number of chat streams currently in flight",
		}),

		StreamRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "docuchat_chat_streams_total",
			Help: "Total number of chat stream requests processed",
		}),

		// Stream duration histogram
		StreamDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "docuchat_chat_stream_duration_seconds",
			Help:    "Chat stream duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		// Stream errors by classified kind
		StreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "docuchat_chat_stream_errors_total",
			Help: "Total number of chat stream errors by kind",
		}, []string{"kind"}),

		StreamResumes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "docuchat_stream_resumes_total",
			Help: "Total number of stream resume attempts served",
		}),

		CacheLookups: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "docuchat_cache_lookups_total",
			Help: "Cache lookups by outcome (hit, stale, miss)",
		}, []string{"outcome"}),
	}

	// Register a collector that reads the live connection count from the registry
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "docuchat_push_connections_current",
			Help: "Current number of registered push connections",
		},
		func() float64 {
			if registry != nil {
				return float64(registry.Count())
			}
			return 0
		},
	))

	globalMetrics = metrics
	return metrics
}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

// RecordConnect records a new push connection
func (m *Metrics) RecordConnect() {
	m.PushConnections.Inc()
}

// RecordDisconnect records a push connection going away
func (m *Metrics) RecordDisconnect() {
	m.PushConnections.Dec()
}

// RecordEvent records a delivered event
func (m *Metrics) RecordEvent(eventType string) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordBroadcast records a broadcast request
func (m *Metrics) RecordBroadcast() {
	m.Broadcasts.Inc()
}

// RecordStreamStart records a chat stream starting
func (m *Metrics) RecordStreamStart() {
	m.StreamRequests.Inc()
	m.ActiveStreams.Inc()
}

// RecordStreamEnd records a chat stream finishing
func (m *Metrics) RecordStreamEnd(seconds float64) {
	m.ActiveStreams.Dec()
	m.StreamDuration.Observe(seconds)
}

// RecordStreamError records a classified stream error
func (m *Metrics) RecordStreamError(kind string) {
	m.StreamErrors.WithLabelValues(kind).Inc()
}

// RecordResume records a served resume attempt
func (m *Metrics) RecordResume() {
	m.StreamResumes.Inc()
}

// RecordCacheLookup records a cache lookup outcome
func (m *Metrics) RecordCacheLookup(outcome string) {
	m.CacheLookups.WithLabelValues(outcome).Inc()
}
