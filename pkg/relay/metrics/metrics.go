package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the relay. Each Metrics owns
// its own registry so independent instances never collide on registration.
// All Record methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsStarted  prometheus.Counter
	SessionsEnded    prometheus.Counter
	SessionsRejected *prometheus.CounterVec
	SessionsDegraded prometheus.Counter
	SessionDuration  prometheus.Histogram

	// Media forwarding metrics
	MediaChunksForwarded *prometheus.CounterVec
	MediaBytesForwarded  *prometheus.CounterVec
	MediaChunksThrottled prometheus.Counter
	ContextSwitches      *prometheus.CounterVec

	// Upstream metrics
	UpstreamConnects        prometheus.Counter
	UpstreamConnectFailures prometheus.Counter
	UpstreamConnectDuration prometheus.Histogram
	UpstreamFrames          *prometheus.CounterVec

	// Client delivery metrics
	OutboundFramesDropped prometheus.Counter

	// HTTP metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all relay metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "screen_relay_sessions_active",
			Help: "Current number of open relay sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "screen_relay_sessions_started_total",
			Help: "Total number of relay sessions started",
		}),
		SessionsEnded: factory.NewCounter(prometheus.CounterOpts{
			Name: "screen_relay_sessions_ended_total",
			Help: "Total number of relay sessions ended",
		}),
		SessionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screen_relay_sessions_rejected_total",
			Help: "Total number of sessions rejected before start",
		}, []string{"reason"}),
		SessionsDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "screen_relay_sessions_degraded_total",
			Help: "Total number of sessions started without an upstream connection",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "screen_relay_session_duration_seconds",
			Help:    "Duration of relay sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		MediaChunksForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screen_relay_media_chunks_forwarded_total",
			Help: "Total number of media chunks forwarded upstream",
		}, []string{"kind"}),
		MediaBytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screen_relay_media_bytes_forwarded_total",
			Help: "Total base64 payload bytes forwarded upstream",
		}, []string{"kind"}),
		MediaChunksThrottled: factory.NewCounter(prometheus.CounterOpts{
			Name: "screen_relay_media_chunks_throttled_total",
			Help: "Total number of media chunks dropped by the inbound limiter",
		}),
		ContextSwitches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screen_relay_context_switches_total",
			Help: "Total number of page context selections by lookup result",
		}, []string{"result"}),

		UpstreamConnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "screen_relay_upstream_connects_total",
			Help: "Total number of successful upstream live connections",
		}),
		UpstreamConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "screen_relay_upstream_connect_failures_total",
			Help: "Total number of failed upstream live connection attempts",
		}),
		UpstreamConnectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "screen_relay_upstream_connect_duration_seconds",
			Help:    "Time spent establishing upstream live connections",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),
		UpstreamFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screen_relay_upstream_frames_total",
			Help: "Total number of upstream frames received by kind",
		}, []string{"kind"}),

		OutboundFramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "screen_relay_outbound_frames_dropped_total",
			Help: "Total number of client frames dropped on a full outbound queue",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "screen_relay_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "screen_relay_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStarted marks a session as started and active.
func (m *Metrics) RecordSessionStarted() {
	if m == nil {
		return
	}
	m.SessionsStarted.Inc()
	m.SessionsActive.Inc()
}

// RecordSessionEnded marks a session as ended and records its duration.
func (m *Metrics) RecordSessionEnded(durationSeconds float64) {
	if m == nil {
		return
	}
	m.SessionsEnded.Inc()
	m.SessionsActive.Dec()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionRejected counts a session turned away before starting.
func (m *Metrics) RecordSessionRejected(reason string) {
	if m == nil {
		return
	}
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

// RecordSessionDegraded counts a session running without an upstream.
func (m *Metrics) RecordSessionDegraded() {
	if m == nil {
		return
	}
	m.SessionsDegraded.Inc()
}

// RecordMediaChunk counts one forwarded chunk and its base64 payload size.
func (m *Metrics) RecordMediaChunk(kind string, payloadBytes int) {
	if m == nil {
		return
	}
	m.MediaChunksForwarded.WithLabelValues(kind).Inc()
	m.MediaBytesForwarded.WithLabelValues(kind).Add(float64(payloadBytes))
}

// RecordMediaThrottled counts a chunk dropped by the inbound limiter.
func (m *Metrics) RecordMediaThrottled() {
	if m == nil {
		return
	}
	m.MediaChunksThrottled.Inc()
}

// RecordContextSwitch counts a page context selection. known reports whether
// the library resolved the key or fell back.
func (m *Metrics) RecordContextSwitch(known bool) {
	if m == nil {
		return
	}
	result := "fallback"
	if known {
		result = "hit"
	}
	m.ContextSwitches.WithLabelValues(result).Inc()
}

// RecordUpstreamConnect records one connection attempt.
func (m *Metrics) RecordUpstreamConnect(durationSeconds float64, failed bool) {
	if m == nil {
		return
	}
	if failed {
		m.UpstreamConnectFailures.Inc()
		return
	}
	m.UpstreamConnects.Inc()
	m.UpstreamConnectDuration.Observe(durationSeconds)
}

// RecordUpstreamFrame counts one received upstream frame by kind.
func (m *Metrics) RecordUpstreamFrame(kind string) {
	if m == nil {
		return
	}
	m.UpstreamFrames.WithLabelValues(kind).Inc()
}

// RecordOutboundDropped counts a frame dropped on a full client queue.
func (m *Metrics) RecordOutboundDropped() {
	if m == nil {
		return
	}
	m.OutboundFramesDropped.Inc()
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}
