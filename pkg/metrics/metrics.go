package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the chat core's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	connections     prometheus.Gauge
	onlineUsers     prometheus.Gauge
	messagesSent    *prometheus.CounterVec
	rejections      *prometheus.CounterVec
	droppedFrames   prometheus.Counter
	fanoutFailures  prometheus.Counter
	secondaryFailed prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "connections_active",
			Help:      "Open websocket connections.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "users_online",
			Help:      "Users with at least one open connection.",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "messages_sent_total",
			Help:      "Messages persisted by the pipeline, by entry point.",
		}, []string{"entry"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "pipeline_rejections_total",
			Help:      "Operations rejected by the chat core, by reason.",
		}, []string{"reason"}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "dropped_frames_total",
			Help:      "Frames not queued because a connection's buffer was full or closed.",
		}),
		fanoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "fanout_publish_failures_total",
			Help:      "Frames that could not be published to the fan-out bus.",
		}),
		secondaryFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "last_activity_update_failures_total",
			Help:      "Conversation summary updates that failed after the message was stored.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.connections,
		m.onlineUsers,
		m.messagesSent,
		m.rejections,
		m.droppedFrames,
		m.fanoutFailures,
		m.secondaryFailed,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m != nil {
		m.onlineUsers.Set(float64(n))
	}
}

func (m *Metrics) MessageSent(entry string) {
	if m != nil {
		m.messagesSent.WithLabelValues(entry).Inc()
	}
}

func (m *Metrics) Rejected(reason string) {
	if m != nil {
		m.rejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) FrameDropped() {
	if m != nil {
		m.droppedFrames.Inc()
	}
}

func (m *Metrics) FanoutFailed() {
	if m != nil {
		m.fanoutFailures.Inc()
	}
}

func (m *Metrics) SecondaryUpdateFailed() {
	if m != nil {
		m.secondaryFailed.Inc()
	}
}
