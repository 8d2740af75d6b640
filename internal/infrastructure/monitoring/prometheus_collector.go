package monitoring

import (
	"context"
	"time"

	"deskrelay/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// StatsSource reports point-in-time counts for the gauges.
type StatsSource interface {
	EndpointsByRole() map[domain.Role]int
	ActivePairings() int
}

// PrometheusCollector implements the relay, flow and connection observers.
type PrometheusCollector struct {
	endpoints       *prometheus.GaugeVec
	pairingsActive  prometheus.Gauge
	connectionsOpen *prometheus.CounterVec
	connectionsDone *prometheus.CounterVec

	messagesReceived *prometheus.CounterVec
	messagesRejected *prometheus.CounterVec
	messagesRelayed  *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	payloadBytes     *prometheus.HistogramVec

	framesTotal    *prometheus.CounterVec
	frameBytes     prometheus.Histogram
	adaptations    *prometheus.CounterVec
	streamQuality  prometheus.Histogram
	streamInterval prometheus.Histogram
}

// NewPrometheusCollector registers every metric with reg. Pass
// prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		endpoints: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "deskrelay_endpoints_connected",
			Help: "Number of connected endpoints by role",
		}, []string{"role"}),

		pairingsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "deskrelay_pairings_active",
			Help: "Number of active host/controller pairings",
		}),

		connectionsOpen: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskrelay_connections_opened_total",
			Help: "Total number of websocket connections accepted",
		}, []string{"codec"}),

		connectionsDone: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskrelay_connections_closed_total",
			Help: "Total number of websocket connections closed",
		}, []string{"reason"}),

		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskrelay_messages_received_total",
			Help: "Messages received from endpoints",
		}, []string{"type"}),

		messagesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskrelay_messages_rejected_total",
			Help: "Messages answered with an error",
		}, []string{"type", "code"}),

		messagesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskrelay_messages_relayed_total",
			Help: "Messages handed to a destination transport",
		}, []string{"type", "delivery"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskrelay_messages_dropped_total",
			Help: "Messages that could not be delivered",
		}, []string{"type", "reason"}),

		payloadBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deskrelay_message_size_bytes",
			Help:    "Size of relayed message payloads",
			Buckets: prometheus.ExponentialBuckets(64, 4, 9),
		}, []string{"delivery"}),

		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskrelay_frames_total",
			Help: "Capture ticks by outcome",
		}, []string{"outcome"}),

		frameBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskrelay_frame_size_bytes",
			Help:    "Size of encoded frames",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 10),
		}),

		adaptations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "deskrelay_stream_adaptations_total",
			Help: "Flow control decisions by direction",
		}, []string{"direction"}),

		streamQuality: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskrelay_stream_quality",
			Help:    "Encoder quality chosen at each adaptation",
			Buckets: prometheus.LinearBuckets(0.3, 0.1, 7),
		}),

		streamInterval: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "deskrelay_stream_interval_seconds",
			Help:    "Capture interval chosen at each adaptation",
			Buckets: []float64{0.05, 0.1, 0.15, 0.2, 0.3, 0.4, 0.5},
		}),
	}
}

func (p *PrometheusCollector) ConnectionOpened(codec string) {
	p.connectionsOpen.WithLabelValues(codec).Inc()
}

func (p *PrometheusCollector) ConnectionClosed(reason string) {
	p.connectionsDone.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) MessageReceived(t domain.MessageType, bytes int) {
	p.messagesReceived.WithLabelValues(string(t)).Inc()
}

func (p *PrometheusCollector) MessageRejected(t domain.MessageType, code string) {
	p.messagesRejected.WithLabelValues(string(t), code).Inc()
}

func (p *PrometheusCollector) RecordRelayed(t domain.MessageType, class domain.DeliveryClass, bytes int) {
	p.messagesRelayed.WithLabelValues(string(t), class.String()).Inc()
	p.payloadBytes.WithLabelValues(class.String()).Observe(float64(bytes))
}

func (p *PrometheusCollector) RecordDropped(t domain.MessageType, reason string) {
	p.messagesDropped.WithLabelValues(string(t), reason).Inc()
}

func (p *PrometheusCollector) RecordFrame(outcome string, bytes int) {
	p.framesTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		p.frameBytes.Observe(float64(bytes))
	}
}

func (p *PrometheusCollector) RecordAdaptation(direction string, s domain.StreamingSession) {
	p.adaptations.WithLabelValues(direction).Inc()
	p.streamQuality.Observe(s.Quality)
	p.streamInterval.Observe(s.Interval().Seconds())
}

// Update refreshes the gauges from src.
func (p *PrometheusCollector) Update(src StatsSource) {
	for _, role := range []domain.Role{domain.RoleUnknown, domain.RoleHost, domain.RoleController} {
		p.endpoints.WithLabelValues(string(role)).Set(0)
	}
	for role, n := range src.EndpointsByRole() {
		p.endpoints.WithLabelValues(string(role)).Set(float64(n))
	}
	p.pairingsActive.Set(float64(src.ActivePairings()))
}

// Run refreshes the gauges every interval until ctx is cancelled.
func (p *PrometheusCollector) Run(ctx context.Context, src StatsSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Update(src)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Update(src)
		}
	}
}
