package mcpx

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors a Client reports to. A nil *Metrics
// records nothing.
type Metrics struct {
	envelopesReceived *prometheus.CounterVec
	envelopesSent     *prometheus.CounterVec
	decodeErrors      prometheus.Counter
	pendingRequests   prometheus.Gauge
	requestDuration   *prometheus.HistogramVec
	reconnects        prometheus.Counter
	connected         prometheus.Gauge
	peers             prometheus.Gauge
}

// NewMetrics creates the client collectors and registers them with reg. Pass
// prometheus.DefaultRegisterer to expose them through promhttp.Handler.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		envelopesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpx",
				Subsystem: "client",
				Name:      "envelopes_received_total",
				Help:      "Envelopes received from the gateway, by kind class.",
			},
			[]string{"class"},
		),
		envelopesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "mcpx",
				Subsystem: "client",
				Name:      "envelopes_sent_total",
				Help:      "Envelopes written to the gateway, by kind class.",
			},
			[]string{"class"},
		),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpx",
			Subsystem: "client",
			Name:      "decode_errors_total",
			Help:      "Frames dropped because they were not valid envelopes.",
		}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpx",
			Subsystem: "client",
			Name:      "pending_requests",
			Help:      "Requests waiting for a response.",
		}),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "mcpx",
				Subsystem: "client",
				Name:      "request_duration_seconds",
				Help:      "Time from registering a request to its completion.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "outcome"},
		),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcpx",
			Subsystem: "client",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after connection loss.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpx",
			Subsystem: "client",
			Name:      "connected",
			Help:      "1 while the client holds a welcomed connection.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcpx",
			Subsystem: "client",
			Name:      "peers",
			Help:      "Known peers in the topic, self excluded.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.envelopesReceived, m.envelopesSent, m.decodeErrors, m.pendingRequests,
		m.requestDuration, m.reconnects, m.connected, m.peers,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	return m, nil
}

func (m *Metrics) received(class KindClass) {
	if m == nil {
		return
	}
	m.envelopesReceived.WithLabelValues(class.String()).Inc()
}

func (m *Metrics) sent(class KindClass) {
	if m == nil {
		return
	}
	m.envelopesSent.WithLabelValues(class.String()).Inc()
}

func (m *Metrics) decodeError() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

func (m *Metrics) requestDone(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, outcome).Observe(elapsed.Seconds())
}

func (m *Metrics) reconnectScheduled() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) setConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) setPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}
