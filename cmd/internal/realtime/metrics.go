package realtime

import "github.com/prometheus/client_golang/prometheus"

// Prune reasons used as metric labels and log attributes.
const (
	reasonBackpressure = "backpressure"
	reasonClosed       = "closed"
	reasonStale        = "stale"
)

// Metrics holds the realtime Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections    prometheus.Gauge
	subjects       prometheus.Gauge
	framesSent     prometheus.Counter
	framesReceived *prometheus.CounterVec
	pruned         *prometheus.CounterVec
}

// NewMetrics creates and registers the realtime collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "beacon",
			Subsystem: "realtime",
			Name:      "connections",
			Help:      "Registered connections.",
		}),
		subjects: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "beacon",
			Subsystem: "realtime",
			Name:      "subjects",
			Help:      "Subjects with at least one registered connection.",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "realtime",
			Name:      "frames_sent_total",
			Help:      "Frames enqueued to connections by the dispatcher.",
		}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "realtime",
			Name:      "frames_received_total",
			Help:      "Inbound control frames by type.",
		}, []string{"type"}),
		pruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "realtime",
			Name:      "pruned_total",
			Help:      "Connections removed by the dispatcher or heartbeat sweep, by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.subjects, m.framesSent, m.framesReceived, m.pruned)
	}
	return m
}

func (m *Metrics) registry(connections, subjects int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.subjects.Set(float64(subjects))
}

func (m *Metrics) sent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.framesSent.Add(float64(n))
}

func (m *Metrics) received(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) prune(reason string) {
	if m == nil {
		return
	}
	m.pruned.WithLabelValues(reason).Inc()
}
