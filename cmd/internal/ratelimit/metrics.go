package ratelimit

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the limiter's Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	decisions *prometheus.CounterVec
	lockouts  prometheus.Counter
	compacted prometheus.Counter
}

// NewMetrics creates and registers the limiter collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Admission decisions by result (allowed, limited, locked).",
		}, []string{"result"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "ratelimit",
			Name:      "lockouts_total",
			Help:      "Failed-login events that crossed the lockout threshold.",
		}),
		compacted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beacon",
			Subsystem: "ratelimit",
			Name:      "compacted_keys_total",
			Help:      "Idle keys removed by compaction.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.decisions, m.lockouts, m.compacted)
	}
	return m
}

func (m *Metrics) decision(result string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(result).Inc()
}

func (m *Metrics) lockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *Metrics) compact(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.compacted.Add(float64(n))
}
