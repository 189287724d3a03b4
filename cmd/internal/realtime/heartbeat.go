package realtime

import (
	"context"
	"log/slog"
	"time"
)

// HeartbeatMonitor evicts connections whose last liveness signal is older than timeout.
type HeartbeatMonitor struct {
	log      *slog.Logger
	registry *Registry
	opts     options

	timeout  time.Duration
	interval time.Duration
}

// NewHeartbeatMonitor constructs a monitor. Non-positive durations fall back to the defaults.
func NewHeartbeatMonitor(log *slog.Logger, registry *Registry, timeout, interval time.Duration, opts ...Option) *HeartbeatMonitor {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	if interval <= 0 {
		interval = DefaultHeartbeatSweepInterval
	}
	return &HeartbeatMonitor{
		log:      orDefaultLogger(log),
		registry: registry,
		opts:     newOptions(opts),
		timeout:  timeout,
		interval: interval,
	}
}

// Timeout returns the staleness threshold.
func (m *HeartbeatMonitor) Timeout() time.Duration { return m.timeout }

// Sweep unregisters every connection with now - lastHeartbeat > timeout and returns how many it evicted.
func (m *HeartbeatMonitor) Sweep(now time.Time) int {
	evicted := 0
	for _, c := range m.registry.Snapshot() {
		idle := now.Sub(c.LastHeartbeat())
		if idle <= m.timeout {
			continue
		}
		if !m.registry.Unregister(c.ID) {
			continue
		}
		evicted++
		m.opts.metrics.prune(reasonStale)
		m.log.Info("heartbeat.evict", "connection_id", c.ID, "subject", c.Subject, "idle", idle.Round(time.Second))
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (m *HeartbeatMonitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	m.log.Info("heartbeat.start", "timeout", m.timeout, "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := m.Sweep(m.opts.now()); n > 0 {
				m.log.Info("heartbeat.sweep", "evicted", n)
			}
		}
	}
}
