package realtime

import (
	"log/slog"
	"os"
	"time"
)

// Option configures realtime components.
type Option func(*options)

type options struct {
	now     func() time.Time
	newID   IDSource
	metrics *Metrics
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDSource overrides connection/envelope id generation.
func WithIDSource(src IDSource) Option {
	return func(o *options) {
		if src != nil {
			o.newID = src
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func newOptions(opts []Option) options {
	o := options{
		now:   func() time.Time { return time.Now().UTC() },
		newID: NewULID,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&o)
	}
	return o
}

func orDefaultLogger(log *slog.Logger) *slog.Logger {
	if log != nil {
		return log
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
