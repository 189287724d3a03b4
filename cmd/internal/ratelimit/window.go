// Package ratelimit implements Beacon's admission control and brute-force lockout primitives.
//
// All state is in-process and guarded by per-map mutexes. Timestamps are taken from an
// injectable clock so window arithmetic is deterministic under test.
package ratelimit

import (
	"sync"
	"time"
)

// Option configures limiter primitives.
type Option func(*settings)

type settings struct {
	now     func() time.Time
	metrics *Metrics
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

func newSettings(opts []Option) settings {
	s := settings{now: time.Now}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&s)
	}
	return s
}

// SlidingWindow is an exact per-key sliding-window counter.
//
// Each key owns a queue of accepted event timestamps in non-decreasing order.
// Rejected events are never recorded.
type SlidingWindow struct {
	now func() time.Time

	mu      sync.Mutex
	windows map[string]*windowEntry
}

type windowEntry struct {
	events []time.Time
	// window is the span used by the most recent Allow call; compaction purges with it.
	window time.Duration
}

// NewSlidingWindow constructs an empty SlidingWindow.
func NewSlidingWindow(opts ...Option) *SlidingWindow {
	s := newSettings(opts)
	return &SlidingWindow{
		now:     s.now,
		windows: make(map[string]*windowEntry),
	}
}

// Allow reports whether one more event for key fits in the window and records it if so.
func (w *SlidingWindow) Allow(key string, window time.Duration, maxEvents int) bool {
	if window <= 0 || maxEvents <= 0 {
		return false
	}
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.windows[key]
	if e == nil {
		e = &windowEntry{events: make([]time.Time, 0, minInt(maxEvents, 64))}
		w.windows[key] = e
	}
	e.window = window
	e.events = purgeBefore(e.events, now.Add(-window))

	if len(e.events) >= maxEvents {
		return false
	}
	e.events = append(e.events, now)
	return true
}

// Count returns the number of in-window events for key without recording anything.
func (w *SlidingWindow) Count(key string, window time.Duration) int {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.windows[key]
	if e == nil {
		return 0
	}
	return countAfter(e.events, now.Add(-window))
}

// Keys returns the number of tracked keys.
func (w *SlidingWindow) Keys() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.windows)
}

// Compact drops expired timestamps and removes keys whose queue became empty.
// It returns the number of removed keys.
func (w *SlidingWindow) Compact() int {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for k, e := range w.windows {
		e.events = purgeBefore(e.events, now.Add(-e.window))
		if len(e.events) == 0 {
			delete(w.windows, k)
			removed++
		}
	}
	return removed
}

// purgeBefore trims the prefix of timestamps that are not after cut.
// The backing array is reused.
func purgeBefore(events []time.Time, cut time.Time) []time.Time {
	i := 0
	for i < len(events) && !events[i].After(cut) {
		i++
	}
	if i == 0 {
		return events
	}
	n := copy(events, events[i:])
	return events[:n]
}

func countAfter(events []time.Time, cut time.Time) int {
	n := 0
	for _, t := range events {
		if t.After(cut) {
			n++
		}
	}
	return n
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
