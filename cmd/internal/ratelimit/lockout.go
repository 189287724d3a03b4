package ratelimit

import (
	"math"
	"sync"
	"time"
)

// LockoutTracker counts failure events per key inside a fixed lockout duration.
//
// A key is locked while at least maxFailures failures fall inside the duration.
// A success clears the key immediately.
type LockoutTracker struct {
	maxFailures int
	duration    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	failures map[string][]time.Time
}

// LockoutStats is a point-in-time view of the tracker.
type LockoutStats struct {
	Keys           int
	LockedKeys     int
	FailedAttempts int
}

// NewLockoutTracker constructs a tracker with safe defaults when inputs are invalid.
func NewLockoutTracker(maxFailures int, duration time.Duration, opts ...Option) *LockoutTracker {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailedLogins
	}
	if duration <= 0 {
		duration = DefaultLockoutDuration
	}
	s := newSettings(opts)
	return &LockoutTracker{
		maxFailures: maxFailures,
		duration:    duration,
		now:         s.now,
		failures:    make(map[string][]time.Time),
	}
}

// MaxFailures returns the configured threshold.
func (l *LockoutTracker) MaxFailures() int { return l.maxFailures }

// Duration returns the configured lockout duration.
func (l *LockoutTracker) Duration() time.Duration { return l.duration }

// RecordFailure appends a failure and reports whether the key is now locked, and whether
// this failure is the one that locked it. Failures recorded while already locked are appended like any other.
func (l *LockoutTracker) RecordFailure(key string) (locked, newlyLocked bool) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	q := purgeBefore(l.failures[key], now.Add(-l.duration))
	wasLocked := len(q) >= l.maxFailures
	q = append(q, now)
	l.failures[key] = q
	locked = len(q) >= l.maxFailures
	return locked, locked && !wasLocked
}

// RecordSuccess clears all failures for key.
func (l *LockoutTracker) RecordSuccess(key string) {
	l.mu.Lock()
	delete(l.failures, key)
	l.mu.Unlock()
}

// IsLocked reports whether key is currently locked.
func (l *LockoutTracker) IsLocked(key string) bool {
	return len(l.purged(key)) >= l.maxFailures
}

// RemainingAttempts returns how many failures key may still record before locking.
func (l *LockoutTracker) RemainingAttempts(key string) int {
	n := l.maxFailures - len(l.purged(key))
	if n < 0 {
		return 0
	}
	return n
}

// RemainingLockout returns how long key stays locked, measured from its oldest in-window failure.
// It is zero when key is not locked.
func (l *LockoutTracker) RemainingLockout(key string) time.Duration {
	now := l.now()
	q := l.purged(key)
	if len(q) < l.maxFailures {
		return 0
	}
	d := l.duration - now.Sub(q[0])
	if d < 0 {
		return 0
	}
	return d
}

// RemainingLockoutSeconds is RemainingLockout rounded up to whole seconds.
func (l *LockoutTracker) RemainingLockoutSeconds(key string) int {
	d := l.RemainingLockout(key)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// Compact drops expired failures and removes keys with no failures left.
func (l *LockoutTracker) Compact() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, q := range l.failures {
		q = purgeBefore(q, now.Add(-l.duration))
		if len(q) == 0 {
			delete(l.failures, k)
			removed++
			continue
		}
		l.failures[k] = q
	}
	return removed
}

// Stats counts keys, locked keys and in-window failures without mutating state.
func (l *LockoutTracker) Stats() LockoutStats {
	cut := l.now().Add(-l.duration)

	l.mu.Lock()
	defer l.mu.Unlock()

	st := LockoutStats{Keys: len(l.failures)}
	for _, q := range l.failures {
		n := countAfter(q, cut)
		st.FailedAttempts += n
		if n >= l.maxFailures {
			st.LockedKeys++
		}
	}
	return st
}

// purged purges key under the lock and returns a copy of the remaining queue.
func (l *LockoutTracker) purged(key string) []time.Time {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	q, ok := l.failures[key]
	if !ok {
		return nil
	}
	q = purgeBefore(q, now.Add(-l.duration))
	l.failures[key] = q
	return append([]time.Time(nil), q...)
}
