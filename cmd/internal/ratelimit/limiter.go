package ratelimit

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Defaults.
const (
	DefaultRequestsPerMinute  = 60
	DefaultWindow             = time.Minute
	DefaultMaxFailedLogins    = 5
	DefaultLockoutDuration    = 300 * time.Second
	DefaultFingerprintBuckets = 1000
	DefaultCompactInterval    = 5 * time.Minute
)

// Config controls limiter thresholds.
type Config struct {
	DefaultRequestsPerMinute int
	MaxFailedLogins          int
	LockoutDuration          time.Duration
	FingerprintBuckets       int
	CompactInterval          time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		DefaultRequestsPerMinute: DefaultRequestsPerMinute,
		MaxFailedLogins:          DefaultMaxFailedLogins,
		LockoutDuration:          DefaultLockoutDuration,
		FingerprintBuckets:       DefaultFingerprintBuckets,
		CompactInterval:          DefaultCompactInterval,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultRequestsPerMinute <= 0 {
		c.DefaultRequestsPerMinute = d.DefaultRequestsPerMinute
	}
	if c.MaxFailedLogins <= 0 {
		c.MaxFailedLogins = d.MaxFailedLogins
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = d.LockoutDuration
	}
	if c.FingerprintBuckets <= 0 {
		c.FingerprintBuckets = d.FingerprintBuckets
	}
	if c.CompactInterval <= 0 {
		c.CompactInterval = d.CompactInterval
	}
	return c
}

// Stats is the limiter introspection view.
type Stats struct {
	ActiveKeys          int `json:"active_keys"`
	LockedOutKeys       int `json:"locked_out_keys"`
	TotalFailedAttempts int `json:"total_failed_attempts"`
}

// LoginStatus is what an authentication handler needs to render a throttled response.
type LoginStatus struct {
	Locked            bool
	RemainingAttempts int
	RetryAfter        time.Duration
}

// Limiter combines request admission (sliding window) with failed-login lockout.
//
// It is safe for concurrent use. Construct one per process and share it.
type Limiter struct {
	cfg     Config
	log     *slog.Logger
	metrics *Metrics

	window  *SlidingWindow
	lockout *LockoutTracker
}

// New constructs a Limiter.
func New(log *slog.Logger, cfg Config, opts ...Option) *Limiter {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg = cfg.withDefaults()
	s := newSettings(opts)

	return &Limiter{
		cfg:     cfg,
		log:     log,
		metrics: s.metrics,
		window:  NewSlidingWindow(opts...),
		lockout: NewLockoutTracker(cfg.MaxFailedLogins, cfg.LockoutDuration, opts...),
	}
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config { return l.cfg }

// IsAllowed applies the sliding window to identifier.
// window <= 0 means one minute; maxRequests <= 0 means the configured per-minute default.
func (l *Limiter) IsAllowed(identifier string, window time.Duration, maxRequests int) bool {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxRequests <= 0 {
		maxRequests = l.cfg.DefaultRequestsPerMinute
	}

	if !l.window.Allow(identifier, window, maxRequests) {
		l.metrics.decision("limited")
		l.log.Debug("ratelimit.deny.limited", "key", identifier, "window", window, "max", maxRequests)
		return false
	}
	l.metrics.decision("allowed")
	return true
}

// IsAddressAllowed is the admission check for inbound requests.
// A locked address is denied without consuming a rate-limit slot.
func (l *Limiter) IsAddressAllowed(address, userAgent string) bool {
	address = normalizeAddress(address)

	if l.lockout.IsLocked(address) {
		l.metrics.decision("locked")
		l.log.Warn("ratelimit.deny.locked",
			"address", address,
			"retry_after_s", l.lockout.RemainingLockoutSeconds(address),
		)
		return false
	}

	return l.IsAllowed(AddressKey(address, userAgent, l.cfg.FingerprintBuckets), 0, 0)
}

// RecordFailedLogin records a failed authentication attempt and reports whether the address is now locked.
func (l *Limiter) RecordFailedLogin(address string) bool {
	address = normalizeAddress(address)

	locked, newlyLocked := l.lockout.RecordFailure(address)
	if newlyLocked {
		l.metrics.lockout()
		l.log.Warn("ratelimit.lockout",
			"address", address,
			"max_failures", l.lockout.MaxFailures(),
			"duration", l.lockout.Duration(),
		)
	}
	return locked
}

// RecordSuccessfulLogin clears failure history for address.
func (l *Limiter) RecordSuccessfulLogin(address string) {
	l.lockout.RecordSuccess(normalizeAddress(address))
}

// IsLocked reports whether address is locked out.
func (l *Limiter) IsLocked(address string) bool {
	return l.lockout.IsLocked(normalizeAddress(address))
}

// RemainingAttempts returns failures left before lockout.
func (l *Limiter) RemainingAttempts(address string) int {
	return l.lockout.RemainingAttempts(normalizeAddress(address))
}

// RemainingLockoutSeconds returns whole seconds until the lockout clears (0 if not locked).
func (l *Limiter) RemainingLockoutSeconds(address string) int {
	return l.lockout.RemainingLockoutSeconds(normalizeAddress(address))
}

// LoginStatus bundles lockout state for address.
func (l *Limiter) LoginStatus(address string) LoginStatus {
	address = normalizeAddress(address)
	return LoginStatus{
		Locked:            l.lockout.IsLocked(address),
		RemainingAttempts: l.lockout.RemainingAttempts(address),
		RetryAfter:        l.lockout.RemainingLockout(address),
	}
}

// Stats returns key counts for introspection endpoints.
func (l *Limiter) Stats() Stats {
	ls := l.lockout.Stats()
	return Stats{
		ActiveKeys:          l.window.Keys(),
		LockedOutKeys:       ls.LockedKeys,
		TotalFailedAttempts: ls.FailedAttempts,
	}
}

// Compact removes idle keys from both maps.
func (l *Limiter) Compact() (windows, lockouts int) {
	windows = l.window.Compact()
	lockouts = l.lockout.Compact()
	l.metrics.compact(windows + lockouts)
	return windows, lockouts
}

// Run compacts periodically until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	t := time.NewTicker(l.cfg.CompactInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			w, f := l.Compact()
			if w+f > 0 {
				l.log.Debug("ratelimit.compact", "window_keys_removed", w, "lockout_keys_removed", f)
			}
		}
	}
}

func normalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return "unknown"
	}
	return address
}
