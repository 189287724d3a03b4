package realtime

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "beacon/shared/contracts/notify/v1"
)

// ConnState is the lifecycle state of a Connection.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one live duplex channel owned by exactly one subject.
//
// The outbound queue is bounded and never closed by the server: senders race
// with Close safely and observe ErrConnectionClosed through done.
type Connection struct {
	// ID is assigned by the Registry on Register and is immutable afterwards.
	ID         string
	Subject    string
	AcceptedAt time.Time

	send      chan v1.Envelope
	done      chan struct{}
	closeOnce sync.Once

	state         atomic.Int32
	lastHeartbeat atomic.Int64 // unix nanos

	mu         sync.RWMutex
	categories map[string]struct{}
}

// NewConnection constructs a Connecting connection with a bounded outbound queue.
func NewConnection(subject string, queueSize int, now time.Time) *Connection {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	if queueSize < minSendQueueSize {
		queueSize = minSendQueueSize
	}
	c := &Connection{
		Subject:    strings.TrimSpace(subject),
		AcceptedAt: now,
		send:       make(chan v1.Envelope, queueSize),
		done:       make(chan struct{}),
		categories: make(map[string]struct{}),
	}
	c.lastHeartbeat.Store(now.UnixNano())
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() ConnState { return ConnState(c.state.Load()) }

// IsOpen reports whether the connection accepts frames.
func (c *Connection) IsOpen() bool { return c.State() == StateOpen }

func (c *Connection) open() bool {
	return c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen))
}

// Outbound is drained by the transport writer.
func (c *Connection) Outbound() <-chan v1.Envelope { return c.send }

// Done is closed once the connection reaches StateClosed.
func (c *Connection) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close transitions the connection to Closed (idempotent).
// It does NOT close the outbound queue.
func (c *Connection) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)
	})
}

// TrySend enqueues env without blocking.
func (c *Connection) TrySend(env v1.Envelope) error {
	if c == nil || c.State() != StateOpen {
		return ErrConnectionClosed
	}
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.send <- env:
		return nil
	default:
		return ErrBackpressure
	}
}

// Touch records a liveness signal.
func (c *Connection) Touch(now time.Time) {
	c.lastHeartbeat.Store(now.UnixNano())
}

// LastHeartbeat returns the time of the most recent liveness signal.
func (c *Connection) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// Subscribe adds categories to the filter and returns the resulting set.
func (c *Connection) Subscribe(categories []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cat := range categories {
		if cat = normalizeCategory(cat); cat != "" {
			c.categories[cat] = struct{}{}
		}
	}
	return c.categoriesLocked()
}

// Unsubscribe removes categories from the filter and returns the resulting set.
func (c *Connection) Unsubscribe(categories []string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cat := range categories {
		delete(c.categories, normalizeCategory(cat))
	}
	return c.categoriesLocked()
}

// Categories returns the sorted category filter. Empty means every category.
func (c *Connection) Categories() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.categoriesLocked()
}

// Accepts reports whether a notification in category passes the filter.
// Uncategorized notifications always pass.
func (c *Connection) Accepts(category string) bool {
	category = normalizeCategory(category)
	if category == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.categories) == 0 {
		return true
	}
	_, ok := c.categories[category]
	return ok
}

func (c *Connection) categoriesLocked() []string {
	out := make([]string, 0, len(c.categories))
	for cat := range c.categories {
		out = append(out, cat)
	}
	sort.Strings(out)
	return out
}

func normalizeCategory(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
