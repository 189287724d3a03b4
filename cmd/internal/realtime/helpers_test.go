package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "beacon/shared/contracts/notify/v1"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func seqIDs() IDSource {
	var n atomic.Int64
	return func(time.Time) (string, error) {
		return fmt.Sprintf("id-%04d", n.Add(1)), nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// drain returns every envelope currently queued on c.
func drain(c *Connection) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Outbound():
			out = append(out, env)
		default:
			return out
		}
	}
}

func mustOpenConn(t *testing.T, r *Registry, subject string, queue int) *Connection {
	t.Helper()

	c := NewConnection(subject, queue, time.Now())
	if _, err := r.Register(subject, c); err != nil {
		t.Fatalf("register %s: %v", subject, err)
	}
	return c
}

func mustPayload[T any](t *testing.T, env v1.Envelope) T {
	t.Helper()

	var out T
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		t.Fatalf("decode %s payload: %v", env.Type, err)
	}
	return out
}

// failingStore fails every call with err.
type failingStore struct{ err error }

func (s failingStore) MarkRead(context.Context, string, string) error { return s.err }
func (s failingStore) MarkAllRead(context.Context, string) error      { return s.err }
func (s failingStore) Dismiss(context.Context, string, string) error  { return s.err }

type failingDeliveryLog struct {
	calls atomic.Int64
}

func (l *failingDeliveryLog) Record(context.Context, DeliveryRecord) error {
	l.calls.Add(1)
	return errors.New("delivery log down")
}
