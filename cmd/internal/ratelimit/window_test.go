package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindow_ExampleScenario(t *testing.T) {
	clock := newFakeClock()
	w := NewSlidingWindow(WithClock(clock.Now))

	var got []bool
	for i := 0; i < 3; i++ {
		got = append(got, w.Allow("ip1", 60*time.Second, 2))
		clock.Advance(5 * time.Second)
	}
	assert.Equal(t, []bool{true, true, false}, got)

	clock.Advance(61 * time.Second)
	assert.True(t, w.Allow("ip1", 60*time.Second, 2))
}

func TestSlidingWindow_RejectedEventsAreNotRecorded(t *testing.T) {
	clock := newFakeClock()
	w := NewSlidingWindow(WithClock(clock.Now))

	require.True(t, w.Allow("k", 10*time.Second, 1))

	// Hammer while full; none of these may extend the window.
	for i := 0; i < 9; i++ {
		clock.Advance(time.Second)
		require.False(t, w.Allow("k", 10*time.Second, 1))
	}

	clock.Advance(1500 * time.Millisecond)
	assert.True(t, w.Allow("k", 10*time.Second, 1), "first event expired; the denied ones must not count")
}

func TestSlidingWindow_NeverExceedsLimitInAnyWindow(t *testing.T) {
	clock := newFakeClock()
	w := NewSlidingWindow(WithClock(clock.Now))

	const (
		limit  = 4
		window = 10 * time.Second
	)

	var accepted []time.Time
	steps := []time.Duration{0, 1, 1, 0, 2, 3, 1, 1, 4, 0, 0, 2, 5, 1, 1, 1, 7, 2, 0, 3}
	for _, s := range steps {
		clock.Advance(s * time.Second)
		if w.Allow("k", window, limit) {
			accepted = append(accepted, clock.Now())
		}
	}
	require.NotEmpty(t, accepted)

	for i, start := range accepted {
		n := 0
		for _, ts := range accepted[i:] {
			if ts.Sub(start) < window {
				n++
			}
		}
		assert.LessOrEqual(t, n, limit, "window starting at %s", start)
	}
}

func TestSlidingWindow_ConcurrentAllowIsExact(t *testing.T) {
	w := NewSlidingWindow()

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Allow("shared", time.Hour, 25) {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), allowed.Load())
}

func TestSlidingWindow_KeysAreIndependent(t *testing.T) {
	w := NewSlidingWindow()

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("ip-%d", i)
		assert.True(t, w.Allow(key, time.Minute, 1))
		assert.False(t, w.Allow(key, time.Minute, 1))
	}
	assert.Equal(t, 3, w.Keys())
}

func TestSlidingWindow_CompactRemovesIdleKeys(t *testing.T) {
	clock := newFakeClock()
	w := NewSlidingWindow(WithClock(clock.Now))

	w.Allow("short", 5*time.Second, 10)
	w.Allow("long", time.Hour, 10)
	require.Equal(t, 2, w.Keys())

	clock.Advance(6 * time.Second)
	assert.Equal(t, 1, w.Compact())
	assert.Equal(t, 1, w.Keys())
	assert.Equal(t, 1, w.Count("long", time.Hour))
	assert.Equal(t, 0, w.Count("short", 5*time.Second))
}

func TestSlidingWindow_InvalidLimits(t *testing.T) {
	w := NewSlidingWindow()
	assert.False(t, w.Allow("k", 0, 10))
	assert.False(t, w.Allow("k", time.Second, 0))
}
