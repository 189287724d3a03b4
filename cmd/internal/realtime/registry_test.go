package realtime

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	r := NewRegistry(discardLogger(), WithIDSource(seqIDs()), WithMetrics(m))

	a1 := mustOpenConn(t, r, "alice", 8)
	a2 := mustOpenConn(t, r, "alice", 8)
	b1 := mustOpenConn(t, r, "bob", 8)

	assert.Equal(t, "id-0001", a1.ID)
	assert.True(t, a1.IsOpen())
	assert.Equal(t, ConnectionStats{TotalConnections: 3, TotalSubjects: 2}, r.Stats())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.connections))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.subjects))

	got, ok := r.Lookup(b1.ID)
	require.True(t, ok)
	assert.Same(t, b1, got)

	ids := connIDs(r.ConnectionsFor("alice"))
	assert.Equal(t, []string{a1.ID, a2.ID}, ids)

	subjects := r.AllSubjects()
	sort.Strings(subjects)
	assert.Equal(t, []string{"alice", "bob"}, subjects)

	assert.Nil(t, r.ConnectionsFor("nobody"))
}

func TestRegistry_RegisterRejectsInvalidInput(t *testing.T) {
	r := NewRegistry(discardLogger())

	_, err := r.Register("  ", NewConnection("", 8, time.Now()))
	assert.ErrorIs(t, err, ErrInvalidSubject)

	_, err = r.Register("alice", nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	c := mustOpenConn(t, r, "alice", 8)
	_, err = r.Register("alice", c)
	assert.ErrorIs(t, err, ErrInvalidInput, "already open")

	_, err = r.Register("bob", NewConnection("alice", 8, time.Now()))
	assert.ErrorIs(t, err, ErrInvalidSubject, "subject mismatch")

	var op OpError
	require.True(t, errors.As(err, &op))
	assert.Equal(t, "realtime.Register", op.Op)
}

func TestRegistry_RegisterIDSourceFailure(t *testing.T) {
	r := NewRegistry(discardLogger(), WithIDSource(func(time.Time) (string, error) {
		return "", errors.New("entropy exhausted")
	}))

	c := NewConnection("alice", 8, time.Now())
	_, err := r.Register("alice", c)
	require.Error(t, err)
	assert.Equal(t, StateConnecting, c.State())
	assert.Equal(t, ConnectionStats{}, r.Stats())
}

func TestRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(discardLogger())

	a1 := mustOpenConn(t, r, "alice", 8)
	a2 := mustOpenConn(t, r, "alice", 8)

	assert.True(t, r.Unregister(a1.ID))
	assert.False(t, r.Unregister(a1.ID))
	assert.False(t, r.Unregister("never-registered"))

	assert.Equal(t, StateClosed, a1.State())
	assert.Equal(t, []string{a2.ID}, connIDs(r.ConnectionsFor("alice")))

	assert.True(t, r.Unregister(a2.ID))
	assert.Empty(t, r.AllSubjects(), "empty subject sets are dropped")
	assert.Equal(t, ConnectionStats{}, r.Stats())
}

func TestRegistry_ConcurrentUnregisterRemovesOnce(t *testing.T) {
	r := NewRegistry(discardLogger())
	c := mustOpenConn(t, r, "alice", 8)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		removed int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Unregister(c.ID) {
				mu.Lock()
				removed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, removed)
	assert.Equal(t, StateClosed, c.State())
}

func TestRegistry_ConsistentUnderConcurrency(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	r := NewRegistry(discardLogger(), WithMetrics(m))

	const (
		workers = 16
		perW    = 50
	)

	var wg sync.WaitGroup
	keep := make(chan *Connection, workers*perW)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			subject := fmt.Sprintf("user-%d", w%4)
			for i := 0; i < perW; i++ {
				c := NewConnection(subject, 8, time.Now())
				if _, err := r.Register(subject, c); err != nil {
					t.Errorf("register: %v", err)
					return
				}
				if i%2 == 0 {
					r.Unregister(c.ID)
				} else {
					keep <- c
				}
				_ = r.AllSubjects()
				_ = r.ConnectionsFor(subject)
			}
		}(w)
	}
	wg.Wait()
	close(keep)

	var kept []*Connection
	for c := range keep {
		kept = append(kept, c)
	}

	st := r.Stats()
	assert.Equal(t, len(kept), st.TotalConnections)
	assert.Equal(t, 4, st.TotalSubjects)
	assert.Equal(t, float64(st.TotalConnections), testutil.ToFloat64(m.connections), "gauge matches registry after churn")
	assert.Equal(t, float64(st.TotalSubjects), testutil.ToFloat64(m.subjects))

	// Every connection reachable by id is reachable by subject and vice versa.
	bySubject := 0
	for _, s := range r.AllSubjects() {
		for _, c := range r.ConnectionsFor(s) {
			bySubject++
			got, ok := r.Lookup(c.ID)
			require.True(t, ok)
			assert.Equal(t, s, got.Subject)
		}
	}
	assert.Equal(t, st.TotalConnections, bySubject)
	assert.Len(t, r.Snapshot(), st.TotalConnections)

	assert.Equal(t, len(kept), r.UnregisterAll())
	assert.Equal(t, ConnectionStats{}, r.Stats())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connections))
	for _, c := range kept {
		assert.Equal(t, StateClosed, c.State())
	}
}

func connIDs(conns []*Connection) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.ID)
	}
	sort.Strings(out)
	return out
}
