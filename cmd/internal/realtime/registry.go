// Package realtime contains Beacon's connection registry, notification fan-out,
// heartbeat reaping, inbound control-frame handling and the WebSocket gateway.
package realtime

import (
	"log/slog"
	"strings"
	"sync"
)

// ConnectionStats is the registry introspection view.
type ConnectionStats struct {
	TotalConnections int `json:"total_connections"`
	TotalSubjects    int `json:"total_subjects"`
}

// Registry indexes live connections by id and by subject.
//
// Both views are guarded by one lock and are always mutually consistent:
// a connection is in byID iff it is in bySubject[conn.Subject].
type Registry struct {
	log     *slog.Logger
	opts    options
	metrics *Metrics

	mu        sync.RWMutex
	byID      map[string]*Connection
	bySubject map[string]map[string]*Connection
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger, opts ...Option) *Registry {
	o := newOptions(opts)
	return &Registry{
		log:       orDefaultLogger(log),
		opts:      o,
		metrics:   o.metrics,
		byID:      make(map[string]*Connection),
		bySubject: make(map[string]map[string]*Connection),
	}
}

// Register assigns a fresh id to conn, inserts it in both views and opens it.
func (r *Registry) Register(subject string, conn *Connection) (string, error) {
	const op = "realtime.Register"

	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", OpError{Op: op, Kind: ErrInvalidSubject, Msg: "blank subject"}
	}
	if conn == nil {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "nil connection"}
	}
	if conn.State() != StateConnecting {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "connection already " + conn.State().String()}
	}
	if conn.Subject != "" && conn.Subject != subject {
		return "", OpError{Op: op, Kind: ErrInvalidSubject, Msg: "subject mismatch"}
	}

	id, err := r.opts.newID(r.opts.now())
	if err != nil {
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "id source: " + err.Error()}
	}

	r.mu.Lock()
	if _, dup := r.byID[id]; dup {
		r.mu.Unlock()
		return "", OpError{Op: op, Kind: ErrInvalidInput, Msg: "duplicate connection id"}
	}
	conn.ID = id
	conn.Subject = subject
	if !conn.open() {
		r.mu.Unlock()
		return "", OpError{Op: op, Kind: ErrConnectionClosed}
	}
	r.byID[id] = conn
	set := r.bySubject[subject]
	if set == nil {
		set = make(map[string]*Connection)
		r.bySubject[subject] = set
	}
	set[id] = conn
	nConn, nSubj := len(r.byID), len(r.bySubject)
	// Gauges are written under the lock so interleaved calls cannot publish stale counts.
	r.metrics.registry(nConn, nSubj)
	r.mu.Unlock()

	r.log.Info("registry.register", "connection_id", id, "subject", subject, "connections", nConn)
	return id, nil
}

// Unregister removes id from both views and closes its connection.
// Unknown ids are a no-op; the return value reports whether anything was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byID, id)
	if set := r.bySubject[conn.Subject]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.bySubject, conn.Subject)
		}
	}
	nConn, nSubj := len(r.byID), len(r.bySubject)
	r.metrics.registry(nConn, nSubj)
	r.mu.Unlock()

	// Close after removal so no dispatcher snapshot taken from now on sees it.
	conn.Close()

	r.log.Info("registry.unregister", "connection_id", id, "subject", conn.Subject, "connections", nConn)
	return true
}

// Lookup returns the connection registered under id.
func (r *Registry) Lookup(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// ConnectionsFor returns a snapshot of subject's connections.
func (r *Registry) ConnectionsFor(subject string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.bySubject[subject]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// AllSubjects returns a snapshot of subjects with at least one connection.
func (r *Registry) AllSubjects() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.bySubject))
	for s := range r.bySubject {
		out = append(out, s)
	}
	return out
}

// Snapshot returns every registered connection.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Stats returns connection and subject counts.
func (r *Registry) Stats() ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ConnectionStats{TotalConnections: len(r.byID), TotalSubjects: len(r.bySubject)}
}

// UnregisterAll removes and closes every connection. It returns how many were removed.
func (r *Registry) UnregisterAll() int {
	n := 0
	for _, c := range r.Snapshot() {
		if r.Unregister(c.ID) {
			n++
		}
	}
	return n
}
