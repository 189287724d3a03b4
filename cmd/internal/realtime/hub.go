package realtime

import (
	"context"
	"log/slog"
	"time"

	v1 "beacon/shared/contracts/notify/v1"
)

// HubConfig controls connection queues and heartbeat reaping.
type HubConfig struct {
	SendQueueSize          int
	HeartbeatTimeout       time.Duration
	HeartbeatSweepInterval time.Duration
}

// Hub is the façade producers and transports use: it owns the Registry and
// wires the Dispatcher, HeartbeatMonitor and ProtocolHandler around it.
type Hub struct {
	log  *slog.Logger
	cfg  HubConfig
	opts options

	registry   *Registry
	dispatcher *Dispatcher
	heartbeat  *HeartbeatMonitor
	protocol   *ProtocolHandler
}

// NewHub constructs a Hub. Nil collaborators fall back to in-memory implementations.
func NewHub(log *slog.Logger, cfg HubConfig, store NotificationStore, deliveries DeliveryLog, opts ...Option) *Hub {
	log = orDefaultLogger(log)
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = defaultSendQueueSize
	}

	reg := NewRegistry(log, opts...)
	hb := NewHeartbeatMonitor(log, reg, cfg.HeartbeatTimeout, cfg.HeartbeatSweepInterval, opts...)
	cfg.HeartbeatTimeout = hb.timeout
	cfg.HeartbeatSweepInterval = hb.interval

	return &Hub{
		log:        log,
		cfg:        cfg,
		opts:       newOptions(opts),
		registry:   reg,
		dispatcher: NewDispatcher(log, reg, deliveries, opts...),
		heartbeat:  hb,
		protocol:   NewProtocolHandler(log, store, opts...),
	}
}

// Config returns the effective configuration.
func (h *Hub) Config() HubConfig { return h.cfg }

// Registry exposes the underlying registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Connect creates and registers a connection for subject. The id is conn.ID.
func (h *Hub) Connect(subject string) (*Connection, error) {
	conn := NewConnection(subject, h.cfg.SendQueueSize, h.opts.now())
	if _, err := h.registry.Register(subject, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Disconnect unregisters id. Unknown ids are a no-op.
func (h *Hub) Disconnect(id string) bool {
	return h.registry.Unregister(id)
}

// SendPersonal pushes env to every connection of subject.
func (h *Hub) SendPersonal(subject string, env v1.Envelope) int {
	return h.dispatcher.SendToSubject(subject, env)
}

// Broadcast pushes env to every subject except exclude (empty = none).
func (h *Hub) Broadcast(env v1.Envelope, exclude string) int {
	return h.dispatcher.Broadcast(env, exclude)
}

// SendNotification pushes n to subject and records the delivery.
func (h *Hub) SendNotification(ctx context.Context, n Notification, subject string) int {
	return h.dispatcher.SendNotification(ctx, n, subject)
}

// BroadcastNotification pushes n to every subject except exclude, respecting category filters,
// and records the delivery per subject.
func (h *Hub) BroadcastNotification(ctx context.Context, n Notification, exclude string) int {
	return h.dispatcher.BroadcastNotification(ctx, n, exclude)
}

// Handle applies one inbound frame for conn.
func (h *Hub) Handle(ctx context.Context, conn *Connection, frame v1.Frame) error {
	return h.protocol.Handle(ctx, conn, frame)
}

// NewEnvelope builds an outbound envelope with a fresh id and timestamp.
func (h *Hub) NewEnvelope(typ string, payload any) v1.Envelope {
	return newEnvelope(typ, payload, h.opts.now(), h.opts.newID)
}

// ConnectionStats returns registry counts.
func (h *Hub) ConnectionStats() ConnectionStats {
	return h.registry.Stats()
}

// Sweep runs one heartbeat sweep at now.
func (h *Hub) Sweep(now time.Time) int {
	return h.heartbeat.Sweep(now)
}

// Run drives the heartbeat monitor until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.heartbeat.Run(ctx)
}

// Close unregisters every connection.
func (h *Hub) Close() {
	n := h.registry.UnregisterAll()
	h.log.Info("hub.close", "connections_closed", n)
}
