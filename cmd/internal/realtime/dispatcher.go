package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	v1 "beacon/shared/contracts/notify/v1"
)

// Dispatcher pushes envelopes to registered connections.
//
// Sends never block: each connection gets a non-blocking enqueue. Connections
// that cannot receive (closed, or outbound queue full) are pruned through the
// Registry after the iteration, never while the snapshot is being walked.
type Dispatcher struct {
	log        *slog.Logger
	registry   *Registry
	deliveries DeliveryLog
	opts       options

	deliveryTimeout time.Duration
}

// NewDispatcher constructs a Dispatcher. A nil deliveries log discards records.
func NewDispatcher(log *slog.Logger, registry *Registry, deliveries DeliveryLog, opts ...Option) *Dispatcher {
	if deliveries == nil {
		deliveries = NopDeliveryLog{}
	}
	return &Dispatcher{
		log:             orDefaultLogger(log),
		registry:        registry,
		deliveries:      deliveries,
		opts:            newOptions(opts),
		deliveryTimeout: defaultDeliveryTimeout,
	}
}

type failedSend struct {
	conn   *Connection
	reason string
}

// SendToSubject enqueues env on every connection of subject and returns the number of successful enqueues.
func (d *Dispatcher) SendToSubject(subject string, env v1.Envelope) int {
	sent, failed := d.deliver(d.registry.ConnectionsFor(subject), env, nil)
	d.prune(failed)
	return sent
}

// Broadcast enqueues env on every connection of every subject except exclude.
// An empty exclude means no exclusion.
func (d *Dispatcher) Broadcast(env v1.Envelope, exclude string) int {
	var (
		total  int
		failed []failedSend
	)
	for _, subject := range d.registry.AllSubjects() {
		if exclude != "" && subject == exclude {
			continue
		}
		n, f := d.deliver(d.registry.ConnectionsFor(subject), env, nil)
		total += n
		failed = append(failed, f...)
	}
	d.prune(failed)

	d.log.Debug("dispatch.broadcast", "type", env.Type, "exclude", exclude, "sent", total, "pruned", len(failed))
	return total
}

// SendNotification pushes n to subject's connections whose category filter accepts it,
// then records the delivery. Delivery log failures are logged and swallowed.
func (d *Dispatcher) SendNotification(ctx context.Context, n Notification, subject string) int {
	now := d.opts.now()
	env, ok := d.notificationEnvelope(n, now)
	if !ok {
		return 0
	}

	sent, failed := d.deliver(d.registry.ConnectionsFor(subject), env, acceptsCategory(n.Category))
	d.prune(failed)

	if sent == 0 {
		d.log.Debug("dispatch.notification.undelivered", "notification_id", n.ID, "subject", subject)
		return 0
	}
	d.record(ctx, n.ID, map[string]int{subject: sent}, now)
	return sent
}

// BroadcastNotification pushes n to every subject except exclude, honouring each connection's
// category filter. One delivery record is written per subject that received the frame.
func (d *Dispatcher) BroadcastNotification(ctx context.Context, n Notification, exclude string) int {
	now := d.opts.now()
	env, ok := d.notificationEnvelope(n, now)
	if !ok {
		return 0
	}

	accept := acceptsCategory(n.Category)
	var (
		total     int
		failed    []failedSend
		delivered = make(map[string]int)
	)
	for _, subject := range d.registry.AllSubjects() {
		if exclude != "" && subject == exclude {
			continue
		}
		sent, f := d.deliver(d.registry.ConnectionsFor(subject), env, accept)
		failed = append(failed, f...)
		if sent > 0 {
			delivered[subject] = sent
			total += sent
		}
	}
	d.prune(failed)

	d.log.Debug("dispatch.notification.broadcast", "notification_id", n.ID, "exclude", exclude, "sent", total, "subjects", len(delivered), "pruned", len(failed))
	d.record(ctx, n.ID, delivered, now)
	return total
}

func (d *Dispatcher) notificationEnvelope(n Notification, now time.Time) (v1.Envelope, bool) {
	raw, err := json.Marshal(n)
	if err != nil {
		d.log.Error("dispatch.notification.encode.fail", "notification_id", n.ID, "err", err)
		return v1.Envelope{}, false
	}
	return newEnvelope(v1.TypeNotification, v1.NotificationPayload{Notification: raw, Timestamp: now}, now, d.opts.newID), true
}

func acceptsCategory(category string) func(*Connection) bool {
	category = strings.TrimSpace(category)
	return func(c *Connection) bool { return c.Accepts(category) }
}

// record writes one delivery record per subject, all under a single bounded context.
func (d *Dispatcher) record(ctx context.Context, notificationID string, delivered map[string]int, now time.Time) {
	if len(delivered) == 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rctx, cancel := context.WithTimeout(ctx, d.deliveryTimeout)
	defer cancel()

	for subject, sent := range delivered {
		rec := DeliveryRecord{
			NotificationID: notificationID,
			Subject:        subject,
			Channel:        DeliveryChannelWebSocket,
			Connections:    sent,
			DeliveredAt:    now,
		}
		if err := d.deliveries.Record(rctx, rec); err != nil {
			d.log.Warn("dispatch.delivery_log.fail", "notification_id", notificationID, "subject", subject, "err", err)
		}
	}
}

// deliver attempts a non-blocking enqueue on each connection that passes accept.
// Connections rejected by accept are skipped, not failed.
func (d *Dispatcher) deliver(conns []*Connection, env v1.Envelope, accept func(*Connection) bool) (int, []failedSend) {
	var (
		sent   int
		failed []failedSend
	)
	for _, c := range conns {
		if accept != nil && !accept(c) {
			continue
		}
		if err := c.TrySend(env); err != nil {
			reason := reasonClosed
			if errors.Is(err, ErrBackpressure) {
				reason = reasonBackpressure
			}
			failed = append(failed, failedSend{conn: c, reason: reason})
			continue
		}
		sent++
	}
	d.opts.metrics.sent(sent)
	return sent, failed
}

func (d *Dispatcher) prune(failed []failedSend) {
	for _, f := range failed {
		if !d.registry.Unregister(f.conn.ID) {
			continue
		}
		d.opts.metrics.prune(f.reason)
		d.log.Info("dispatch.prune", "connection_id", f.conn.ID, "subject", f.conn.Subject, "reason", f.reason)
	}
}
