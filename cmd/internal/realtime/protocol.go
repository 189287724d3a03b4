package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	v1 "beacon/shared/contracts/notify/v1"
)

// Error codes sent in error frames.
const (
	CodeUnsupported      = "unsupported"
	CodeStoreUnavailable = "store_unavailable"
	CodeNotFound         = "not_found"
	CodeBadJSON          = "bad_json"
	CodeBadEnvelope      = "bad_envelope"
	CodeBadPayload       = "bad_payload"
	CodeRateLimited      = "rate_limited"
)

// ProtocolHandler applies inbound control frames to connection state and the NotificationStore.
//
// Frames for one connection are handled in receipt order by the transport read loop.
// Collaborator failures are reported to the client and never close the connection.
type ProtocolHandler struct {
	log   *slog.Logger
	store NotificationStore
	opts  options
}

// NewProtocolHandler constructs a handler. A nil store falls back to an in-memory store.
func NewProtocolHandler(log *slog.Logger, store NotificationStore, opts ...Option) *ProtocolHandler {
	if store == nil {
		store = NewInMemoryNotificationStore()
	}
	return &ProtocolHandler{
		log:   orDefaultLogger(log),
		store: store,
		opts:  newOptions(opts),
	}
}

// Handle processes one decoded frame for conn.
// It returns ErrConnectionClosed when conn is not Open; every other outcome is a reply frame.
func (h *ProtocolHandler) Handle(ctx context.Context, conn *Connection, frame v1.Frame) error {
	if conn == nil || !conn.IsOpen() {
		return ErrConnectionClosed
	}
	now := h.opts.now()

	switch f := frame.(type) {
	case v1.Ping:
		h.opts.metrics.received(v1.TypePing)
		conn.Touch(now)
		h.reply(conn, newEnvelope(v1.TypePong, v1.PongPayload{ServerTS: now}, now, h.opts.newID))

	case v1.MarkRead:
		h.opts.metrics.received(v1.TypeMarkRead)
		h.applyStore(conn, v1.TypeMarkRead, f.NotificationID, func() error {
			return h.store.MarkRead(ctx, f.NotificationID, conn.Subject)
		})

	case v1.MarkAllRead:
		h.opts.metrics.received(v1.TypeMarkAllRead)
		h.applyStore(conn, v1.TypeMarkAllRead, "", func() error {
			return h.store.MarkAllRead(ctx, conn.Subject)
		})

	case v1.Dismiss:
		h.opts.metrics.received(v1.TypeDismiss)
		h.applyStore(conn, v1.TypeDismiss, f.NotificationID, func() error {
			return h.store.Dismiss(ctx, f.NotificationID, conn.Subject)
		})

	case v1.Subscribe:
		h.opts.metrics.received(v1.TypeSubscribe)
		cats := conn.Subscribe(f.Categories)
		h.reply(conn, newEnvelope(v1.TypeSubscriptions, v1.SubscriptionsPayload{Categories: cats}, now, h.opts.newID))

	case v1.Unsubscribe:
		h.opts.metrics.received(v1.TypeUnsubscribe)
		cats := conn.Unsubscribe(f.Categories)
		h.reply(conn, newEnvelope(v1.TypeSubscriptions, v1.SubscriptionsPayload{Categories: cats}, now, h.opts.newID))

	default:
		// Unknown frame types are bucketed to bound label cardinality.
		h.opts.metrics.received("unknown")
		typ := "<nil>"
		if frame != nil {
			typ = frame.FrameType()
		}
		h.log.Warn("protocol.frame.unsupported", "connection_id", conn.ID, "type", typ)
		h.reply(conn, errorEnvelope(CodeUnsupported, fmt.Sprintf("unsupported type: %s", typ), now, h.opts.newID))
	}
	return nil
}

func (h *ProtocolHandler) applyStore(conn *Connection, op, notificationID string, fn func() error) {
	now := h.opts.now()
	err := fn()
	if errors.Is(err, ErrNotFound) {
		h.log.Info("protocol.store.not_found", "connection_id", conn.ID, "op", op, "notification_id", notificationID)
		h.reply(conn, errorEnvelope(CodeNotFound, "notification not found", now, h.opts.newID))
		return
	}
	if err != nil {
		h.log.Error("protocol.store.fail",
			"connection_id", conn.ID,
			"subject", conn.Subject,
			"op", op,
			"notification_id", notificationID,
			"err", err,
		)
		h.reply(conn, errorEnvelope(CodeStoreUnavailable, op+" failed", now, h.opts.newID))
		return
	}
	h.reply(conn, newEnvelope(v1.TypeAck, v1.AckPayload{Op: op, NotificationID: notificationID}, now, h.opts.newID))
}

func (h *ProtocolHandler) reply(conn *Connection, env v1.Envelope) {
	if err := conn.TrySend(env); err != nil {
		h.log.Debug("protocol.reply.drop", "connection_id", conn.ID, "type", env.Type, "err", err)
	}
}
