package realtime

import (
	"context"
	"encoding/json"
	"time"
)

// Notification is the unit pushed to subjects. Its content is decided by producers.
type Notification struct {
	ID        string          `json:"id"`
	Category  string          `json:"category,omitempty"`
	Title     string          `json:"title"`
	Body      string          `json:"body,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NotificationStore applies per-subject notification state changes.
// Implementations must scope every operation to subject.
type NotificationStore interface {
	MarkRead(ctx context.Context, notificationID, subject string) error
	MarkAllRead(ctx context.Context, subject string) error
	Dismiss(ctx context.Context, notificationID, subject string) error
}

// NotificationWriter persists a notification for subject before it is pushed.
type NotificationWriter interface {
	Insert(ctx context.Context, subject string, n Notification) error
}

// DeliveryRecord describes one successful real-time delivery.
type DeliveryRecord struct {
	NotificationID string
	Subject        string
	Channel        string
	Connections    int
	DeliveredAt    time.Time
}

// DeliveryLog is a best-effort sink for delivery records.
type DeliveryLog interface {
	Record(ctx context.Context, rec DeliveryRecord) error
}

// DeliveryChannelWebSocket is the channel name recorded for real-time pushes.
const DeliveryChannelWebSocket = "websocket"

// NopDeliveryLog discards records.
type NopDeliveryLog struct{}

func (NopDeliveryLog) Record(context.Context, DeliveryRecord) error { return nil }
