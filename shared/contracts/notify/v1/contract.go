// Package v1 defines the Beacon Notify Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Inbound control types (client -> server).
const (
	// TypePing is a liveness signal; the server answers with TypePong.
	TypePing = "ping"
	// TypeMarkRead marks one notification as read for the connection's subject.
	TypeMarkRead = "mark_read"
	// TypeMarkAllRead marks every notification of the connection's subject as read.
	TypeMarkAllRead = "mark_all_read"
	// TypeDismiss dismisses one notification for the connection's subject.
	TypeDismiss = "dismiss"
	// TypeSubscribe adds notification categories to the connection filter.
	TypeSubscribe = "subscribe"
	// TypeUnsubscribe removes notification categories from the connection filter.
	TypeUnsubscribe = "unsubscribe"
)

// Outbound types (server -> client).
const (
	TypeConnected     = "connected"
	TypePong          = "pong"
	TypeNotification  = "notification"
	TypeAck           = "ack"
	TypeSubscriptions = "subscriptions"
	TypeError         = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs structural validation. Unknown types are NOT rejected here:
// they decode to Unknown so the receiver can ignore them without dropping the connection.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	return nil
}

// ---- Outbound payloads ----

// ConnectedPayload is sent once after a connection is registered.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
	Subject      string `json:"subject"`
}

// PongPayload answers a ping.
type PongPayload struct {
	ServerTS time.Time `json:"server_ts"`
}

// NotificationPayload wraps a pushed notification.
type NotificationPayload struct {
	Notification json.RawMessage `json:"notification"`
	Timestamp    time.Time       `json:"timestamp"`
}

// AckPayload confirms a state-changing control frame.
type AckPayload struct {
	Op             string `json:"op"`
	NotificationID string `json:"notification_id,omitempty"`
}

// SubscriptionsPayload reports the connection's category filter after a change.
// An empty list means "all categories".
type SubscriptionsPayload struct {
	Categories []string `json:"categories"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
