package v1

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame is a decoded inbound control frame.
//
// The set of implementations is closed (the marker method is unexported):
// Ping, MarkRead, MarkAllRead, Dismiss, Subscribe, Unsubscribe and Unknown.
type Frame interface {
	FrameType() string
	isFrame()
}

// Ping is a liveness signal.
type Ping struct{}

// MarkRead marks one notification as read.
type MarkRead struct {
	NotificationID string `json:"notification_id"`
}

// MarkAllRead marks all notifications of the subject as read.
type MarkAllRead struct{}

// Dismiss dismisses one notification.
type Dismiss struct {
	NotificationID string `json:"notification_id"`
}

// Subscribe adds categories to the connection filter.
type Subscribe struct {
	Categories []string `json:"categories"`
}

// Unsubscribe removes categories from the connection filter.
type Unsubscribe struct {
	Categories []string `json:"categories"`
}

// Unknown carries a frame type this server does not understand.
type Unknown struct {
	Type string
}

func (Ping) FrameType() string        { return TypePing }
func (MarkRead) FrameType() string    { return TypeMarkRead }
func (MarkAllRead) FrameType() string { return TypeMarkAllRead }
func (Dismiss) FrameType() string     { return TypeDismiss }
func (Subscribe) FrameType() string   { return TypeSubscribe }
func (Unsubscribe) FrameType() string { return TypeUnsubscribe }
func (u Unknown) FrameType() string   { return u.Type }

func (Ping) isFrame()        {}
func (MarkRead) isFrame()    {}
func (MarkAllRead) isFrame() {}
func (Dismiss) isFrame()     {}
func (Subscribe) isFrame()   {}
func (Unsubscribe) isFrame() {}
func (Unknown) isFrame()     {}

// DecodeFrame converts a validated envelope into its tagged variant.
// Unrecognized types yield Unknown and a nil error.
func DecodeFrame(env Envelope) (Frame, error) {
	switch env.Type {
	case TypePing:
		return Ping{}, nil

	case TypeMarkAllRead:
		return MarkAllRead{}, nil

	case TypeMarkRead:
		var f MarkRead
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		f.NotificationID = strings.TrimSpace(f.NotificationID)
		if f.NotificationID == "" {
			return nil, fmt.Errorf("%s: missing notification_id", env.Type)
		}
		return f, nil

	case TypeDismiss:
		var f Dismiss
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		f.NotificationID = strings.TrimSpace(f.NotificationID)
		if f.NotificationID == "" {
			return nil, fmt.Errorf("%s: missing notification_id", env.Type)
		}
		return f, nil

	case TypeSubscribe:
		var f Subscribe
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		f.Categories = normalizeCategories(f.Categories)
		return f, nil

	case TypeUnsubscribe:
		var f Unsubscribe
		if err := decodePayload(env, &f); err != nil {
			return nil, err
		}
		f.Categories = normalizeCategories(f.Categories)
		return f, nil

	default:
		return Unknown{Type: env.Type}, nil
	}
}

func decodePayload(env Envelope, dst any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: missing payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", env.Type, err)
	}
	return nil
}

func normalizeCategories(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, c := range in {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
