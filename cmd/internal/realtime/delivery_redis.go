package realtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeliveryLog records deliveries as Redis hash counters.
//
// Keys (prefix defaults to "beacon:delivery"):
//   - <prefix>:total                  channel -> deliveries (cumulative, no TTL)
//   - <prefix>:minute:<YYYYMMDDhhmm>  channel -> deliveries (expires after ttl)
//   - <prefix>:notification:<id>      subject, channel, connections, delivered_at (expires after ttl)
type RedisDeliveryLog struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

// RedisDeliveryOption configures RedisDeliveryLog.
type RedisDeliveryOption func(*RedisDeliveryLog)

// WithDeliveryPrefix overrides the key prefix.
func WithDeliveryPrefix(prefix string) RedisDeliveryOption {
	return func(l *RedisDeliveryLog) {
		if p := strings.Trim(strings.TrimSpace(prefix), ":"); p != "" {
			l.prefix = p
		}
	}
}

// WithDeliveryTTL sets the expiry of per-minute and per-notification keys. Zero disables expiry.
func WithDeliveryTTL(d time.Duration) RedisDeliveryOption {
	return func(l *RedisDeliveryLog) { l.ttl = d }
}

// NewRedisDeliveryLog constructs a DeliveryLog on rdb. The caller owns rdb.
func NewRedisDeliveryLog(rdb redis.Cmdable, opts ...RedisDeliveryOption) *RedisDeliveryLog {
	l := &RedisDeliveryLog{
		rdb:    rdb,
		prefix: "beacon:delivery",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Record writes rec in one pipeline round trip.
func (l *RedisDeliveryLog) Record(ctx context.Context, rec DeliveryRecord) error {
	if l == nil || l.rdb == nil {
		return nil
	}

	at := rec.DeliveredAt
	if at.IsZero() {
		at = time.Now()
	}
	channel := rec.Channel
	if channel == "" {
		channel = DeliveryChannelWebSocket
	}

	pipe := l.rdb.Pipeline()
	pipe.HIncrBy(ctx, l.prefix+":total", channel, 1)

	minuteKey := fmt.Sprintf("%s:minute:%s", l.prefix, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, minuteKey, channel, 1)
	if l.ttl > 0 {
		pipe.Expire(ctx, minuteKey, l.ttl)
	}

	if id := strings.TrimSpace(rec.NotificationID); id != "" {
		nKey := l.prefix + ":notification:" + id
		pipe.HSet(ctx, nKey,
			"subject", rec.Subject,
			"channel", channel,
			"connections", rec.Connections,
			"delivered_at", at.UTC().Format(time.RFC3339Nano),
		)
		if l.ttl > 0 {
			pipe.Expire(ctx, nKey, l.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delivery log: %w", err)
	}
	return nil
}
