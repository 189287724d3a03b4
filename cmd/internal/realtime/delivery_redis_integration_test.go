package realtime

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests are enabled when BEACON_TEST_REDIS_ADDR is set.

func TestRedisDeliveryLog_Record(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("BEACON_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("integration test skipped: BEACON_TEST_REDIS_ADDR is not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer func() { _ = rdb.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rdb.Ping(ctx).Err())

	id, err := NewULID(time.Now())
	require.NoError(t, err)
	prefix := "beacon:it:" + strings.ToLower(id)
	t.Cleanup(func() {
		keys, _ := rdb.Keys(context.Background(), prefix+":*").Result()
		if len(keys) > 0 {
			_ = rdb.Del(context.Background(), keys...).Err()
		}
	})

	log := NewRedisDeliveryLog(rdb, WithDeliveryPrefix(prefix+":"), WithDeliveryTTL(time.Minute))
	at := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

	for i := 0; i < 2; i++ {
		require.NoError(t, log.Record(ctx, DeliveryRecord{
			NotificationID: "n-1",
			Subject:        "alice",
			Connections:    2,
			DeliveredAt:    at,
		}))
	}

	total, err := rdb.HGet(ctx, prefix+":total", DeliveryChannelWebSocket).Int()
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	minute, err := rdb.HGet(ctx, prefix+":minute:202603011230", DeliveryChannelWebSocket).Int()
	require.NoError(t, err)
	assert.Equal(t, 2, minute)

	ttl, err := rdb.TTL(ctx, prefix+":minute:202603011230").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	fields, err := rdb.HGetAll(ctx, prefix+":notification:n-1").Result()
	require.NoError(t, err)
	assert.Equal(t, "alice", fields["subject"])
	assert.Equal(t, "2", fields["connections"])
	assert.Equal(t, at.Format(time.RFC3339Nano), fields["delivered_at"])
}

func TestRedisDeliveryLog_NilClientIsNoop(t *testing.T) {
	var l *RedisDeliveryLog
	assert.NoError(t, l.Record(context.Background(), DeliveryRecord{}))
	assert.NoError(t, NewRedisDeliveryLog(nil).Record(context.Background(), DeliveryRecord{}))
}
