package realtime

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryNotificationStore(t *testing.T) {
	s := NewInMemoryNotificationStore()
	ctx := context.Background()

	s.Put("alice", Notification{ID: "n-1"})

	assert.ErrorIs(t, s.MarkRead(ctx, "n-1", "bob"), ErrNotFound, "scoped to subject")
	assert.ErrorIs(t, s.MarkRead(ctx, "", "alice"), ErrInvalidInput)
	assert.ErrorIs(t, s.Dismiss(ctx, "n-1", ""), ErrInvalidSubject)
	assert.ErrorIs(t, s.MarkAllRead(ctx, " "), ErrInvalidSubject)

	require.NoError(t, s.MarkRead(ctx, "n-1", "alice"))
	first, ok := s.Get("alice", "n-1")
	require.True(t, ok)
	require.False(t, first.ReadAt.IsZero())

	require.NoError(t, s.MarkRead(ctx, "n-1", "alice"))
	again, _ := s.Get("alice", "n-1")
	assert.True(t, again.ReadAt.Equal(first.ReadAt), "first read time is kept")

	require.NoError(t, s.MarkAllRead(ctx, "nobody"))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, s.Dismiss(cctx, "n-1", "alice"), context.Canceled)
}

func TestMemoryDeliveryLog(t *testing.T) {
	var l MemoryDeliveryLog
	require.NoError(t, l.Record(context.Background(), DeliveryRecord{NotificationID: "n-1"}))

	recs := l.Records()
	require.Len(t, recs, 1)
	recs[0].NotificationID = "mutated"
	assert.Equal(t, "n-1", l.Records()[0].NotificationID)
}

func TestInMemoryNotificationStore_Insert(t *testing.T) {
	s := NewInMemoryNotificationStore()
	ctx := context.Background()

	assert.ErrorIs(t, s.Insert(ctx, "", Notification{ID: "n-1"}), ErrInvalidSubject)
	assert.ErrorIs(t, s.Insert(ctx, "alice", Notification{}), ErrInvalidInput)

	require.NoError(t, s.Insert(ctx, "alice", Notification{ID: "n-1", Title: "hi"}))
	st, ok := s.Get("alice", "n-1")
	require.True(t, ok)
	assert.Equal(t, "hi", st.Notification.Title)
	assert.False(t, st.Notification.CreatedAt.IsZero())

	require.NoError(t, s.Dismiss(ctx, "n-1", "alice"))
}
