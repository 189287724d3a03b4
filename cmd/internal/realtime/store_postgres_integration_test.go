package realtime

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when BEACON_TEST_DATABASE_URL is set.
// This keeps local "go test ./..." fast & deterministic without requiring Postgres.

func TestPostgresNotificationStore_MarkReadDismiss(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	store := mustNewTestStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, n := range []Notification{
		{ID: "n-1", Category: "leads", Title: "one", Data: json.RawMessage(`{"lead_id":7}`)},
		{ID: "n-2", Title: "two"},
	} {
		if err := store.Insert(ctx, "alice", n); err != nil {
			t.Fatalf("insert %s: %v", n.ID, err)
		}
	}
	if err := store.Insert(ctx, "bob", Notification{ID: "n-1", Title: "bob's"}); err != nil {
		t.Fatalf("insert bob: %v", err)
	}

	if err := store.MarkRead(ctx, "n-1", "alice"); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	first := mustReadAt(t, pool, store.schema, "alice", "n-1")
	if first == nil {
		t.Fatalf("expected read_at to be set")
	}

	// Re-marking keeps the original timestamp.
	if err := store.MarkRead(ctx, "n-1", "alice"); err != nil {
		t.Fatalf("mark read again: %v", err)
	}
	if again := mustReadAt(t, pool, store.schema, "alice", "n-1"); again == nil || !again.Equal(*first) {
		t.Fatalf("read_at changed on re-mark: first=%v again=%v", first, again)
	}

	if got := mustReadAt(t, pool, store.schema, "bob", "n-1"); got != nil {
		t.Fatalf("mark read leaked across subjects")
	}

	if err := store.MarkRead(ctx, "missing", "alice"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Dismiss(ctx, "n-2", "bob"); !IsNotFound(err) {
		t.Fatalf("dismiss must be scoped to subject, got %v", err)
	}
	if err := store.Dismiss(ctx, "n-2", "alice"); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
}

func TestPostgresNotificationStore_MarkAllRead(t *testing.T) {
	pool := mustOpenTestPool(t)
	defer pool.Close()

	store := mustNewTestStore(t, pool)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, id := range []string{"n-1", "n-2", "n-3"} {
		if err := store.Insert(ctx, "alice", Notification{ID: id}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := store.Insert(ctx, "bob", Notification{ID: "n-9"}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := store.MarkAllRead(ctx, "alice"); err != nil {
		t.Fatalf("mark all read: %v", err)
	}

	var unread int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM `+pgIdent(store.schema, "notifications")+` WHERE read_at IS NULL`,
	).Scan(&unread); err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if unread != 1 {
		t.Fatalf("expected only bob's notification unread, got %d", unread)
	}
}

func TestWithSchema_RejectsInvalidIdentifiers(t *testing.T) {
	t.Parallel()

	for _, schema := range []string{"", "  ", "1abc", "beacon;drop", `a"b`} {
		st := &PostgresNotificationStore{}
		if err := WithSchema(schema)(st); err == nil {
			t.Fatalf("WithSchema(%q) expected error", schema)
		}
	}
	if _, err := NewPostgresNotificationStore(nil); err == nil {
		t.Fatalf("expected nil pool error")
	}
}

func mustNewTestStore(t *testing.T, pool *pgxpool.Pool) *PostgresNotificationStore {
	t.Helper()

	id, err := NewULID(time.Now())
	if err != nil {
		t.Fatalf("ulid: %v", err)
	}
	schema := "beacon_it_" + strings.ToLower(id)

	st, err := NewPostgresNotificationStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
	})
	return st
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("BEACON_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: BEACON_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse BEACON_TEST_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustReadAt(t *testing.T, pool *pgxpool.Pool, schema, subject, id string) *time.Time {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var readAt *time.Time
	if err := pool.QueryRow(ctx,
		`SELECT read_at FROM `+pgIdent(schema, "notifications")+` WHERE subject = $1 AND id = $2`,
		subject, id,
	).Scan(&readAt); err != nil {
		t.Fatalf("read read_at: %v", err)
	}
	return readAt
}
