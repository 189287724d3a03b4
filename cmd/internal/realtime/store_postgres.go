package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresNotificationStore is a NotificationStore backed by PostgreSQL.
//
// It does NOT own the pgx pool; the caller closes it.
// Every statement is scoped by subject so a connection can only touch its own rows.
type PostgresNotificationStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresNotificationStore behavior.
type PostgresOption func(*PostgresNotificationStore) error

// WithSchema sets the DB schema used by this store (default: "beacon").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresNotificationStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresNotificationStore constructs a Postgres-backed NotificationStore.
func NewPostgresNotificationStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresNotificationStore, error) {
	st := &PostgresNotificationStore{
		pool:   pool,
		schema: "beacon",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// EnsureSchema creates the schema and notifications table when missing.
func (s *PostgresNotificationStore) EnsureSchema(ctx context.Context) error {
	notifications := pgIdent(s.schema, "notifications")
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id           TEXT        NOT NULL,
  subject      TEXT        NOT NULL,
  category     TEXT        NOT NULL DEFAULT '',
  title        TEXT        NOT NULL DEFAULT '',
  body         TEXT        NOT NULL DEFAULT '',
  data         JSONB,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  read_at      TIMESTAMPTZ,
  dismissed_at TIMESTAMPTZ,
  PRIMARY KEY (subject, id)
);`, pgx.Identifier{s.schema}.Sanitize(), notifications)

	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Insert stores a notification for subject (seeding and producers that persist before pushing).
func (s *PostgresNotificationStore) Insert(ctx context.Context, subject string, n Notification) error {
	if strings.TrimSpace(subject) == "" {
		return OpError{Op: "realtime.Insert", Kind: ErrInvalidSubject}
	}
	if strings.TrimSpace(n.ID) == "" {
		return OpError{Op: "realtime.Insert", Kind: ErrInvalidInput, Msg: "missing id"}
	}
	created := n.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var data []byte
	if len(n.Data) > 0 {
		data = n.Data
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "notifications")+` (id, subject, category, title, body, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (subject, id) DO NOTHING`,
		n.ID, subject, n.Category, n.Title, n.Body, data, created,
	)
	return err
}

// MarkRead sets read_at once; re-marking an already read notification succeeds.
func (s *PostgresNotificationStore) MarkRead(ctx context.Context, notificationID, subject string) error {
	return s.touchOne(ctx, "realtime.MarkRead", "read_at", notificationID, subject)
}

// Dismiss sets dismissed_at once.
func (s *PostgresNotificationStore) Dismiss(ctx context.Context, notificationID, subject string) error {
	return s.touchOne(ctx, "realtime.Dismiss", "dismissed_at", notificationID, subject)
}

// MarkAllRead marks every unread notification of subject as read.
func (s *PostgresNotificationStore) MarkAllRead(ctx context.Context, subject string) error {
	if strings.TrimSpace(subject) == "" {
		return OpError{Op: "realtime.MarkAllRead", Kind: ErrInvalidSubject}
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "notifications")+`
		    SET read_at = now()
		  WHERE subject = $1 AND read_at IS NULL`,
		subject,
	)
	return err
}

// column is always one of the fixed literals passed by MarkRead/Dismiss.
func (s *PostgresNotificationStore) touchOne(ctx context.Context, op, column, notificationID, subject string) error {
	if strings.TrimSpace(subject) == "" {
		return OpError{Op: op, Kind: ErrInvalidSubject}
	}
	if strings.TrimSpace(notificationID) == "" {
		return OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing notification_id"}
	}

	col := pgx.Identifier{column}.Sanitize()
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "notifications")+`
		    SET `+col+` = COALESCE(`+col+`, now())
		  WHERE id = $1 AND subject = $2`,
		notificationID, subject,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: op, Kind: ErrNotFound, Msg: notificationID}
	}
	return nil
}

// Ping verifies the pool can reach the database.
func (s *PostgresNotificationStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
