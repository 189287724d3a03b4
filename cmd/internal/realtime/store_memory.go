package realtime

import (
	"context"
	"strings"
	"sync"
	"time"
)

// NotificationState is the per-subject state of one notification.
type NotificationState struct {
	Notification Notification
	ReadAt       time.Time
	DismissedAt  time.Time
}

// InMemoryNotificationStore is a dev-only fallback when DB is not configured.
// Notifications must be seeded with Put before they can be marked or dismissed.
type InMemoryNotificationStore struct {
	now func() time.Time

	mu    sync.Mutex
	bySub map[string]map[string]*NotificationState
}

// NewInMemoryNotificationStore constructs an empty store.
func NewInMemoryNotificationStore() *InMemoryNotificationStore {
	return &InMemoryNotificationStore{
		now:   func() time.Time { return time.Now().UTC() },
		bySub: make(map[string]map[string]*NotificationState),
	}
}

// Put seeds (or replaces) a notification for subject.
func (s *InMemoryNotificationStore) Put(subject string, n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.bySub[subject]
	if m == nil {
		m = make(map[string]*NotificationState)
		s.bySub[subject] = m
	}
	m[n.ID] = &NotificationState{Notification: n}
}

// Insert is Put behind the NotificationWriter contract.
func (s *InMemoryNotificationStore) Insert(ctx context.Context, subject string, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(subject) == "" {
		return OpError{Op: "realtime.Insert", Kind: ErrInvalidSubject}
	}
	if strings.TrimSpace(n.ID) == "" {
		return OpError{Op: "realtime.Insert", Kind: ErrInvalidInput, Msg: "missing id"}
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	s.Put(subject, n)
	return nil
}

// Get returns a copy of the state of notificationID for subject.
func (s *InMemoryNotificationStore) Get(subject, notificationID string) (NotificationState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.bySub[subject][notificationID]
	if !ok {
		return NotificationState{}, false
	}
	return *st, true
}

// MarkRead marks one notification as read. Re-marking keeps the first read time.
func (s *InMemoryNotificationStore) MarkRead(ctx context.Context, notificationID, subject string) error {
	st, err := s.lookup(ctx, "realtime.MarkRead", notificationID, subject)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	if st.ReadAt.IsZero() {
		st.ReadAt = s.now()
	}
	return nil
}

// MarkAllRead marks every unread notification of subject as read.
func (s *InMemoryNotificationStore) MarkAllRead(ctx context.Context, subject string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(subject) == "" {
		return OpError{Op: "realtime.MarkAllRead", Kind: ErrInvalidSubject}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, st := range s.bySub[subject] {
		if st.ReadAt.IsZero() {
			st.ReadAt = now
		}
	}
	return nil
}

// Dismiss dismisses one notification.
func (s *InMemoryNotificationStore) Dismiss(ctx context.Context, notificationID, subject string) error {
	st, err := s.lookup(ctx, "realtime.Dismiss", notificationID, subject)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	if st.DismissedAt.IsZero() {
		st.DismissedAt = s.now()
	}
	return nil
}

// lookup returns the state with s.mu held on success.
func (s *InMemoryNotificationStore) lookup(ctx context.Context, op, notificationID, subject string) (*NotificationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(subject) == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidSubject}
	}
	if strings.TrimSpace(notificationID) == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "missing notification_id"}
	}

	s.mu.Lock()
	st, ok := s.bySub[subject][notificationID]
	if !ok {
		s.mu.Unlock()
		return nil, OpError{Op: op, Kind: ErrNotFound, Msg: notificationID}
	}
	return st, nil
}

// MemoryDeliveryLog keeps delivery records in memory (dev and tests).
type MemoryDeliveryLog struct {
	mu      sync.Mutex
	records []DeliveryRecord
}

// Record appends rec.
func (l *MemoryDeliveryLog) Record(ctx context.Context, rec DeliveryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
	return nil
}

// Records returns a copy of everything recorded so far.
func (l *MemoryDeliveryLog) Records() []DeliveryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]DeliveryRecord(nil), l.records...)
}
