// Package memstore holds in-memory repositories for the memory storage driver
// and for tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/internhub/notifyhub/internal/models"
	"github.com/internhub/notifyhub/internal/repository"
	"github.com/pkg/errors"
)

type Notifications struct {
	mu   sync.Mutex
	rows []models.Notification
}

func NewNotifications() *Notifications {
	return &Notifications{}
}

func (s *Notifications) Create(_ context.Context, n models.Notification) (models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertLocked(n); err != nil {
		return models.Notification{}, err
	}
	return n, nil
}

func (s *Notifications) CreateBatch(_ context.Context, rows []models.Notification) ([]models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range rows {
		if s.indexLocked(n.ID) >= 0 {
			return nil, errors.Wrapf(repository.ErrDuplicate, "notification id %s", n.ID)
		}
	}
	for _, n := range rows {
		s.rows = append(s.rows, n)
	}
	return append([]models.Notification(nil), rows...), nil
}

func (s *Notifications) insertLocked(n models.Notification) error {
	if s.indexLocked(n.ID) >= 0 {
		return errors.Wrapf(repository.ErrDuplicate, "notification id %s", n.ID)
	}
	s.rows = append(s.rows, n)
	return nil
}

func (s *Notifications) indexLocked(id string) int {
	for i, n := range s.rows {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (s *Notifications) deleteLocked(i int) {
	s.rows = append(s.rows[:i], s.rows[i+1:]...)
}

func (s *Notifications) ListForUser(_ context.Context, userID string, now time.Time, limit int) ([]models.Notification, error) {
	limit = repository.ClampListLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Notification
	for _, n := range s.rows {
		if n.Acknowledged || n.IsExpired(now) {
			continue
		}
		if n.IsBroadcast() || (n.RecipientID != nil && *n.RecipientID == userID) {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Notifications) Acknowledge(_ context.Context, userID, notificationID string) (models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(notificationID)
	if i < 0 {
		return models.Notification{}, repository.ErrNotFound
	}
	n := s.rows[i]
	switch {
	case n.IsBroadcast():
		return n, nil
	case n.RecipientID != nil && *n.RecipientID == userID:
		s.deleteLocked(i)
		return n, nil
	default:
		return models.Notification{}, repository.ErrNotFound
	}
}

func (s *Notifications) MarkDelivered(_ context.Context, userID, notificationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(notificationID)
	if i < 0 || s.rows[i].RecipientID == nil || *s.rows[i].RecipientID != userID {
		return repository.ErrNotFound
	}
	if s.rows[i].DeliveredAt == nil {
		t := at
		s.rows[i].DeliveredAt = &t
	}
	return nil
}

func (s *Notifications) DeleteUnacknowledged(_ context.Context, filter models.RetractFilter) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	kept := s.rows[:0]
	for _, n := range s.rows {
		if filter.Matches(n) {
			ids = append(ids, n.ID)
			continue
		}
		kept = append(kept, n)
	}
	s.rows = kept
	return ids, nil
}

func (s *Notifications) ClaimDueRepeats(_ context.Context, now time.Time, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []models.Notification
	for i := range s.rows {
		if len(claimed) == limit {
			break
		}
		if !s.rows[i].RepeatDue(now) {
			continue
		}
		s.rows[i].RepeatsRemaining--
		s.rows[i].LastSentAt = now
		claimed = append(claimed, s.rows[i])
	}
	return claimed, nil
}

func (s *Notifications) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	kept := s.rows[:0]
	for _, n := range s.rows {
		if n.IsExpired(now) {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	s.rows = kept
	return removed, nil
}

// All returns a copy of every stored row in insertion order.
func (s *Notifications) All() []models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Notification(nil), s.rows...)
}

type Users struct {
	mu    sync.Mutex
	users map[string]models.User
	order []string
}

func NewUsers(users ...models.User) *Users {
	s := &Users{users: make(map[string]models.User)}
	for _, u := range users {
		s.Put(u)
	}
	return s
}

// Put inserts or replaces a user.
func (s *Users) Put(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.AccountStatus == "" {
		u.AccountStatus = models.AccountStatusActive
	}
	if _, ok := s.users[u.ID]; !ok {
		s.order = append(s.order, u.ID)
	}
	s.users[u.ID] = u
}

func (s *Users) ListDirectory(context.Context) ([]models.DirectoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]models.DirectoryEntry, 0, len(s.order))
	for _, id := range s.order {
		entries = append(entries, s.users[id].DirectoryEntry())
	}
	return entries, nil
}

func (s *Users) GetUser(_ context.Context, userID string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.User{}, repository.ErrNotFound
	}
	return u, nil
}

func (s *Users) SetAccountStatus(_ context.Context, userID string, status models.AccountStatus, reason *string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return models.User{}, repository.ErrNotFound
	}
	u.AccountStatus = status
	u.SuspendedReason = nil
	if reason != nil {
		r := *reason
		u.SuspendedReason = &r
	}
	s.users[userID] = u
	return u, nil
}

func (s *Users) SetPresence(_ context.Context, userID string, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return repository.ErrNotFound
	}
	t := at
	u.OnlineStatus = online
	u.LastSeenAt = &t
	s.users[userID] = u
	return nil
}

func (s *Users) MarkStaleOffline(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, u := range s.users {
		if u.OnlineStatus && (u.LastSeenAt == nil || u.LastSeenAt.Before(before)) {
			u.OnlineStatus = false
			s.users[id] = u
			n++
		}
	}
	return n, nil
}

type Audit struct {
	mu      sync.Mutex
	entries []models.AuditEntry
}

func NewAudit() *Audit {
	return &Audit{}
}

func (s *Audit) Append(_ context.Context, entry models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *Audit) Entries() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEntry(nil), s.entries...)
}

var (
	_ repository.NotificationRepository = (*Notifications)(nil)
	_ repository.UserRepository         = (*Users)(nil)
	_ repository.AuditRepository        = (*Audit)(nil)
)
