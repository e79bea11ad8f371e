// internal/database/memory.go
package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/sipsocial/internal/models"
)

// MemoryStore keeps friendships in process with the same filter semantics and
// change events as the Postgres store. Used when STORE_DRIVER=memory and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	rows    map[uuid.UUID]models.Friendship
	publish func(models.ChangeEvent)
	now     func() time.Time
}

// NewMemoryStore returns an empty store. publish may be nil.
func NewMemoryStore(publish func(models.ChangeEvent)) *MemoryStore {
	if publish == nil {
		publish = func(models.ChangeEvent) {}
	}
	return &MemoryStore{
		rows:    make(map[uuid.UUID]models.Friendship),
		publish: publish,
		now:     time.Now,
	}
}

func samePair(f models.Friendship, a, b uuid.UUID) bool {
	return (f.UserID == a && f.FriendID == b) || (f.UserID == b && f.FriendID == a)
}

// FindPair returns the row between a and b in either direction, or nil.
func (m *MemoryStore) FindPair(_ context.Context, a, b uuid.UUID) (*models.Friendship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.rows {
		if samePair(f, a, b) {
			row := f
			return &row, nil
		}
	}
	return nil, nil
}

// Insert stores f, assigning ID and CreatedAt.
func (m *MemoryStore) Insert(_ context.Context, f *models.Friendship) error {
	m.mu.Lock()
	for _, existing := range m.rows {
		if samePair(existing, f.UserID, f.FriendID) {
			m.mu.Unlock()
			return models.ErrPairExists
		}
	}
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.CreatedAt = m.now().UTC()
	m.rows[f.ID] = *f
	row := *f
	m.mu.Unlock()

	m.publish(models.ChangeEvent{Type: models.EventInsert, New: &row, CommitTimestamp: row.CreatedAt})
	return nil
}

// Update writes set over every matching row.
func (m *MemoryStore) Update(_ context.Context, match models.Filter, set models.Patch) ([]models.Friendship, error) {
	m.mu.Lock()
	var events []models.ChangeEvent
	updated := []models.Friendship{}
	for id, f := range m.rows {
		if !match.Matches(f) {
			continue
		}
		old := f
		next := set.Apply(f)
		m.rows[id] = next
		updated = append(updated, next)
		events = append(events, models.ChangeEvent{Type: models.EventUpdate, New: &next, Old: &old, CommitTimestamp: m.now().UTC()})
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.publish(ev)
	}
	return updated, nil
}

// Delete removes every matching row.
func (m *MemoryStore) Delete(_ context.Context, match models.Filter) (int64, error) {
	return m.deleteWhere(match.Matches), nil
}

// DeletePair removes the pair row in either direction if it has status.
func (m *MemoryStore) DeletePair(_ context.Context, a, b uuid.UUID, status models.Status) (int64, error) {
	return m.deleteWhere(func(f models.Friendship) bool {
		return samePair(f, a, b) && f.Status == status
	}), nil
}

func (m *MemoryStore) deleteWhere(pred func(models.Friendship) bool) int64 {
	m.mu.Lock()
	var events []models.ChangeEvent
	for id, f := range m.rows {
		if !pred(f) {
			continue
		}
		old := f
		delete(m.rows, id)
		events = append(events, models.ChangeEvent{Type: models.EventDelete, Old: &old, CommitTimestamp: m.now().UTC()})
	}
	m.mu.Unlock()

	for _, ev := range events {
		m.publish(ev)
	}
	return int64(len(events))
}

func (m *MemoryStore) selectWhere(pred func(models.Friendship) bool) []models.Friendship {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Friendship{}
	for _, f := range m.rows {
		if pred(f) {
			out = append(out, f)
		}
	}
	// newest first, like the SQL functions
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Friends lists accepted rows on either side of userID.
func (m *MemoryStore) Friends(_ context.Context, userID uuid.UUID) ([]models.Friendship, error) {
	return m.selectWhere(func(f models.Friendship) bool {
		return f.Status == models.StatusAccepted && f.Involves(userID)
	}), nil
}

// PendingRequests lists pending rows addressed to userID.
func (m *MemoryStore) PendingRequests(_ context.Context, userID uuid.UUID) ([]models.Friendship, error) {
	return m.selectWhere(models.Filter{FriendID: userID, Status: models.StatusPending}.Matches), nil
}

// SentRequests lists pending rows userID sent.
func (m *MemoryStore) SentRequests(_ context.Context, userID uuid.UUID) ([]models.Friendship, error) {
	return m.selectWhere(models.Filter{UserID: userID, Status: models.StatusPending}.Matches), nil
}

// AreFriends reports an accepted row between the two.
func (m *MemoryStore) AreFriends(ctx context.Context, userID, friendID uuid.UUID) (bool, error) {
	f, _ := m.FindPair(ctx, userID, friendID)
	return f != nil && f.Status == models.StatusAccepted, nil
}

// RelationStatus reports the relation from userID's side.
func (m *MemoryStore) RelationStatus(ctx context.Context, userID, otherID uuid.UUID) (models.RelationStatus, error) {
	f, _ := m.FindPair(ctx, userID, otherID)
	return models.RelationFor(f, userID), nil
}

// Len returns the number of stored rows.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}
