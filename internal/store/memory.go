package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/LeadPipe/internal/models"
)

// Compile-time checks that MemoryStore implements the store interfaces.
var (
	_ Backend = (*MemoryStore)(nil)
	_ Purger  = (*MemoryStore)(nil)
)

type memEntry struct {
	session   *models.Session
	expiresAt time.Time // zero means no expiry
}

// MemoryStore keeps sessions in a map. Stored values are copies, so callers
// never share memory with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]memEntry
	seen     map[string]time.Time
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	cfg := applyOpts(opts)
	return &MemoryStore{
		sessions: make(map[string]memEntry),
		seen:     make(map[string]time.Time),
		now:      cfg.Now,
	}
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func live(exp, now time.Time) bool {
	return exp.IsZero() || now.Before(exp)
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || !live(e.expiresAt, m.now()) {
		return nil, nil
	}
	return e.session.Clone(), nil
}

func (m *MemoryStore) Put(ctx context.Context, s *models.Session, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := encodeSession(s); err != nil {
		return err
	}
	m.mu.Lock()
	m.sessions[s.ID] = memEntry{session: s.Clone(), expiresAt: expiry(m.now(), ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) ListByState(ctx context.Context, st models.State) ([]*models.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := m.now()
	m.mu.RLock()
	var out []*models.Session
	for _, e := range m.sessions {
		if cur, ok := models.ParseState(string(e.session.State)); ok && cur == st && live(e.expiresAt, now) {
			out = append(out, e.session.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryStore) MarkSeen(ctx context.Context, messageID, sender string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.seen[messageID]; ok && live(exp, now) {
		return false, nil
	}
	m.seen[messageID] = expiry(now, ttl)
	return true, nil
}

// PurgeExpired drops expired sessions and dedup entries.
func (m *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, e := range m.sessions {
		if !live(e.expiresAt, now) {
			delete(m.sessions, id)
			n++
		}
	}
	for id, exp := range m.seen {
		if !live(exp, now) {
			delete(m.seen, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
