package session

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	session   Session
	expiresAt time.Time
}

// MemoryStore is a TTL map for single-instance deployments. Expired entries
// are invisible to Get and removed by Sweep.
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]memEntry
	now   func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, items: make(map[string]memEntry), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.items, key)
		return nil, ErrSessionExpired
	}
	s := e.session
	s.PhotoIDs = append([]string(nil), e.session.PhotoIDs...)
	s.Draft.MainProblems = append([]string(nil), e.session.Draft.MainProblems...)
	return &s, nil
}

func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.PhotoIDs = append([]string(nil), s.PhotoIDs...)
	cp.Draft.MainProblems = append([]string(nil), s.Draft.MainProblems...)
	m.items[s.Key] = memEntry{session: cp, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func (m *MemoryStore) Complete(_ context.Context, key string) error {
	return m.remove(key)
}

func (m *MemoryStore) Cancel(_ context.Context, key string) error {
	return m.remove(key)
}

func (m *MemoryStore) remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; !ok {
		return ErrNotFound
	}
	delete(m.items, key)
	return nil
}

// Sweep drops expired sessions and reports how many were removed.
func (m *MemoryStore) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for k, e := range m.items {
		if !now.Before(e.expiresAt) {
			delete(m.items, k)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
