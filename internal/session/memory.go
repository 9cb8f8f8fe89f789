package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/studiod/internal/phase"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

// Create inserts a new session record.
func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s: %w", s.ID, ErrDuplicate)
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

// Get returns a copy of the session record.
func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return cloneSession(s), nil
}

// Update applies a partial update, refreshing updated_at.
func (m *MemoryStore) Update(_ context.Context, id string, u Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.Phase != nil {
		s.Phase = *u.Phase
	}
	if u.IterationCount != nil {
		s.IterationCount = *u.IterationCount
	}
	if u.QAPassed != nil {
		s.QAPassed = *u.QAPassed
	}
	if u.WorkDir != nil {
		s.WorkDir = *u.WorkDir
	}
	if u.Errors != nil {
		s.Errors = append([]string(nil), u.Errors...)
	}
	if u.State != nil {
		s.State = append([]byte(nil), u.State...)
	}
	if u.Metadata != nil {
		s.Metadata = cloneMap(u.Metadata)
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// List returns sessions ordered by updated_at descending. A negative
// limit returns all sessions.
func (m *MemoryStore) List(_ context.Context, status phase.Status, limit int) ([]*Session, error) {
	if limit == 0 {
		limit = DefaultListLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, cloneSession(s))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ExpireStale marks stale non-terminal sessions as expired.
func (m *MemoryStore) ExpireStale(_ context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, s := range m.sessions {
		if s.Status.Terminal() {
			continue
		}
		if s.UpdatedAt.Before(cutoff) {
			s.Status = phase.StatusExpired
			count++
		}
	}
	return count, nil
}

// Ping always succeeds for the in-memory store.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

func cloneSession(s *Session) *Session {
	out := *s
	out.Errors = append([]string(nil), s.Errors...)
	out.State = append([]byte(nil), s.State...)
	out.Metadata = cloneMap(s.Metadata)
	return &out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
