package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
// Chains are kept in insertion order, which within one thread is also
// checkpoint order.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]*Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string][]*Checkpoint)}
}

// Save persists an immutable checkpoint.
func (m *MemoryStore) Save(_ context.Context, cp *Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.threads[cp.ThreadID] {
		if existing.CheckpointID == cp.CheckpointID {
			return fmt.Errorf("checkpoint %s/%s: %w", cp.ThreadID, cp.CheckpointID, ErrDuplicate)
		}
	}

	stored := cloneCheckpoint(cp)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	m.threads[cp.ThreadID] = append(m.threads[cp.ThreadID], stored)
	return nil
}

// LoadLatest returns the most recent checkpoint for a thread.
func (m *MemoryStore) LoadLatest(_ context.Context, threadID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.threads[threadID]
	if len(chain) == 0 {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	return cloneCheckpoint(chain[len(chain)-1]), nil
}

// LoadChain returns the checkpoint history newest first.
func (m *MemoryStore) LoadChain(_ context.Context, threadID string, limit int) ([]*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	chain := m.threads[threadID]
	out := make([]*Checkpoint, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, cloneCheckpoint(chain[i]))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error { return nil }

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.Payload = append([]byte(nil), cp.Payload...)
	if cp.Metadata != nil {
		out.Metadata = make(map[string]string, len(cp.Metadata))
		for k, v := range cp.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}
