package session

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/studiod/internal/phase"
)

// DefaultListLimit caps List results when the caller passes no limit.
const DefaultListLimit = 100

// Store is durable CRUD for session records.
//
// Implementations must serialize concurrent updates to the same session:
// two racing Update calls may interleave in either order but must never
// interleave partially. The orchestrator additionally holds a per-session
// lock around read-modify-write sequences.
type Store interface {
	// Create inserts a new record. Returns ErrDuplicate if the id exists.
	Create(ctx context.Context, s *Session) error

	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Session, error)

	// Update applies a partial update and refreshes updated_at.
	// Returns ErrNotFound if the id does not exist.
	Update(ctx context.Context, id string, u Update) error

	// List returns sessions ordered most-recently-updated first.
	// status filters when non-empty. limit 0 defaults to
	// DefaultListLimit; a negative limit returns everything.
	List(ctx context.Context, status phase.Status, limit int) ([]*Session, error)

	// ExpireStale marks non-terminal sessions whose updated_at is older
	// than ttl as expired and returns how many were transitioned.
	// Idempotent: already-expired and terminal sessions are untouched.
	ExpireStale(ctx context.Context, ttl time.Duration) (int, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
