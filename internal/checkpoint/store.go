package checkpoint

import "context"

// Store is durable append-only storage of checkpoints.
//
// Writes for different threads may proceed concurrently; within one
// thread the caller is responsible for ordering saves so that each new
// checkpoint references the previous one as its parent.
type Store interface {
	// Save persists a checkpoint. Returns ErrDuplicate if the
	// (thread_id, checkpoint_id) pair already exists.
	Save(ctx context.Context, cp *Checkpoint) error

	// LoadLatest returns the most recent checkpoint for a thread, or
	// ErrNotFound for a brand-new thread.
	LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error)

	// LoadChain returns the checkpoint history newest first. limit <= 0
	// returns the full chain.
	LoadChain(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)

	// Close releases store resources.
	Close() error
}
