// Package checkpoint provides append-only storage of workflow snapshots.
//
// Checkpoints are written on every phase transition and are immutable
// once saved. Each thread's checkpoints form a single parent-linked
// chain; loading the latest checkpoint is how a restarted process
// resumes a session exactly where it left off.
package checkpoint

import (
	"errors"
	"time"
)

var (
	// ErrDuplicate is returned when saving over an existing
	// (thread_id, checkpoint_id) pair.
	ErrDuplicate = errors.New("checkpoint already exists")

	// ErrNotFound is returned when a thread has no checkpoints yet.
	ErrNotFound = errors.New("no checkpoint for thread")
)

// Checkpoint is one immutable snapshot of workflow state.
type Checkpoint struct {
	ThreadID     string `json:"thread_id"`
	CheckpointID string `json:"checkpoint_id"`

	// ParentID links to the previous checkpoint in the chain; empty for
	// the first checkpoint of a thread.
	ParentID string `json:"parent_checkpoint_id,omitempty"`

	// Payload is the opaque workflow state blob.
	Payload []byte `json:"payload"`

	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
