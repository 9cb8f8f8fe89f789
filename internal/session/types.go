// Package session provides durable storage of session records.
//
// A session is the unit of work for one user mission. Records are mutated
// exclusively through the orchestrator's lifecycle operations and are
// never deleted, only marked expired once their TTL lapses.
package session

import (
	"errors"
	"time"

	"github.com/fyrsmithlabs/studiod/internal/phase"
)

var (
	// ErrNotFound is returned when a session id does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrDuplicate is returned when creating a session whose id exists.
	ErrDuplicate = errors.New("session already exists")
)

// Session is one end-to-end run of the pipeline for a single mission.
type Session struct {
	ID          string       `json:"session_id"`
	Mission     string       `json:"mission"`
	ProjectName string       `json:"project_name"`
	Status      phase.Status `json:"status"`
	Phase       phase.Phase  `json:"phase"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	IterationCount int    `json:"iteration_count"`
	QAPassed       bool   `json:"qa_passed"`
	WorkDir        string `json:"work_dir"`

	// Errors lists the causes of failure, newest last. A failed session
	// always has at least one entry; an expired one needs none.
	Errors []string `json:"errors,omitempty"`

	// State is the opaque workflow snapshot blob, owned by the workflow
	// layer. The store round-trips it without inspection.
	State []byte `json:"-"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Update is a partial update applied atomically to a session record.
// Nil fields are left untouched. The session id and created_at are
// immutable and have no corresponding fields here; updated_at is
// refreshed by the store on every apply.
type Update struct {
	Status         *phase.Status
	Phase          *phase.Phase
	IterationCount *int
	QAPassed       *bool
	WorkDir        *string
	Errors         []string
	State          []byte
	Metadata       map[string]string
}

// Empty reports whether the update carries no changes.
func (u Update) Empty() bool {
	return u.Status == nil && u.Phase == nil && u.IterationCount == nil &&
		u.QAPassed == nil && u.WorkDir == nil && u.Errors == nil &&
		u.State == nil && u.Metadata == nil
}
