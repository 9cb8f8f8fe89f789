package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/studiod/internal/checkpoint"
	"github.com/fyrsmithlabs/studiod/internal/session"
	"github.com/fyrsmithlabs/studiod/internal/workflow"
)

// ExportVersion identifies the session export format.
const ExportVersion = "1.0"

// SessionExport is the portable form of a session: its record plus the
// full checkpoint chain, oldest first so an import replays it in order.
type SessionExport struct {
	Version     string                   `json:"version"`
	ExportedAt  time.Time                `json:"exported_at"`
	Session     *session.Session         `json:"session"`
	Checkpoints []*checkpoint.Checkpoint `json:"checkpoints"`
}

// Export serializes a session and its checkpoint chain. It operates on
// bare stores so the CLI can export without a running daemon.
func Export(ctx context.Context, sessions session.Store, ckpts checkpoint.Store, id string) (*SessionExport, error) {
	sess, err := sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	chain, err := ckpts.LoadChain(ctx, id, -1)
	if err != nil {
		return nil, err
	}
	// LoadChain is newest first; the export replays oldest first.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return &SessionExport{
		Version:     ExportVersion,
		ExportedAt:  time.Now().UTC(),
		Session:     sess,
		Checkpoints: chain,
	}, nil
}

// Import recreates a previously exported session under its original id.
// Importing over an existing session fails with the store's duplicate
// error; the imported session is not resumed automatically.
func Import(ctx context.Context, sessions session.Store, ckpts checkpoint.Store, exp *SessionExport) (string, error) {
	if exp == nil || exp.Session == nil {
		return "", &InvalidArgumentError{Field: "export", Reason: "missing session record"}
	}
	if exp.Version != ExportVersion {
		return "", &InvalidArgumentError{Field: "version", Reason: fmt.Sprintf("unsupported export version %q", exp.Version)}
	}
	if exp.Session.ID == "" {
		return "", &InvalidArgumentError{Field: "session_id", Reason: "must not be empty"}
	}
	if len(exp.Checkpoints) == 0 {
		return "", &InvalidArgumentError{Field: "checkpoints", Reason: "must not be empty"}
	}
	for _, cp := range exp.Checkpoints {
		if cp.ThreadID != exp.Session.ID {
			return "", &InvalidArgumentError{
				Field:  "checkpoints",
				Reason: fmt.Sprintf("checkpoint %s belongs to thread %q", cp.CheckpointID, cp.ThreadID),
			}
		}
	}
	if _, err := workflow.Unmarshal(exp.Checkpoints[len(exp.Checkpoints)-1].Payload); err != nil {
		return "", &InvalidArgumentError{Field: "checkpoints", Reason: err.Error()}
	}

	if err := sessions.Create(ctx, exp.Session); err != nil {
		return "", err
	}
	for _, cp := range exp.Checkpoints {
		if err := ckpts.Save(ctx, cp); err != nil {
			return "", err
		}
	}
	return exp.Session.ID, nil
}

// ExportSession serializes a session for backup or transfer.
func (o *Orchestrator) ExportSession(ctx context.Context, id string) (*SessionExport, error) {
	return Export(ctx, o.store, o.ckpts, id)
}

// ImportSession restores a previously exported session. A restored
// session continues where it left off on the next ResumeInterrupted
// pass or gate decision.
func (o *Orchestrator) ImportSession(ctx context.Context, exp *SessionExport) (string, error) {
	return Import(ctx, o.store, o.ckpts, exp)
}
