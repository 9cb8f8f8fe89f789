// Package orchestrator ties the phase state machine, session store,
// checkpointer, and agent runner together behind the session lifecycle
// API. It enforces the cross-cutting invariants: single active execution
// per session, central iteration caps, and TTL expiry.
package orchestrator

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/studiod/internal/phase"
	"github.com/fyrsmithlabs/studiod/internal/session"
	"github.com/fyrsmithlabs/studiod/internal/workflow"
)

// Config bounds pipeline execution.
type Config struct {
	// MaxIterations caps the engineer/QA repair loop.
	MaxIterations int

	// SessionTTL is how long a session may sit untouched before the
	// sweep marks it expired, measured from updated_at.
	SessionTTL time.Duration

	// AgentTimeout bounds every agent invocation.
	AgentTimeout time.Duration

	// MaxConcurrent limits simultaneously executing pipelines. Sessions
	// waiting at the human gate hold no slot.
	MaxConcurrent int

	// SweepInterval is how often the expiry sweep runs; zero disables
	// the background sweep (expiry still applies lazily on reads).
	SweepInterval time.Duration

	// WorkDirBase is the directory session work dirs are created under.
	WorkDirBase string
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxIterations: 5,
		SessionTTL:    7 * 24 * time.Hour,
		AgentTimeout:  300 * time.Second,
		MaxConcurrent: 8,
		SweepInterval: 10 * time.Minute,
		WorkDirBase:   "projects",
	}
}

// SessionInfo is the read-only session view served to callers.
type SessionInfo struct {
	SessionID      string       `json:"session_id"`
	Mission        string       `json:"mission"`
	ProjectName    string       `json:"project_name"`
	Status         phase.Status `json:"status"`
	Phase          phase.Phase  `json:"phase"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	IterationCount int          `json:"iteration_count"`
	QAPassed       bool         `json:"qa_passed"`
	WorkDir        string       `json:"work_dir"`
	Errors         []string     `json:"errors"`
}

func toInfo(s *session.Session) *SessionInfo {
	return &SessionInfo{
		SessionID:      s.ID,
		Mission:        s.Mission,
		ProjectName:    s.ProjectName,
		Status:         s.Status,
		Phase:          s.Phase,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		IterationCount: s.IterationCount,
		QAPassed:       s.QAPassed,
		WorkDir:        s.WorkDir,
		Errors:         append([]string(nil), s.Errors...),
	}
}

// Artifacts maps the named outputs of a session to their pointers.
type Artifacts struct {
	PRD            string   `json:"prd,omitempty"`
	TechSpec       string   `json:"tech_spec,omitempty"`
	ScaffoldScript string   `json:"scaffold_script,omitempty"`
	BugReport      string   `json:"bug_report,omitempty"`
	FilesCreated   []string `json:"files_created,omitempty"`
	TestResults    string   `json:"test_results,omitempty"`
}

func artifactsFromState(st *workflow.State) *Artifacts {
	return &Artifacts{
		PRD:            st.Artifacts[workflow.ArtifactPRD],
		TechSpec:       st.Artifacts[workflow.ArtifactTechSpec],
		ScaffoldScript: st.Artifacts[workflow.ArtifactScaffoldScript],
		BugReport:      st.Artifacts[workflow.ArtifactBugReport],
		FilesCreated:   append([]string(nil), st.FilesCreated...),
		TestResults:    st.TestResults,
	}
}

// InvalidArgumentError reports malformed caller input. Never retried.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

// InvalidOperationError reports an operation that is not valid for the
// session's current state. The session is left unchanged.
type InvalidOperationError struct {
	SessionID string
	Status    phase.Status
	Op        string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("cannot %s session %s: status is %q", e.Op, e.SessionID, e.Status)
}
