// Package workflow owns the opaque state snapshot that flows through a
// session's pipeline. The snapshot is what gets checkpointed on every
// phase transition and reloaded after a restart; the session store keeps
// it only as an opaque blob.
package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/studiod/internal/phase"
)

// Artifact type names used as map keys on the state snapshot.
const (
	ArtifactPRD            = "prd"
	ArtifactTechSpec       = "tech_spec"
	ArtifactScaffoldScript = "scaffold_script"
	ArtifactBugReport      = "bug_report"
)

// ExecutionLogEntry records one agent invocation.
type ExecutionLogEntry struct {
	Agent        string        `json:"agent"`
	Timestamp    time.Time     `json:"timestamp"`
	Status       string        `json:"status"` // "completed" or "failed"
	Duration     time.Duration `json:"duration"`
	TokensInput  int           `json:"tokens_input"`
	TokensOutput int           `json:"tokens_output"`
	Error        string        `json:"error,omitempty"`
}

// State is the full workflow snapshot for one session.
type State struct {
	SessionID   string `json:"session_id"`
	Mission     string `json:"mission"`
	ProjectName string `json:"project_name"`
	WorkDir     string `json:"work_dir"`

	CurrentPhase  phase.Phase `json:"current_phase"`
	QAPassed      bool        `json:"qa_passed"`
	Iteration     int         `json:"iteration_count"`
	MaxIterations int         `json:"max_iterations"`

	// Artifacts maps artifact type to a pointer (path) in the work dir.
	Artifacts    map[string]string `json:"artifacts,omitempty"`
	FilesCreated []string          `json:"files_created,omitempty"`
	TestResults  string            `json:"test_results,omitempty"`

	// Accumulated human feedback, replayed into the target phase's next
	// agent invocation after a rejection.
	PRDFeedback   []string `json:"prd_feedback,omitempty"`
	ArchFeedback  []string `json:"architectural_feedback,omitempty"`
	EngFeedback   []string `json:"engineer_feedback,omitempty"`
	ExecutionLog  []ExecutionLogEntry `json:"execution_log,omitempty"`
	Errors        []string            `json:"errors,omitempty"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// New creates the initial snapshot for a fresh session at the pm phase.
func New(sessionID, mission, projectName, workDir string, maxIterations int) *State {
	return &State{
		SessionID:     sessionID,
		Mission:       mission,
		ProjectName:   projectName,
		WorkDir:       workDir,
		CurrentPhase:  phase.PhasePM,
		MaxIterations: maxIterations,
		Artifacts:     map[string]string{},
		UpdatedAt:     time.Now().UTC(),
	}
}

// Clone returns a deep copy. Transitions mutate copies so a failed
// persistence write never leaves a half-applied snapshot behind.
func (s *State) Clone() *State {
	out := *s
	out.Artifacts = make(map[string]string, len(s.Artifacts))
	for k, v := range s.Artifacts {
		out.Artifacts[k] = v
	}
	out.FilesCreated = append([]string(nil), s.FilesCreated...)
	out.PRDFeedback = append([]string(nil), s.PRDFeedback...)
	out.ArchFeedback = append([]string(nil), s.ArchFeedback...)
	out.EngFeedback = append([]string(nil), s.EngFeedback...)
	out.ExecutionLog = append([]ExecutionLogEntry(nil), s.ExecutionLog...)
	out.Errors = append([]string(nil), s.Errors...)
	return &out
}

// AddFeedback appends human feedback for the given target phase.
func (s *State) AddFeedback(target phase.Phase, feedback string) error {
	switch target {
	case phase.PhasePM:
		s.PRDFeedback = append(s.PRDFeedback, feedback)
	case phase.PhaseArch:
		s.ArchFeedback = append(s.ArchFeedback, feedback)
	case phase.PhaseEngineer:
		s.EngFeedback = append(s.EngFeedback, feedback)
	default:
		return fmt.Errorf("phase %q does not accept feedback", target)
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// FeedbackFor returns the accumulated feedback visible to a phase's agent.
func (s *State) FeedbackFor(p phase.Phase) []string {
	switch p {
	case phase.PhasePM:
		return s.PRDFeedback
	case phase.PhaseArch:
		return s.ArchFeedback
	case phase.PhaseEngineer:
		return s.EngFeedback
	default:
		return nil
	}
}

// LogExecution appends an execution log entry and records any error.
func (s *State) LogExecution(entry ExecutionLogEntry) {
	s.ExecutionLog = append(s.ExecutionLog, entry)
	if entry.Error != "" {
		s.Errors = append(s.Errors, entry.Error)
	}
	s.UpdatedAt = time.Now().UTC()
}

// SetArtifact records an artifact pointer, ignoring empty paths.
func (s *State) SetArtifact(kind, path string) {
	if path == "" {
		return
	}
	if s.Artifacts == nil {
		s.Artifacts = map[string]string{}
	}
	s.Artifacts[kind] = path
}

// Marshal serializes the snapshot for checkpointing.
func (s *State) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow state: %w", err)
	}
	return data, nil
}

// Unmarshal restores a snapshot from a checkpoint payload.
func Unmarshal(data []byte) (*State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("unmarshal workflow state: %w", err)
	}
	if s.Mission == "" {
		return nil, fmt.Errorf("workflow state missing mission")
	}
	if !s.CurrentPhase.Valid() {
		return nil, fmt.Errorf("workflow state has invalid phase %q", s.CurrentPhase)
	}
	return &s, nil
}
