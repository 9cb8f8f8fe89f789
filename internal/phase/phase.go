// Package phase defines the pipeline phase state machine.
// It is pure decision logic: given the current phase and an event it
// computes the next phase and its side effects, with no I/O, so the
// transition rules can be tested in isolation from persistence and
// agent execution.
package phase

import "fmt"

// Phase is one named stage of the generation pipeline.
type Phase string

const (
	// PhasePM drafts the product requirements document.
	PhasePM Phase = "pm"

	// PhaseArch produces the technical specification.
	PhaseArch Phase = "arch"

	// PhaseHumanGate waits for an external approve/reject decision.
	PhaseHumanGate Phase = "human_gate"

	// PhaseEngineer implements the code.
	PhaseEngineer Phase = "engineer"

	// PhaseQA runs tests against the implementation.
	PhaseQA Phase = "qa"

	// PhaseComplete is the successful terminal phase.
	PhaseComplete Phase = "complete"

	// PhaseFailed is the unsuccessful terminal phase.
	PhaseFailed Phase = "failed"
)

// AllPhases returns every phase in pipeline order.
func AllPhases() []Phase {
	return []Phase{PhasePM, PhaseArch, PhaseHumanGate, PhaseEngineer, PhaseQA, PhaseComplete, PhaseFailed}
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhasePM, PhaseArch, PhaseHumanGate, PhaseEngineer, PhaseQA, PhaseComplete, PhaseFailed:
		return true
	}
	return false
}

// Terminal reports whether p is a terminal phase.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// AgentPhase reports whether p is driven by an agent invocation.
func (p Phase) AgentPhase() bool {
	switch p {
	case PhasePM, PhaseArch, PhaseEngineer, PhaseQA:
		return true
	}
	return false
}

// Status is the externally observable session status.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusExpired          Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusAwaitingApproval, StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status. Expired counts as
// terminal: only ExpireStale may set it and nothing transitions out.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// StatusFor derives the session status implied by a phase. This is the
// single source of the status/phase consistency invariant: callers must
// never pair a phase with any other status (expiry excepted, which is a
// policy action applied outside the state machine).
func StatusFor(p Phase) Status {
	switch p {
	case PhaseHumanGate:
		return StatusAwaitingApproval
	case PhaseComplete:
		return StatusCompleted
	case PhaseFailed:
		return StatusFailed
	default:
		return StatusRunning
	}
}

// validTransitions maps each phase to the set of phases it may move to.
var validTransitions = map[Phase][]Phase{
	PhasePM:        {PhaseArch, PhaseFailed},
	PhaseArch:      {PhaseHumanGate, PhaseFailed},
	PhaseHumanGate: {PhaseEngineer, PhaseArch, PhasePM, PhaseFailed},
	PhaseEngineer:  {PhaseQA, PhaseFailed},
	PhaseQA:        {PhaseComplete, PhaseEngineer, PhaseFailed},
	PhaseComplete:  {},
	PhaseFailed:    {},
}

// ValidTransition reports whether moving from one phase to another is
// permitted by the pipeline graph.
func ValidTransition(from, to Phase) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when an event is not applicable to
// the current phase.
type InvalidTransitionError struct {
	From  Phase
	Event EventKind
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("event %q is not valid in phase %q", e.Event, e.From)
}
