package phase

import "fmt"

// EventKind identifies what happened in the current phase.
type EventKind string

const (
	// EventAgentSucceeded: the phase's agent invocation completed.
	EventAgentSucceeded EventKind = "agent_succeeded"

	// EventAgentFailed: the agent invocation errored or timed out.
	EventAgentFailed EventKind = "agent_failed"

	// EventApproved: the human gate received an approval.
	EventApproved EventKind = "approved"

	// EventRejected: the human gate received a rejection with a target phase.
	EventRejected EventKind = "rejected"

	// EventQAPassed / EventQAFailed: QA verdicts. A QA failure is a normal
	// transition outcome, distinct from an agent execution fault.
	EventQAPassed EventKind = "qa_passed"
	EventQAFailed EventKind = "qa_failed"
)

// Event is one input to the state machine.
type Event struct {
	Kind EventKind

	// RejectTo names the phase a rejection returns to (pm or arch).
	// Only meaningful for EventRejected.
	RejectTo Phase

	// Err carries the failure message for EventAgentFailed.
	Err string
}

// Decision is the computed outcome of applying an event to a phase.
type Decision struct {
	// Next is the phase to transition to.
	Next Phase

	// Status is the session status implied by Next.
	Status Status

	// IncrementIteration is set on the qa -> engineer repair transition.
	IncrementIteration bool

	// QAPassed is set when QA declared the implementation good.
	QAPassed bool

	// RecordError is a non-empty error string to append to the session
	// when the decision lands in the failed phase.
	RecordError string
}

// Next computes the transition for an event in the current phase.
//
// iteration and maxIterations bound the engineer/QA repair loop: the
// qa_failed event increments the count up to maxIterations, after which
// the session fails deterministically regardless of agent behavior.
func Next(current Phase, ev Event, iteration, maxIterations int) (Decision, error) {
	switch current {
	case PhasePM:
		return agentDecision(current, ev, PhaseArch)
	case PhaseArch:
		return agentDecision(current, ev, PhaseHumanGate)
	case PhaseHumanGate:
		return gateDecision(ev)
	case PhaseEngineer:
		return agentDecision(current, ev, PhaseQA)
	case PhaseQA:
		return qaDecision(ev, iteration, maxIterations)
	default:
		return Decision{}, &InvalidTransitionError{From: current, Event: ev.Kind}
	}
}

// agentDecision handles the linear agent phases: success advances to the
// given phase, failure is terminal.
func agentDecision(current Phase, ev Event, onSuccess Phase) (Decision, error) {
	switch ev.Kind {
	case EventAgentSucceeded:
		return Decision{Next: onSuccess, Status: StatusFor(onSuccess)}, nil
	case EventAgentFailed:
		return failure(ev.Err), nil
	default:
		return Decision{}, &InvalidTransitionError{From: current, Event: ev.Kind}
	}
}

func gateDecision(ev Event) (Decision, error) {
	switch ev.Kind {
	case EventApproved:
		return Decision{Next: PhaseEngineer, Status: StatusRunning}, nil
	case EventRejected:
		if ev.RejectTo != PhasePM && ev.RejectTo != PhaseArch {
			return Decision{}, fmt.Errorf("invalid rejection target %q: must be %q or %q", ev.RejectTo, PhasePM, PhaseArch)
		}
		return Decision{Next: ev.RejectTo, Status: StatusRunning}, nil
	default:
		return Decision{}, &InvalidTransitionError{From: PhaseHumanGate, Event: ev.Kind}
	}
}

func qaDecision(ev Event, iteration, maxIterations int) (Decision, error) {
	switch ev.Kind {
	case EventQAPassed:
		return Decision{Next: PhaseComplete, Status: StatusCompleted, QAPassed: true}, nil
	case EventQAFailed:
		if iteration < maxIterations {
			return Decision{Next: PhaseEngineer, Status: StatusRunning, IncrementIteration: true}, nil
		}
		return failure(fmt.Sprintf("max iterations exceeded (%d)", maxIterations)), nil
	case EventAgentFailed:
		return failure(ev.Err), nil
	default:
		return Decision{}, &InvalidTransitionError{From: PhaseQA, Event: ev.Kind}
	}
}

func failure(msg string) Decision {
	if msg == "" {
		msg = "agent execution failed"
	}
	return Decision{Next: PhaseFailed, Status: StatusFailed, RecordError: msg}
}
