package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhaseValid(t *testing.T) {
	for _, p := range AllPhases() {
		assert.True(t, p.Valid(), "phase %s", p)
	}
	assert.False(t, Phase("review").Valid())
	assert.False(t, Phase("").Valid())
}

func TestPhaseTerminal(t *testing.T) {
	assert.True(t, PhaseComplete.Terminal())
	assert.True(t, PhaseFailed.Terminal())
	for _, p := range []Phase{PhasePM, PhaseArch, PhaseHumanGate, PhaseEngineer, PhaseQA} {
		assert.False(t, p.Terminal(), "phase %s", p)
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[Phase]Status{
		PhasePM:        StatusRunning,
		PhaseArch:      StatusRunning,
		PhaseHumanGate: StatusAwaitingApproval,
		PhaseEngineer:  StatusRunning,
		PhaseQA:        StatusRunning,
		PhaseComplete:  StatusCompleted,
		PhaseFailed:    StatusFailed,
	}
	for p, want := range tests {
		assert.Equal(t, want, StatusFor(p), "phase %s", p)
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusAwaitingApproval.Terminal())
}

func TestValidTransition(t *testing.T) {
	assert.True(t, ValidTransition(PhasePM, PhaseArch))
	assert.True(t, ValidTransition(PhaseHumanGate, PhasePM))
	assert.True(t, ValidTransition(PhaseQA, PhaseEngineer))
	assert.True(t, ValidTransition(PhaseQA, PhaseComplete))

	assert.False(t, ValidTransition(PhasePM, PhaseEngineer))
	assert.False(t, ValidTransition(PhaseComplete, PhasePM))
	assert.False(t, ValidTransition(PhaseFailed, PhasePM))
	assert.False(t, ValidTransition(PhaseEngineer, PhaseHumanGate))
}

func TestEveryDecisionRespectsTransitionGraph(t *testing.T) {
	events := []Event{
		{Kind: EventAgentSucceeded},
		{Kind: EventAgentFailed, Err: "boom"},
		{Kind: EventApproved},
		{Kind: EventRejected, RejectTo: PhasePM},
		{Kind: EventRejected, RejectTo: PhaseArch},
		{Kind: EventQAPassed},
		{Kind: EventQAFailed},
	}

	for _, p := range AllPhases() {
		for _, ev := range events {
			d, err := Next(p, ev, 0, 5)
			if err != nil {
				continue
			}
			assert.True(t, ValidTransition(p, d.Next),
				"decision %s -> %s for event %s escapes the graph", p, d.Next, ev.Kind)
			assert.Equal(t, StatusFor(d.Next), d.Status,
				"decision %s -> %s pairs phase with wrong status", p, d.Next)
		}
	}
}
