package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/studiod/internal/phase"
)

// External consumers depend on these field names.
func TestEventWireFormat(t *testing.T) {
	ev := Event{
		SessionID: "s-1",
		Phase:     phase.PhaseQA,
		Status:    phase.StatusRunning,
		Iteration: 2,
		Error:     "2 tests failing",
		Timestamp: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "s-1", decoded["session_id"])
	assert.Equal(t, "qa", decoded["phase"])
	assert.Equal(t, "running", decoded["status"])
	assert.Equal(t, float64(2), decoded["iteration_count"])
	assert.Equal(t, "2 tests failing", decoded["error"])
	assert.Contains(t, decoded, "timestamp")
}

func TestEventOmitsEmptyError(t *testing.T) {
	data, err := json.Marshal(Event{SessionID: "s-1"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"error"`)
}
