package replay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/warden/internal/step"
	"github.com/roach88/warden/internal/trace"
)

func recorded(fp, output string) Recorded {
	return Recorded{StepID: "s-" + fp, Fingerprint: fp, Status: step.StatusSuccess, Output: output}
}

func TestCursorPrefixMatch(t *testing.T) {
	c := NewCursor([]Recorded{recorded("a", "out-a"), recorded("b", "out-b")})

	rec, ok, div := c.Take("a")
	require.True(t, ok)
	assert.False(t, div)
	assert.Equal(t, "out-a", rec.Output)

	rec, ok, div = c.Take("b")
	require.True(t, ok)
	assert.False(t, div)
	assert.Equal(t, "out-b", rec.Output)

	// Exhausted: no replay, no divergence.
	_, ok, div = c.Take("c")
	assert.False(t, ok)
	assert.False(t, div)
	assert.False(t, c.Diverged())
}

func TestCursorDivergesOnceThenStaysLive(t *testing.T) {
	c := NewCursor([]Recorded{recorded("a", ""), recorded("b", ""), recorded("c", "")})

	_, ok, div := c.Take("a")
	require.True(t, ok)
	require.False(t, div)

	// Live step "d" does not match expected "b": divergence, reported once.
	expected, ok, div := c.Take("d")
	assert.False(t, ok)
	assert.True(t, div)
	assert.Equal(t, "b", expected.Fingerprint)
	assert.True(t, c.Diverged())
	assert.Equal(t, 0, c.Remaining())

	// Even an exact match for the next historical step never replays again.
	_, ok, div = c.Take("b")
	assert.False(t, ok)
	assert.False(t, div, "divergence is recorded exactly once")

	_, live := c.Expect()
	assert.False(t, live)
}

func TestCursorSkipsNonReplayableMatches(t *testing.T) {
	failed := Recorded{StepID: "s-b", Fingerprint: "b", Status: step.StatusFailed, Output: ""}
	c := NewCursor([]Recorded{recorded("a", "out-a"), failed, recorded("c", "out-c")})

	_, ok, _ := c.Take("a")
	require.True(t, ok)

	// Historical "b" failed: matching it advances the cursor but executes live.
	_, ok, div := c.Take("b")
	assert.False(t, ok)
	assert.False(t, div)

	rec, ok, _ := c.Take("c")
	require.True(t, ok)
	assert.Equal(t, "out-c", rec.Output)
}

func TestReplayedOutcomesAreReplayable(t *testing.T) {
	rec := Recorded{Fingerprint: "a", Status: step.StatusReplayed, Output: "cached"}
	c := NewCursor([]Recorded{rec})

	got, ok, _ := c.Take("a")
	require.True(t, ok)
	assert.Equal(t, "cached", got.Output)
}

func TestFromTrace(t *testing.T) {
	events := []trace.Event{
		{Type: trace.EventRunStart, PolicyHash: "p"},
		{Type: trace.EventStepStart, StepID: "1", Fingerprint: "a", Tool: "fs.write"},
		{Type: trace.EventPolicyCheck, StepID: "1", Decision: step.DecisionAllow},
		{Type: trace.EventStepEnd, StepID: "1", Status: step.StatusSuccess, Output: "Wrote 5 bytes"},
		// Resolution failure: no fingerprint, excluded from the cursor.
		{Type: trace.EventStepStart, StepID: "2"},
		{Type: trace.EventStepEnd, StepID: "2", Status: step.StatusFailed, Error: "resolve failed"},
		// Blocked step: included, but not replayable.
		{Type: trace.EventStepStart, StepID: "3", Fingerprint: "c"},
		{Type: trace.EventStepEnd, StepID: "3", Status: step.StatusBlocked},
		// Crashed mid-step: no STEP_END, dropped.
		{Type: trace.EventStepStart, StepID: "4", Fingerprint: "d"},
	}

	steps := FromTrace(events)
	require.Len(t, steps, 2)
	assert.Equal(t, "a", steps[0].Fingerprint)
	assert.Equal(t, "Wrote 5 bytes", steps[0].Output)
	assert.True(t, steps[0].Replayable())
	assert.Equal(t, "c", steps[1].Fingerprint)
	assert.False(t, steps[1].Replayable())
}
