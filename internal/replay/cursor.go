// Package replay drives historical-trace replay for live step streams.
//
// Replay is bounded to a strict prefix match: a cursor walks the historical
// steps in order, and each live step is compared against the next expected
// historical fingerprint. The first mismatch permanently abandons the cursor
// for the remainder of the run, avoiding ambiguity from reordered or skipped
// steps. Replay never consults policy: a step established as previously
// successful is trusted without re-validation.
package replay

import (
	"github.com/roach88/warden/internal/step"
	"github.com/roach88/warden/internal/trace"
)

// Recorded is one historical step as reconstructed from a trace.
type Recorded struct {
	StepID      string
	Fingerprint string
	Status      step.Status
	Output      string
}

// Replayable reports whether the recorded outcome can stand in for live
// execution. REPLAYED counts: it carries the output of an earlier success,
// so a trace of a replaying run is itself a valid replay source.
func (r Recorded) Replayable() bool {
	return r.Status == step.StatusSuccess || r.Status == step.StatusReplayed
}

// Cursor holds the read position over a previously captured trace.
// Not safe for concurrent use; the owning execution context serializes
// access through its single-step state machine.
type Cursor struct {
	steps    []Recorded
	pos      int
	diverged bool
}

// NewCursor creates a cursor over historical steps in trace order.
func NewCursor(steps []Recorded) *Cursor {
	return &Cursor{steps: steps}
}

// FromTrace reconstructs the replayable step sequence from trace events.
//
// Steps are ordered by STEP_START emission. Steps that never reached
// resolution (no fingerprint) are excluded: they were never replayable, and
// their live re-issue fails at resolution before consulting the cursor.
// Steps missing a terminal STEP_END (a trace from a crashed run) are dropped.
func FromTrace(events []trace.Event) []Recorded {
	index := make(map[string]int)
	var steps []Recorded
	for _, e := range events {
		switch e.Type {
		case trace.EventStepStart:
			if e.Fingerprint == "" {
				continue
			}
			index[e.StepID] = len(steps)
			steps = append(steps, Recorded{StepID: e.StepID, Fingerprint: e.Fingerprint})
		case trace.EventStepEnd:
			if i, ok := index[e.StepID]; ok {
				steps[i].Status = e.Status
				steps[i].Output = e.Output
			}
		}
	}

	complete := steps[:0]
	for _, s := range steps {
		if s.Status.Terminal() {
			complete = append(complete, s)
		}
	}
	return complete
}

// Expect returns the next expected historical step, if any. Returns false
// once the cursor has diverged or the historical trace is exhausted.
func (c *Cursor) Expect() (Recorded, bool) {
	if c.diverged || c.pos >= len(c.steps) {
		return Recorded{}, false
	}
	return c.steps[c.pos], true
}

// Take compares a live fingerprint against the next expected historical step.
//
// Match with a replayable outcome: the cursor advances and the historical
// record is returned with ok=true.
//
// Match with a non-replayable outcome (the historical step was BLOCKED or
// FAILED): the cursor advances but ok=false, and the live step executes.
//
// Mismatch: the cursor diverges permanently; diverged=true is reported on
// exactly that call so the caller can record a single divergence event.
// After divergence, and after exhaustion, every call returns ok=false.
func (c *Cursor) Take(fp string) (rec Recorded, ok bool, diverged bool) {
	expected, live := c.Expect()
	if !live {
		return Recorded{}, false, false
	}
	if expected.Fingerprint != fp {
		c.diverged = true
		return expected, false, true
	}
	c.pos++
	return expected, expected.Replayable(), false
}

// Diverged reports whether the cursor has been abandoned for this run.
func (c *Cursor) Diverged() bool {
	return c.diverged
}

// Remaining returns the number of historical steps not yet consumed.
func (c *Cursor) Remaining() int {
	if c.diverged {
		return 0
	}
	return len(c.steps) - c.pos
}
