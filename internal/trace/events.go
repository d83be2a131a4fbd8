// Package trace defines the append-only step lifecycle log.
//
// A trace is an ordered sequence of line-delimited JSON records. For a given
// step_id, STEP_START precedes all other events for that id and exactly one
// terminal STEP_END follows; events for distinct step_ids may interleave but
// never reorder within one id. Records are immutable once appended.
package trace

import (
	"time"

	"github.com/roach88/warden/internal/step"
)

// EventType identifies a trace record kind.
type EventType string

const (
	// EventRunStart opens a trace: one per run, before any step event.
	// Carries the policy-set hash so a later replaying run can detect that
	// it is honoring outcomes decided under a different policy.
	EventRunStart EventType = "RUN_START"
	// EventStepStart records a step entering the gate.
	EventStepStart EventType = "STEP_START"
	// EventPolicyCheck records the pipeline's binding decision and the
	// advisory flags accumulated across stages, regardless of outcome.
	EventPolicyCheck EventType = "POLICY_CHECK"
	// EventSideEffect records one effect observed during execution.
	EventSideEffect EventType = "SIDE_EFFECT"
	// EventStepEnd records a step reaching a terminal status.
	EventStepEnd EventType = "STEP_END"
	// EventReplayDiverged records the single point at which a live step no
	// longer matched the next expected historical step. At most one per run.
	EventReplayDiverged EventType = "REPLAY_DIVERGED"
)

// Event is one immutable trace record. Field presence depends on Type; the
// zero value of every optional field is omitted from the JSON line.
type Event struct {
	Type   EventType `json:"event"`
	StepID string    `json:"step_id,omitempty"`
	// Seq is the logical clock value at emission. Cross-step ordering in the
	// physical log follows seq, which follows coordinator invocation order.
	Seq int64     `json:"seq"`
	TS  time.Time `json:"ts"`

	// STEP_START fields. Effects are the step's declared effects, recorded
	// so a later run can re-drive the exact request.
	Tool        string            `json:"tool,omitempty"`
	Params      map[string]any    `json:"params,omitempty"`
	Effects     []step.SideEffect `json:"effects,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`

	// POLICY_CHECK fields. Stage names the rejecting stage on DENY.
	Decision step.Decision `json:"decision,omitempty"`
	Flags    []string      `json:"flags,omitempty"`
	Stage    string        `json:"stage,omitempty"`
	Reason   string        `json:"reason,omitempty"`

	// SIDE_EFFECT fields.
	Effect *step.SideEffect `json:"effect,omitempty"`

	// STEP_END fields.
	Status step.Status `json:"status,omitempty"`
	Output string      `json:"output,omitempty"`
	Error  string      `json:"error,omitempty"`

	// RUN_START and REPLAY_DIVERGED fields.
	PolicyHash string `json:"policy_hash,omitempty"`
	// ExpectedFingerprint is the historical fingerprint the cursor expected
	// at the point of divergence.
	ExpectedFingerprint string `json:"expected_fingerprint,omitempty"`
}
