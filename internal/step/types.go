package step

import "time"

// Status is the lifecycle state of a step.
type Status string

const (
	// StatusPending is the initial state before the gate has decided anything.
	StatusPending Status = "PENDING"
	// StatusAllowed means the policy pipeline returned a binding ALLOW or AUDIT
	// and the underlying operation is about to run (or is running).
	StatusAllowed Status = "ALLOWED"
	// StatusBlocked is terminal: the pipeline returned DENY and the underlying
	// operation was never invoked.
	StatusBlocked Status = "BLOCKED"
	// StatusSuccess is terminal: the underlying operation ran and returned.
	StatusSuccess Status = "SUCCESS"
	// StatusFailed is terminal: fingerprinting failed or the underlying
	// operation itself raised an error (not a policy matter).
	StatusFailed Status = "FAILED"
	// StatusReplayed is terminal: a prior successful outcome with the same
	// fingerprint was returned without re-executing the operation.
	StatusReplayed Status = "REPLAYED"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	switch s {
	case StatusBlocked, StatusSuccess, StatusFailed, StatusReplayed:
		return true
	}
	return false
}

// Decision is the binding outcome of the full policy pipeline.
type Decision string

const (
	DecisionAllow Decision = "ALLOW"
	DecisionDeny  Decision = "DENY"
	// DecisionAudit allows execution but marks the step for mandatory review.
	// Only the rule stage may emit it.
	DecisionAudit Decision = "AUDIT"
)

// SideEffect describes one declared or observed effect of a step.
type SideEffect struct {
	// Kind is the resource class: "fs", "net", or "proc".
	Kind string `json:"kind"`
	// Target is the affected resource: a path, a host, a command name.
	Target string `json:"target"`
	// Write distinguishes mutation from read-only access.
	Write bool `json:"write"`
}

// Effect kinds.
const (
	EffectFS   = "fs"
	EffectNet  = "net"
	EffectProc = "proc"
)

// Request is one step-invocation request as submitted by the interception
// collaborator: the operation name, its parameters, and the side effects the
// operation declares it will perform.
type Request struct {
	Tool    string         `json:"tool"`
	Params  map[string]any `json:"params"`
	Effects []SideEffect   `json:"effects,omitempty"`
}

// Result is the output of the underlying operation, as reported by the
// interception collaborator after execution.
type Result struct {
	Output string `json:"output"`
	// Effects are the effects actually observed during execution. They are
	// recorded on the trace as SIDE_EFFECT events; the declared effects on
	// the Request are what the pipeline validated.
	Effects []SideEffect `json:"effects,omitempty"`
}

// Step is one attempted or replayed invocation. Steps are transient value
// records owned by the coordinator until committed; after commit only the
// trace holds them.
type Step struct {
	ID          string         `json:"step_id"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Tool        string         `json:"tool"`
	Params      map[string]any `json:"params,omitempty"`
	Effects     []SideEffect   `json:"effects,omitempty"`
	Status      Status         `json:"status"`
	// Decision is set only when the pipeline actually ran (not on replay,
	// not on resolution failure).
	Decision Decision `json:"decision,omitempty"`
	Output   string   `json:"output,omitempty"`
	Err      string   `json:"error,omitempty"`
	// Seq is the logical clock value assigned when the step started.
	// Ordering within a trace follows seq, never wall-clock time.
	Seq       int64     `json:"seq"`
	StartedAt time.Time `json:"started_at"`
	DecidedAt time.Time `json:"decided_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
}
