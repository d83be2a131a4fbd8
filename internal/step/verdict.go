package step

// VerdictKind classifies a guard's local opinion of a step.
type VerdictKind int

const (
	// VerdictPass means the guard found nothing of note.
	VerdictPass VerdictKind = iota
	// VerdictFlag means the guard found something advisory. Flags accumulate
	// into the rule stage's input and onto the POLICY_CHECK trace event, but
	// a flag alone never blocks a step.
	VerdictFlag
	// VerdictReject means the guard found a high-confidence violation.
	// Any reject forces a binding DENY and short-circuits later stages.
	VerdictReject
)

// Verdict is the non-binding output of one pipeline stage.
type Verdict struct {
	Kind   VerdictKind
	Reason string
}

// Pass returns a PASS verdict.
func Pass() Verdict { return Verdict{Kind: VerdictPass} }

// Flag returns a FLAG verdict with the given reason.
func Flag(reason string) Verdict { return Verdict{Kind: VerdictFlag, Reason: reason} }

// Reject returns a REJECT verdict with the given reason.
func Reject(reason string) Verdict { return Verdict{Kind: VerdictReject, Reason: reason} }

// Context is the evaluation input handed to each pipeline stage: the step
// under consideration plus environment and the flags accumulated so far.
//
// Guards must treat everything except Flags as read-only. Flags are appended
// by the pipeline between stages, so a later stage sees every earlier flag.
type Context struct {
	Tool        string
	Params      map[string]any
	Effects     []SideEffect
	SandboxRoot string
	Flags       []string
}
