// Package policy implements the ordered multi-stage policy pipeline.
//
// The pipeline is a fixed, explicit sequence of guards, each returning a
// non-binding verdict, followed by the rule stage which produces the binding
// decision. Any REJECT short-circuits to DENY; flags accumulate across stages
// into the rule stage's input and onto the POLICY_CHECK trace event. If the
// rule stage itself errors, the binding decision is DENY, never default-allow.
package policy

import (
	"log/slog"

	"github.com/roach88/warden/internal/step"
)

// Guard is one independent pipeline stage. Guards must be deterministic for
// a given step context and guard state; any of them can be exercised in
// isolation for testing.
type Guard interface {
	// Name identifies the stage in trace events and violation reasons.
	Name() string
	// Evaluate returns the stage's local, non-binding opinion of the step.
	Evaluate(sc *step.Context) step.Verdict
}

// Result is the binding outcome of a full pipeline evaluation.
type Result struct {
	Decision step.Decision
	// Stage names the rejecting (or erroring) stage on DENY, or the rule
	// that produced an ALLOW/AUDIT/DENY in the rule stage.
	Stage  string
	Reason string
	// Flags are every advisory flag accumulated across stages, recorded on
	// the trace regardless of the final decision.
	Flags []string
}

// Pipeline evaluates steps through the fixed stage order:
// boundary gate, semantic guard, taint guard, rule stage.
//
// The order is an explicit slice, not a lookup table, so the short-circuit
// behavior stays auditable. Cheapest structural checks run first.
type Pipeline struct {
	guards []Guard
	rules  *RuleStage
	log    *slog.Logger
}

// NewPipeline builds the standard four-stage pipeline for a policy set.
//
// The taint guard carries per-run state, so a Pipeline is scoped to one
// execution context and must not be shared across runs.
func NewPipeline(set *Set, sandboxRoot string, allowHosts []string, log *slog.Logger) (*Pipeline, error) {
	rules, err := NewRuleStage(set)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		guards: []Guard{
			&BoundaryGate{SandboxRoot: sandboxRoot, AllowHosts: allowHosts},
			NewSemanticGuard(),
			NewTaintGuard(nil),
		},
		rules: rules,
		log:   log,
	}, nil
}

// NewPipelineWithStages builds a pipeline from explicit stages. Used by tests
// to exercise individual guards and failure modes.
func NewPipelineWithStages(guards []Guard, rules *RuleStage, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{guards: guards, rules: rules, log: log}
}

// Check runs the step through every stage and converts the verdicts into a
// binding decision.
//
// A REJECT from any guard forces DENY and skips later stages. Otherwise all
// guards run, their flags are handed to the rule stage as advisory context,
// and the rule stage's verdict becomes the binding decision. A rule stage
// error is a DENY (fail-safe default).
func (p *Pipeline) Check(sc *step.Context) Result {
	for _, g := range p.guards {
		v := g.Evaluate(sc)
		switch v.Kind {
		case step.VerdictReject:
			p.log.Warn("policy stage rejected step",
				"stage", g.Name(), "tool", sc.Tool, "reason", v.Reason)
			return Result{
				Decision: step.DecisionDeny,
				Stage:    g.Name(),
				Reason:   v.Reason,
				Flags:    sc.Flags,
			}
		case step.VerdictFlag:
			sc.Flags = append(sc.Flags, g.Name()+": "+v.Reason)
			p.log.Debug("policy stage flagged step",
				"stage", g.Name(), "tool", sc.Tool, "reason", v.Reason)
		}
	}

	decision, ruleID, err := p.rules.Decide(sc)
	if err != nil {
		// Never propagate ambiguity as ALLOW.
		p.log.Error("rule stage failed, denying", "tool", sc.Tool, "error", err)
		return Result{
			Decision: step.DecisionDeny,
			Stage:    StageRules,
			Reason:   "rule stage error: " + err.Error(),
			Flags:    sc.Flags,
		}
	}

	reason := ""
	if decision == step.DecisionDeny {
		reason = "denied by rule " + ruleID
	}
	return Result{Decision: decision, Stage: ruleID, Reason: reason, Flags: sc.Flags}
}
