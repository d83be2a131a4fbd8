package policy

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/roach88/warden/internal/step"
)

// Rule is one declarative policy rule. Rules are evaluated in declaration
// order; the first rule whose tool selector and `when` expression both match
// decides the step.
type Rule struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	// Tools selects operations by exact name or trailing-wildcard pattern
	// ("fs.*"). Empty matches every tool.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	// Effect is "allow", "deny", or "audit".
	Effect string `yaml:"effect" json:"effect"`
	// When is an optional CEL expression over the step context. Empty means
	// the rule matches unconditionally.
	When string `yaml:"when,omitempty" json:"when,omitempty"`
}

// Set is a loaded, validated policy rule set.
type Set struct {
	Version int    `yaml:"version" json:"version"`
	Default string `yaml:"default" json:"default"`
	Rules   []Rule `yaml:"rules" json:"rules"`
	// Hash is the canonical digest of the policy document, recorded on the
	// trace's RUN_START event so a replaying run can detect that it is
	// honoring outcomes decided under a different policy.
	Hash string `yaml:"-" json:"-"`
}

// RuleStage is the main policy stage: it evaluates the supplied rule set
// against the full step context and every accumulated flag. It is the only
// stage permitted to emit AUDIT.
type RuleStage struct {
	set      *Set
	programs []cel.Program // nil entry for rules without a `when`
}

// NewRuleStage compiles every rule's CEL expression once, up front, so a
// malformed policy surfaces at load time rather than mid-run.
//
// The CEL environment exposes:
//
//	tool    string            operation name
//	params  map               step parameters
//	flags   list of string    advisory flags from earlier stages
//	effects list of map       declared effects {kind, target, write}
//	sandbox string            sandbox root
func NewRuleStage(set *Set) (*RuleStage, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool", cel.StringType),
		cel.Variable("params", cel.DynType),
		cel.Variable("flags", cel.ListType(cel.StringType)),
		cel.Variable("effects", cel.ListType(cel.DynType)),
		cel.Variable("sandbox", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	programs := make([]cel.Program, len(set.Rules))
	for i, r := range set.Rules {
		if r.When == "" {
			continue
		}
		ast, issues := env.Compile(r.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %q: compile when: %w", r.ID, issues.Err())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %q: build program: %w", r.ID, err)
		}
		programs[i] = prg
	}
	return &RuleStage{set: set, programs: programs}, nil
}

// Decide evaluates the rule set. First match wins in declaration order; the
// set default applies when nothing matches. Returns the matched rule's id
// (or "default") alongside the decision. An evaluation error is returned to
// the pipeline, which converts it to DENY.
func (r *RuleStage) Decide(sc *step.Context) (step.Decision, string, error) {
	input := map[string]any{
		"tool":    sc.Tool,
		"params":  paramsOrEmpty(sc.Params),
		"flags":   flagsOrEmpty(sc.Flags),
		"effects": effectsInput(sc.Effects),
		"sandbox": sc.SandboxRoot,
	}

	for i, rule := range r.set.Rules {
		if !toolMatches(rule.Tools, sc.Tool) {
			continue
		}
		if prg := r.programs[i]; prg != nil {
			out, _, err := prg.Eval(input)
			if err != nil {
				return "", "", fmt.Errorf("rule %q: eval: %w", rule.ID, err)
			}
			matched, ok := out.Value().(bool)
			if !ok {
				return "", "", fmt.Errorf("rule %q: when is not boolean", rule.ID)
			}
			if !matched {
				continue
			}
		}
		d, err := parseEffect(rule.Effect)
		if err != nil {
			return "", "", fmt.Errorf("rule %q: %w", rule.ID, err)
		}
		return d, rule.ID, nil
	}

	d, err := parseEffect(r.set.Default)
	if err != nil {
		return "", "", fmt.Errorf("default effect: %w", err)
	}
	return d, "default", nil
}

// Hash returns the canonical digest of the rule set.
func (r *RuleStage) Hash() string {
	return r.set.Hash
}

func parseEffect(effect string) (step.Decision, error) {
	switch effect {
	case "allow":
		return step.DecisionAllow, nil
	case "deny":
		return step.DecisionDeny, nil
	case "audit":
		return step.DecisionAudit, nil
	}
	return "", fmt.Errorf("unknown effect %q", effect)
}

func toolMatches(patterns []string, tool string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if p == tool {
			return true
		}
		if strings.HasSuffix(p, "*") && strings.HasPrefix(tool, strings.TrimSuffix(p, "*")) {
			return true
		}
	}
	return false
}

func paramsOrEmpty(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return params
}

func flagsOrEmpty(flags []string) []string {
	if flags == nil {
		return []string{}
	}
	return flags
}

func effectsInput(effects []step.SideEffect) []map[string]any {
	out := make([]map[string]any, len(effects))
	for i, e := range effects {
		out[i] = map[string]any{
			"kind":   e.Kind,
			"target": e.Target,
			"write":  e.Write,
		}
	}
	return out
}
