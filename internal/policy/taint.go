package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/warden/internal/step"
)

// TaintGuard tracks whether the run has read from sensitive sources and
// whether a step would carry such data across a trust boundary.
//
// State is per run: reading a sensitive-classified target taints the run;
// a later egress step (net write, process execution) that references a
// tainted target rejects, and any other egress while tainted flags.
//
// The guard is stateful and therefore scoped to one execution context, like
// the context's fingerprint cache.
type TaintGuard struct {
	classifiers []*regexp.Regexp
	tainted     map[string]bool
}

// defaultSensitivePatterns classify sensitive data sources by target path.
var defaultSensitivePatterns = []string{
	`(?i)\.env$`,
	`(?i)secrets?(\.|/|$)`,
	`(?i)credential`,
	`\.ssh/`,
	`id_rsa`,
	`id_ed25519`,
	`/etc/shadow`,
	`(?i)\btoken\b`,
	`\.pem$`,
}

// NewTaintGuard builds the guard. Extra patterns extend the built-in
// sensitive-source classifiers; pass nil for the defaults alone.
func NewTaintGuard(extraPatterns []string) *TaintGuard {
	patterns := append(append([]string{}, defaultSensitivePatterns...), extraPatterns...)
	classifiers := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if re, err := regexp.Compile(p); err == nil {
			classifiers = append(classifiers, re)
		}
	}
	return &TaintGuard{
		classifiers: classifiers,
		tainted:     make(map[string]bool),
	}
}

func (g *TaintGuard) Name() string { return StageTaint }

// Evaluate updates taint state for reads and judges egress steps.
// Read-side: flag, never reject (reading a secret locally is legitimate).
// Egress-side: reject when the step references a tainted source directly,
// flag when the run is tainted but no direct reference is visible.
func (g *TaintGuard) Evaluate(sc *step.Context) step.Verdict {
	egress := hasEgress(sc.Effects)

	if egress && len(g.tainted) > 0 {
		if src := g.referencedTaint(sc); src != "" {
			return step.Reject(fmt.Sprintf("egress would carry data derived from sensitive source %q", src))
		}
	}

	var newReads []string
	for _, eff := range sc.Effects {
		if eff.Kind != step.EffectFS || eff.Write {
			continue
		}
		if g.sensitive(eff.Target) && !g.tainted[eff.Target] {
			g.tainted[eff.Target] = true
			newReads = append(newReads, eff.Target)
		}
	}
	if len(newReads) > 0 {
		sort.Strings(newReads)
		return step.Flag("read sensitive source " + strings.Join(newReads, ", "))
	}

	if egress && len(g.tainted) > 0 {
		return step.Flag("egress while run holds sensitive reads")
	}
	return step.Pass()
}

// sensitive reports whether a target matches any sensitive classifier.
func (g *TaintGuard) sensitive(target string) bool {
	for _, re := range g.classifiers {
		if re.MatchString(target) {
			return true
		}
	}
	return false
}

// referencedTaint returns the lexically smallest tainted source referenced by
// the step's string parameters, or "". Sorted for deterministic reasons.
func (g *TaintGuard) referencedTaint(sc *step.Context) string {
	sources := make([]string, 0, len(g.tainted))
	for src := range g.tainted {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	for _, s := range collectStrings(sc.Params) {
		for _, src := range sources {
			if strings.Contains(s, src) {
				return src
			}
		}
	}
	return ""
}
