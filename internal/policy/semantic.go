package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/warden/internal/step"
)

// SemanticGuard detects high-confidence malicious intent from well-known
// patterns in step parameters: path-traversal sequences, exfiltration of
// sensitive files over the network, and pipe-to-shell downloads.
//
// Only high-confidence matches reject; ambiguous cases flag and leave the
// binding decision to the rule stage.
type SemanticGuard struct {
	reject []semanticPattern
	flag   []semanticPattern
}

type semanticPattern struct {
	re     *regexp.Regexp
	reason string
}

// NewSemanticGuard builds the guard with its built-in pattern tables.
func NewSemanticGuard() *SemanticGuard {
	return &SemanticGuard{
		reject: []semanticPattern{
			{regexp.MustCompile(`(?:\.\./){2,}|(?:%2e%2e%2f){1,}|\.\.%2f`), "path-traversal sequence"},
			{regexp.MustCompile(`(?i)(?:curl|wget)[^|;&]*\|\s*(?:ba|z|da)?sh\b`), "remote script piped to shell"},
			{regexp.MustCompile(`-----BEGIN (?:RSA |OPENSSH |EC )?PRIVATE KEY-----`), "private key material in parameters"},
		},
		flag: []semanticPattern{
			{regexp.MustCompile(`(?i)base64\s+(-d|--decode)`), "base64 decode in command"},
			{regexp.MustCompile(`(?i)\b(?:ba|z)?sh\s+-c\b`), "shell -c execution"},
			{regexp.MustCompile(`\.\./`), "relative parent path"},
		},
	}
}

func (g *SemanticGuard) Name() string { return StageSemantic }

// Evaluate scans every string parameter. Exfiltration detection combines a
// declared egress effect with sensitive-path markers in the same step.
func (g *SemanticGuard) Evaluate(sc *step.Context) step.Verdict {
	strs := collectStrings(sc.Params)

	for _, s := range strs {
		for _, p := range g.reject {
			if p.re.MatchString(s) {
				return step.Reject(fmt.Sprintf("%s in %q", p.reason, s))
			}
		}
	}

	if hasEgress(sc.Effects) {
		for _, s := range strs {
			if marker := sensitiveMarker(s); marker != "" {
				return step.Reject(fmt.Sprintf("egress step references sensitive source %q", marker))
			}
		}
	}

	for _, s := range strs {
		for _, p := range g.flag {
			if p.re.MatchString(s) {
				return step.Flag(fmt.Sprintf("%s in %q", p.reason, s))
			}
		}
	}
	return step.Pass()
}

// sensitiveSources are well-known credential and secret locations.
var sensitiveSources = []string{
	"/etc/shadow",
	"/etc/passwd",
	"id_rsa",
	"id_ed25519",
	".ssh/",
	".aws/credentials",
	".env",
	".netrc",
	"credentials.json",
}

// sensitiveMarker returns the first well-known sensitive marker contained in
// s, or "".
func sensitiveMarker(s string) string {
	lower := strings.ToLower(s)
	for _, marker := range sensitiveSources {
		if strings.Contains(lower, marker) {
			return marker
		}
	}
	return ""
}

// hasEgress reports whether the declared effects cross a trust boundary:
// any network write or process execution.
func hasEgress(effects []step.SideEffect) bool {
	for _, e := range effects {
		if e.Kind == step.EffectNet && e.Write {
			return true
		}
		if e.Kind == step.EffectProc {
			return true
		}
	}
	return false
}

// collectStrings flattens every string in a parameter tree, sorted so scan
// order (and therefore the first-match reason) is deterministic.
func collectStrings(v any) []string {
	var out []string
	var walk func(any)
	walk = func(v any) {
		switch val := v.(type) {
		case string:
			out = append(out, val)
		case []any:
			for _, e := range val {
				walk(e)
			}
		case map[string]any:
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(val[k])
			}
		}
	}
	walk(v)
	return out
}
