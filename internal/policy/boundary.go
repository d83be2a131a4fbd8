package policy

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/roach88/warden/internal/step"
)

// Stage names as they appear in trace events and violations.
const (
	StageBoundary = "boundary"
	StageSemantic = "semantic"
	StageTaint    = "taint"
	StageRules    = "rules"
)

// BoundaryGate is the fast structural pre-check: does every declared
// side-effect target fall within the declared sandbox/allow scope?
//
// No semantic analysis happens here. It is the cheapest stage and runs first
// so obviously out-of-bound operations are rejected before costlier analysis.
type BoundaryGate struct {
	// SandboxRoot bounds filesystem effects. Relative targets are resolved
	// against it.
	SandboxRoot string
	// AllowHosts is the declared network scope: exact hostnames, or
	// ".domain" suffix entries matching any subdomain. An empty list
	// declares no network scope, so every net effect is out of bounds.
	AllowHosts []string
}

func (g *BoundaryGate) Name() string { return StageBoundary }

// Evaluate rejects the first declared effect outside the declared scope.
// Process effects have no structural boundary; later stages judge them.
func (g *BoundaryGate) Evaluate(sc *step.Context) step.Verdict {
	for _, eff := range sc.Effects {
		switch eff.Kind {
		case step.EffectFS:
			if !g.inSandbox(eff.Target) {
				return step.Reject(fmt.Sprintf("fs target %q escapes sandbox root %q", eff.Target, g.SandboxRoot))
			}
		case step.EffectNet:
			host := hostOf(eff.Target)
			if !g.hostAllowed(host) {
				return step.Reject(fmt.Sprintf("net target %q outside allowed hosts", host))
			}
		}
	}
	return step.Pass()
}

func (g *BoundaryGate) inSandbox(target string) bool {
	if g.SandboxRoot == "" {
		return false
	}
	root := filepath.Clean(g.SandboxRoot)
	p := target
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	p = filepath.Clean(p)
	if p == root {
		return true
	}
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (g *BoundaryGate) hostAllowed(host string) bool {
	if host == "" {
		return false
	}
	for _, allowed := range g.AllowHosts {
		if strings.HasPrefix(allowed, ".") {
			if strings.HasSuffix(host, allowed) || host == strings.TrimPrefix(allowed, ".") {
				return true
			}
			continue
		}
		if host == allowed {
			return true
		}
	}
	return false
}

// hostOf extracts the hostname from a net effect target, which may be a bare
// host, host:port, or a URL.
func hostOf(target string) string {
	host := target
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?"); i >= 0 {
		host = host[:i]
	}
	// Strip a port, leaving IPv6 literals intact.
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i:], "]") {
		if !strings.Contains(host, "[") || strings.HasSuffix(host[:i], "]") {
			host = host[:i]
		}
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}
