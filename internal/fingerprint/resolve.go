// Package fingerprint derives deterministic identities for steps.
//
// A fingerprint is the SHA-256 digest of the RFC 8785 canonical JSON form of
// {tool, canonicalized params, environment facet}, with a domain-separation
// prefix. Identical logical steps across separate runs produce identical
// fingerprints; the gate never inspects output equality to decide replay
// eligibility, only fingerprint equality.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainStep   = "warden/step/v1"
	DomainPolicy = "warden/policy/v1"
)

// Env is the environment facet folded into every step fingerprint.
type Env struct {
	// SandboxRoot anchors path canonicalization: absolute path parameters
	// under the root are rewritten to a root-relative form before digesting,
	// and the root itself is part of the digest.
	SandboxRoot string
}

// Resolve computes the fingerprint for one step.
//
// Pure function of its inputs: no wall-clock time, no randomness, no external
// mutable state. Params are canonicalized before digesting (map keys sorted
// via RFC 8785, strings NFC-normalized, numbers normalized, absolute paths
// under the sandbox root made root-relative).
//
// Returns a *ResolutionError if params contain a non-canonicalizable value.
// That error is fatal for the step and is never retried.
func Resolve(tool string, params map[string]any, env Env) (string, error) {
	canonParams, err := canonicalize(params, env)
	if err != nil {
		return "", &ResolutionError{Tool: tool, Reason: "params not canonicalizable", Err: err}
	}

	subject := map[string]any{
		"tool":    tool,
		"params":  canonParams,
		"sandbox": norm.NFC.String(filepath.ToSlash(filepath.Clean(env.SandboxRoot))),
	}
	return Digest(DomainStep, subject)
}

// Digest computes the domain-separated SHA-256 digest of the RFC 8785
// canonical JSON form of v. Shared by step fingerprinting and policy-set
// hashing so both identities use the same scheme.
func Digest(domain string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal for digest: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize for digest: %w", err)
	}
	return hashWithDomain(domain, canonical), nil
}

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data). The null separator prevents
// domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalize normalizes a parameter value tree into plain JSON-safe values.
// Returns an error for values with no deterministic serialization (functions,
// channels, NaN, infinities, unknown types).
func canonicalize(v any, env Env) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return val, nil
	case string:
		return canonicalizeString(val, env), nil
	case int:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint:
		return uint64(val), nil
	case uint64:
		return val, nil
	case json.Number:
		return val, nil
	case float32:
		return canonicalizeFloat(float64(val))
	case float64:
		return canonicalizeFloat(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			c, err := canonicalize(elem, env)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = c
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			c, err := canonicalize(elem, env)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", k, err)
			}
			out[norm.NFC.String(k)] = c
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value of type %T has no canonical form", v)
	}
}

// canonicalizeString NFC-normalizes s and, when s is an absolute path inside
// the sandbox root, rewrites it to a stable root-relative form so the same
// logical target digests identically regardless of how the caller spelled it.
func canonicalizeString(s string, env Env) string {
	s = norm.NFC.String(s)
	if env.SandboxRoot == "" || !filepath.IsAbs(s) {
		return s
	}
	root := filepath.Clean(env.SandboxRoot)
	cleaned := filepath.Clean(s)
	rel, err := filepath.Rel(root, cleaned)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(cleaned)
	}
	if rel == "." {
		return "@sandbox"
	}
	return "@sandbox/" + filepath.ToSlash(rel)
}

// canonicalizeFloat rejects values JSON cannot represent and collapses
// integral floats to integers so 5 and 5.0 digest identically.
func canonicalizeFloat(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite number %v has no canonical form", f)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f), nil
	}
	return f, nil
}
