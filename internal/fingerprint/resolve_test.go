package fingerprint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDeterministic(t *testing.T) {
	env := Env{SandboxRoot: "/work/sandbox"}
	params := map[string]any{
		"path":  "/work/sandbox/out.txt",
		"data":  "hello",
		"count": 3,
	}

	fp1, err := Resolve("fs.write", params, env)
	require.NoError(t, err)
	fp2, err := Resolve("fs.write", params, env)
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2, "identical arguments must produce identical fingerprints")
	assert.Len(t, fp1, 64, "fingerprint is a hex SHA-256 digest")
}

func TestResolveKeyOrderIndependent(t *testing.T) {
	env := Env{SandboxRoot: "/work"}

	// Maps iterate in random order; canonical JSON must erase that.
	a := map[string]any{"alpha": "1", "beta": "2", "gamma": "3"}
	b := map[string]any{"gamma": "3", "alpha": "1", "beta": "2"}

	fpA, err := Resolve("fs.read", a, env)
	require.NoError(t, err)
	fpB, err := Resolve("fs.read", b, env)
	require.NoError(t, err)
	assert.Equal(t, fpA, fpB)
}

func TestResolveDistinguishesToolAndParams(t *testing.T) {
	env := Env{SandboxRoot: "/work"}
	params := map[string]any{"path": "a.txt"}

	fpWrite, err := Resolve("fs.write", params, env)
	require.NoError(t, err)
	fpRead, err := Resolve("fs.read", params, env)
	require.NoError(t, err)
	assert.NotEqual(t, fpWrite, fpRead, "different tools must not collide")

	fpOther, err := Resolve("fs.write", map[string]any{"path": "b.txt"}, env)
	require.NoError(t, err)
	assert.NotEqual(t, fpWrite, fpOther, "different params must not collide")
}

func TestResolveNormalizesPathsUnderSandbox(t *testing.T) {
	root := filepath.FromSlash("/work/sandbox")
	env := Env{SandboxRoot: root}

	direct := map[string]any{"path": filepath.FromSlash("/work/sandbox/sub/out.txt")}
	dotted := map[string]any{"path": filepath.FromSlash("/work/sandbox/sub/../sub/out.txt")}

	fp1, err := Resolve("fs.write", direct, env)
	require.NoError(t, err)
	fp2, err := Resolve("fs.write", dotted, env)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2, "equivalent path spellings must digest identically")

	// A path outside the sandbox still resolves (policy blocks it later),
	// but must not collide with the in-sandbox form.
	outside := map[string]any{"path": filepath.FromSlash("/etc/out.txt")}
	fp3, err := Resolve("fs.write", outside, env)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)
}

func TestResolveNormalizesNumbers(t *testing.T) {
	env := Env{}
	fpInt, err := Resolve("t", map[string]any{"n": int64(5)}, env)
	require.NoError(t, err)
	fpFloat, err := Resolve("t", map[string]any{"n": float64(5)}, env)
	require.NoError(t, err)
	assert.Equal(t, fpInt, fpFloat, "5 and 5.0 are the same canonical number")
}

func TestResolveNormalizesUnicode(t *testing.T) {
	env := Env{}
	// "é" as a single code point vs "e" + combining acute accent.
	composed := map[string]any{"name": "café"}
	decomposed := map[string]any{"name": "café"}

	fp1, err := Resolve("t", composed, env)
	require.NoError(t, err)
	fp2, err := Resolve("t", decomposed, env)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

func TestResolveRejectsNonCanonicalizableValues(t *testing.T) {
	env := Env{}

	cases := map[string]map[string]any{
		"function": {"fn": func() {}},
		"channel":  {"ch": make(chan int)},
		"nan":      {"n": float64(0) / func() float64 { return 0 }()},
	}
	for name, params := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Resolve("t", params, env)
			require.Error(t, err)
			assert.True(t, IsResolutionError(err), "expected ResolutionError, got %v", err)
		})
	}
}

func TestResolveNestedStructures(t *testing.T) {
	env := Env{SandboxRoot: "/work"}
	params := map[string]any{
		"files": []any{
			map[string]any{"path": "/work/a.txt", "mode": 0o644},
			map[string]any{"path": "/work/b.txt", "mode": 0o600},
		},
	}
	fp1, err := Resolve("fs.batch", params, env)
	require.NoError(t, err)
	fp2, err := Resolve("fs.batch", params, env)
	require.NoError(t, err)
	assert.Equal(t, fp1, fp2)
}

func TestDigestPolicyDomainSeparated(t *testing.T) {
	v := map[string]any{"x": 1}
	stepDigest, err := Digest(DomainStep, v)
	require.NoError(t, err)
	policyDigest, err := Digest(DomainPolicy, v)
	require.NoError(t, err)
	assert.NotEqual(t, stepDigest, policyDigest, "domains must separate identical payloads")
}
