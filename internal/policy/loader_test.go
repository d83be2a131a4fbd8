package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validPolicy = `version: 1
default: deny
rules:
  - id: allow-sandbox-fs
    description: filesystem access inside the sandbox
    tools: ["fs.*"]
    effect: allow
  - id: audit-exec
    tools: ["proc.exec"]
    effect: audit
    when: 'flags.size() == 0'
`

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadValidPolicy(t *testing.T) {
	set, err := Load(writePolicy(t, validPolicy))
	require.NoError(t, err)

	assert.Equal(t, 1, set.Version)
	assert.Equal(t, "deny", set.Default)
	require.Len(t, set.Rules, 2)
	assert.Equal(t, "allow-sandbox-fs", set.Rules[0].ID)
	assert.NotEmpty(t, set.Hash)

	// The loaded set compiles into a rule stage.
	_, err = NewRuleStage(set)
	require.NoError(t, err)
}

func TestLoadHashIsStable(t *testing.T) {
	a, err := Load(writePolicy(t, validPolicy))
	require.NoError(t, err)
	b, err := Load(writePolicy(t, validPolicy))
	require.NoError(t, err)
	assert.Equal(t, a.Hash, b.Hash, "same document, same canonical hash")

	c, err := Load(writePolicy(t, validPolicy+`  - id: extra
    effect: deny
`))
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash, c.Hash, "changed document, changed hash")
}

func TestLoadRejectsBadEffect(t *testing.T) {
	_, err := Load(writePolicy(t, `version: 1
default: deny
rules:
  - id: r1
    effect: permit
`))
	require.Error(t, err)
	var le *LoadError
	require.ErrorAs(t, err, &le)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	_, err := Load(writePolicy(t, `version: 1
default: deny
severity: high
rules: []
`))
	require.Error(t, err)
}

func TestLoadRejectsMissingRuleID(t *testing.T) {
	_, err := Load(writePolicy(t, `version: 1
default: deny
rules:
  - effect: allow
`))
	require.Error(t, err)
}

func TestLoadRejectsWrongVersion(t *testing.T) {
	_, err := Load(writePolicy(t, `version: 2
default: deny
rules: []
`))
	require.Error(t, err)
}

func TestLoadRejectsEmptyDocument(t *testing.T) {
	_, err := Load(writePolicy(t, ""))
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
