package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScenarios runs every scenario under testdata/scenarios against its
// golden trace.
func TestScenarios(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files, "no scenario files found")

	for _, f := range files {
		sc, err := LoadScenario(f)
		require.NoError(t, err, f)
		t.Run(sc.Name, func(t *testing.T) {
			RunWithGolden(t, sc)
		})
	}
}
