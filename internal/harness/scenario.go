// Package harness runs declarative gate scenarios: a policy, a seeded
// sandbox, and a sequence of step requests with expected outcomes. The
// rendered trace of each scenario is compared against a golden file, so the
// gate's observable behavior is pinned end to end.
package harness

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/warden/internal/step"
)

// Scenario defines one gate conformance scenario.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description,omitempty"`

	// Policy is an inline policy document. Empty means allow everything.
	Policy string `yaml:"policy,omitempty"`

	// AllowHosts is the declared network scope for the run.
	AllowHosts []string `yaml:"allow_hosts,omitempty"`

	// Files seeds the sandbox before the run: path (relative to the
	// sandbox root) to content.
	Files map[string]string `yaml:"files,omitempty"`

	// Steps is the request sequence driven through the gate, in order.
	Steps []ScenarioStep `yaml:"steps"`

	// Replay re-drives the same steps through a second session seeded
	// with the first run's trace. Every step that succeeded in the first
	// pass must then replay with an identical output.
	Replay bool `yaml:"replay,omitempty"`
}

// ScenarioStep is one step request plus its expected outcome.
type ScenarioStep struct {
	Tool    string            `yaml:"tool"`
	Params  map[string]any    `yaml:"params,omitempty"`
	Effects []step.SideEffect `yaml:"effects,omitempty"`
	Expect  *Expect           `yaml:"expect,omitempty"`
}

// Expect constrains a step's committed outcome. Empty fields are not
// checked; Error is a substring match.
type Expect struct {
	Status step.Status `yaml:"status,omitempty"`
	Output string      `yaml:"output,omitempty"`
	Error  string      `yaml:"error,omitempty"`
}

// LoadScenario parses a scenario file.
func LoadScenario(path string) (*Scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if sc.Name == "" {
		return nil, fmt.Errorf("%s: scenario has no name", path)
	}
	if len(sc.Steps) == 0 {
		return nil, fmt.Errorf("%s: scenario %q has no steps", path, sc.Name)
	}
	for i, s := range sc.Steps {
		if s.Tool == "" {
			return nil, fmt.Errorf("%s: step %d has no tool", path, i+1)
		}
	}
	return &sc, nil
}
