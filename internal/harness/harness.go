package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/warden/internal/gate"
	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/replay"
	"github.com/roach88/warden/internal/step"
	"github.com/roach88/warden/internal/testutil"
	"github.com/roach88/warden/internal/trace"
)

// defaultPolicy applies when a scenario declares none.
const defaultPolicy = "version: 1\ndefault: allow\n"

// StepOutcome is one step's committed result.
type StepOutcome struct {
	ID     string      `json:"step_id"`
	Tool   string      `json:"tool"`
	Status step.Status `json:"status"`
	Output string      `json:"output,omitempty"`
	Err    string      `json:"error,omitempty"`
}

// Result holds everything a scenario run produced: per-step outcomes, the
// raw traces of both passes, and any expectation failures.
type Result struct {
	Scenario *Scenario
	Steps    []StepOutcome
	Replayed []StepOutcome
	Events   []trace.Event
	// ReplayEvents is the second pass's trace; nil unless the scenario
	// sets replay.
	ReplayEvents []trace.Event
	Failures     []string

	sandbox string
}

// Passed reports whether every expectation held.
func (r *Result) Passed() bool { return len(r.Failures) == 0 }

// Run executes a scenario in a fresh throwaway sandbox with deterministic
// step IDs and clock, so two runs of the same scenario produce identical
// traces (up to content digests).
func Run(sc *Scenario) (*Result, error) {
	scratch, err := os.MkdirTemp("", "warden-harness-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(scratch)

	sandbox := filepath.Join(scratch, "sandbox")
	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		return nil, err
	}
	for name, content := range sc.Files {
		path := filepath.Join(sandbox, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, err
		}
	}

	doc := sc.Policy
	if doc == "" {
		doc = defaultPolicy
	}
	set, err := policy.Parse(sc.Name, []byte(doc))
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}

	result := &Result{Scenario: sc, sandbox: sandbox}
	result.Steps, result.Events, err = runPass(sc, set, sandbox, filepath.Join(scratch, "run.trace"), nil)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", sc.Name, err)
	}

	if sc.Replay {
		history := replay.FromTrace(result.Events)
		result.Replayed, result.ReplayEvents, err = runPass(sc, set, sandbox, filepath.Join(scratch, "replay.trace"), history)
		if err != nil {
			return nil, fmt.Errorf("scenario %q replay pass: %w", sc.Name, err)
		}
	}

	result.check()
	return result, nil
}

// runPass drives the scenario's steps through one session.
func runPass(sc *Scenario, set *policy.Set, sandbox, tracePath string, history []replay.Recorded) ([]StepOutcome, []trace.Event, error) {
	w, err := trace.NewWriter(tracePath)
	if err != nil {
		return nil, nil, err
	}

	ids := make([]string, len(sc.Steps))
	for i := range ids {
		ids[i] = fmt.Sprintf("step-%d", i+1)
	}
	session, err := gate.NewSession(gate.Config{
		Policy:      set,
		SandboxRoot: sandbox,
		AllowHosts:  sc.AllowHosts,
		TraceWriter: w,
		History:     history,
		Invoker:     &FSInvoker{Root: sandbox},
		IDs:         gate.NewFixedGenerator(ids...),
		Now:         testutil.FixedClock(time.Unix(1700000000, 0).UTC(), time.Second),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		w.Close()
		return nil, nil, err
	}

	ctx := context.Background()
	var outcomes []StepOutcome
	for _, s := range sc.Steps {
		st, derr := session.Do(ctx, step.Request{Tool: s.Tool, Params: s.Params, Effects: s.Effects})
		if st == nil {
			session.Close()
			return nil, nil, derr
		}
		o := StepOutcome{ID: st.ID, Tool: st.Tool, Status: st.Status, Output: st.Output, Err: st.Err}
		if o.Err == "" && derr != nil {
			o.Err = derr.Error()
		}
		outcomes = append(outcomes, o)
	}
	if err := session.Close(); err != nil {
		return nil, nil, err
	}

	events, corrupt, err := trace.ReadAll(tracePath)
	if err != nil {
		return nil, nil, err
	}
	if len(corrupt) > 0 {
		return nil, nil, fmt.Errorf("trace has %d corrupt record(s)", len(corrupt))
	}
	return outcomes, events, nil
}

// check evaluates expectations against outcomes.
func (r *Result) check() {
	for i, s := range r.Scenario.Steps {
		if s.Expect == nil {
			continue
		}
		got := r.Steps[i]
		if s.Expect.Status != "" && got.Status != s.Expect.Status {
			r.fail("step %d (%s): status %s, want %s", i+1, got.Tool, got.Status, s.Expect.Status)
		}
		if s.Expect.Output != "" && got.Output != s.Expect.Output {
			r.fail("step %d (%s): output %q, want %q", i+1, got.Tool, got.Output, s.Expect.Output)
		}
		if s.Expect.Error != "" && !strings.Contains(got.Err, s.Expect.Error) {
			r.fail("step %d (%s): error %q does not contain %q", i+1, got.Tool, got.Err, s.Expect.Error)
		}
	}

	// The replay pass is held to one rule: whatever succeeded the first
	// time comes back from the trace, byte-identical, without executing.
	for i, rep := range r.Replayed {
		first := r.Steps[i]
		if first.Status != step.StatusSuccess && first.Status != step.StatusReplayed {
			continue
		}
		if rep.Status != step.StatusReplayed {
			r.fail("replay step %d (%s): status %s, want %s", i+1, rep.Tool, rep.Status, step.StatusReplayed)
			continue
		}
		if rep.Output != first.Output {
			r.fail("replay step %d (%s): output %q, recorded %q", i+1, rep.Tool, rep.Output, first.Output)
		}
	}
}

func (r *Result) fail(format string, args ...any) {
	r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
}
