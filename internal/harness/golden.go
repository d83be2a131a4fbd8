package harness

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/warden/internal/trace"
)

// Snapshot renders the scenario's trace(s) for golden comparison. Content
// digests and the policy hash are scrubbed and the sandbox root is replaced
// with "@sandbox", so the snapshot is stable across machines and hand-
// checkable in review.
func (r *Result) Snapshot() []byte {
	var buf bytes.Buffer
	trace.Render(&buf, scrub(r.Events))
	if r.ReplayEvents != nil {
		buf.WriteString("--- replay ---\n")
		trace.Render(&buf, scrub(r.ReplayEvents))
	}
	return []byte(strings.ReplaceAll(buf.String(), r.sandbox, "@sandbox"))
}

func scrub(events []trace.Event) []trace.Event {
	out := make([]trace.Event, len(events))
	copy(out, events)
	for i := range out {
		out[i].Fingerprint = ""
		out[i].ExpectedFingerprint = ""
		out[i].PolicyHash = ""
	}
	return out
}

// RunWithGolden executes a scenario, reports expectation failures, and
// compares the trace snapshot against testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, sc *Scenario) {
	t.Helper()

	result, err := Run(sc)
	if err != nil {
		t.Fatalf("scenario %q: %v", sc.Name, err)
	}
	for _, f := range result.Failures {
		t.Errorf("scenario %q: %s", sc.Name, f)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, sc.Name, result.Snapshot())
}
