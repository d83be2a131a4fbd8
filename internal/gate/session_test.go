package gate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/warden/internal/fingerprint"
	"github.com/roach88/warden/internal/policy"
	"github.com/roach88/warden/internal/replay"
	"github.com/roach88/warden/internal/step"
	"github.com/roach88/warden/internal/testutil"
	"github.com/roach88/warden/internal/trace"
)

type fixture struct {
	session   *Session
	invoker   *testutil.ScriptedInvoker
	tracePath string
	sandbox   string
}

func allowAll() *policy.Set {
	return &policy.Set{Version: 1, Default: "allow", Hash: "test-policy-hash"}
}

// newFixture builds a session backed by a fresh sandbox and trace file.
// history, when non-nil, receives the sandbox root so tests can precompute
// fingerprints that match what the session will resolve.
func newFixture(t *testing.T, set *policy.Set, history func(sandbox string) []replay.Recorded) *fixture {
	t.Helper()
	dir := t.TempDir()
	tracePath := filepath.Join(dir, "run.trace")
	var recorded []replay.Recorded
	if history != nil {
		recorded = history(dir)
	}
	w, err := trace.NewWriter(tracePath)
	require.NoError(t, err)

	inv := &testutil.ScriptedInvoker{
		Outputs: map[string]string{"fs.write": "Wrote 5 bytes"},
		Effects: map[string][]step.SideEffect{},
		Fail:    map[string]error{},
	}
	s, err := NewSession(Config{
		Policy:      set,
		SandboxRoot: dir,
		TraceWriter: w,
		History:     recorded,
		Invoker:     inv,
		IDs:         NewFixedGenerator("step-1", "step-2", "step-3", "step-4", "step-5"),
		Now:         testutil.FixedClock(time.Unix(1700000000, 0).UTC(), time.Millisecond),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return &fixture{session: s, invoker: inv, tracePath: tracePath, sandbox: dir}
}

func (f *fixture) events(t *testing.T) []trace.Event {
	t.Helper()
	require.NoError(t, f.session.Close())
	events, corrupt, err := trace.ReadAll(f.tracePath)
	require.NoError(t, err)
	require.Empty(t, corrupt)
	return events
}

func (f *fixture) writeReq(path string) step.Request {
	return step.Request{
		Tool:   "fs.write",
		Params: map[string]any{"path": path, "data": "hello"},
		Effects: []step.SideEffect{
			{Kind: step.EffectFS, Target: path, Write: true},
		},
	}
}

func eventsFor(events []trace.Event, stepID string) []trace.Event {
	var out []trace.Event
	for _, e := range events {
		if e.StepID == stepID {
			out = append(out, e)
		}
	}
	return out
}

func TestSuccessfulStepLifecycle(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	f.invoker.Effects["fs.write"] = []step.SideEffect{
		{Kind: step.EffectFS, Target: "out.txt", Write: true},
	}

	st, err := f.session.Do(context.Background(), f.writeReq("out.txt"))
	require.NoError(t, err)
	assert.Equal(t, step.StatusSuccess, st.Status)
	assert.Equal(t, step.DecisionAllow, st.Decision)
	assert.Equal(t, "Wrote 5 bytes", st.Output)
	assert.NotEmpty(t, st.Fingerprint)

	events := f.events(t)
	require.Len(t, events, 5)
	assert.Equal(t, trace.EventRunStart, events[0].Type)
	assert.Equal(t, "test-policy-hash", events[0].PolicyHash)
	assert.Equal(t, trace.EventStepStart, events[1].Type)
	assert.Equal(t, trace.EventPolicyCheck, events[2].Type)
	assert.Equal(t, step.DecisionAllow, events[2].Decision)
	assert.Equal(t, trace.EventSideEffect, events[3].Type)
	assert.Equal(t, trace.EventStepEnd, events[4].Type)
	assert.Equal(t, step.StatusSuccess, events[4].Status)

	// Seq strictly increases in emission order.
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestBlockedWriteScenario(t *testing.T) {
	f := newFixture(t, allowAll(), nil)

	outside := filepath.FromSlash("/etc/cron.d/job")
	st, err := f.session.Do(context.Background(), f.writeReq(outside))
	require.Error(t, err)
	assert.True(t, policy.IsViolation(err), "blocked step surfaces a typed violation")

	var v *policy.Violation
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "boundary", v.Stage)

	assert.Equal(t, step.StatusBlocked, st.Status)
	assert.Equal(t, step.DecisionDeny, st.Decision)
	assert.Zero(t, f.invoker.CallCount("fs.write"), "underlying operation never invoked on DENY")
	assert.Equal(t, 1, f.session.Blocked())

	events := f.events(t)
	se := eventsFor(events, "step-1")
	require.Len(t, se, 3)
	assert.Equal(t, trace.EventPolicyCheck, se[1].Type)
	assert.Equal(t, step.DecisionDeny, se[1].Decision)
	assert.Equal(t, "boundary", se[1].Stage)
	assert.Equal(t, trace.EventStepEnd, se[2].Type)
	assert.Equal(t, step.StatusBlocked, se[2].Status)
}

func TestAtMostOneExecutionWithinRun(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	req := f.writeReq("out.txt")

	first, err := f.session.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, step.StatusSuccess, first.Status)

	second, err := f.session.Do(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, step.StatusReplayed, second.Status)
	assert.Equal(t, first.Output, second.Output)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.Equal(t, 1, f.invoker.CallCount("fs.write"), "a succeeded fingerprint is never re-executed")

	// Replay never consults policy: no POLICY_CHECK for the second step.
	events := f.events(t)
	se := eventsFor(events, "step-2")
	require.Len(t, se, 2)
	assert.Equal(t, trace.EventStepStart, se[0].Type)
	assert.Equal(t, trace.EventStepEnd, se[1].Type)
	assert.Equal(t, step.StatusReplayed, se[1].Status)
}

func TestSuccessfulReplayAcrossRuns(t *testing.T) {
	// Run 1 executes the step for real.
	run1 := newFixture(t, allowAll(), nil)
	_, err := run1.session.Do(context.Background(), run1.writeReq("out.txt"))
	require.NoError(t, err)
	history := replay.FromTrace(run1.events(t))
	require.Len(t, history, 1)

	// Run 2 is seeded with run 1's trace. The sandbox must match for the
	// fingerprints to line up, so reuse run 1's.
	w, err := trace.NewWriter(filepath.Join(t.TempDir(), "run2.trace"))
	require.NoError(t, err)
	inv := &testutil.ScriptedInvoker{}
	s2, err := NewSession(Config{
		Policy:      allowAll(),
		SandboxRoot: run1.sandbox,
		TraceWriter: w,
		History:     history,
		Invoker:     inv,
	})
	require.NoError(t, err)
	defer s2.Close()

	st, err := s2.Do(context.Background(), run1.writeReq("out.txt"))
	require.NoError(t, err)
	assert.Equal(t, step.StatusReplayed, st.Status)
	assert.Equal(t, "Wrote 5 bytes", st.Output, "historical output returned verbatim")
	assert.Empty(t, inv.Calls(), "operation not re-invoked on replay")
}

func TestReplayHistoryWithInRunRepeats(t *testing.T) {
	// A run whose second step replayed in-run records [A, A, B]. Re-driving
	// the identical stream serves the repeat from cache, which must still
	// consume the cursor position so B replays instead of diverging.
	f := newFixture(t, allowAll(), func(sandbox string) []replay.Recorded {
		fpA := mustResolve(t, "tool.a", sandbox)
		return []replay.Recorded{
			{StepID: "h1", Fingerprint: fpA, Status: step.StatusSuccess, Output: "out-a"},
			{StepID: "h2", Fingerprint: fpA, Status: step.StatusReplayed, Output: "out-a"},
			{StepID: "h3", Fingerprint: mustResolve(t, "tool.b", sandbox), Status: step.StatusSuccess, Output: "out-b"},
		}
	})
	ctx := context.Background()

	first, err := f.session.Do(ctx, step.Request{Tool: "tool.a"})
	require.NoError(t, err)
	assert.Equal(t, step.StatusReplayed, first.Status)

	repeat, err := f.session.Do(ctx, step.Request{Tool: "tool.a"})
	require.NoError(t, err)
	assert.Equal(t, step.StatusReplayed, repeat.Status)
	assert.Equal(t, "out-a", repeat.Output)

	b, err := f.session.Do(ctx, step.Request{Tool: "tool.b"})
	require.NoError(t, err)
	assert.Equal(t, step.StatusReplayed, b.Status)
	assert.Equal(t, "out-b", b.Output)

	assert.False(t, f.session.Diverged())
	assert.Empty(t, f.invoker.Calls())
	for _, e := range f.events(t) {
		assert.NotEqual(t, trace.EventReplayDiverged, e.Type)
	}
}

func TestCachedRepeatNotInHistoryLeavesCursorAlone(t *testing.T) {
	// History [A, B] against live [A, A, B]: the repeated A is an in-run
	// cache hit that does not match the next historical step, so the
	// cursor must hold at B rather than diverge.
	f := newFixture(t, allowAll(), func(sandbox string) []replay.Recorded {
		return []replay.Recorded{
			{StepID: "h1", Fingerprint: mustResolve(t, "tool.a", sandbox), Status: step.StatusSuccess, Output: "out-a"},
			{StepID: "h2", Fingerprint: mustResolve(t, "tool.b", sandbox), Status: step.StatusSuccess, Output: "out-b"},
		}
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		a, err := f.session.Do(ctx, step.Request{Tool: "tool.a"})
		require.NoError(t, err)
		assert.Equal(t, step.StatusReplayed, a.Status)
	}

	b, err := f.session.Do(ctx, step.Request{Tool: "tool.b"})
	require.NoError(t, err)
	assert.Equal(t, step.StatusReplayed, b.Status)
	assert.False(t, f.session.Diverged())
	assert.Empty(t, f.invoker.Calls())
}

func TestReplayPrefixSemantics(t *testing.T) {
	f := newFixture(t, allowAll(), func(sandbox string) []replay.Recorded {
		return []replay.Recorded{
			{StepID: "h1", Fingerprint: mustResolve(t, "tool.a", sandbox), Status: step.StatusSuccess, Output: "out-a"},
			{StepID: "h2", Fingerprint: mustResolve(t, "tool.b", sandbox), Status: step.StatusSuccess, Output: "out-b"},
			{StepID: "h3", Fingerprint: mustResolve(t, "tool.c", sandbox), Status: step.StatusSuccess, Output: "out-c"},
		}
	})
	ctx := context.Background()

	a, err := f.session.Do(ctx, step.Request{Tool: "tool.a"})
	require.NoError(t, err)
	assert.Equal(t, step.StatusReplayed, a.Status)
	assert.Equal(t, "out-a", a.Output)

	b, err := f.session.Do(ctx, step.Request{Tool: "tool.b"})
	require.NoError(t, err)
	assert.Equal(t, step.StatusReplayed, b.Status)

	// Live step D diverges from expected C.
	d, err := f.session.Do(ctx, step.Request{Tool: "tool.d"})
	require.NoError(t, err)
	assert.Equal(t, step.StatusSuccess, d.Status)
	assert.True(t, f.session.Diverged())

	// Even the exact historical next step never replays after divergence.
	c, err := f.session.Do(ctx, step.Request{Tool: "tool.c"})
	require.NoError(t, err)
	assert.Equal(t, step.StatusSuccess, c.Status)
	assert.Equal(t, []string{"tool.d", "tool.c"}, f.invoker.Calls())

	// Exactly one divergence event in the trace.
	diverged := 0
	for _, e := range f.events(t) {
		if e.Type == trace.EventReplayDiverged {
			diverged++
		}
	}
	assert.Equal(t, 1, diverged)
}

func TestResolutionErrorFailsStepWithoutPipeline(t *testing.T) {
	f := newFixture(t, allowAll(), nil)

	st, err := f.session.Do(context.Background(), step.Request{
		Tool:   "fs.write",
		Params: map[string]any{"fn": func() {}},
	})
	require.Error(t, err)
	assert.True(t, fingerprint.IsResolutionError(err))
	assert.Equal(t, step.StatusFailed, st.Status)
	assert.Empty(t, st.Decision, "pipeline never ran")
	assert.Empty(t, f.invoker.Calls())

	events := f.events(t)
	se := eventsFor(events, "step-1")
	require.Len(t, se, 2, "STEP_START and STEP_END only")
	assert.Empty(t, se[0].Fingerprint)
	assert.Equal(t, step.StatusFailed, se[1].Status)
}

func TestOperationFailurePropagatedUnchanged(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	sentinel := errors.New("disk full")
	f.invoker.Fail["fs.write"] = sentinel

	st, err := f.session.Do(context.Background(), f.writeReq("out.txt"))
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel, "operation failures pass through unwrapped")
	assert.Equal(t, step.StatusFailed, st.Status)
	assert.Equal(t, "disk full", st.Err)

	// A failed fingerprint is not cached: a retry executes again.
	f.invoker.Fail = map[string]error{}
	st2, err := f.session.Do(context.Background(), f.writeReq("out.txt"))
	require.NoError(t, err)
	assert.Equal(t, step.StatusSuccess, st2.Status)
	assert.Equal(t, 2, f.invoker.CallCount("fs.write"))
}

func TestEventCompleteness(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	ctx := context.Background()

	f.session.Do(ctx, f.writeReq("a.txt"))                                                  // success
	f.session.Do(ctx, f.writeReq(filepath.FromSlash("/outside.txt")))                       // blocked
	f.session.Do(ctx, step.Request{Tool: "t", Params: map[string]any{"c": make(chan int)}}) // resolution failure
	f.session.Do(ctx, f.writeReq("a.txt"))                                                  // replayed

	events := f.events(t)
	starts := map[string]int{}
	ends := map[string]int{}
	for _, e := range events {
		switch e.Type {
		case trace.EventStepStart:
			starts[e.StepID]++
			assert.Zero(t, ends[e.StepID], "STEP_START precedes STEP_END for %s", e.StepID)
		case trace.EventStepEnd:
			ends[e.StepID]++
			assert.True(t, e.Status.Terminal(), "STEP_END carries a terminal status")
		}
	}
	require.Len(t, starts, 4)
	for id := range starts {
		assert.Equal(t, 1, starts[id], "exactly one STEP_START for %s", id)
		assert.Equal(t, 1, ends[id], "exactly one STEP_END for %s", id)
	}
}

func TestAuditDecisionExecutes(t *testing.T) {
	set := &policy.Set{Version: 1, Default: "deny", Hash: "h", Rules: []policy.Rule{
		{ID: "audit-writes", Tools: []string{"fs.write"}, Effect: "audit"},
	}}
	f := newFixture(t, set, nil)

	st, err := f.session.Do(context.Background(), f.writeReq("out.txt"))
	require.NoError(t, err)
	assert.Equal(t, step.DecisionAudit, st.Decision)
	assert.Equal(t, step.StatusSuccess, st.Status)
	assert.Equal(t, 1, f.invoker.CallCount("fs.write"))
}

func TestExecutionQuota(t *testing.T) {
	dir := t.TempDir()
	w, err := trace.NewWriter(filepath.Join(dir, "run.trace"))
	require.NoError(t, err)
	inv := &testutil.ScriptedInvoker{Outputs: map[string]string{"fs.write": "Wrote 5 bytes"}}
	s, err := NewSession(Config{
		Policy:        allowAll(),
		SandboxRoot:   dir,
		TraceWriter:   w,
		Invoker:       inv,
		MaxExecutions: 1,
	})
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	first, err := s.Do(ctx, step.Request{Tool: "fs.write", Params: map[string]any{"path": "a.txt"}})
	require.NoError(t, err)
	assert.Equal(t, step.StatusSuccess, first.Status)

	second, err := s.Do(ctx, step.Request{Tool: "fs.write", Params: map[string]any{"path": "b.txt"}})
	require.Error(t, err)
	assert.True(t, IsQuotaExceeded(err))
	assert.Equal(t, step.StatusFailed, second.Status)

	// Replays are free: re-submitting the finished step still succeeds.
	again, err := s.Do(ctx, step.Request{Tool: "fs.write", Params: map[string]any{"path": "a.txt"}})
	require.NoError(t, err)
	assert.Equal(t, step.StatusReplayed, again.Status)
	assert.Equal(t, 1, inv.CallCount("fs.write"))
}

func TestSessionLookup(t *testing.T) {
	f := newFixture(t, allowAll(), func(string) []replay.Recorded {
		return []replay.Recorded{
			{StepID: "h1", Fingerprint: "hist-fp", Status: step.StatusSuccess, Output: "hist-out"},
		}
	})

	out, ok := f.session.Lookup("hist-fp")
	assert.True(t, ok)
	assert.Equal(t, "hist-out", out)

	st, err := f.session.Do(context.Background(), f.writeReq("out.txt"))
	require.NoError(t, err)
	// The live success diverged the cursor, but lookup still serves it.
	out, ok = f.session.Lookup(st.Fingerprint)
	assert.True(t, ok)
	assert.Equal(t, "Wrote 5 bytes", out)

	_, ok = f.session.Lookup("unknown")
	assert.False(t, ok)
}

func TestClosedSessionRejectsSteps(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	require.NoError(t, f.session.Close())
	require.NoError(t, f.session.Close(), "close is idempotent")

	_, err := f.session.Do(context.Background(), f.writeReq("out.txt"))
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestCancelledContextStopsNewSteps(t *testing.T) {
	f := newFixture(t, allowAll(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.session.Do(ctx, f.writeReq("out.txt"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.invoker.Calls())
}

func mustResolve(t *testing.T, tool, sandbox string) string {
	t.Helper()
	fp, err := fingerprint.Resolve(tool, nil, fingerprint.Env{SandboxRoot: sandbox})
	require.NoError(t, err)
	return fp
}
