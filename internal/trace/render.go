package trace

import (
	"fmt"
	"io"

	"github.com/roach88/warden/internal/step"
)

// Render writes a human-readable listing of events to w.
//
// Output is deterministic (no wall-clock fields) so it can be compared
// against golden files; the same renderer backs `warden show` and the test
// harness snapshots.
func Render(w io.Writer, events []Event) {
	for _, e := range events {
		switch e.Type {
		case EventRunStart:
			fmt.Fprintf(w, "RUN_START policy=%s\n", short(e.PolicyHash))
		case EventStepStart:
			fmt.Fprintf(w, "STEP_START %s %s fp=%s\n", e.StepID, e.Tool, short(e.Fingerprint))
		case EventPolicyCheck:
			fmt.Fprintf(w, "POLICY_CHECK %s decision=%s", e.StepID, e.Decision)
			if e.Stage != "" {
				fmt.Fprintf(w, " stage=%s", e.Stage)
			}
			if e.Reason != "" {
				fmt.Fprintf(w, " reason=%q", e.Reason)
			}
			for _, f := range e.Flags {
				fmt.Fprintf(w, " flag=%q", f)
			}
			fmt.Fprintln(w)
		case EventSideEffect:
			mode := "read"
			if e.Effect != nil && e.Effect.Write {
				mode = "write"
			}
			if e.Effect != nil {
				fmt.Fprintf(w, "SIDE_EFFECT %s %s:%s %s\n", e.StepID, e.Effect.Kind, mode, e.Effect.Target)
			}
		case EventStepEnd:
			fmt.Fprintf(w, "STEP_END %s %s", e.StepID, e.Status)
			if e.Output != "" {
				fmt.Fprintf(w, " %q", e.Output)
			}
			if e.Error != "" {
				fmt.Fprintf(w, " error=%q", e.Error)
			}
			fmt.Fprintln(w)
		case EventReplayDiverged:
			fmt.Fprintf(w, "REPLAY_DIVERGED expected=%s got=%s\n", short(e.ExpectedFingerprint), short(e.Fingerprint))
		default:
			fmt.Fprintf(w, "%s %s\n", e.Type, e.StepID)
		}
	}
}

// Summary aggregates terminal statuses across a trace.
type Summary struct {
	Steps    int  `json:"steps"`
	Success  int  `json:"success"`
	Replayed int  `json:"replayed"`
	Blocked  int  `json:"blocked"`
	Failed   int  `json:"failed"`
	Diverged bool `json:"diverged"`
}

// Summarize computes terminal-status counts for a trace.
func Summarize(events []Event) Summary {
	var s Summary
	for _, e := range events {
		switch e.Type {
		case EventStepEnd:
			s.Steps++
			switch e.Status {
			case step.StatusSuccess:
				s.Success++
			case step.StatusReplayed:
				s.Replayed++
			case step.StatusBlocked:
				s.Blocked++
			case step.StatusFailed:
				s.Failed++
			}
		case EventReplayDiverged:
			s.Diverged = true
		}
	}
	return s
}

// short truncates a digest for display.
func short(digest string) string {
	if len(digest) > 12 {
		return digest[:12]
	}
	if digest == "" {
		return "-"
	}
	return digest
}
