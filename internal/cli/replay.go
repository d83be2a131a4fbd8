package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/gate"
	"github.com/roach88/warden/internal/replay"
	"github.com/roach88/warden/internal/step"
	"github.com/roach88/warden/internal/trace"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Out string
}

// ReplayCheck is the per-step comparison emitted by `warden replay`.
type ReplayCheck struct {
	StepID   string      `json:"step_id"`
	Tool     string      `json:"tool"`
	Recorded step.Status `json:"recorded"`
	Replayed step.Status `json:"replayed"`
	Match    bool        `json:"match"`
	Detail   string      `json:"detail,omitempty"`
}

// ReplayResult is the full verdict for a replay verification.
type ReplayResult struct {
	Deterministic bool          `json:"deterministic"`
	Steps         int           `json:"steps"`
	Mismatches    int           `json:"mismatches"`
	Diverged      bool          `json:"diverged"`
	PolicyDrift   bool          `json:"policy_drift"`
	Checks        []ReplayCheck `json:"checks"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <policy.yaml> <trace-file> <sandbox-root>",
		Short: "Verify a trace replays deterministically",
		Long: `Re-drive every recorded step through a fresh session seeded with the
trace's own outcomes. Execution is suppressed: a deterministic trace
replays entirely from history and never reaches an operation.

A step counts as deterministic when a recorded success replays with the
same output, and a recorded block or failure reproduces the same
terminal status. Any mismatch, or any divergence from the recorded
order, makes the whole verification fail.

The sandbox root must be the one the trace was recorded under, since it
participates in step fingerprints.

Examples:
  warden replay policy.yaml ./run.trace ./sandbox
  warden replay policy.yaml ./run.trace ./sandbox --format json`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], args[1], args[2], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Out, "out", "", "path for the verification trace (default <trace-file>.replay)")

	return cmd
}

func runReplay(opts *ReplayOptions, policyPath, tracePath, sandbox string, cmd *cobra.Command) error {
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel(opts.Verbose),
	}))

	set, err := loadPolicy(policyPath)
	if err != nil {
		return err
	}

	events, corrupt, err := trace.ReadAll(tracePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace", err)
	}
	for _, c := range corrupt {
		log.Warn("skipping corrupt trace record", "error", c)
	}

	recorded := recordedSteps(events)
	if len(recorded) == 0 {
		return NewExitError(ExitCommandError, "trace has no completed steps to replay")
	}

	drift := false
	if hash := recordedPolicyHash(events); hash != "" && hash != set.Hash {
		drift = true
		log.Warn("policy changed since recorded run", "recorded", hash, "current", set.Hash)
	}

	outPath := opts.Out
	if outPath == "" {
		outPath = tracePath + ".replay"
	}
	w, err := trace.NewWriter(outPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open verification trace", err)
	}

	session, err := gate.NewSession(gate.Config{
		Policy:      set,
		SandboxRoot: sandbox,
		TraceWriter: w,
		History:     replay.FromTrace(events),
		Invoker:     suppressedInvoker{},
		Logger:      log,
	})
	if err != nil {
		w.Close()
		return WrapExitError(ExitFailure, "failed to start session", err)
	}

	result := ReplayResult{PolicyDrift: drift}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	for _, rec := range recorded {
		st, _ := session.Do(ctx, rec.Request)
		if st == nil {
			session.Close()
			return WrapExitError(ExitFailure, "session stopped during replay", nil)
		}
		check := ReplayCheck{
			StepID:   rec.StepID,
			Tool:     rec.Request.Tool,
			Recorded: rec.Status,
			Replayed: st.Status,
		}
		switch rec.Status {
		case step.StatusSuccess, step.StatusReplayed:
			check.Match = st.Status == step.StatusReplayed && st.Output == rec.Output
			if st.Status == step.StatusReplayed && st.Output != rec.Output {
				check.Detail = fmt.Sprintf("output changed: recorded %q, replayed %q", rec.Output, st.Output)
			}
		default:
			check.Match = st.Status == rec.Status
		}
		if !check.Match {
			result.Mismatches++
			if check.Detail == "" {
				check.Detail = fmt.Sprintf("recorded %s, replayed %s", rec.Status, st.Status)
			}
		}
		result.Checks = append(result.Checks, check)
	}
	result.Steps = len(result.Checks)
	result.Diverged = session.Diverged()
	result.Deterministic = result.Mismatches == 0 && !result.Diverged
	if err := session.Close(); err != nil {
		return WrapExitError(ExitFailure, "failed to close verification trace", err)
	}

	if opts.Format == "json" {
		formatter := &OutputFormatter{Format: "json", Writer: cmd.OutOrStdout()}
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		out := cmd.OutOrStdout()
		for _, c := range result.Checks {
			if c.Match {
				fmt.Fprintf(out, "ok       %s %s\n", c.StepID, c.Tool)
			} else {
				fmt.Fprintf(out, "mismatch %s %s: %s\n", c.StepID, c.Tool, c.Detail)
			}
		}
		if result.Deterministic {
			fmt.Fprintf(out, "replay deterministic: %d step(s) verified\n", result.Steps)
		} else {
			fmt.Fprintf(out, "replay non-deterministic: %d mismatch(es), diverged=%v\n",
				result.Mismatches, result.Diverged)
		}
	}

	if !result.Deterministic {
		return NewExitError(ExitFailure, "trace did not replay deterministically")
	}
	return nil
}

// recordedStep pairs a step's original request with its terminal outcome.
type recordedStep struct {
	StepID  string
	Request step.Request
	Status  step.Status
	Output  string
}

// recordedSteps reconstructs the run's requests from STEP_START records and
// joins each with its STEP_END, preserving start order. Steps without a
// terminal record (crash mid-step) are skipped.
func recordedSteps(events []trace.Event) []recordedStep {
	byID := make(map[string]int)
	var steps []recordedStep
	for _, e := range events {
		switch e.Type {
		case trace.EventStepStart:
			byID[e.StepID] = len(steps)
			steps = append(steps, recordedStep{
				StepID: e.StepID,
				Request: step.Request{
					Tool:    e.Tool,
					Params:  e.Params,
					Effects: e.Effects,
				},
			})
		case trace.EventStepEnd:
			if i, ok := byID[e.StepID]; ok {
				steps[i].Status = e.Status
				steps[i].Output = e.Output
			}
		}
	}
	complete := steps[:0]
	for _, s := range steps {
		if s.Status.Terminal() {
			complete = append(complete, s)
		}
	}
	return complete
}
