package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/gate"
	"github.com/roach88/warden/internal/harness"
	"github.com/roach88/warden/internal/replay"
	"github.com/roach88/warden/internal/step"
	"github.com/roach88/warden/internal/store"
	"github.com/roach88/warden/internal/trace"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Trace      string
	ReplayFrom string
	Database   string
	AllowHosts []string
	MaxSteps   int

	// IDs allows overriding the step ID generator (for testing).
	// If nil, defaults to UUIDv7.
	IDs gate.IDGenerator
}

// StepReport is the per-step result record emitted by `warden run`.
type StepReport struct {
	StepID      string      `json:"step_id"`
	Tool        string      `json:"tool"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	Status      step.Status `json:"status"`
	Output      string      `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <policy.yaml> <sandbox-root>",
		Short: "Run a guarded session from stdin step requests",
		Long: `Run a guarded session: read step requests from stdin, drive each one
through the policy gate, and append every outcome to the trace.

Step requests are line-delimited JSON objects:
  {"tool": "fs.write", "params": {"path": "out.txt", "data": "hi"}, "effects": [{"kind": "fs", "target": "out.txt", "write": true}]}

With --replay-from, outcomes recorded on a prior trace are returned
without re-executing, for as long as this run's steps match that
trace's order.

Examples:
  warden run --trace ./run.trace policy.yaml ./sandbox < steps.jsonl
  warden run --trace ./run2.trace --replay-from ./run.trace policy.yaml ./sandbox < steps.jsonl`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Trace, "trace", "", "path to write the trace (required)")
	_ = cmd.MarkFlagRequired("trace")
	cmd.Flags().StringVar(&opts.ReplayFrom, "replay-from", "", "prior trace to replay finished steps from")
	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite index to record this trace's outcomes in")
	cmd.Flags().StringSliceVar(&opts.AllowHosts, "allow-host", nil, "host allowed for network effects (repeatable)")
	cmd.Flags().IntVar(&opts.MaxSteps, "max-steps", 0, "limit on live executions in this run (0 = unlimited)")

	return cmd
}

func runSession(opts *RunOptions, policyPath, sandbox string, cmd *cobra.Command) error {
	// Configure logging based on verbose flag
	log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: logLevel(opts.Verbose),
	}))

	set, err := loadPolicy(policyPath)
	if err != nil {
		return err
	}
	log.Info("policy loaded", "rules", len(set.Rules), "default", set.Default, "hash", set.Hash)

	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		return WrapExitError(ExitCommandError, "failed to create sandbox root", err)
	}

	var history []replay.Recorded
	if opts.ReplayFrom != "" {
		events, corrupt, err := trace.ReadAll(opts.ReplayFrom)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read replay trace", err)
		}
		for _, c := range corrupt {
			log.Warn("skipping corrupt trace record", "error", c)
		}
		if hash := recordedPolicyHash(events); hash != "" && hash != set.Hash {
			log.Warn("policy changed since recorded run; replayed outcomes were decided under the old policy",
				"recorded", hash, "current", set.Hash)
		}
		history = replay.FromTrace(events)
		log.Info("replay history loaded", "trace", opts.ReplayFrom, "steps", len(history))
	}

	w, err := trace.NewWriter(opts.Trace)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open trace", err)
	}

	session, err := gate.NewSession(gate.Config{
		Policy:        set,
		SandboxRoot:   sandbox,
		AllowHosts:    opts.AllowHosts,
		TraceWriter:   w,
		History:       history,
		Invoker:       &harness.FSInvoker{Root: sandbox},
		IDs:           opts.IDs,
		Logger:        log,
		MaxExecutions: opts.MaxSteps,
	})
	if err != nil {
		w.Close()
		return WrapExitError(ExitFailure, "failed to start session", err)
	}

	// Setup signal handling for graceful shutdown
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			log.Info("received signal, stopping after current step", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	reports, runErr := driveSteps(ctx, session, cmd.InOrStdin(), formatter)
	if closeErr := session.Close(); closeErr != nil {
		log.Error("trace close failed", "error", closeErr)
		if runErr == nil {
			runErr = WrapExitError(ExitFailure, "failed to close trace", closeErr)
		}
	}
	if runErr != nil {
		return runErr
	}

	summary := summarize(reports)
	if opts.Format == "json" {
		if err := formatter.Success(map[string]any{
			"steps":   reports,
			"summary": summary,
			"trace":   opts.Trace,
		}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "run complete: %d steps, %d executed, %d replayed, %d blocked, %d failed\n",
			summary.Steps, summary.Success, summary.Replayed, summary.Blocked, summary.Failed)
	}

	if opts.Database != "" {
		if err := indexTrace(ctx, opts.Database, opts.Trace); err != nil {
			return WrapExitError(ExitFailure, "failed to index trace", err)
		}
		log.Info("trace indexed", "db", opts.Database, "ref", opts.Trace)
	}

	if summary.Blocked > 0 {
		return NewExitError(ExitBlocked, fmt.Sprintf("%d step(s) blocked by policy", summary.Blocked))
	}
	return nil
}

// driveSteps feeds each stdin request through the session. Blocked and
// failed steps are reported and the run continues; only malformed input or
// cancellation stops it.
func driveSteps(ctx context.Context, session *gate.Session, in io.Reader, formatter *OutputFormatter) ([]StepReport, error) {
	var reports []StepReport
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var req step.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return reports, WrapExitError(ExitCommandError, fmt.Sprintf("malformed step request on line %d", line), err)
		}
		if req.Tool == "" {
			return reports, NewExitError(ExitCommandError, fmt.Sprintf("step request on line %d has no tool", line))
		}

		st, err := session.Do(ctx, req)
		if st == nil {
			// Session-level refusal: closed or cancelled.
			return reports, WrapExitError(ExitFailure, "session stopped", err)
		}
		report := StepReport{
			StepID:      st.ID,
			Tool:        st.Tool,
			Fingerprint: st.Fingerprint,
			Status:      st.Status,
			Output:      st.Output,
			Error:       st.Err,
		}
		if report.Error == "" && err != nil {
			report.Error = err.Error()
		}
		reports = append(reports, report)
		formatter.VerboseLog("step %s %s fp=%s", report.StepID, report.Status, report.Fingerprint)
		if formatter.Format != "json" {
			printReport(formatter.Writer, report)
		}
	}
	if err := scanner.Err(); err != nil {
		return reports, WrapExitError(ExitCommandError, "failed to read step requests", err)
	}
	return reports, nil
}

func printReport(w io.Writer, r StepReport) {
	switch r.Status {
	case step.StatusSuccess, step.StatusReplayed:
		fmt.Fprintf(w, "%-8s %s => %s\n", r.Status, r.Tool, r.Output)
	default:
		fmt.Fprintf(w, "%-8s %s => %s\n", r.Status, r.Tool, r.Error)
	}
}

func summarize(reports []StepReport) trace.Summary {
	var s trace.Summary
	for _, r := range reports {
		s.Steps++
		switch r.Status {
		case step.StatusSuccess:
			s.Success++
		case step.StatusReplayed:
			s.Replayed++
		case step.StatusBlocked:
			s.Blocked++
		case step.StatusFailed:
			s.Failed++
		}
	}
	return s
}

// recordedPolicyHash finds the policy hash on a trace's RUN_START record.
func recordedPolicyHash(events []trace.Event) string {
	for _, e := range events {
		if e.Type == trace.EventRunStart {
			return e.PolicyHash
		}
	}
	return ""
}

// indexTrace records a finished trace's outcomes in the lookup index.
func indexTrace(ctx context.Context, dbPath, tracePath string) error {
	events, _, err := trace.ReadAll(tracePath)
	if err != nil {
		return err
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.IndexTrace(ctx, tracePath, events)
}
