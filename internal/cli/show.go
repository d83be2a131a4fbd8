package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/trace"
)

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	SummaryOnly bool
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <trace-file>",
		Short: "Render a trace in event order",
		Long: `Render a recorded trace: every lifecycle event in append order,
followed by terminal-status counts.

A truncated final record (from a crash mid-append) is dropped silently;
corrupt interior records are reported and skipped.

Examples:
  warden show ./run.trace
  warden show ./run.trace --summary
  warden show ./run.trace --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.SummaryOnly, "summary", false, "print terminal-status counts only")

	return cmd
}

func runShow(opts *ShowOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	events, corrupt, err := trace.ReadAll(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace", err)
	}
	for _, c := range corrupt {
		fmt.Fprintf(formatter.GetErrWriter(), "warning: %v\n", c)
	}
	formatter.VerboseLog("read %d event(s) from %s", len(events), path)

	summary := trace.Summarize(events)

	if opts.Format == "json" {
		data := map[string]any{"summary": summary}
		if !opts.SummaryOnly {
			data["events"] = events
		}
		return formatter.Success(data)
	}

	out := cmd.OutOrStdout()
	if !opts.SummaryOnly {
		trace.Render(out, events)
	}
	fmt.Fprintf(out, "%d steps: %d executed, %d replayed, %d blocked, %d failed\n",
		summary.Steps, summary.Success, summary.Replayed, summary.Blocked, summary.Failed)
	if summary.Diverged {
		fmt.Fprintln(out, "replay diverged during this run")
	}
	return nil
}
