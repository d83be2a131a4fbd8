package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/store"
	"github.com/roach88/warden/internal/trace"
)

// IndexOptions holds flags for the index command.
type IndexOptions struct {
	*RootOptions
	Database    string
	List        bool
	Fingerprint string
}

// NewIndexCommand creates the index command.
func NewIndexCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IndexOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "index [trace-file]",
		Short: "Record a trace's outcomes in the lookup index",
		Long: `Record a finished trace's successful outcomes in the SQLite index, so
other tooling can look up a fingerprint's last known result without
scanning traces. Re-indexing the same trace replaces its prior rows.

With --list, print the indexed trace refs instead. With --fingerprint,
look up the recorded outcome for a single fingerprint.

Examples:
  warden index --db ./warden.db ./run.trace
  warden index --db ./warden.db --list
  warden index --db ./warden.db --fingerprint sha256:ab12...`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite index (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list indexed traces")
	cmd.Flags().StringVar(&opts.Fingerprint, "fingerprint", "", "look up the indexed outcome for a fingerprint")

	return cmd
}

func runIndex(opts *IndexOptions, args []string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	if opts.List {
		st, err := store.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open index", err)
		}
		defer st.Close()
		refs, err := st.ListTraces(ctx)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to list traces", err)
		}
		if opts.Format == "json" {
			return formatter.Success(map[string]any{"traces": refs})
		}
		for _, ref := range refs {
			fmt.Fprintln(cmd.OutOrStdout(), ref)
		}
		return nil
	}

	if opts.Fingerprint != "" {
		st, err := store.Open(opts.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open index", err)
		}
		defer st.Close()
		out, err := st.Lookup(ctx, opts.Fingerprint)
		if err != nil {
			return WrapExitError(ExitFailure, "lookup failed", err)
		}
		if out == nil {
			return NewExitError(ExitFailure, fmt.Sprintf("fingerprint %s not indexed", opts.Fingerprint))
		}
		if opts.Format == "json" {
			return formatter.Success(map[string]any{
				"fingerprint": out.Fingerprint,
				"step_id":     out.StepID,
				"trace":       out.TraceRef,
				"status":      out.Status,
				"output":      out.Output,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s (trace %s)\n", out.Fingerprint, out.StepID, out.Status, out.TraceRef)
		return nil
	}

	if len(args) != 1 {
		return NewExitError(ExitCommandError, "a trace file is required unless --list is given")
	}
	tracePath := args[0]

	events, corrupt, err := trace.ReadAll(tracePath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trace", err)
	}
	for _, c := range corrupt {
		fmt.Fprintf(formatter.GetErrWriter(), "warning: %v\n", c)
	}
	formatter.VerboseLog("indexing %d event(s) from %s", len(events), tracePath)

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open index", err)
	}
	defer st.Close()

	if err := st.IndexTrace(ctx, tracePath, events); err != nil {
		return WrapExitError(ExitFailure, "failed to index trace", err)
	}

	summary := trace.Summarize(events)
	if opts.Format == "json" {
		return formatter.Success(map[string]any{
			"ref":     tracePath,
			"indexed": summary.Success + summary.Replayed,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "indexed %s: %d outcome(s)\n", tracePath, summary.Success+summary.Replayed)
	return nil
}
