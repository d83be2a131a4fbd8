package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/warden/internal/policy"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <policy.yaml>",
		Short: "Validate a policy file",
		Long: `Validate a policy file against the policy schema and compile its rule
conditions, without running anything.

Reports the rule count and the policy hash on success. The hash is what
a run records on its trace, so two runs under byte-different but
semantically identical policy files compare equal by hash.

Examples:
  warden validate policy.yaml
  warden validate policy.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	set, err := loadPolicy(path)
	if err != nil {
		formatter.Error("E_POLICY", err.Error(), nil)
		return err
	}

	// Compiling the rule stage catches CEL errors the schema cannot.
	if _, err := policy.NewRuleStage(set); err != nil {
		formatter.Error("E_POLICY", err.Error(), nil)
		return WrapExitError(ExitCommandError, "policy rules failed to compile", err)
	}

	if opts.Format == "json" {
		return formatter.Success(map[string]any{
			"rules":   len(set.Rules),
			"default": set.Default,
			"hash":    set.Hash,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "policy valid: %d rule(s), default %s, hash %s\n",
		len(set.Rules), set.Default, set.Hash)
	return nil
}

// loadPolicy loads and schema-checks a policy file, translating failures to
// command errors.
func loadPolicy(path string) (*policy.Set, error) {
	set, err := policy.Load(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load policy", err)
	}
	return set, nil
}

func logLevel(verbose bool) slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
