package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/automaton/internal/score"
	"github.com/roach88/automaton/internal/timeline"
)

// NewResolveCommand creates the resolve command, which prints every
// section and event's device-time offset for rehearsal planning.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <composition.yaml>",
		Short: "Resolve musical times to seconds",
		Long: `Resolve every section start and event time to seconds from the
composition start, using the composition's tempo map. Events waiting on
external triggers or conductor cues are reported as pending.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(rootOpts, args[0], cmd)
		},
	}
}

func runResolve(opts *RootOptions, path string, cmd *cobra.Command) error {
	comp, _, err := score.Load(path)
	if err != nil {
		return WrapExitError(ExitFailure, "load composition", err)
	}

	res, err := timeline.Resolve(comp)
	if err != nil {
		return WrapExitError(ExitFailure, "resolve composition", err)
	}

	out, err := res.MarshalIndent()
	if err != nil {
		return WrapExitError(ExitCommandError, "encode resolution", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
