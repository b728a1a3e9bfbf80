package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/automaton/internal/score"
)

// ValidationResult holds validation results for a composition file.
type ValidationResult struct {
	Valid    bool            `json:"valid"`
	Title    string          `json:"title,omitempty"`
	Sections int             `json:"sections,omitempty"`
	Events   int             `json:"events,omitempty"`
	Error    string          `json:"error,omitempty"`
	Warnings []score.Warning `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <composition.yaml>",
		Short: "Validate a composition file",
		Long: `Validate a composition file against the schema and semantic rules.

Checks tempo bounds, musical-time variants, event id uniqueness, and
section ordering. Overlapping section starts are reported as warnings.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	comp, warnings, err := score.Load(path)
	if err != nil {
		result := ValidationResult{Valid: false, Error: err.Error()}
		if opts.Format == "json" {
			if outErr := formatter.Success(result); outErr != nil {
				return outErr
			}
		} else if outErr := formatter.Error("E100", err.Error(), nil); outErr != nil {
			return outErr
		}
		return NewExitError(ExitFailure, "composition invalid")
	}

	for _, w := range warnings {
		formatter.VerboseLog("warning: %s: %s", w.Field, w.Message)
	}

	result := ValidationResult{
		Valid:    true,
		Title:    comp.Title,
		Sections: len(comp.Sections),
		Events:   len(comp.Events()),
		Warnings: warnings,
	}
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	fmt.Fprintf(formatter.Writer, "%s: valid (%d sections, %d events, %d warnings)\n",
		comp.Title, result.Sections, result.Events, len(warnings))
	return nil
}
