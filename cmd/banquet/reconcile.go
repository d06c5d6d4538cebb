package main

import (
	"github.com/spf13/cobra"
)

// NewReconcileCommand runs one reconciliation pass
func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	var now string

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute stored invoice totals and report drift",
		Long: `Recompute every live invoice's totals from its line items. Drifted totals
are overwritten with an audit row; milestone percentages that do not sum to
100 are reported and left alone.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), rootOpts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			at, err := parseNow(now, a.loc)
			if err != nil {
				return err
			}
			res, err := a.reconcile(a.context(cmd.Context()), at)
			if err != nil {
				return err
			}
			err = printReport(cmd.OutOrStdout(), report{
				Result:     res,
				Violations: errorStrings(res.Violations),
				Errors:     errorStrings(res.Errors),
			})
			if err != nil {
				return err
			}
			return sweepFailed("reconciliation", res.Errors)
		},
	}
	cmd.Flags().StringVar(&now, "now", "", "audit timestamp (YYYY-MM-DD) or instant (RFC 3339)")
	return cmd
}
