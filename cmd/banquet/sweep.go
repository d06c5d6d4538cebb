package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/platinummonkey/banquet/pkg/notify"
)

// SweepOptions holds flags shared by the sweep subcommands
type SweepOptions struct {
	*RootOptions
	Now    string
	DryRun bool
}

// NewSweepCommand groups the run-once sweeps
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweep and exit",
		Long: `Run a single sweep immediately and print its summary as JSON.

Example:
  banquet sweep automation
  banquet sweep reminders --now 2025-06-05 --dry-run`,
	}
	cmd.PersistentFlags().StringVar(&opts.Now, "now", "", "evaluate as of this date (YYYY-MM-DD) or instant (RFC 3339)")

	cmd.AddCommand(newSweepAutomationCommand(opts))
	cmd.AddCommand(newSweepRemindersCommand(opts))
	return cmd
}

func newSweepAutomationCommand(opts *SweepOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "automation",
		Short: "Mark overdue invoices, auto-confirm and auto-complete bookings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			now, err := parseNow(opts.Now, a.loc)
			if err != nil {
				return err
			}
			res, err := a.scheduler().RunSweep(a.context(cmd.Context()), now)
			if err != nil {
				return err
			}
			if err := printReport(cmd.OutOrStdout(), report{Result: res, Errors: errorStrings(res.Errors)}); err != nil {
				return err
			}
			return sweepFailed("automation sweep", res.Errors)
		},
	}
}

func newSweepRemindersCommand(opts *SweepOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reminders",
		Short: "Send due reminders",
		Long: `Send every due reminder once per entity, type and day.

With --dry-run reminders are only logged and the reminder ledger is left
untouched, so a later real run still sends them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			now, err := parseNow(opts.Now, a.loc)
			if err != nil {
				return err
			}

			var n notify.Notifier
			if opts.DryRun {
				logrus.Info("dry run: reminders are logged, not sent")
				n = notify.NewLogNotifier(a.logger)
			} else if n, err = buildNotifier(a.cfg.Notifier, a.redis, a.metrics, a.logger); err != nil {
				return err
			}

			d, err := a.dispatcher(n, opts.DryRun)
			if err != nil {
				return err
			}
			res, err := d.RunSweep(a.context(cmd.Context()), now)
			if err != nil {
				return err
			}
			if err := printReport(cmd.OutOrStdout(), report{Result: res, Errors: errorStrings(res.Errors)}); err != nil {
				return err
			}
			return sweepFailed("reminder sweep", res.Errors)
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "log reminders instead of sending them")
	return cmd
}
