package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/observability"
	"github.com/platinummonkey/banquet/pkg/workflow"
)

// TransitionOptions holds flags for manual status changes
type TransitionOptions struct {
	*RootOptions
	Now    string
	Actor  string
	Reason string
}

// NewTransitionCommand applies manual admin or customer status changes
// through the same guards the sweeps use.
func NewTransitionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TransitionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "transition",
		Short: "Move an invoice or quote to a new status",
		Long: `Move an invoice or quote to a new status. The move must be allowed from
the current status and pass its guard; moving to the current status is a
no-op.

Example:
  banquet transition invoice 7 sent --actor ops@example.com
  banquet transition quote 42 cancelled --reason "client called off event"`,
	}
	cmd.PersistentFlags().StringVar(&opts.Now, "now", "", "act as of this date (YYYY-MM-DD) or instant (RFC 3339)")
	cmd.PersistentFlags().StringVar(&opts.Actor, "actor", "cli", "actor recorded on the state log")
	cmd.PersistentFlags().StringVar(&opts.Reason, "reason", "", "reason recorded on the state log")

	invoice := func(ctx context.Context, e *workflow.Engine, id int64, to string, o *TransitionOptions, now time.Time) (workflow.Result, error) {
		return e.TransitionInvoice(ctx, id, billing.InvoiceStatus(to), o.Actor, o.Reason, now)
	}
	quote := func(ctx context.Context, e *workflow.Engine, id int64, to string, o *TransitionOptions, now time.Time) (workflow.Result, error) {
		return e.TransitionQuote(ctx, id, billing.QuoteStatus(to), o.Actor, o.Reason, now)
	}
	cmd.AddCommand(newTransitionSubcommand(opts, billing.EntityInvoice, invoice))
	cmd.AddCommand(newTransitionSubcommand(opts, billing.EntityQuote, quote))
	return cmd
}

type transitionFunc func(ctx context.Context, e *workflow.Engine, id int64, to string, o *TransitionOptions, now time.Time) (workflow.Result, error)

func newTransitionSubcommand(opts *TransitionOptions, entity billing.EntityType, apply transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   string(entity) + " <id> <status>",
		Short: "Move a " + string(entity) + " to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(string(entity)+" id", args[0])
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), opts.RootOptions, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			now, err := parseNow(opts.Now, a.loc)
			if err != nil {
				return err
			}
			ctx := observability.WithActor(a.context(cmd.Context()), opts.Actor)
			res, err := apply(ctx, a.engine, id, args[1], opts, now)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report{Result: res})
		},
	}
}
