package main

import (
	"github.com/spf13/cobra"

	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/invoicing"
)

// PaymentOptions holds flags for the payment subcommands
type PaymentOptions struct {
	*RootOptions
	Now         string
	AmountCents int64
	ExternalRef string
	Status      string
}

// NewPaymentCommand groups the payment processor triggers
func NewPaymentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PaymentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "payment",
		Short: "Record payment processor confirmations",
	}

	confirm := &cobra.Command{
		Use:   "confirm <invoice-id>",
		Short: "Record a payment and update the invoice's paid state",
		Long: `Record a payment confirmation. Replaying the same --ref records nothing
new. Once the completed payments cover the total the invoice moves to paid,
otherwise to partially_paid, and covered milestones are marked paid.

Example:
  banquet payment confirm 7 --amount 21800 --ref ch_3Q9x`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, err := parseID("invoice id", args[0])
			if err != nil {
				return err
			}
			status := billing.PaymentStatus(opts.Status)
			switch status {
			case billing.PaymentStatusCompleted, billing.PaymentStatusFailed, billing.PaymentStatusRefunded:
			default:
				return usageError("invalid --status %q (must be completed, failed, or refunded)", opts.Status)
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
			res, err := a.invoices.ConfirmPayment(a.context(cmd.Context()), invoicing.PaymentConfirmation{
				InvoiceID:   invoiceID,
				AmountCents: opts.AmountCents,
				Status:      status,
				ExternalRef: opts.ExternalRef,
				ReceivedAt:  now,
			}, now)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report{Result: res})
		},
	}
	confirm.Flags().Int64Var(&opts.AmountCents, "amount", 0, "amount in cents (required)")
	confirm.Flags().StringVar(&opts.ExternalRef, "ref", "", "payment processor reference (required)")
	confirm.Flags().StringVar(&opts.Status, "status", string(billing.PaymentStatusCompleted), "transaction status")
	confirm.Flags().StringVar(&opts.Now, "now", "", "receipt date (YYYY-MM-DD) or instant (RFC 3339)")
	_ = confirm.MarkFlagRequired("amount")
	_ = confirm.MarkFlagRequired("ref")

	cmd.AddCommand(confirm)
	return cmd
}
