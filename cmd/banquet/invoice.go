package main

import (
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/platinummonkey/banquet/pkg/observability"
)

// InvoiceOptions holds flags for the invoice subcommands
type InvoiceOptions struct {
	*RootOptions
	Now     string
	QuoteID int64
	Prices  map[string]int64
	Actor   string
}

// NewInvoiceCommand groups the invoice triggers
func NewInvoiceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InvoiceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "invoice",
		Short: "Create and revise invoices",
	}
	cmd.PersistentFlags().StringVar(&opts.Now, "now", "", "act as of this date (YYYY-MM-DD) or instant (RFC 3339)")

	cmd.AddCommand(newInvoiceCreateCommand(opts))
	cmd.AddCommand(newInvoiceResyncCommand(opts))
	cmd.AddCommand(newInvoiceReviseCommand(opts))
	return cmd
}

func parseID(name, value string) (int64, error) {
	id, err := strconv.ParseInt(value, 10, 64)
	if err != nil || id <= 0 {
		return 0, usageError("invalid %s %q", name, value)
	}
	return id, nil
}

func newInvoiceCreateCommand(opts *InvoiceOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <quote-id>",
		Short: "Create the invoice for a quote with its payment schedule",
		Long: `Create a draft invoice from a quote. Line items are built from the menu at
zero prices and the payment schedule is chosen from the days until the event
and the customer class.

Example:
  banquet invoice create 42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			quoteID, err := parseID("quote id", args[0])
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
			inv, err := a.invoices.CreateInvoiceFromQuote(a.context(cmd.Context()), quoteID, now)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report{Result: inv})
		},
	}
}

func newInvoiceResyncCommand(opts *InvoiceOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resync <invoice-id>",
		Short: "Rebuild line items after the quote's menu changed",
		Long: `Rebuild an invoice's line items from its quote. Prices of items that are
still on the menu are kept; new items start at zero.

Example:
  banquet invoice resync 7 --quote 42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, err := parseID("invoice id", args[0])
			if err != nil {
				return err
			}
			if opts.QuoteID <= 0 {
				return usageError("--quote is required")
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
			res, err := a.invoices.ResyncInvoice(a.context(cmd.Context()), invoiceID, opts.QuoteID, now)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report{Result: res})
		},
	}
	cmd.Flags().Int64Var(&opts.QuoteID, "quote", 0, "quote the invoice belongs to (required)")
	return cmd
}

func newInvoiceReviseCommand(opts *InvoiceOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revise <invoice-id>",
		Short: "Set unit prices and recompute totals and milestones",
		Long: `Set unit prices on line items. Totals, tax and milestone amounts are
recomputed and the invoice version is bumped.

Example:
  banquet invoice revise 7 --price 101=4000 --price 102=1000 --actor ops@example.com`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invoiceID, err := parseID("invoice id", args[0])
			if err != nil {
				return err
			}
			if len(opts.Prices) == 0 {
				return usageError("at least one --price is required")
			}
			prices := make(map[int64]int64, len(opts.Prices))
			keys := make([]string, 0, len(opts.Prices))
			for k := range opts.Prices {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				itemID, err := parseID("line item id", k)
				if err != nil {
					return err
				}
				prices[itemID] = opts.Prices[k]
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
			res, err := a.invoices.RevisePrices(ctx, invoiceID, prices, opts.Actor, now)
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report{Result: res})
		},
	}
	cmd.Flags().StringToInt64Var(&opts.Prices, "price", nil, "line item unit price in cents as <item-id>=<cents> (repeatable)")
	cmd.Flags().StringVar(&opts.Actor, "actor", "cli", "actor recorded on the audit log")
	return cmd
}
