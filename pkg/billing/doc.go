// Package billing holds the catering billing domain model and its pure calculators.
//
// # Overview
//
// Quotes are customer event requests. Once a quote is priced, an Invoice is created with
// line items derived from the quote's menu selections and a tiered payment milestone schedule
// derived from the event date. All amounts are integer cents.
//
// # Tax
//
// TaxCalculator applies a single configured rate (in basis points) with round-half-up:
//
//	calc := billing.NewTaxCalculator(billing.DefaultTaxRateBasisPoints)
//	res, err := calc.Calculate(218000, false)
//	// res.TaxCents == 17440, res.TotalCents == 235440
//
// # Payment Schedules
//
// BuildSchedule selects a tier from the number of calendar days between the reference date and
// the event:
//
//	GOVERNMENT     any date       100% due event+30d
//	RUSH           <= 14 days     100% due now
//	SHORT_NOTICE   15-30 days     60% now, 40% at event-7d
//	MID_RANGE      31-44 days     60% now, 40% at event-14d
//	STANDARD       >= 45 days     10% now, 40% at event-30d, 50% at event-14d
//
// The last rule absorbs the rounding remainder so the amounts always sum to the total.
//
// # Line Items
//
// BuildLineItems turns a quote's menu selections into an ordered line item set, and
// MergeLineItems carries admin-entered prices forward from the previous set.
//
// # Related Packages
//
//   - pkg/workflow: status transition tables for quotes and invoices
//   - pkg/invoicing: invoice creation, resync, revision and reconciliation
package billing
