package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/banquet/pkg/billing"
)

// PaidToleranceCents absorbs rounding between the payment processor and stored totals
const PaidToleranceCents = 1

// InvoiceSnapshot is the fresh state a guard sees for an invoice
type InvoiceSnapshot struct {
	Invoice *billing.Invoice
	// Items is loaded only for draft -> sent
	Items []billing.LineItem
	// PaidCents is loaded only for payment transitions
	PaidCents int64
	Today     time.Time
}

// QuoteSnapshot is the fresh state a guard sees for a quote
type QuoteSnapshot struct {
	Quote *billing.Quote
	// InvoicePaid is loaded only for transitions to confirmed
	InvoicePaid bool
	Today       time.Time
}

// Statuses an invoice moves through before it is settled
var invoiceOpen = []billing.InvoiceStatus{
	billing.InvoiceStatusSent,
	billing.InvoiceStatusApproved,
	billing.InvoiceStatusPaymentPending,
	billing.InvoiceStatusPartiallyPaid,
}

var (
	errNoAccessToken   = errors.New("invoice has no customer access token")
	errNoBillableItems = errors.New("invoice has no line item with a non-zero quantity")
	errNoDueDate       = errors.New("invoice has no due date")
	errNoEventDate     = errors.New("quote has no event date")
	errNoPaidInvoice   = errors.New("quote has no paid invoice")
)

func guardSend(s InvoiceSnapshot, _ Trigger) error {
	if s.Invoice.AccessToken == "" {
		return errNoAccessToken
	}
	if !billing.HasBillableItem(s.Items) {
		return errNoBillableItems
	}
	return nil
}

func guardOverdue(s InvoiceSnapshot, _ Trigger) error {
	if s.Invoice.DueDate == nil {
		return errNoDueDate
	}
	if due := billing.CivilDate(*s.Invoice.DueDate); !due.Before(s.Today) {
		return fmt.Errorf("due date %s is not before %s", due.Format(time.DateOnly), s.Today.Format(time.DateOnly))
	}
	return nil
}

func guardPaid(s InvoiceSnapshot, _ Trigger) error {
	if s.PaidCents < s.Invoice.TotalCents-PaidToleranceCents {
		return fmt.Errorf("paid %d of %d", s.PaidCents, s.Invoice.TotalCents)
	}
	return nil
}

func guardPartiallyPaid(s InvoiceSnapshot, _ Trigger) error {
	if s.PaidCents <= 0 {
		return errors.New("no completed payment")
	}
	if s.PaidCents >= s.Invoice.TotalCents-PaidToleranceCents {
		return fmt.Errorf("paid %d covers total %d", s.PaidCents, s.Invoice.TotalCents)
	}
	return nil
}

func guardConfirm(s QuoteSnapshot, trigger Trigger) error {
	if trigger == Automatic && !s.InvoicePaid {
		return errNoPaidInvoice
	}
	return nil
}

func guardComplete(s QuoteSnapshot, _ Trigger) error {
	if s.Quote.EventDate == nil {
		return errNoEventDate
	}
	yesterday := billing.AddDays(s.Today, -1)
	if event := billing.CivilDate(*s.Quote.EventDate); !event.Before(yesterday) {
		return fmt.Errorf("event date %s is not before %s", event.Format(time.DateOnly), yesterday.Format(time.DateOnly))
	}
	return nil
}

// InvoiceTransitions is the invoice lifecycle:
//
//	draft -> sent -> approved -> payment_pending -> partially_paid -> paid
//
// overdue is entered automatically from any open state once the due date passes,
// and cancelled from any non-terminal state.
var InvoiceTransitions = NewTable[billing.InvoiceStatus, InvoiceSnapshot](billing.EntityInvoice).
	Allow(billing.InvoiceStatusSent, Rule[InvoiceSnapshot]{Guard: guardSend},
		billing.InvoiceStatusDraft).
	Allow(billing.InvoiceStatusApproved, Rule[InvoiceSnapshot]{},
		billing.InvoiceStatusSent).
	Allow(billing.InvoiceStatusPaymentPending, Rule[InvoiceSnapshot]{},
		billing.InvoiceStatusSent, billing.InvoiceStatusApproved).
	Allow(billing.InvoiceStatusPartiallyPaid, Rule[InvoiceSnapshot]{Guard: guardPartiallyPaid},
		billing.InvoiceStatusSent, billing.InvoiceStatusApproved, billing.InvoiceStatusPaymentPending,
		billing.InvoiceStatusOverdue).
	Allow(billing.InvoiceStatusPaid, Rule[InvoiceSnapshot]{Guard: guardPaid},
		billing.InvoiceStatusSent, billing.InvoiceStatusApproved, billing.InvoiceStatusPaymentPending,
		billing.InvoiceStatusPartiallyPaid, billing.InvoiceStatusOverdue).
	Allow(billing.InvoiceStatusOverdue, Rule[InvoiceSnapshot]{AutomaticOnly: true, Guard: guardOverdue},
		invoiceOpen...).
	Allow(billing.InvoiceStatusCancelled, Rule[InvoiceSnapshot]{},
		billing.InvoiceStatusDraft, billing.InvoiceStatusSent, billing.InvoiceStatusApproved,
		billing.InvoiceStatusPaymentPending, billing.InvoiceStatusPartiallyPaid, billing.InvoiceStatusOverdue)

// QuoteTransitions is the quote lifecycle:
//
//	pending -> under_review -> quoted/estimated -> approved -> confirmed -> in_progress -> completed
//
// A paid invoice confirms the quote automatically from any pre-booking state,
// a confirmed quote completes automatically once its event is past, and
// cancelled is reachable from any non-terminal state.
var QuoteTransitions = NewTable[billing.QuoteStatus, QuoteSnapshot](billing.EntityQuote).
	Allow(billing.QuoteStatusUnderReview, Rule[QuoteSnapshot]{},
		billing.QuoteStatusPending).
	Allow(billing.QuoteStatusQuoted, Rule[QuoteSnapshot]{},
		billing.QuoteStatusPending, billing.QuoteStatusUnderReview).
	Allow(billing.QuoteStatusEstimated, Rule[QuoteSnapshot]{},
		billing.QuoteStatusPending, billing.QuoteStatusUnderReview).
	Allow(billing.QuoteStatusApproved, Rule[QuoteSnapshot]{},
		billing.QuoteStatusQuoted, billing.QuoteStatusEstimated).
	Allow(billing.QuoteStatusConfirmed, Rule[QuoteSnapshot]{Guard: guardConfirm},
		billing.QuoteStatusApproved).
	Allow(billing.QuoteStatusConfirmed, Rule[QuoteSnapshot]{AutomaticOnly: true, Guard: guardConfirm},
		billing.QuoteStatusPending, billing.QuoteStatusUnderReview, billing.QuoteStatusQuoted,
		billing.QuoteStatusEstimated).
	Allow(billing.QuoteStatusInProgress, Rule[QuoteSnapshot]{},
		billing.QuoteStatusConfirmed).
	Allow(billing.QuoteStatusCompleted, Rule[QuoteSnapshot]{AutomaticOnly: true, Guard: guardComplete},
		billing.QuoteStatusConfirmed).
	Allow(billing.QuoteStatusCompleted, Rule[QuoteSnapshot]{},
		billing.QuoteStatusInProgress).
	Allow(billing.QuoteStatusCancelled, Rule[QuoteSnapshot]{},
		billing.QuoteStatusPending, billing.QuoteStatusUnderReview, billing.QuoteStatusQuoted,
		billing.QuoteStatusEstimated, billing.QuoteStatusApproved, billing.QuoteStatusConfirmed,
		billing.QuoteStatusInProgress)
