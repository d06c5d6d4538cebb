package reminders

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/platinummonkey/banquet/pkg/billing"
	"github.com/platinummonkey/banquet/pkg/storage"
)

// Candidate is one entity a category wants to remind about
type Candidate struct {
	EntityType billing.EntityType
	EntityID   int64
	Recipient  string
	Name       string
	Phone      string
	Urgency    string
	// Invoice, when set, subjects the candidate to the status-change cooldown
	Invoice *billing.Invoice
	Data    map[string]interface{}
}

// Category is one kind of reminder: a candidate predicate plus its dedup rule.
// Every category shares the dispatcher's ledger check, cooldown and send path.
type Category struct {
	Type billing.ReminderType
	// OnceEver dedups against any earlier ledger entry instead of today's
	OnceEver bool
	// Select lists candidate entities only; per-entity reads belong in Load
	Select func(ctx context.Context, store Store, today time.Time) ([]Candidate, error)
	// Load, when set, re-reads the candidate just before sending. It reports
	// false when the entity no longer qualifies.
	Load func(ctx context.Context, store Store, c *Candidate, today time.Time) (bool, error)
}

// cooldownStatuses are the invoice states a fresh status change silences
var cooldownStatuses = map[billing.InvoiceStatus]bool{
	billing.InvoiceStatusApproved:       true,
	billing.InvoiceStatusPaymentPending: true,
}

// milestoneInvoiceStatuses are the invoice states whose milestones get reminders
var milestoneInvoiceStatuses = []billing.InvoiceStatus{
	billing.InvoiceStatusSent, billing.InvoiceStatusApproved,
	billing.InvoiceStatusPaymentPending, billing.InvoiceStatusPartiallyPaid,
}

// DefaultCategories returns the five reminder categories in dispatch order
func DefaultCategories(milestoneWindowDays int) []Category {
	if milestoneWindowDays <= 0 {
		milestoneWindowDays = 3
	}
	return []Category{
		{Type: billing.ReminderOverduePayment, Select: selectOverdue, Load: loadOverdue},
		{Type: billing.ReminderMilestoneDue, Select: selectMilestonesDue(milestoneWindowDays), Load: loadMilestoneInvoice},
		{Type: billing.ReminderEventWeek, Select: selectEventIn(7, billing.UrgencyNormal)},
		{Type: billing.ReminderEventTwoDay, Select: selectEventIn(2, billing.UrgencyHigh)},
		{Type: billing.ReminderThankYou, OnceEver: true, Select: selectThankYou},
	}
}

func contact(c *Candidate, q *billing.Quote) {
	c.Recipient = q.ContactEmail
	c.Name = q.ContactName
	c.Phone = q.ContactPhone
	if q.EventDate != nil {
		c.Data["event_date"] = *q.EventDate
	}
	c.Data["quote_id"] = q.ID
	c.Data["guest_count"] = q.GuestCount
}

func invoiceCandidate(id int64) Candidate {
	return Candidate{
		EntityType: billing.EntityInvoice,
		EntityID:   id,
		Data:       map[string]interface{}{"invoice_id": id},
	}
}

// loadInvoice re-reads the candidate's invoice and its quote's contact. It
// reports false when the invoice left every status in want.
func loadInvoice(ctx context.Context, store Store, c *Candidate, want ...billing.InvoiceStatus) (bool, error) {
	inv, err := store.GetInvoice(ctx, c.EntityID)
	if err != nil {
		return false, err
	}
	if !slices.Contains(want, inv.Status) {
		return false, nil
	}
	q, err := store.GetQuote(ctx, inv.QuoteID)
	if err != nil {
		return false, fmt.Errorf("quote of invoice %d: %w", inv.ID, err)
	}
	c.Invoice = inv
	c.Data["total_cents"] = inv.TotalCents
	contact(c, q)
	return true, nil
}

// selectOverdue picks every overdue invoice
func selectOverdue(ctx context.Context, store Store, today time.Time) ([]Candidate, error) {
	invoices, err := store.ListInvoices(ctx, storage.InvoiceFilter{
		Statuses: []billing.InvoiceStatus{billing.InvoiceStatusOverdue},
	})
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(invoices))
	for i, inv := range invoices {
		out[i] = invoiceCandidate(inv.ID)
	}
	return out, nil
}

// loadOverdue fills in the outstanding balance; urgency rises after two weeks
func loadOverdue(ctx context.Context, store Store, c *Candidate, today time.Time) (bool, error) {
	ok, err := loadInvoice(ctx, store, c, billing.InvoiceStatusOverdue)
	if !ok || err != nil {
		return ok, err
	}
	inv := c.Invoice
	paid, err := store.SumCompletedPayments(ctx, inv.ID)
	if err != nil {
		return false, err
	}
	c.Urgency = billing.UrgencyNormal
	daysLate := 0
	if inv.DueDate != nil {
		daysLate = billing.DaysBetween(*inv.DueDate, today)
		if daysLate > 14 {
			c.Urgency = billing.UrgencyHigh
		}
		c.Data["due_date"] = *inv.DueDate
	}
	c.Data["amount_cents"] = max(inv.TotalCents-paid, 0)
	c.Data["days_overdue"] = daysLate
	return true, nil
}

// selectMilestonesDue picks invoices with a pending milestone due within the
// window, one candidate per invoice carrying its earliest such milestone
func selectMilestonesDue(windowDays int) func(context.Context, Store, time.Time) ([]Candidate, error) {
	return func(ctx context.Context, store Store, today time.Time) ([]Candidate, error) {
		milestones, err := store.ListDueMilestones(ctx, storage.MilestoneFilter{
			Status:          billing.MilestoneStatusPending,
			DueFrom:         today,
			DueTo:           billing.AddDays(today, windowDays),
			InvoiceStatuses: milestoneInvoiceStatuses,
		})
		if err != nil {
			return nil, err
		}
		sort.SliceStable(milestones, func(i, j int) bool {
			return milestones[i].DueDate.Before(*milestones[j].DueDate)
		})

		seen := make(map[int64]bool)
		var out []Candidate
		for _, m := range milestones {
			if seen[m.InvoiceID] {
				continue
			}
			seen[m.InvoiceID] = true

			c := invoiceCandidate(m.InvoiceID)
			c.Urgency = billing.UrgencyNormal
			if billing.DaysBetween(today, *m.DueDate) <= 1 {
				c.Urgency = billing.UrgencyHigh
			}
			c.Data["amount_cents"] = m.AmountCents
			c.Data["due_date"] = *m.DueDate
			c.Data["milestone_type"] = string(m.Type)
			c.Data["percentage"] = m.Percentage
			out = append(out, c)
		}
		return out, nil
	}
}

func loadMilestoneInvoice(ctx context.Context, store Store, c *Candidate, today time.Time) (bool, error) {
	return loadInvoice(ctx, store, c, milestoneInvoiceStatuses...)
}

// selectEventIn picks confirmed quotes whose event is exactly days ahead
func selectEventIn(days int, urgency string) func(context.Context, Store, time.Time) ([]Candidate, error) {
	return func(ctx context.Context, store Store, today time.Time) ([]Candidate, error) {
		on := billing.AddDays(today, days)
		quotes, err := store.ListQuotes(ctx, storage.QuoteFilter{
			Statuses: []billing.QuoteStatus{billing.QuoteStatusConfirmed},
			EventOn:  &on,
		})
		if err != nil {
			return nil, err
		}
		out := make([]Candidate, len(quotes))
		for i, q := range quotes {
			out[i] = quoteCandidate(q, urgency)
			out[i].Data["days_until_event"] = days
		}
		return out, nil
	}
}

// selectThankYou picks completed quotes whose event was within the past week
func selectThankYou(ctx context.Context, store Store, today time.Time) ([]Candidate, error) {
	since := billing.AddDays(today, -7)
	quotes, err := store.ListQuotes(ctx, storage.QuoteFilter{
		Statuses:       []billing.QuoteStatus{billing.QuoteStatusCompleted},
		EventOnOrAfter: &since,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, len(quotes))
	for i, q := range quotes {
		out[i] = quoteCandidate(q, billing.UrgencyLow)
	}
	return out, nil
}
