package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/banquet/pkg/billing"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seedQuote(t *testing.T, s *MemoryStore, status billing.QuoteStatus, event time.Time) *billing.Quote {
	t.Helper()
	q := &billing.Quote{
		ContactName:   "Jordan Lee",
		ContactEmail:  "jordan@example.com",
		EventDate:     &event,
		GuestCount:    25,
		CustomerClass: billing.CustomerClassStandard,
		Status:        status,
	}
	require.NoError(t, s.SaveQuote(context.Background(), q))
	return q
}

func seedInvoice(t *testing.T, s *MemoryStore, quoteID int64, status billing.InvoiceStatus, due time.Time) *billing.Invoice {
	t.Helper()
	inv := &billing.Invoice{
		QuoteID:       quoteID,
		SubtotalCents: 1000,
		TaxCents:      80,
		TotalCents:    1080,
		DueDate:       &due,
		DocumentType:  billing.DocumentTypeInvoice,
		Status:        status,
		Version:       1,
	}
	items := []billing.LineItem{{Title: "Tacos", Category: billing.CategoryPackage, Quantity: 10, UnitPriceCents: 100, TotalPriceCents: 1000}}
	ms := []billing.PaymentMilestone{{Type: billing.MilestoneFull, Percentage: 100, AmountCents: 1080, DueDate: &due, Status: billing.MilestoneStatusPending}}
	require.NoError(t, s.CreateInvoice(context.Background(), inv, items, ms))
	return inv
}

func TestMemoryStore_QuoteLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	q := seedQuote(t, s, billing.QuoteStatusEstimated, day(2026, 7, 1))

	got, err := s.GetQuote(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.QuoteStatusEstimated, got.Status)

	now := day(2026, 6, 1)
	log := billing.NewStatusLog(billing.EntityQuote, q.ID, "estimated", "confirmed", billing.ActorAutomation, "paid", now)
	require.NoError(t, s.UpdateQuoteStatus(ctx, q.ID, billing.QuoteStatusEstimated, billing.QuoteStatusConfirmed, log))

	err = s.UpdateQuoteStatus(ctx, q.ID, billing.QuoteStatusEstimated, billing.QuoteStatusConfirmed, log)
	assert.ErrorIs(t, err, billing.ErrConcurrency)

	got, err = s.GetQuote(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, billing.QuoteStatusConfirmed, got.Status)
	assert.Equal(t, billing.ActorAutomation, got.StatusChangedBy)

	logs, err := s.ListStateLogs(ctx, billing.EntityQuote, q.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	_, err = s.GetQuote(ctx, 999)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestMemoryStore_SaveQuoteKeepsStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	q := seedQuote(t, s, billing.QuoteStatusQuoted, day(2026, 7, 1))

	q.Status = billing.QuoteStatusCompleted
	q.GuestCount = 80
	require.NoError(t, s.SaveQuote(ctx, q))

	got, err := s.GetQuote(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 80, got.GuestCount)
	assert.Equal(t, billing.QuoteStatusQuoted, got.Status)
}

func TestMemoryStore_ListQuotesFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a := seedQuote(t, s, billing.QuoteStatusConfirmed, day(2026, 6, 10))
	b := seedQuote(t, s, billing.QuoteStatusConfirmed, day(2026, 6, 20))
	seedQuote(t, s, billing.QuoteStatusPending, day(2026, 6, 10))

	before := day(2026, 6, 15)
	out, err := s.ListQuotes(ctx, QuoteFilter{Statuses: []billing.QuoteStatus{billing.QuoteStatusConfirmed}, EventBefore: &before})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, a.ID, out[0].ID)

	on := day(2026, 6, 20)
	out, err = s.ListQuotes(ctx, QuoteFilter{EventOn: &on})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, b.ID, out[0].ID)

	out, err = s.ListQuotes(ctx, QuoteFilter{EventOnOrAfter: &on})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestMemoryStore_DuplicateInvoice(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	q := seedQuote(t, s, billing.QuoteStatusEstimated, day(2026, 7, 1))
	seedInvoice(t, s, q.ID, billing.InvoiceStatusDraft, day(2026, 6, 1))

	err := s.CreateInvoice(ctx, &billing.Invoice{QuoteID: q.ID, Status: billing.InvoiceStatusDraft}, nil, nil)
	assert.ErrorIs(t, err, billing.ErrIntegrity)

	err = s.CreateInvoice(ctx, &billing.Invoice{QuoteID: q.ID, Status: billing.InvoiceStatusDraft, IsDraft: true}, nil, nil)
	assert.NoError(t, err, "scratch drafts do not count as duplicates")

	live, err := s.ListInvoices(ctx, InvoiceFilter{QuoteID: q.ID})
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.False(t, live[0].IsDraft)
	assert.Equal(t, billing.InvoiceStatusDraft, live[0].Status)

	all, err := s.ListInvoices(ctx, InvoiceFilter{QuoteID: q.ID, IncludeDrafts: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	err = s.CreateInvoice(ctx, &billing.Invoice{QuoteID: 12345}, nil, nil)
	assert.ErrorIs(t, err, billing.ErrNotFound)
}

func TestMemoryStore_ListInvoicesFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	q1 := seedQuote(t, s, billing.QuoteStatusEstimated, day(2026, 7, 1))
	q2 := seedQuote(t, s, billing.QuoteStatusConfirmed, day(2026, 7, 1))
	overdue := seedInvoice(t, s, q1.ID, billing.InvoiceStatusSent, day(2026, 5, 31))
	seedInvoice(t, s, q2.ID, billing.InvoiceStatusPaid, day(2026, 6, 5))

	today := day(2026, 6, 1)
	out, err := s.ListInvoices(ctx, InvoiceFilter{DueBefore: &today})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, overdue.ID, out[0].ID)

	out, err = s.ListInvoices(ctx, InvoiceFilter{QuoteStatusNotIn: []billing.QuoteStatus{billing.QuoteStatusConfirmed}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, q1.ID, out[0].QuoteID)
}

func TestMemoryStore_ApplyRevision(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	q := seedQuote(t, s, billing.QuoteStatusEstimated, day(2026, 7, 1))
	inv := seedInvoice(t, s, q.ID, billing.InvoiceStatusDraft, day(2026, 6, 1))

	items := []billing.LineItem{
		{Title: "Tacos", Category: billing.CategoryPackage, Quantity: 10, UnitPriceCents: 150, TotalPriceCents: 1500},
		{Title: "Flan", Category: billing.CategoryDesserts, Quantity: 10},
	}

	t.Run("integrity mismatch", func(t *testing.T) {
		_, err := s.ApplyRevision(ctx, Revision{InvoiceID: inv.ID, ExpectedVersion: 1, Items: items,
			Totals: billing.Totals{SubtotalCents: 1400, TaxCents: 112, TotalCents: 1512}})
		assert.ErrorIs(t, err, billing.ErrIntegrity)

		got, err := s.ListLineItems(ctx, inv.ID)
		require.NoError(t, err)
		assert.Len(t, got, 1, "failed revision must not touch line items")
	})

	t.Run("success", func(t *testing.T) {
		version, err := s.ApplyRevision(ctx, Revision{InvoiceID: inv.ID, ExpectedVersion: 1, Items: items,
			Totals: billing.Totals{SubtotalCents: 1500, TaxCents: 120, TotalCents: 1620}})
		require.NoError(t, err)
		assert.Equal(t, 2, version)

		got, err := s.GetInvoice(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1620), got.TotalCents)
		assert.Equal(t, 2, got.Version)

		li, err := s.ListLineItems(ctx, inv.ID)
		require.NoError(t, err)
		assert.Len(t, li, 2)

		ms, err := s.ListMilestones(ctx, inv.ID)
		require.NoError(t, err)
		assert.Len(t, ms, 1, "nil milestones keep the existing set")
	})

	t.Run("stale version", func(t *testing.T) {
		_, err := s.ApplyRevision(ctx, Revision{InvoiceID: inv.ID, ExpectedVersion: 1})
		assert.ErrorIs(t, err, billing.ErrConcurrency)
	})
}

func TestMemoryStore_CorrectTotals(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	q := seedQuote(t, s, billing.QuoteStatusEstimated, day(2026, 7, 1))
	inv := seedInvoice(t, s, q.ID, billing.InvoiceStatusSent, day(2026, 6, 1))
	totals := billing.Totals{SubtotalCents: 1000, TotalCents: 1000}
	audit := billing.StateLog{EntityType: billing.EntityInvoice, EntityID: inv.ID, Field: billing.FieldTotalCents, CreatedAt: day(2026, 5, 1)}

	ms, err := s.ListMilestones(ctx, inv.ID)
	require.NoError(t, err)
	ms[0].AmountCents = 1000

	t.Run("unknown milestone", func(t *testing.T) {
		err := s.CorrectTotals(ctx, inv.ID, 1, totals, []billing.PaymentMilestone{ms[0], {ID: 9999}}, audit)
		assert.ErrorIs(t, err, billing.ErrIntegrity)

		got, err := s.ListMilestones(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1080), got[0].AmountCents)
	})

	t.Run("stale version", func(t *testing.T) {
		assert.ErrorIs(t, s.CorrectTotals(ctx, inv.ID, 2, totals, ms, audit), billing.ErrConcurrency)
	})

	t.Run("success", func(t *testing.T) {
		require.NoError(t, s.CorrectTotals(ctx, inv.ID, 1, totals, ms, audit))

		got, err := s.GetInvoice(ctx, inv.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), got.TotalCents)

		after, err := s.ListMilestones(ctx, inv.ID)
		require.NoError(t, err)
		assert.NoError(t, billing.ValidateMilestones(inv.ID, got.TotalCents, after))
	})
}

func TestMemoryStore_Payments(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	q := seedQuote(t, s, billing.QuoteStatusEstimated, day(2026, 7, 1))
	inv := seedInvoice(t, s, q.ID, billing.InvoiceStatusSent, day(2026, 6, 1))

	tx := &billing.PaymentTransaction{InvoiceID: inv.ID, AmountCents: 500, Status: billing.PaymentStatusCompleted, ExternalRef: "pi_1"}
	created, err := s.RecordPayment(ctx, tx)
	require.NoError(t, err)
	assert.True(t, created)

	dup := &billing.PaymentTransaction{InvoiceID: inv.ID, AmountCents: 500, Status: billing.PaymentStatusCompleted, ExternalRef: "pi_1"}
	created, err = s.RecordPayment(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, tx.ID, dup.ID)

	_, err = s.RecordPayment(ctx, &billing.PaymentTransaction{InvoiceID: inv.ID, AmountCents: 100, Status: billing.PaymentStatusFailed, ExternalRef: "pi_2"})
	require.NoError(t, err)

	sum, err := s.SumCompletedPayments(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(500), sum)
}

func TestMemoryStore_ReminderLedger(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	q := seedQuote(t, s, billing.QuoteStatusEstimated, day(2026, 7, 1))
	inv := seedInvoice(t, s, q.ID, billing.InvoiceStatusOverdue, day(2026, 6, 1))

	sentAt := time.Date(2026, 6, 3, 9, 0, 0, 0, time.UTC)
	log := billing.ReminderLog{
		ID:         uuid.New(),
		EntityType: billing.EntityInvoice,
		EntityID:   inv.ID,
		Type:       billing.ReminderOverduePayment,
		Recipient:  "jordan@example.com",
		Urgency:    billing.UrgencyHigh,
		SentAt:     sentAt,
		SentOn:     day(2026, 6, 3),
	}
	require.NoError(t, s.AppendReminderLog(ctx, log))

	key := ReminderKey{EntityType: billing.EntityInvoice, EntityID: inv.ID, Type: billing.ReminderOverduePayment, Day: day(2026, 6, 3)}
	found, err := s.HasReminder(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)

	key.Day = day(2026, 6, 4)
	found, err = s.HasReminder(ctx, key)
	require.NoError(t, err)
	assert.False(t, found)

	key.Day = time.Time{}
	found, err = s.HasReminder(ctx, key)
	require.NoError(t, err)
	assert.True(t, found)

	log.ID = uuid.New()
	err = s.AppendReminderLog(ctx, log)
	assert.ErrorIs(t, err, billing.ErrConcurrency)

	got, err := s.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RemindersSent)
	require.NotNil(t, got.LastReminderAt)
	assert.Equal(t, sentAt, *got.LastReminderAt)
}

func TestMemoryStore_ListDueMilestones(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	q := seedQuote(t, s, billing.QuoteStatusEstimated, day(2026, 7, 1))
	inv := seedInvoice(t, s, q.ID, billing.InvoiceStatusSent, day(2026, 6, 3))

	out, err := s.ListDueMilestones(ctx, MilestoneFilter{
		Status:          billing.MilestoneStatusPending,
		DueFrom:         day(2026, 6, 1),
		DueTo:           day(2026, 6, 4),
		InvoiceStatuses: []billing.InvoiceStatus{billing.InvoiceStatusSent},
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, inv.ID, out[0].InvoiceID)

	require.NoError(t, s.MarkMilestonesPaid(ctx, inv.ID, []int64{out[0].ID}, day(2026, 6, 2)))
	out, err = s.ListDueMilestones(ctx, MilestoneFilter{Status: billing.MilestoneStatusPending, DueFrom: day(2026, 6, 1), DueTo: day(2026, 6, 4)})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMemoryStore_ConcurrentStatusWrites(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	q := seedQuote(t, s, billing.QuoteStatusEstimated, day(2026, 7, 1))
	inv := seedInvoice(t, s, q.ID, billing.InvoiceStatusSent, day(2026, 5, 1))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log := billing.NewStatusLog(billing.EntityInvoice, inv.ID, "sent", "overdue", billing.ActorAutomation, "", day(2026, 6, 1))
			if err := s.UpdateInvoiceStatus(ctx, inv.ID, billing.InvoiceStatusSent, billing.InvoiceStatusOverdue, log); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	logs, err := s.ListStateLogs(ctx, billing.EntityInvoice, inv.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestMemoryStore_PingAfterClose(t *testing.T) {
	s := NewMemoryStore()
	assert.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(context.Background()), billing.ErrExternalService)
}
